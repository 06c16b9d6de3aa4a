package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WS is the WebSocket transport placeholder (RFC 7118). It dials one
// persistent connection and frames each SIP message as a WebSocket
// message. It is not part of the default transport set the transaction
// layer selects from; callers wire it explicitly when their registrar
// only speaks SIP-over-WebSocket.
type WS struct {
	conn   *websocket.Conn
	peer   net.Addr
	frames chan Frame
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex // serializes writes, gorilla allows one writer
	log    *slog.Logger
}

// DialWS connects to a ws:// or wss:// URL.
func DialWS(ctx context.Context, url string, opts ...Option) (*WS, error) {
	cfg := applyOptions(opts)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportUnavailable, url, err)
	}

	t := &WS{
		conn:   conn,
		peer:   conn.RemoteAddr(),
		frames: make(chan Frame, 32),
		done:   make(chan struct{}),
		log:    cfg.logger,
	}
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

func (t *WS) Reliable() bool      { return true }
func (t *WS) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Send writes data as one WebSocket message. peer is ignored: the
// connection pins the peer at dial time.
func (t *WS) Send(ctx context.Context, data []byte, peer net.Addr) error {
	if t.closed.Load() {
		return ErrTransportUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

func (t *WS) Recv(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-t.frames:
		if !ok {
			return Frame{}, ErrTransportUnavailable
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (t *WS) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	err := t.conn.Close()
	t.wg.Wait()
	close(t.frames)
	return err
}

func (t *WS) readLoop() {
	defer t.wg.Done()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !t.closed.Load() {
				t.log.Debug("ws stream ended", "peer", t.peer, "err", err)
			}
			return
		}
		select {
		case t.frames <- Frame{Data: data, Peer: t.peer}:
		case <-t.done:
			return
		}
	}
}
