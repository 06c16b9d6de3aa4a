package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// TLSStream is the TLS transport placeholder. It dials one persistent
// connection and reuses the stream Content-Length framing. Like WS it
// is wired explicitly, not selected by default.
type TLSStream struct {
	conn   *tls.Conn
	frames chan Frame
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
	log    *slog.Logger
}

// DialTLS connects to addr ("host:port") using cfg (nil means the
// default client configuration, which verifies the server chain).
func DialTLS(ctx context.Context, addr string, cfg *tls.Config, opts ...Option) (*TLSStream, error) {
	topts := applyOptions(opts)

	d := tls.Dialer{Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial tls %s: %v", ErrTransportUnavailable, addr, err)
	}

	t := &TLSStream{
		conn:   conn.(*tls.Conn),
		frames: make(chan Frame, 32),
		done:   make(chan struct{}),
		log:    topts.logger,
	}
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

func (t *TLSStream) Reliable() bool      { return true }
func (t *TLSStream) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *TLSStream) Send(ctx context.Context, data []byte, peer net.Addr) error {
	if t.closed.Load() {
		return ErrTransportUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

func (t *TLSStream) Recv(ctx context.Context) (Frame, error) {
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

func (t *TLSStream) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	err := t.conn.Close()
	t.wg.Wait()
	close(t.frames)
	return err
}

func (t *TLSStream) readLoop() {
	defer t.wg.Done()
	br := bufio.NewReader(t.conn)
	for {
		msg, err := readStreamMessage(br)
		if err != nil {
			if !t.closed.Load() {
				t.log.Debug("tls stream ended", "err", err)
			}
			return
		}
		select {
		case t.frames <- Frame{Data: msg, Peer: t.conn.RemoteAddr()}:
		case <-t.done:
			return
		}
	}
}
