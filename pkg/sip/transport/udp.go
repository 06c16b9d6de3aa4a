package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// maxDatagram bounds a single inbound UDP frame. RFC 3261 §18.1.1 keeps
// UDP requests under the path MTU; 64k covers any datagram the socket
// can deliver.
const maxDatagram = 65535

// UDP is the datagram transport. Each datagram carries exactly one SIP
// message.
type UDP struct {
	conn   *net.UDPConn
	frames chan Frame
	closed atomic.Bool
	wg     sync.WaitGroup
	log    *slog.Logger
}

// ListenUDP binds addr ("host:port") and starts the read loop.
func ListenUDP(addr string, opts ...Option) (*UDP, error) {
	cfg := applyOptions(opts)

	lc := net.ListenConfig{Control: controlSocket}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind udp %s: %v", ErrTransportUnavailable, addr, err)
	}

	t := &UDP{
		conn:   pc.(*net.UDPConn),
		frames: make(chan Frame, 32),
		log:    cfg.logger,
	}
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

func (t *UDP) Reliable() bool      { return false }
func (t *UDP) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *UDP) Send(ctx context.Context, data []byte, peer net.Addr) error {
	if t.closed.Load() {
		return ErrTransportUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	udpAddr, err := resolveUDP(peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	if _, err := t.conn.WriteToUDP(data, udpAddr); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

func (t *UDP) Recv(ctx context.Context) (Frame, error) {
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

func (t *UDP) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	t.wg.Wait()
	close(t.frames)
	return err
}

func (t *UDP) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if !t.closed.Load() {
				t.log.Error("udp read failed", "err", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.frames <- Frame{Data: data, Peer: peer}:
		default:
			// Receiver is not draining; dropping is correct for UDP,
			// the peer's transaction timers cover retransmission.
			t.log.Warn("udp frame dropped, receive queue full", "peer", peer)
		}
	}
}

func resolveUDP(peer net.Addr) (*net.UDPAddr, error) {
	switch a := peer.(type) {
	case *net.UDPAddr:
		return a, nil
	default:
		return net.ResolveUDPAddr("udp", peer.String())
	}
}
