package transaction

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arzzra/sipuac/pkg/sip/core/builder"
	"github.com/arzzra/sipuac/pkg/sip/core/types"
	"github.com/arzzra/sipuac/pkg/sip/metrics"
	"github.com/arzzra/sipuac/pkg/sip/transport"
)

// State is a client transaction state per RFC 3261 §17.1.
type State int32

const (
	StateCalling State = iota // INVITE, awaiting first response
	StateTrying               // non-INVITE, awaiting first response
	StateProceeding
	StateCompleted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "calling"
	case StateTrying:
		return "trying"
	case StateProceeding:
		return "proceeding"
	case StateCompleted:
		return "completed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Kind separates the two client state machines.
type Kind int

const (
	KindInvite Kind = iota
	KindNonInvite
)

func (k Kind) String() string {
	if k == KindInvite {
		return "invite"
	}
	return "non-invite"
}

// ClientTransaction drives one outbound request through its RFC 3261
// state machine: retransmission on datagram transports, response
// matching, automatic ACK for non-2xx INVITE finals, and termination
// by protocol rule or timeout.
type ClientTransaction struct {
	id        string
	key       Key
	kind      Kind
	request   *types.Request
	wire      []byte // last serialized outbound bytes, for retransmit
	tp        transport.Transport
	peer      net.Addr
	timers    Timers
	createdAt time.Time

	mu          sync.Mutex
	state       State
	responses   []*types.Response
	final       *types.Response
	ack         *types.Request // ACK sent for a non-2xx final
	retransmits int
	interval    time.Duration

	timerA, timerB *time.Timer
	timerD         *time.Timer
	timerE, timerF *time.Timer
	timerK         *time.Timer

	provisionals chan *types.Response
	finalCh      chan *types.Response
	errCh        chan error
	done         chan struct{}

	onTerminate func(*ClientTransaction)
	collector   *metrics.Collector
	log         *slog.Logger
}

func newClientTransaction(req *types.Request, key Key, tp transport.Transport, peer net.Addr, timers Timers, collector *metrics.Collector, log *slog.Logger) *ClientTransaction {
	kind := KindNonInvite
	initial := StateTrying
	if req.Method == "INVITE" {
		kind = KindInvite
		initial = StateCalling
	}
	return &ClientTransaction{
		id:           key.String(),
		key:          key,
		kind:         kind,
		request:      req,
		wire:         builder.Request(req),
		tp:           tp,
		peer:         peer,
		timers:       timers,
		createdAt:    time.Now(),
		state:        initial,
		interval:     timers.T1,
		provisionals: make(chan *types.Response, 8),
		finalCh:      make(chan *types.Response, 1),
		errCh:        make(chan error, 1),
		done:         make(chan struct{}),
		collector:    collector,
		log:          log,
	}
}

func (tx *ClientTransaction) ID() string              { return tx.id }
func (tx *ClientTransaction) Key() Key                { return tx.key }
func (tx *ClientTransaction) Kind() Kind              { return tx.kind }
func (tx *ClientTransaction) Request() *types.Request { return tx.request }
func (tx *ClientTransaction) Peer() net.Addr          { return tx.peer }
func (tx *ClientTransaction) CreatedAt() time.Time    { return tx.createdAt }

// LogValue lets transactions appear as structured log attributes.
func (tx *ClientTransaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", tx.id),
		slog.String("kind", tx.kind.String()),
		slog.String("state", tx.State().String()),
		slog.String("method", tx.request.Method),
	)
}

func (tx *ClientTransaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// FinalResponse returns the final response once one arrived, else nil.
func (tx *ClientTransaction) FinalResponse() *types.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.final
}

// Responses returns every response received so far, in arrival order.
func (tx *ClientTransaction) Responses() []*types.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]*types.Response(nil), tx.responses...)
}

// Provisionals delivers 1xx responses as they arrive. The channel is
// never closed; callers multiplex it with Final.
func (tx *ClientTransaction) Provisionals() <-chan *types.Response {
	return tx.provisionals
}

// Done is closed when the transaction terminates.
func (tx *ClientTransaction) Done() <-chan struct{} { return tx.done }

// FinalCh delivers the final response (at most one value). Most
// callers use Final; the facade multiplexes this with Provisionals.
func (tx *ClientTransaction) FinalCh() <-chan *types.Response { return tx.finalCh }

// ErrCh delivers a terminal transaction error (at most one value).
func (tx *ClientTransaction) ErrCh() <-chan error { return tx.errCh }

// Final blocks until the final response, a transaction error (timeout,
// transport failure), or ctx expiry.
func (tx *ClientTransaction) Final(ctx context.Context) (*types.Response, error) {
	select {
	case resp := <-tx.finalCh:
		return resp, nil
	case err := <-tx.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CanCancel reports whether a CANCEL may be issued: only an INVITE
// transaction that has received a provisional response.
func (tx *ClientTransaction) CanCancel() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.kind == KindInvite && tx.state == StateProceeding
}

// start sends the request and arms the state machine's timers.
func (tx *ClientTransaction) start(ctx context.Context) error {
	if err := tx.tp.Send(ctx, tx.wire, tx.peer); err != nil {
		tx.mu.Lock()
		tx.terminateLocked()
		tx.mu.Unlock()
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	reliable := tx.tp.Reliable()
	if tx.kind == KindInvite {
		if !reliable {
			tx.timerA = time.AfterFunc(tx.interval, tx.onRetransmit)
		}
		tx.timerB = time.AfterFunc(tx.timers.B(), func() { tx.onTimeout("B") })
	} else {
		if !reliable {
			tx.timerE = time.AfterFunc(tx.interval, tx.onRetransmit)
		}
		tx.timerF = time.AfterFunc(tx.timers.F(), func() { tx.onTimeout("F") })
	}
	return nil
}

// onRetransmit re-sends the request. Timer A (INVITE) keeps firing with
// a doubling interval until a final arrives; Timer E (non-INVITE) is
// capped at T2 and stops on the first provisional.
func (tx *ClientTransaction) onRetransmit() {
	tx.mu.Lock()
	switch tx.kind {
	case KindInvite:
		if tx.state != StateCalling && tx.state != StateProceeding {
			tx.mu.Unlock()
			return
		}
		tx.interval *= 2
		tx.timerA = time.AfterFunc(tx.interval, tx.onRetransmit)
	case KindNonInvite:
		if tx.state != StateTrying {
			tx.mu.Unlock()
			return
		}
		tx.interval *= 2
		if tx.interval > tx.timers.T2 {
			tx.interval = tx.timers.T2
		}
		tx.timerE = time.AfterFunc(tx.interval, tx.onRetransmit)
	}
	tx.retransmits++
	wire := tx.wire
	tx.mu.Unlock()

	tx.collector.Retransmit()
	if err := tx.tp.Send(context.Background(), wire, tx.peer); err != nil {
		tx.log.Warn("retransmit failed", "transaction", tx, "err", err)
	}
}

// RetransmitCount returns how many retransmissions have been sent.
func (tx *ClientTransaction) RetransmitCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.retransmits
}

// onTimeout fires when Timer B or F elapses with no final response.
func (tx *ClientTransaction) onTimeout(timer string) {
	tx.mu.Lock()
	if tx.state == StateTerminated || tx.final != nil {
		tx.mu.Unlock()
		return
	}
	tx.terminateLocked()
	tx.mu.Unlock()

	tx.collector.TransactionTimedOut()
	select {
	case tx.errCh <- &TimeoutError{TxnID: tx.id, Timer: timer}:
	default:
	}
}

// HandleResponse runs the state-exit policies of RFC 3261 §17.1 for one
// matched response. Retransmitted finals in Completed re-trigger the
// ACK for INVITE but are not re-delivered.
func (tx *ClientTransaction) HandleResponse(ctx context.Context, resp *types.Response) {
	resp.Request = tx.request

	tx.mu.Lock()
	if tx.state == StateTerminated {
		tx.mu.Unlock()
		return
	}

	if resp.IsProvisional() {
		tx.responses = append(tx.responses, resp)
		switch tx.state {
		case StateCalling:
			tx.state = StateProceeding
		case StateTrying:
			tx.state = StateProceeding
			tx.stopTimer(&tx.timerE)
		}
		tx.mu.Unlock()
		select {
		case tx.provisionals <- resp:
		default:
			tx.log.Warn("provisional dropped, queue full", "transaction", tx)
		}
		return
	}

	// Final response.
	if tx.state == StateCompleted {
		// Retransmitted final: for INVITE, answer it with the same ACK.
		ack := tx.ack
		tx.mu.Unlock()
		if ack != nil {
			_ = tx.tp.Send(ctx, builder.Request(ack), tx.peer)
		}
		return
	}

	tx.responses = append(tx.responses, resp)
	tx.final = resp
	tx.stopTimer(&tx.timerA)
	tx.stopTimer(&tx.timerB)
	tx.stopTimer(&tx.timerE)
	tx.stopTimer(&tx.timerF)

	var ackWire []byte
	reliable := tx.tp.Reliable()
	switch {
	case tx.kind == KindInvite && resp.IsSuccess():
		// 2xx terminates the INVITE transaction at once; ACK belongs to
		// the dialog layer.
		tx.terminateLocked()
	case tx.kind == KindInvite:
		// Non-2xx final: generate the transaction-scope ACK, reusing
		// the INVITE's branch and CSeq number.
		tx.ack = buildAck(tx.request, resp)
		ackWire = builder.Request(tx.ack)
		tx.state = StateCompleted
		if d := tx.timers.DForTransport(reliable); d > 0 {
			tx.timerD = time.AfterFunc(d, tx.onLingerDone)
		} else {
			tx.terminateLocked()
		}
	default:
		tx.state = StateCompleted
		if k := tx.timers.K(reliable); k > 0 {
			tx.timerK = time.AfterFunc(k, tx.onLingerDone)
		} else {
			tx.terminateLocked()
		}
	}
	tx.mu.Unlock()

	if ackWire != nil {
		if err := tx.tp.Send(ctx, ackWire, tx.peer); err != nil {
			tx.log.Warn("ack send failed", "transaction", tx, "err", err)
		}
	}

	select {
	case tx.finalCh <- resp:
	default:
	}
}

// Ack returns the ACK generated for a non-2xx final, if any.
func (tx *ClientTransaction) Ack() *types.Request {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.ack
}

// onLingerDone fires when Timer D or K elapses in Completed.
func (tx *ClientTransaction) onLingerDone() {
	tx.mu.Lock()
	if tx.state != StateCompleted {
		tx.mu.Unlock()
		return
	}
	tx.terminateLocked()
	tx.mu.Unlock()
}

// Terminate forcibly ends the transaction (facade close).
func (tx *ClientTransaction) Terminate() {
	tx.mu.Lock()
	if tx.state == StateTerminated {
		tx.mu.Unlock()
		return
	}
	tx.terminateLocked()
	tx.mu.Unlock()

	select {
	case tx.errCh <- &TerminatedError{TxnID: tx.id}:
	default:
	}
}

// terminateLocked requires tx.mu held.
func (tx *ClientTransaction) terminateLocked() {
	if tx.state == StateTerminated {
		return
	}
	tx.state = StateTerminated
	tx.stopTimer(&tx.timerA)
	tx.stopTimer(&tx.timerB)
	tx.stopTimer(&tx.timerD)
	tx.stopTimer(&tx.timerE)
	tx.stopTimer(&tx.timerF)
	tx.stopTimer(&tx.timerK)
	close(tx.done)
	tx.collector.TransactionTerminated()
	if tx.onTerminate != nil {
		onTerminate := tx.onTerminate
		go onTerminate(tx)
	}
}

func (tx *ClientTransaction) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// buildAck constructs the ACK for a non-2xx final response per RFC 3261
// §17.1.1.3: same Request-URI, top Via (same branch), From, Call-ID and
// CSeq number as the INVITE; To copied from the response so its tag
// matches; Route headers carried over.
func buildAck(invite *types.Request, resp *types.Response) *types.Request {
	ack := types.NewRequest("ACK", invite.URI.Clone())
	if via, ok := invite.Headers.Get("Via"); ok {
		ack.Headers.Add("Via", via)
	}
	ack.Headers.Add("Max-Forwards", "70")
	if from, ok := invite.Headers.Get("From"); ok {
		ack.Headers.Add("From", from)
	}
	if to, ok := resp.Headers.Get("To"); ok {
		ack.Headers.Add("To", to)
	} else if to, ok := invite.Headers.Get("To"); ok {
		ack.Headers.Add("To", to)
	}
	if callID, ok := invite.Headers.Get("Call-ID"); ok {
		ack.Headers.Add("Call-ID", callID)
	}
	if cseq, err := invite.CSeqValue(); err == nil {
		ack.Headers.Add("CSeq", types.CSeq{Seq: cseq.Seq, Method: "ACK"}.String())
	}
	for _, route := range invite.Headers.Values("Route") {
		ack.Headers.Add("Route", route)
	}
	return ack
}
