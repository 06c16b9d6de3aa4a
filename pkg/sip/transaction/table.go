package transaction

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/arzzra/sipuac/pkg/sip/core/types"
	"github.com/arzzra/sipuac/pkg/sip/metrics"
	"github.com/arzzra/sipuac/pkg/sip/transport"
)

// Table indexes live client transactions by their RFC 3261 key and
// routes inbound responses to the matching state machine. The facade
// owns exactly one Table per transport.
type Table struct {
	tp        transport.Transport
	timers    Timers
	collector *metrics.Collector
	log       *slog.Logger

	mu  sync.Mutex
	txs map[Key]*ClientTransaction
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithTimers overrides the RFC 3261 default timer set. Tests use this
// to shrink timers.
func WithTimers(t Timers) TableOption {
	return func(tb *Table) { tb.timers = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) TableOption {
	return func(tb *Table) { tb.log = l }
}

// WithMetrics attaches a metrics collector; nil disables collection.
func WithMetrics(c *metrics.Collector) TableOption {
	return func(tb *Table) { tb.collector = c }
}

// NewTable builds an empty table sending over tp.
func NewTable(tp transport.Transport, opts ...TableOption) *Table {
	t := &Table{
		tp:     tp,
		timers: DefaultTimers(),
		log:    slog.Default(),
		txs:    make(map[Key]*ClientTransaction),
	}
	for _, fn := range opts {
		fn(t)
	}
	return t
}

// Send creates a client transaction for req, registers it, and
// transmits the request. The transaction's timers start immediately.
func (t *Table) Send(ctx context.Context, req *types.Request, peer net.Addr) (*ClientTransaction, error) {
	key, err := KeyForRequest(req)
	if err != nil {
		return nil, err
	}

	tx := newClientTransaction(req, key, t.tp, peer, t.timers, t.collector, t.log)
	tx.onTerminate = t.remove

	t.mu.Lock()
	t.txs[key] = tx
	t.mu.Unlock()
	t.collector.TransactionStarted(tx.kind.String())

	if err := tx.start(ctx); err != nil {
		return nil, err
	}
	t.log.Debug("transaction started", "transaction", tx, "peer", peer.String())
	return tx, nil
}

// HandleResponse matches resp to a live transaction and runs its state
// machine. Returns the transaction and whether one matched; unmatched
// responses (late retransmissions of terminated transactions) are the
// caller's to discard.
func (t *Table) HandleResponse(ctx context.Context, resp *types.Response) (*ClientTransaction, bool) {
	key, err := KeyForResponse(resp)
	if err != nil {
		t.log.Debug("unmatchable response", "status", resp.Status, "err", err)
		return nil, false
	}

	t.mu.Lock()
	tx, ok := t.txs[key]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	tx.HandleResponse(ctx, resp)
	return tx, true
}

// Get returns the transaction with the given ID.
func (t *Table) Get(id string) (*ClientTransaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tx := range t.txs {
		if tx.id == id {
			return tx, true
		}
	}
	return nil, false
}

// All returns a snapshot of every live transaction.
func (t *Table) All() []*ClientTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ClientTransaction, 0, len(t.txs))
	for _, tx := range t.txs {
		out = append(out, tx)
	}
	return out
}

// Close terminates every live transaction. The transport is owned by
// the facade and closed separately.
func (t *Table) Close() {
	for _, tx := range t.All() {
		tx.Terminate()
	}
}

func (t *Table) remove(tx *ClientTransaction) {
	t.mu.Lock()
	if cur, ok := t.txs[tx.key]; ok && cur == tx {
		delete(t.txs, tx.key)
	}
	t.mu.Unlock()
	t.log.Debug("transaction removed", "transaction", tx)
}
