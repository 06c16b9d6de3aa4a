package dialog

import (
	"log/slog"
	"net"
	"sync"

	"github.com/arzzra/sipuac/pkg/sip/core/types"
	"github.com/arzzra/sipuac/pkg/sip/metrics"
)

// Table indexes dialogs by (Call-ID, local tag, remote tag). The facade
// owns exactly one.
type Table struct {
	log       *slog.Logger
	collector *metrics.Collector

	mu      sync.Mutex
	dialogs map[Key]*Dialog
}

// NewTable builds an empty dialog table.
func NewTable(log *slog.Logger, collector *metrics.Collector) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		log:       log,
		collector: collector,
		dialogs:   make(map[Key]*Dialog),
	}
}

// OnInviteResponse feeds a response to an INVITE through dialog
// establishment: a 1xx carrying a To-tag creates an early dialog, the
// first 2xx creates or confirms the dialog. Returns the dialog (nil
// when the response forms none) and whether it was created just now.
//
// Forking policy: first 2xx wins. A later 2xx with a different To-tag
// does not create a second dialog here; the facade answers it with
// ACK+BYE (see FirstConfirmed).
func (t *Table) OnInviteResponse(invite *types.Request, resp *types.Response, peer net.Addr) (*Dialog, bool, error) {
	toTag := resp.ToTag()
	if toTag == "" || resp.Status >= 300 {
		return nil, false, nil
	}
	callID, _ := invite.Headers.Get("Call-ID")
	key := Key{CallID: callID, LocalTag: invite.FromTag(), RemoteTag: toTag}

	t.mu.Lock()
	d, ok := t.dialogs[key]
	if ok {
		t.mu.Unlock()
		if resp.IsSuccess() {
			d.confirm(resp)
		}
		return d, false, nil
	}

	if resp.IsSuccess() {
		// Forking guard: if another 2xx already confirmed a dialog for
		// this call and local tag, the first one won.
		for k, existing := range t.dialogs {
			if k.CallID == key.CallID && k.LocalTag == key.LocalTag && existing.State() == StateConfirmed {
				t.mu.Unlock()
				return nil, false, nil
			}
		}
	}
	t.mu.Unlock()

	d, err := newDialog(invite, resp, peer, t.log)
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	if raced, ok := t.dialogs[key]; ok {
		t.mu.Unlock()
		return raced, false, nil
	}
	t.dialogs[key] = d
	t.mu.Unlock()

	t.collector.DialogCreated()
	t.log.Debug("dialog created", "dialog", d)
	return d, true, nil
}

// FirstConfirmed returns the confirmed dialog for (callID, localTag),
// if any. Used by the forking guard to tear down late 2xx responses.
func (t *Table) FirstConfirmed(callID, localTag string) (*Dialog, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, d := range t.dialogs {
		if k.CallID == callID && k.LocalTag == localTag && d.State() == StateConfirmed {
			return d, true
		}
	}
	return nil, false
}

// Find returns the dialog with the given key.
func (t *Table) Find(key Key) (*Dialog, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.dialogs[key]
	return d, ok
}

// FindByResponse locates the dialog a UAC-received response belongs to:
// local tag is the From tag, remote tag the To tag.
func (t *Table) FindByResponse(resp *types.Response) (*Dialog, bool) {
	callID, _ := resp.Headers.Get("Call-ID")
	fromVal, _ := resp.Headers.Get("From")
	from, err := types.ParseNameAddr(fromVal)
	if err != nil {
		return nil, false
	}
	return t.Find(Key{CallID: callID, LocalTag: from.Tag(), RemoteTag: resp.ToTag()})
}

// FindByInboundRequest locates the dialog an inbound in-dialog request
// (NOTIFY, BYE from peer) belongs to: the peer's From tag is our remote
// tag, their To tag is our local tag.
func (t *Table) FindByInboundRequest(req *types.Request) (*Dialog, bool) {
	callID, _ := req.Headers.Get("Call-ID")
	toVal, _ := req.Headers.Get("To")
	to, err := types.ParseNameAddr(toVal)
	if err != nil {
		return nil, false
	}
	return t.Find(Key{CallID: callID, LocalTag: to.Tag(), RemoteTag: req.FromTag()})
}

// Remove terminates and drops a dialog.
func (t *Table) Remove(key Key) {
	t.mu.Lock()
	d, ok := t.dialogs[key]
	if ok {
		delete(t.dialogs, key)
	}
	t.mu.Unlock()
	if ok {
		d.Terminate()
		t.collector.DialogTerminated()
		t.log.Debug("dialog removed", "dialog", d)
	}
}

// RemoveEarly terminates every still-early dialog for (callID,
// localTag): a non-2xx final to the creating INVITE ends them.
func (t *Table) RemoveEarly(callID, localTag string) {
	t.mu.Lock()
	var victims []Key
	for k, d := range t.dialogs {
		if k.CallID == callID && k.LocalTag == localTag && d.State() == StateEarly {
			victims = append(victims, k)
		}
	}
	t.mu.Unlock()
	for _, k := range victims {
		t.Remove(k)
	}
}

// All returns a snapshot of every live dialog.
func (t *Table) All() []*Dialog {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Dialog, 0, len(t.dialogs))
	for _, d := range t.dialogs {
		out = append(out, d)
	}
	return out
}

// Close terminates every dialog.
func (t *Table) Close() {
	for _, d := range t.All() {
		t.Remove(d.Key())
	}
}
