// Package dialog maintains RFC 3261 §12 dialog state for the UAC:
// establishment from INVITE responses, CSeq and route-set bookkeeping,
// and in-dialog request construction.
package dialog

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/looplab/fsm"

	"github.com/arzzra/sipuac/pkg/sip/core/types"
)

// Dialog states.
const (
	StateEarly      = "early"
	StateConfirmed  = "confirmed"
	StateTerminated = "terminated"
)

// Key identifies a dialog: (Call-ID, local tag, remote tag).
type Key struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (k Key) String() string {
	return k.CallID + "|" + k.LocalTag + "|" + k.RemoteTag
}

// Dialog is one established (early or confirmed) peer relationship.
type Dialog struct {
	key    Key
	secure bool
	peer   net.Addr

	mu           sync.Mutex
	machine      *fsm.FSM
	localURI     *types.NameAddr // From of the INVITE, including tag
	remoteURI    *types.NameAddr // To of the dialog-forming response, including tag
	localSeq     uint32
	remoteSeq    uint32
	inviteCSeq   uint32 // for ACK, which reuses the INVITE's number
	routeSet     []*types.NameAddr
	remoteTarget *types.URI // Contact of the dialog-forming response

	refer *ReferSubscription

	log *slog.Logger
}

// newDialog builds a dialog from the INVITE and its dialog-forming
// response (a 1xx with a To-tag, or a 2xx).
func newDialog(invite *types.Request, resp *types.Response, peer net.Addr, log *slog.Logger) (*Dialog, error) {
	fromVal, _ := invite.Headers.Get("From")
	from, err := types.ParseNameAddr(fromVal)
	if err != nil {
		return nil, err
	}
	toVal, _ := resp.Headers.Get("To")
	to, err := types.ParseNameAddr(toVal)
	if err != nil {
		return nil, err
	}
	callID, _ := invite.Headers.Get("Call-ID")
	cseq, err := invite.CSeqValue()
	if err != nil {
		return nil, err
	}

	initial := StateEarly
	if resp.IsSuccess() {
		initial = StateConfirmed
	}

	d := &Dialog{
		key:        Key{CallID: callID, LocalTag: from.Tag(), RemoteTag: to.Tag()},
		secure:     invite.URI.Secure,
		peer:       peer,
		localURI:   from,
		remoteURI:  to,
		localSeq:   cseq.Seq,
		inviteCSeq: cseq.Seq,
		log:        log,
	}
	d.machine = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: "confirm", Src: []string{StateEarly}, Dst: StateConfirmed},
			{Name: "terminate", Src: []string{StateEarly, StateConfirmed}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				log.Debug("dialog state changed", "dialog", d.key.String(), "from", e.Src, "to", e.Dst)
			},
		},
	)
	d.absorbResponse(resp)
	return d, nil
}

// absorbResponse updates route set and remote target from a
// dialog-forming response. Route set is the response's Record-Route
// headers reversed (RFC 3261 §12.1.2).
func (d *Dialog) absorbResponse(resp *types.Response) {
	rrs := resp.Headers.Values("Record-Route")
	if len(rrs) > 0 {
		var set []*types.NameAddr
		for i := len(rrs) - 1; i >= 0; i-- {
			if addr, err := types.ParseNameAddr(rrs[i]); err == nil {
				set = append(set, addr)
			}
		}
		d.routeSet = set
	}
	if contact, ok := resp.Headers.Get("Contact"); ok {
		if addr, err := types.ParseNameAddr(contact); err == nil {
			d.remoteTarget = addr.URI
		}
	}
}

func (d *Dialog) Key() Key       { return d.key }
func (d *Dialog) ID() string     { return d.key.String() }
func (d *Dialog) CallID() string { return d.key.CallID }
func (d *Dialog) Peer() net.Addr { return d.peer }
func (d *Dialog) Secure() bool   { return d.secure }

// LogValue lets dialogs appear as structured log attributes.
func (d *Dialog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", d.ID()),
		slog.String("state", d.State()),
	)
}

func (d *Dialog) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.Current()
}

// LocalSeq returns the current local CSeq number.
func (d *Dialog) LocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSeq
}

// RemoteTarget returns the current remote target URI (from Contact).
func (d *Dialog) RemoteTarget() *types.URI {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget
}

// RouteSet returns the stored route set in traversal order.
func (d *Dialog) RouteSet() []*types.NameAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*types.NameAddr(nil), d.routeSet...)
}

// confirm moves an early dialog to confirmed and re-absorbs route set
// and target from the 2xx.
func (d *Dialog) confirm(resp *types.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine.Current() == StateEarly {
		_ = d.machine.Event(context.Background(), "confirm")
	}
	d.absorbResponse(resp)
}

// Terminate moves the dialog to terminated. Idempotent.
func (d *Dialog) Terminate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine.Current() != StateTerminated {
		_ = d.machine.Event(context.Background(), "terminate")
	}
	if d.refer != nil {
		d.refer.close()
	}
}

// NewRequest builds an in-dialog request (BYE, re-INVITE, INFO, UPDATE,
// REFER, MESSAGE): Request-URI from the remote target, the stored route
// set, dialog-scoped From/To/Call-ID, and the next local CSeq. The
// caller adds the Via with a fresh branch. ACK never goes through here;
// see Ack.
func (d *Dialog) NewRequest(method string) (*types.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine.Current() == StateTerminated {
		return nil, &TerminatedError{ID: d.ID()}
	}

	d.localSeq++
	req := d.buildLocked(method, d.localSeq)
	return req, nil
}

// Ack builds the dialog-scope ACK for a 2xx final: the INVITE's CSeq
// number with method ACK. The caller adds a Via with a fresh branch —
// this ACK is a new transaction, unlike the transaction-scope ACK for
// non-2xx finals.
func (d *Dialog) Ack() *types.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buildLocked("ACK", d.inviteCSeq)
}

// buildLocked requires d.mu held.
func (d *Dialog) buildLocked(method string, seq uint32) *types.Request {
	target := d.remoteTarget
	if target == nil {
		target = d.remoteURI.URI
	}
	req := types.NewRequest(method, target.Clone())
	req.Headers.Add("Max-Forwards", "70")
	req.Headers.Add("From", d.localURI.String())
	req.Headers.Add("To", d.remoteURI.String())
	req.Headers.Add("Call-ID", d.key.CallID)
	req.Headers.Add("CSeq", types.CSeq{Seq: seq, Method: method}.String())
	for _, route := range d.routeSet {
		req.Headers.Add("Route", route.String())
	}
	return req
}
