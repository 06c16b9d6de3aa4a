package dialog

import (
	"context"
	"sync"

	"github.com/looplab/fsm"

	"github.com/arzzra/sipuac/pkg/sip/core/types"
)

// REFER subscription states (RFC 3515/3265), reduced to what a UAC
// tracking its own transfer needs.
const (
	ReferStatePending    = "pending"
	ReferStateTrying     = "trying"
	ReferStateProceeding = "proceeding"
	ReferStateCompleted  = "completed"
	ReferStateFailed     = "failed"
	ReferStateTerminated = "terminated"
)

func newReferFSM() *fsm.FSM {
	return fsm.NewFSM(
		ReferStatePending,
		fsm.Events{
			{Name: "notify_100", Src: []string{ReferStatePending}, Dst: ReferStateTrying},
			{Name: "notify_1xx", Src: []string{ReferStatePending, ReferStateTrying}, Dst: ReferStateProceeding},
			{Name: "notify_success", Src: []string{ReferStatePending, ReferStateTrying, ReferStateProceeding}, Dst: ReferStateCompleted},
			{Name: "notify_failure", Src: []string{ReferStatePending, ReferStateTrying, ReferStateProceeding}, Dst: ReferStateFailed},
			{Name: "terminate", Src: []string{ReferStatePending, ReferStateTrying, ReferStateProceeding, ReferStateCompleted, ReferStateFailed}, Dst: ReferStateTerminated},
		}, nil,
	)
}

// ReferProgress is one parsed message/sipfrag NOTIFY body reporting
// transfer progress.
type ReferProgress struct {
	Code  int
	State string
}

// ReferSubscription tracks the NOTIFY sequence for a REFER this UAC
// sent inside a dialog.
type ReferSubscription struct {
	mu        sync.Mutex
	machine   *fsm.FSM
	finalCode int
	events    chan ReferProgress
	done      chan struct{}
	closed    bool
}

func newReferSubscription() *ReferSubscription {
	return &ReferSubscription{
		machine: newReferFSM(),
		events:  make(chan ReferProgress, 8),
		done:    make(chan struct{}),
	}
}

// Events delivers transfer progress as NOTIFY bodies arrive.
func (s *ReferSubscription) Events() <-chan ReferProgress { return s.events }

// Done is closed when a final NOTIFY arrives or the dialog ends.
func (s *ReferSubscription) Done() <-chan struct{} { return s.done }

// State returns the current subscription state.
func (s *ReferSubscription) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// FinalCode returns the status code of the final NOTIFY, 0 until one
// arrived.
func (s *ReferSubscription) FinalCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalCode
}

// onNotify advances the subscription from a sipfrag status code.
func (s *ReferSubscription) onNotify(code int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ctx := context.Background()
	final := false
	switch {
	case code == 100:
		_ = s.machine.Event(ctx, "notify_100")
	case code > 100 && code < 200:
		_ = s.machine.Event(ctx, "notify_1xx")
	case code >= 200 && code < 300:
		s.finalCode = code
		_ = s.machine.Event(ctx, "notify_success")
		final = true
	case code >= 300:
		s.finalCode = code
		_ = s.machine.Event(ctx, "notify_failure")
		final = true
	default:
		s.mu.Unlock()
		return
	}
	state := s.machine.Current()
	if final {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()

	select {
	case s.events <- ReferProgress{Code: code, State: state}:
	default:
	}
}

func (s *ReferSubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.machine.Event(context.Background(), "terminate")
	close(s.done)
}

// ReferRequest builds an in-dialog REFER to target and opens the
// subscription that will absorb the resulting NOTIFYs. One REFER at a
// time per dialog.
func (d *Dialog) ReferRequest(target *types.URI) (*types.Request, *ReferSubscription, error) {
	req, err := d.NewRequest("REFER")
	if err != nil {
		return nil, nil, err
	}
	req.Headers.Add("Refer-To", "<"+target.String()+">")
	req.Headers.Add("Referred-By", d.localURI.URI.String())

	d.mu.Lock()
	if d.refer != nil {
		d.refer.close()
	}
	d.refer = newReferSubscription()
	sub := d.refer
	d.mu.Unlock()
	return req, sub, nil
}

// HandleNotify absorbs an inbound in-dialog NOTIFY carrying a
// message/sipfrag body into the active REFER subscription. Returns
// whether a subscription consumed it.
func (d *Dialog) HandleNotify(req *types.Request) bool {
	ct, _ := req.Headers.Get("Content-Type")
	if ct != "" && ct != "message/sipfrag" && ct != "message/sipfrag;version=2.0" {
		return false
	}
	code := ParseSipfragStatusCode(req.Body)
	if code == 0 {
		return false
	}

	d.mu.Lock()
	sub := d.refer
	d.mu.Unlock()
	if sub == nil {
		return false
	}
	sub.onNotify(code)
	return true
}
