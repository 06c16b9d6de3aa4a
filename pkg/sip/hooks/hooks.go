// Package hooks is the event dispatch pipeline: a fixed vtable of
// optional user callbacks applied to every traversing message, plus the
// context object that travels with them.
package hooks

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/arzzra/sipuac/pkg/sip/core/types"
	"github.com/arzzra/sipuac/pkg/sip/dialog"
	"github.com/arzzra/sipuac/pkg/sip/transaction"
)

// RequestContext is passed to every hook. Transaction and Dialog are
// borrowed: valid for the duration of the hook call only.
type RequestContext struct {
	Transaction *transaction.ClientTransaction
	Dialog      *dialog.Dialog
	Peer        net.Addr // destination for requests
	Source      net.Addr // source peer for responses
	SentAt      time.Time
	ReceivedAt  time.Time
}

// Failure wraps an error (or recovered panic) raised by a user hook.
// It terminates the request and leaves transaction and dialog state
// unchanged.
type Failure struct {
	Hook  string
	Cause error
}

func (e *Failure) Error() string {
	return fmt.Sprintf("hook %s failed: %v", e.Hook, e.Cause)
}

func (e *Failure) Unwrap() error { return e.Cause }

// ErrCancelled is returned when a pre-send hook returns a nil message,
// cancelling the send.
var ErrCancelled = errors.New("hooks: send cancelled by hook")

// Hooks is the vtable. Every field is optional; each may mutate the
// traversing message in place or return a substitute. Hooks run
// synchronously on the calling goroutine.
type Hooks struct {
	// OnRequest runs before transaction creation. Returning a nil
	// request cancels the send.
	OnRequest func(*types.Request, *RequestContext) (*types.Request, error)

	// OnResponse runs after transaction delivery, before the
	// status-class hooks.
	OnResponse func(*types.Response, *RequestContext) (*types.Response, error)

	// OnAuthChallenge runs on a final 401/407 before the auth
	// controller decides whether to retry.
	OnAuthChallenge func(*types.Response, *RequestContext) error

	// Status-class hooks run after OnResponse, chosen by response
	// class.
	OnProvisional func(*types.Response, *RequestContext)
	OnSuccess     func(*types.Response, *RequestContext)
	OnRedirect    func(*types.Response, *RequestContext)
	OnClientError func(*types.Response, *RequestContext)
	OnServerError func(*types.Response, *RequestContext)
}

// RunOnRequest applies OnRequest. A nil Hooks receiver passes req
// through untouched.
func (h *Hooks) RunOnRequest(req *types.Request, ctx *RequestContext) (out *types.Request, err error) {
	if h == nil || h.OnRequest == nil {
		return req, nil
	}
	defer recoverInto("on_request", &err)
	sub, hookErr := h.OnRequest(req, ctx)
	if hookErr != nil {
		return nil, &Failure{Hook: "on_request", Cause: hookErr}
	}
	if sub == nil {
		return nil, ErrCancelled
	}
	return sub, nil
}

// RunOnResponse applies OnResponse followed by the matching
// status-class hook.
func (h *Hooks) RunOnResponse(resp *types.Response, ctx *RequestContext) (out *types.Response, err error) {
	if h == nil {
		return resp, nil
	}
	out = resp
	if h.OnResponse != nil {
		defer recoverInto("on_response", &err)
		sub, hookErr := h.OnResponse(resp, ctx)
		if hookErr != nil {
			return nil, &Failure{Hook: "on_response", Cause: hookErr}
		}
		if sub != nil {
			out = sub
		}
	}
	if err := h.runStatusClass(out, ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// RunOnAuthChallenge applies OnAuthChallenge.
func (h *Hooks) RunOnAuthChallenge(resp *types.Response, ctx *RequestContext) (err error) {
	if h == nil || h.OnAuthChallenge == nil {
		return nil
	}
	defer recoverInto("on_auth_challenge", &err)
	if hookErr := h.OnAuthChallenge(resp, ctx); hookErr != nil {
		return &Failure{Hook: "on_auth_challenge", Cause: hookErr}
	}
	return nil
}

func (h *Hooks) runStatusClass(resp *types.Response, ctx *RequestContext) (err error) {
	var fn func(*types.Response, *RequestContext)
	var name string
	switch {
	case resp.Status < 200:
		fn, name = h.OnProvisional, "on_provisional"
	case resp.Status < 300:
		fn, name = h.OnSuccess, "on_success"
	case resp.Status < 400:
		fn, name = h.OnRedirect, "on_redirect"
	case resp.Status < 500:
		fn, name = h.OnClientError, "on_client_error"
	default:
		fn, name = h.OnServerError, "on_server_error"
	}
	if fn == nil {
		return nil
	}
	defer recoverInto(name, &err)
	fn(resp, ctx)
	return nil
}

// recoverInto converts a panicking hook into a Failure so user code
// cannot crash the engine.
func recoverInto(hook string, err *error) {
	if r := recover(); r != nil {
		cause, ok := r.(error)
		if !ok {
			cause = fmt.Errorf("%v", r)
		}
		*err = &Failure{Hook: hook, Cause: cause}
	}
}
