package uac

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/sipuac/pkg/sip/auth"
	"github.com/arzzra/sipuac/pkg/sip/core/types"
	"github.com/arzzra/sipuac/pkg/sip/dialog"
	"github.com/arzzra/sipuac/pkg/sip/digest"
	"github.com/arzzra/sipuac/pkg/sip/ids"
	"github.com/arzzra/sipuac/pkg/sip/refresh"
	"github.com/arzzra/sipuac/pkg/sip/transaction"
)

// Register registers aor ("sip:user@domain") with its registrar. The
// registrar defaults to the AoR's host; override with WithRegistrar.
// Default requested expiry is 3600 seconds.
func (c *Client) Register(ctx context.Context, aor string, opts ...RequestOption) (*types.Response, error) {
	o := collectRequestOptions(opts)
	reg, err := c.registrationFor(aor, o)
	if err != nil {
		return nil, err
	}
	resp, granted, err := c.register(ctx, reg)
	if err != nil {
		return nil, err
	}
	if resp.IsSuccess() {
		reg.granted = granted
		c.mu.Lock()
		c.reg = reg
		sched := c.sched
		enabled := c.autoRefresh
		c.mu.Unlock()
		if enabled && sched != nil {
			// A user-initiated REGISTER cancels the pending refresh
			// and reschedules from the new grant.
			sched.Schedule(granted)
		}
	}
	return resp, nil
}

// Unregister sends REGISTER with expires=0 for aor and cancels
// auto-refresh.
func (c *Client) Unregister(ctx context.Context, aor string, opts ...RequestOption) (*types.Response, error) {
	c.DisableAutoRefresh()

	zero := 0
	o := collectRequestOptions(opts)
	o.expires = &zero
	reg, err := c.registrationFor(aor, o)
	if err != nil {
		return nil, err
	}
	resp, _, err := c.register(ctx, reg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.reg = nil
	c.mu.Unlock()
	return resp, nil
}

func (c *Client) registrationFor(aor string, o *requestOptions) (*registration, error) {
	if aor == "" {
		return nil, &BadArgumentError{Field: "aor"}
	}
	if _, err := types.ParseURI(aor); err != nil {
		return nil, &BadArgumentError{Field: "aor"}
	}
	expires := 3600
	if o.expires != nil {
		expires = *o.expires
	}
	return &registration{
		aor:       aor,
		registrar: o.registrar,
		expires:   expires,
		creds:     o.creds,
	}, nil
}

// register issues one REGISTER for reg and extracts the granted
// expiry from the response.
func (c *Client) register(ctx context.Context, reg *registration) (*types.Response, time.Duration, error) {
	aorURI, err := types.ParseURI(reg.aor)
	if err != nil {
		return nil, 0, &BadArgumentError{Field: "aor"}
	}

	domain := &types.URI{Host: aorURI.Host, Port: aorURI.Port, Secure: aorURI.Secure}
	req := types.NewRequest("REGISTER", domain)

	from := &types.NameAddr{URI: aorURI.Clone()}
	from.SetParam("tag", ids.NewTag())
	req.Headers.Add("From", from.String())
	req.Headers.Add("To", (&types.NameAddr{URI: aorURI.Clone()}).String())
	req.Headers.Add("Call-ID", ids.NewCallID(c.localHost))
	req.Headers.Add("CSeq", types.CSeq{Seq: 1, Method: "REGISTER"}.String())
	req.Headers.Add("Contact", c.contactValue(aorURI.User))
	req.Headers.Add("Expires", strconv.Itoa(reg.expires))
	c.prepare(req)

	peer, err := c.resolvePeer(aorURI, reg.registrar)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.do(ctx, req, peer, reg.creds, true)
	if err != nil {
		return nil, 0, err
	}
	return resp, grantedExpiry(resp, reg.expires), nil
}

// grantedExpiry reads the server-granted lifetime: the Contact
// expires parameter wins, then the Expires header, then the requested
// value.
func grantedExpiry(resp *types.Response, requested int) time.Duration {
	for _, v := range resp.Headers.Values("Contact") {
		if addr, err := types.ParseNameAddr(v); err == nil {
			if exp, ok := addr.Param("expires"); ok {
				if n, err := strconv.Atoi(exp); err == nil {
					return time.Duration(n) * time.Second
				}
			}
		}
	}
	if v, ok := resp.Headers.Get("Expires"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(requested) * time.Second
}

// Invite originates a session to the given URI and returns the final
// response. The caller acknowledges a 2xx with Ack; a non-2xx final is
// ACKed automatically inside the INVITE transaction.
func (c *Client) Invite(ctx context.Context, to string, opts ...RequestOption) (*types.Response, error) {
	o := collectRequestOptions(opts)
	toURI, err := types.ParseURI(to)
	if err != nil {
		return nil, &BadArgumentError{Field: "to"}
	}
	fromVal, err := c.fromValue(o)
	if err != nil {
		return nil, err
	}

	req := types.NewRequest("INVITE", toURI.Clone())
	req.Headers.Add("From", fromVal)
	req.Headers.Add("To", (&types.NameAddr{URI: toURI.Clone()}).String())
	req.Headers.Add("Call-ID", ids.NewCallID(c.localHost))
	req.Headers.Add("CSeq", types.CSeq{Seq: 1, Method: "INVITE"}.String())
	req.Headers.Add("Contact", c.contactValue(localUser(fromVal)))
	applyExtras(req, o)
	c.prepare(req)

	peer, err := c.resolvePeer(toURI, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, req, peer, o.creds, true)
	if err != nil {
		return nil, err
	}

	if resp.IsSuccess() {
		if se, ok := resp.Headers.Get("Session-Expires"); ok {
			if d, found := c.dialogs.FindByResponse(resp); found {
				c.startSessionRefresh(d, se)
			}
		}
	}
	return resp, nil
}

// Ack acknowledges a 2xx final response. The ACK is built in the
// dialog with a fresh branch and the INVITE's CSeq number, and is sent
// outside any client transaction since no response follows it.
func (c *Client) Ack(ctx context.Context, final *types.Response) error {
	if final == nil || !final.IsSuccess() {
		return &BadArgumentError{Field: "final_response"}
	}
	d, ok := c.dialogs.FindByResponse(final)
	if !ok {
		callID, _ := final.Headers.Get("Call-ID")
		return &dialog.NoDialogError{CallID: callID}
	}
	ack := d.Ack()
	c.prepare(ack)
	if ctx == nil {
		ctx = context.Background()
	}
	c.sendDirect(ctx, ack, d.Peer())
	return nil
}

// Bye tears down the dialog the given final response established.
func (c *Client) Bye(ctx context.Context, resp *types.Response) (*types.Response, error) {
	if resp == nil {
		return nil, &BadArgumentError{Field: "response"}
	}
	d, ok := c.dialogs.FindByResponse(resp)
	if !ok {
		callID, _ := resp.Headers.Get("Call-ID")
		return nil, &dialog.NoDialogError{CallID: callID}
	}
	return c.bye(ctx, d)
}

// ByeDialog tears down a dialog by its identifier.
func (c *Client) ByeDialog(ctx context.Context, dialogID string) (*types.Response, error) {
	for _, d := range c.dialogs.All() {
		if d.ID() == dialogID {
			return c.bye(ctx, d)
		}
	}
	return nil, &dialog.NoDialogError{CallID: dialogID}
}

func (c *Client) bye(ctx context.Context, d *dialog.Dialog) (*types.Response, error) {
	bye, err := d.NewRequest("BYE")
	if err != nil {
		return nil, err
	}
	c.prepare(bye)
	resp, doErr := c.do(ctx, bye, d.Peer(), nil, true)
	c.stopSessionRefresh(d.Key())
	c.dialogs.Remove(d.Key())
	return resp, doErr
}

// Cancel cancels a pending INVITE transaction and returns the CANCEL's
// final response. Permitted only after a provisional was received.
func (c *Client) Cancel(ctx context.Context, txnID string) (*types.Response, error) {
	tx, ok := c.txs.Get(txnID)
	if !ok {
		return nil, &BadArgumentError{Field: "transaction_id"}
	}
	if !tx.CanCancel() {
		return nil, &BadArgumentError{Field: "transaction_id"}
	}
	cancelReq, err := transaction.NewCancel(tx.Request())
	if err != nil {
		return nil, err
	}
	return c.do(ctx, cancelReq, tx.Peer(), nil, true)
}

// Options probes a peer's capabilities.
func (c *Client) Options(ctx context.Context, uri string, opts ...RequestOption) (*types.Response, error) {
	o := collectRequestOptions(opts)
	target, err := types.ParseURI(uri)
	if err != nil {
		return nil, &BadArgumentError{Field: "uri"}
	}
	fromVal, err := c.fromValue(o)
	if err != nil {
		return nil, err
	}

	req := types.NewRequest("OPTIONS", target.Clone())
	req.Headers.Add("From", fromVal)
	req.Headers.Add("To", (&types.NameAddr{URI: target.Clone()}).String())
	req.Headers.Add("Call-ID", ids.NewCallID(c.localHost))
	req.Headers.Add("CSeq", types.CSeq{Seq: 1, Method: "OPTIONS"}.String())
	applyExtras(req, o)
	c.prepare(req)

	peer, err := c.resolvePeer(target, "")
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req, peer, o.creds, true)
}

// Message sends a MESSAGE (RFC 3428 pager mode) with the given text.
func (c *Client) Message(ctx context.Context, to, text string, opts ...RequestOption) (*types.Response, error) {
	o := collectRequestOptions(opts)
	toURI, err := types.ParseURI(to)
	if err != nil {
		return nil, &BadArgumentError{Field: "to"}
	}
	fromVal, err := c.fromValue(o)
	if err != nil {
		return nil, err
	}
	contentType := o.contentType
	if contentType == "" {
		contentType = "text/plain"
	}

	req := types.NewRequest("MESSAGE", toURI.Clone())
	req.Headers.Add("From", fromVal)
	req.Headers.Add("To", (&types.NameAddr{URI: toURI.Clone()}).String())
	req.Headers.Add("Call-ID", ids.NewCallID(c.localHost))
	req.Headers.Add("CSeq", types.CSeq{Seq: 1, Method: "MESSAGE"}.String())
	req.Headers.Add("Content-Type", contentType)
	req.Body = []byte(text)
	for _, h := range o.headers {
		req.Headers.Add(h[0], h[1])
	}
	c.prepare(req)

	peer, err := c.resolvePeer(toURI, "")
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req, peer, o.creds, true)
}

// Refer asks the peer of a confirmed dialog to contact target (a blind
// transfer). Returns the subscription surfacing NOTIFY progress and
// the REFER's final response.
func (c *Client) Refer(ctx context.Context, dialogID, target string) (*dialog.ReferSubscription, *types.Response, error) {
	targetURI, err := types.ParseURI(target)
	if err != nil {
		return nil, nil, &BadArgumentError{Field: "target"}
	}
	var d *dialog.Dialog
	for _, cand := range c.dialogs.All() {
		if cand.ID() == dialogID {
			d = cand
			break
		}
	}
	if d == nil {
		return nil, nil, &dialog.NoDialogError{CallID: dialogID}
	}

	req, sub, err := d.ReferRequest(targetURI)
	if err != nil {
		return nil, nil, err
	}
	c.prepare(req)
	resp, err := c.do(ctx, req, d.Peer(), nil, true)
	if err != nil {
		return nil, nil, err
	}
	return sub, resp, nil
}

// RetryWithAuth re-issues the request a 401/407 challenged, using the
// given credentials (or the client-level ones). At most one retry per
// challenge; the second transaction's final response is returned
// whatever it is.
func (c *Client) RetryWithAuth(ctx context.Context, challenge *types.Response, creds *digest.Credentials) (*types.Response, error) {
	if challenge == nil || challenge.Request == nil {
		return nil, &BadArgumentError{Field: "challenge_response"}
	}
	if !auth.IsChallenge(challenge) {
		return nil, &BadArgumentError{Field: "challenge_response"}
	}
	selected, ok := auth.SelectCredentials(creds, c.creds, nil)
	if !ok {
		return nil, &auth.FailedError{Reason: "no credentials available"}
	}
	rebuilt, err := c.authCtl.Rebuild(challenge.Request, challenge, selected)
	if err != nil {
		return nil, err
	}
	peer, err := c.resolvePeer(rebuilt.URI, "")
	if err != nil {
		return nil, err
	}
	c.collector.AuthRetry()
	resp, err := c.do(ctx, rebuilt, peer, creds, false)
	if err != nil {
		return nil, err
	}
	if auth.IsChallenge(resp) {
		c.collector.AuthFailure()
	}
	return resp, nil
}

// EnableAutoRefresh arms the registration refresh scheduler for aor.
// The next refresh fires at max(granted − guard, floor) after each
// successful REGISTER; an explicit interval overrides the grant for
// the first wake-up.
func (c *Client) EnableAutoRefresh(aor string, interval ...time.Duration) error {
	if aor == "" {
		return &BadArgumentError{Field: "aor"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &ClosedError{}
	}
	c.autoRefresh = true
	if c.sched == nil {
		c.sched = refresh.New(c.refreshRegistration,
			refresh.WithGuard(c.refreshGuard),
			refresh.WithFloor(c.refreshFloor),
			refresh.WithLogger(c.log),
			refresh.WithErrorSink(c.authErrSink))
	}
	switch {
	case len(interval) > 0 && interval[0] > 0:
		c.sched.Schedule(interval[0])
	case c.reg != nil && c.reg.aor == aor && c.reg.granted > 0:
		c.sched.Schedule(c.reg.granted)
	}
	return nil
}

// DisableAutoRefresh cancels the pending refresh without closing the
// client.
func (c *Client) DisableAutoRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoRefresh = false
	if c.sched != nil {
		c.sched.Cancel()
	}
}

// refreshRegistration is the scheduler's work function: re-issue the
// recorded REGISTER and report the new grant.
func (c *Client) refreshRegistration(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	reg := c.reg
	c.mu.Unlock()
	if reg == nil {
		return 0, &auth.FailedError{Reason: "no registration to refresh"}
	}
	c.collector.RegisterRefresh()
	resp, granted, err := c.register(ctx, reg)
	if err != nil {
		return 0, err
	}
	if auth.IsChallenge(resp) {
		return 0, &auth.FailedError{Reason: "refresh challenged again with status " + strconv.Itoa(resp.Status)}
	}
	if !resp.IsSuccess() {
		return 0, &refreshRejectedError{status: resp.Status}
	}
	c.mu.Lock()
	reg.granted = granted
	c.mu.Unlock()
	return granted, nil
}

type refreshRejectedError struct {
	status int
}

func (e *refreshRejectedError) Error() string {
	return "uac: refresh register rejected with status " + strconv.Itoa(e.status)
}

// startSessionRefresh arms a session-timer re-INVITE for a dialog that
// negotiated Session-Expires.
func (c *Client) startSessionRefresh(d *dialog.Dialog, sessionExpires string) {
	value, _, _ := strings.Cut(sessionExpires, ";")
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return
	}
	interval := time.Duration(seconds) * time.Second

	sched := refresh.New(func(ctx context.Context) (time.Duration, error) {
		reinvite, err := d.NewRequest("INVITE")
		if err != nil {
			return 0, err
		}
		reinvite.Headers.Add("Session-Expires", value)
		c.prepare(reinvite)
		resp, err := c.do(ctx, reinvite, d.Peer(), nil, true)
		if err != nil {
			return 0, err
		}
		if !resp.IsSuccess() {
			return 0, &refreshRejectedError{status: resp.Status}
		}
		// The refreshed grant may shrink; without one, fall back to the
		// interval first negotiated for this dialog.
		if se, ok := resp.Headers.Get("Session-Expires"); ok {
			if v, _, _ := strings.Cut(se, ";"); v != "" {
				if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
					return time.Duration(n) * time.Second, nil
				}
			}
		}
		return interval, nil
	},
		refresh.WithGuard(c.refreshGuard),
		refresh.WithFloor(c.refreshFloor),
		refresh.WithLogger(c.log))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sched.Close()
		return
	}
	if old, ok := c.sessionScheds[d.Key()]; ok {
		old.Close()
	}
	c.sessionScheds[d.Key()] = sched
	c.mu.Unlock()
	sched.Schedule(interval)
}

func (c *Client) stopSessionRefresh(key dialog.Key) {
	c.mu.Lock()
	sched, ok := c.sessionScheds[key]
	if ok {
		delete(c.sessionScheds, key)
	}
	c.mu.Unlock()
	if ok {
		sched.Close()
	}
}

// fromValue resolves the From header for out-of-dialog requests:
// per-call override first, then the client identity.
func (c *Client) fromValue(o *requestOptions) (string, error) {
	if o.from != "" {
		return o.from, nil
	}
	if c.identity == "" {
		return "", &BadArgumentError{Field: "from"}
	}
	uri, err := types.ParseURI(c.identity)
	if err != nil {
		return "", &BadArgumentError{Field: "identity"}
	}
	from := &types.NameAddr{DisplayName: c.displayName, URI: uri}
	from.SetParam("tag", ids.NewTag())
	return from.String(), nil
}

// localUser extracts the user part of a From value for the Contact.
func localUser(fromVal string) string {
	if addr, err := types.ParseNameAddr(fromVal); err == nil {
		return addr.URI.User
	}
	return ""
}

// applyExtras attaches the per-call body and extra headers.
func applyExtras(req *types.Request, o *requestOptions) {
	if o.body != nil {
		if o.contentType != "" {
			req.Headers.Add("Content-Type", o.contentType)
		}
		req.Body = o.body
	}
	for _, h := range o.headers {
		req.Headers.Add(h[0], h[1])
	}
}
