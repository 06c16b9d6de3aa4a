// Package auth is the 401/407 controller: it parses challenges, picks
// credentials by precedence, and rebuilds the challenged request for
// exactly one resubmission in a fresh transaction.
package auth

import (
	"fmt"
	"log/slog"

	"github.com/arzzra/sipuac/pkg/sip/core/types"
	"github.com/arzzra/sipuac/pkg/sip/digest"
	"github.com/arzzra/sipuac/pkg/sip/ids"
)

// FailedError reports an authentication failure the controller could
// not recover from: no credentials, an unparsable challenge, or a
// refused retry.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string {
	return "auth failed: " + e.Reason
}

// Controller owns the nc counter and algorithm preference for one
// facade.
type Controller struct {
	nc        *digest.NonceCounter
	preferred digest.Algorithm
	log       *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithPreferredAlgorithm sets which algorithm wins when the server
// offers several challenges. Defaults to SHA-256 with MD5 fallback.
func WithPreferredAlgorithm(a digest.Algorithm) Option {
	return func(c *Controller) { c.preferred = a }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// NewController builds a controller with its own nc counter.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		nc:        digest.NewNonceCounter(),
		preferred: digest.SHA256,
		log:       slog.Default(),
	}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// IsChallenge reports whether resp is a 401 or 407 final.
func IsChallenge(resp *types.Response) bool {
	return resp.Status == 401 || resp.Status == 407
}

// challengeHeader maps the response status to its challenge and
// authorization header names.
func challengeHeader(status int) (challenge, authorization string) {
	if status == 407 {
		return "Proxy-Authenticate", "Proxy-Authorization"
	}
	return "WWW-Authenticate", "Authorization"
}

// ParseChallenge picks one of the challenges resp carries: the first
// parsable one, unless a later one offers the controller's preferred
// algorithm and the first does not. Challenges are not ranked by strength.
// Returns the challenge and the authorization header name the retry
// must use.
func (c *Controller) ParseChallenge(resp *types.Response) (*digest.Challenge, string, error) {
	if !IsChallenge(resp) {
		return nil, "", &FailedError{Reason: fmt.Sprintf("status %d carries no challenge", resp.Status)}
	}
	chName, authName := challengeHeader(resp.Status)
	values := resp.Headers.Values(chName)
	if len(values) == 0 {
		return nil, "", &FailedError{Reason: "challenge response missing " + chName}
	}

	var chosen *digest.Challenge
	for _, v := range values {
		ch, err := digest.ParseChallenge(v)
		if err != nil {
			c.log.Debug("skipping unparsable challenge", "value", v, "err", err)
			continue
		}
		if chosen == nil {
			chosen = ch
			continue
		}
		if ch.Algorithm == c.preferred && chosen.Algorithm != c.preferred {
			chosen = ch
		}
	}
	if chosen == nil {
		return nil, "", &FailedError{Reason: "no parsable challenge in " + chName}
	}
	return chosen, authName, nil
}

// SelectCredentials applies the precedence per-call > client-level >
// handler-supplied.
func SelectCredentials(perCall, clientLevel, handler *digest.Credentials) (digest.Credentials, bool) {
	switch {
	case perCall != nil:
		return *perCall, true
	case clientLevel != nil:
		return *clientLevel, true
	case handler != nil:
		return *handler, true
	default:
		return digest.Credentials{}, false
	}
}

// Rebuild clones the challenged request for its single retry:
// CSeq number incremented by one, a fresh top-Via branch, and the
// computed Authorization (or Proxy-Authorization) attached.
func (c *Controller) Rebuild(orig *types.Request, resp *types.Response, creds digest.Credentials) (*types.Request, error) {
	challenge, authName, err := c.ParseChallenge(resp)
	if err != nil {
		return nil, err
	}

	req := orig.Clone()

	cseq, err := req.CSeqValue()
	if err != nil {
		return nil, err
	}
	cseq.Seq++
	req.Headers.Set("CSeq", cseq.String())

	via, err := req.TopVia()
	if err != nil {
		return nil, err
	}
	via.SetParam("branch", ids.NewBranch())
	replaceTopVia(req.Headers, via)

	params, err := digest.Build(creds, challenge, req.Method, req.URI.String(), req.Body, c.nc)
	if err != nil {
		return nil, &FailedError{Reason: err.Error()}
	}
	req.Headers.Set(authName, params.String())

	c.log.Debug("rebuilt request with credentials",
		"method", req.Method, "realm", challenge.Realm, "algorithm", string(params.Algorithm))
	return req, nil
}

// replaceTopVia swaps the first Via value, keeping any lower hops.
func replaceTopVia(h *types.Headers, via *types.ViaHop) {
	vias := h.Values("Via")
	h.Remove("Via")
	h.Add("Via", via.String())
	for i := 1; i < len(vias); i++ {
		h.Add("Via", vias[i])
	}
}
