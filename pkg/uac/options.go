package uac

import (
	"log/slog"
	"time"

	"github.com/arzzra/sipuac/pkg/sip/digest"
	"github.com/arzzra/sipuac/pkg/sip/hooks"
	"github.com/arzzra/sipuac/pkg/sip/metrics"
	"github.com/arzzra/sipuac/pkg/sip/transaction"
	"github.com/arzzra/sipuac/pkg/sip/transport"
)

// Option configures a Client at construction.
type Option func(*Client) error

// WithTransport hands the client an already-bound transport. The
// caller keeps ownership; Close will not close it.
func WithTransport(tp transport.Transport) Option {
	return func(c *Client) error {
		c.tp = tp
		c.ownTransport = false
		return nil
	}
}

// WithListenAddr binds a UDP transport on addr ("host:port"). This is
// the default transport when none is supplied, on 127.0.0.1:0.
func WithListenAddr(addr string) Option {
	return func(c *Client) error {
		c.listenAddr = addr
		return nil
	}
}

// WithLogger sets the structured logger for the client and every layer
// it constructs.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}

// WithCredentials sets the client-level credentials used for 401/407
// retries when no per-call credentials are given.
func WithCredentials(creds digest.Credentials) Option {
	return func(c *Client) error {
		c.creds = &creds
		return nil
	}
}

// WithIdentity sets the default local identity: the display name and
// AoR used for From headers.
func WithIdentity(displayName, aor string) Option {
	return func(c *Client) error {
		c.displayName = displayName
		c.identity = aor
		return nil
	}
}

// WithUserAgent sets the User-Agent header value.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithHooks installs the event pipeline vtable.
func WithHooks(h *hooks.Hooks) Option {
	return func(c *Client) error {
		c.hooks = h
		return nil
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) error {
		c.collector = m
		return nil
	}
}

// WithTimers overrides the RFC 3261 transaction timers (tests).
func WithTimers(t transaction.Timers) Option {
	return func(c *Client) error {
		c.timers = t
		return nil
	}
}

// WithAlgorithmPreference sets the Digest algorithm preferred when a
// server offers several challenges.
func WithAlgorithmPreference(a digest.Algorithm) Option {
	return func(c *Client) error {
		c.algPref = a
		return nil
	}
}

// WithRefreshGuard overrides the auto-refresh guard interval (tests).
func WithRefreshGuard(d time.Duration) Option {
	return func(c *Client) error {
		c.refreshGuard = d
		return nil
	}
}

// WithRefreshFloor overrides the auto-refresh floor interval (tests).
func WithRefreshFloor(d time.Duration) Option {
	return func(c *Client) error {
		c.refreshFloor = d
		return nil
	}
}

// WithAuthErrorSink receives authentication failures raised by the
// auto-refresh scheduler so the application can renew credentials.
func WithAuthErrorSink(fn func(error)) Option {
	return func(c *Client) error {
		c.authErrSink = fn
		return nil
	}
}

// requestOptions carries per-call adjustments.
type requestOptions struct {
	registrar   string
	expires     *int
	contentType string
	body        []byte
	headers     [][2]string
	creds       *digest.Credentials
	from        string
}

// RequestOption adjusts a single facade call.
type RequestOption func(*requestOptions)

// WithRegistrar overrides the registrar address ("host" or
// "host:port") for Register/Unregister.
func WithRegistrar(addr string) RequestOption {
	return func(o *requestOptions) { o.registrar = addr }
}

// WithExpires overrides the requested registration lifetime.
func WithExpires(seconds int) RequestOption {
	return func(o *requestOptions) { o.expires = &seconds }
}

// WithBody attaches a body and its content type (an SDP offer for
// INVITE, for instance).
func WithBody(contentType string, body []byte) RequestOption {
	return func(o *requestOptions) {
		o.contentType = contentType
		o.body = body
	}
}

// WithHeader adds one extra header to the request.
func WithHeader(name, value string) RequestOption {
	return func(o *requestOptions) { o.headers = append(o.headers, [2]string{name, value}) }
}

// WithCallCredentials sets per-call credentials, which take precedence
// over the client-level ones.
func WithCallCredentials(creds digest.Credentials) RequestOption {
	return func(o *requestOptions) { o.creds = &creds }
}

// WithFrom overrides the From header for this call (a full name-addr
// value).
func WithFrom(nameAddr string) RequestOption {
	return func(o *requestOptions) { o.from = nameAddr }
}

func collectRequestOptions(opts []RequestOption) *requestOptions {
	o := &requestOptions{}
	for _, fn := range opts {
		fn(o)
	}
	return o
}
