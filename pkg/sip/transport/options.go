package transport

import "log/slog"

type options struct {
	logger *slog.Logger
}

// Option configures a transport at construction.
type Option func(*options)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func applyOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, fn := range opts {
		fn(o)
	}
	return o
}
