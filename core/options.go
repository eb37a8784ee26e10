package core

import "log/slog"

// Identity is the local user as the chat session presents it to peers.
type Identity struct {
	UserID      string
	DisplayName string
}

type options struct {
	clock        Clock
	logger       *slog.Logger
	historyLimit int
	onChange     func()
}

// Option configures a chat session component.
type Option func(*options)

func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithHistoryLimit sets how many messages a session fetches when it opens a room.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		o.historyLimit = n
	}
}

// WithOnChange registers a callback invoked after every observable state change.
// It is called without any component lock held.
func WithOnChange(f func()) Option {
	return func(o *options) {
		o.onChange = f
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:        SystemClock,
		logger:       slog.Default(),
		historyLimit: DefaultHistoryLimit,
		onChange:     func() {},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
