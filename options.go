package ivshmem

import (
	"log/slog"
	"time"
)

// DefaultPollTimeout bounds every blocking wait of the background loops.
const DefaultPollTimeout = 2 * time.Second

// Executor starts a long running loop.
type Executor func(loop func())

// ErrorHandler receives errors raised inside background loops and during
// teardown.
type ErrorHandler func(err error)

// GoExecutor runs each loop on its own goroutine.
func GoExecutor(loop func()) {
	go loop()
}

type options struct {
	log         *slog.Logger
	onError     ErrorHandler
	exec        Executor
	pollTimeout time.Duration
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger, slog.Default() if unset.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithErrorHandler sets the handler for errors of the background loops. The
// default logs them at error level.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) {
		o.onError = h
	}
}

// WithExecutor sets how the interrupt and peer loops are started. A nil
// executor starts nothing; the caller then runs ReceiveInterrupts and
// ListenForPeers itself.
func WithExecutor(e Executor) Option {
	return func(o *options) {
		o.exec = e
	}
}

// WithPollTimeout sets how long a loop blocks before checking for Close.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:         slog.Default(),
		exec:        GoExecutor,
		pollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.onError == nil {
		log := o.log
		o.onError = func(err error) {
			log.Error("ivshmem: uncaught error", "error", err)
		}
	}
	return o
}
