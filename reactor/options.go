//go:build linux
// +build linux

package reactor

import (
	"time"

	"github.com/fzft/go-evloop/log"
	"go.uber.org/zap"
)

type loopOptions struct {
	logger       *zap.Logger
	pollTimeout  time.Duration
	registryOpts []RegistryOption
}

// Option configures a Loop.
type Option func(*loopOptions)

// WithLogger sets the logger for the loop and its registry.
func WithLogger(l *zap.Logger) Option {
	return func(o *loopOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPollTimeout bounds each wait. The default is Infinite; a finite value
// makes Run cycle even when nothing is ready.
func WithPollTimeout(d time.Duration) Option {
	return func(o *loopOptions) {
		o.pollTimeout = d
	}
}

// WithMaxEvents sets how many ready descriptors a single cycle can dispatch.
func WithMaxEvents(n int) Option {
	return WithRegistryOptions(RegistryMaxEvents(n))
}

// WithRegistryOptions forwards options to the loop's registry.
func WithRegistryOptions(opts ...RegistryOption) Option {
	return func(o *loopOptions) {
		o.registryOpts = append(o.registryOpts, opts...)
	}
}

func resolveOptions(opts []Option) *loopOptions {
	o := &loopOptions{
		logger:      log.Logger,
		pollTimeout: Infinite,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(o)
	}
	return o
}
