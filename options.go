// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package asyncsock

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger      *logiface.Logger[logiface.Event]
	newPoller   func() Poller
	errLogRates map[time.Duration]int
	backend     PollBackend
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger used by the loop, and inherited by
// every channel bound to it. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPollBackend selects the readiness backend. The default is
// [PollBackendNative].
func WithPollBackend(backend PollBackend) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		switch backend {
		case PollBackendNative, PollBackendPoll:
		default:
			return errors.New("asyncsock: unknown poll backend")
		}
		opts.backend = backend
		return nil
	}}
}

// WithPoller supplies a custom [Poller] factory, overriding
// [WithPollBackend]. The factory is called once, by [New], and the returned
// poller is initialized and owned by the loop.
func WithPoller(factory func() Poller) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.newPoller = factory
		return nil
	}}
}

// WithErrorLogRates sets the per-category rate limits applied to error
// logs emitted by the loop (task panics, poll failures). See
// [catrate.NewLimiter] for the constraints on rates. A nil or empty map
// disables limiting.
//
// [catrate.NewLimiter]: https://pkg.go.dev/github.com/joeycumines/go-catrate#NewLimiter
func WithErrorLogRates(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.errLogRates = rates
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		backend: PollBackendNative,
		errLogRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// channelOptions holds configuration options for Channel and SecureChannel
// creation.
type channelOptions struct {
	executor   Executor
	logger     *logiface.Logger[logiface.Event]
	handler    SecureHandler
	loggerSet  bool
	noFastPath bool
}

// --- Channel Options ---

// ChannelOption configures a Channel or SecureChannel instance.
type ChannelOption interface {
	applyChannel(*channelOptions) error
}

// channelOptionImpl implements ChannelOption.
type channelOptionImpl struct {
	applyChannelFunc func(*channelOptions) error
}

func (c *channelOptionImpl) applyChannel(opts *channelOptions) error {
	return c.applyChannelFunc(opts)
}

// WithExecutor sets the context completions and notifications are
// dispatched on. The default is [MainExecutor].
func WithExecutor(executor Executor) ChannelOption {
	return &channelOptionImpl{func(opts *channelOptions) error {
		if executor == nil {
			return errors.New("asyncsock: nil executor")
		}
		opts.executor = executor
		return nil
	}}
}

// WithChannelLogger overrides the logger inherited from the loop. A nil
// logger disables logging for the channel.
func WithChannelLogger(logger *logiface.Logger[logiface.Event]) ChannelOption {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.logger = logger
		opts.loggerSet = true
		return nil
	}}
}

// WithWriteFastPath controls whether a write issued while the write queue
// is empty first attempts an immediate send. Enabled by default.
func WithWriteFastPath(enabled bool) ChannelOption {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.noFastPath = !enabled
		return nil
	}}
}

// WithSecureHandler sets the receiver of handshake and disconnect
// notifications for a [SecureChannel]. It is ignored by [Channel].
func WithSecureHandler(handler SecureHandler) ChannelOption {
	return &channelOptionImpl{func(opts *channelOptions) error {
		opts.handler = handler
		return nil
	}}
}

// resolveChannelOptions applies ChannelOption instances to channelOptions.
func resolveChannelOptions(loop *Loop, opts []ChannelOption) (*channelOptions, error) {
	cfg := &channelOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyChannel(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.executor == nil {
		cfg.executor = MainExecutor()
	}
	if !cfg.loggerSet {
		cfg.logger = loop.logger
	}
	return cfg, nil
}
