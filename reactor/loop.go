//go:build linux
// +build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Action tells the loop what to do after a handler returns.
type Action int

const (
	// Continue keeps the registration.
	Continue Action = iota
	// Deregister drops the registration before the next event is dispatched.
	Deregister
	// Stop ends the loop once the current batch has been cleaned up.
	Stop
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Deregister:
		return "deregister"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Handler reacts to readiness on one descriptor. It runs on the loop
// goroutine and must not block.
type Handler interface {
	Handle(ev ReadyEvent) (Action, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev ReadyEvent) (Action, error)

func (f HandlerFunc) Handle(ev ReadyEvent) (Action, error) {
	return f(ev)
}

// CleanupHandler is a Handler that still wants to hear about events that
// arrive in the batch where the loop began stopping. Cleanup is called
// instead of Handle, after which the descriptor is deregistered.
type CleanupHandler interface {
	Handler
	Cleanup(ev ReadyEvent)
}

// State is the lifecycle stage of a Loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats are cumulative counters for a Loop.
type Stats struct {
	Cycles       uint64
	Dispatched   uint64
	Deregistered uint64
}

// Loop multiplexes readiness over a Registry and dispatches each ready
// descriptor to its Handler on a single goroutine.
type Loop struct {
	registry    *Registry
	stop        *WakeupHandle
	logger      *zap.Logger
	pollTimeout time.Duration

	mu       sync.Mutex
	handlers map[Descriptor]Handler
	// swept is set once shutdown has emptied handlers; no registration may follow.
	swept bool

	// pending holds the undispatched tail of the current batch.
	pending *queue.Queue

	state         atomic.Int32
	stopRequested atomic.Bool

	cycles       atomic.Uint64
	dispatched   atomic.Uint64
	deregistered atomic.Uint64
}

// New creates an idle loop with its own registry.
func New(opts ...Option) (*Loop, error) {
	o := resolveOptions(opts)

	registry, err := NewRegistry(append([]RegistryOption{RegistryLogger(o.logger)}, o.registryOpts...)...)
	if err != nil {
		return nil, err
	}

	stop, err := NewWakeupHandle()
	if err != nil {
		o.logger.Error("Failed to create stop handle", zap.Error(err))
		return nil, multierr.Append(err, registry.Close())
	}

	if err := registry.Register(stop.Descriptor(), Readable); err != nil {
		o.logger.Error("Failed to register stop handle", zap.Error(err))
		return nil, multierr.Combine(err, stop.Close(), registry.Close())
	}

	return &Loop{
		registry:    registry,
		stop:        stop,
		logger:      o.logger,
		pollTimeout: o.pollTimeout,
		handlers:    make(map[Descriptor]Handler),
		pending:     queue.New(),
	}, nil
}

// RegisterCallback watches d for interest and routes its events to h.
func (l *Loop) RegisterCallback(d Descriptor, interest Interest, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.swept {
		return ErrLoopStopped
	}
	if _, ok := l.handlers[d]; ok || d == l.stop.Descriptor() {
		return ErrAlreadyRegistered
	}
	if err := l.registry.Register(d, interest); err != nil {
		return err
	}
	l.handlers[d] = h
	return nil
}

// DeregisterCallback drops the handler and registration for d, if any.
func (l *Loop) DeregisterCallback(d Descriptor) error {
	return l.remove(d)
}

// RequestStop asks the loop to stop at the start of its next cycle. It may be
// called from any goroutine, before or during Run.
func (l *Loop) RequestStop() {
	if !l.stopRequested.CAS(false, true) {
		return
	}
	if err := l.stop.Signal(); err != nil && !errors.Is(err, ErrHandleClosed) {
		l.logger.Warn("Failed to wake event loop", zap.Error(err))
	}
}

// State reports where the loop is in its lifecycle.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Cycles:       l.cycles.Load(),
		Dispatched:   l.dispatched.Load(),
		Deregistered: l.deregistered.Load(),
	}
}

// Run dispatches events until a handler returns Stop, a handler fails, or
// RequestStop is called. Every descriptor still registered is unregistered
// before Run returns. A handler failure is returned as a *HandlerError.
func (l *Loop) Run() error {
	return l.RunContext(context.Background())
}

// RunContext is Run that also stops when ctx is done, in which case it
// returns ctx.Err().
func (l *Loop) RunContext(ctx context.Context) (err error) {
	if !l.state.CAS(int32(StateIdle), int32(StateRunning)) {
		if l.State() == StateStopped {
			return ErrLoopStopped
		}
		return ErrAlreadyRunning
	}

	if ctx.Done() != nil {
		exited := make(chan struct{})
		defer close(exited)
		go func() {
			select {
			case <-ctx.Done():
				l.RequestStop()
			case <-exited:
			}
		}()
	}

	l.logger.Info("event loop started")
	defer func() {
		err = multierr.Append(err, l.shutdown())
		if err == nil {
			err = ctx.Err()
		}
		l.state.Store(int32(StateStopped))
		l.logger.Info("event loop stopped", zap.Error(err))
	}()

	for {
		if l.stopRequested.Load() {
			l.logger.Debug("Received stop request. Exiting event loop.")
			l.state.Store(int32(StateStopping))
			return nil
		}

		batch, err := l.registry.Wait(l.pollTimeout)
		if err != nil {
			if IsTemporary(err) {
				l.logger.Debug("epoll wait interrupted")
				continue
			}
			l.state.Store(int32(StateStopping))
			return err
		}
		l.cycles.Inc()

		if stop, err := l.dispatch(batch); stop {
			return err
		}
	}
}

// Close releases the loop's registry and stop handle. Call it after Run has
// returned; it does not close descriptors registered by the caller.
func (l *Loop) Close() error {
	return multierr.Combine(l.registry.Close(), l.stop.Close())
}

func (l *Loop) dispatch(batch []ReadyEvent) (stop bool, err error) {
	for _, ev := range batch {
		l.pending.Add(ev)
	}

	for l.pending.Length() > 0 {
		ev := l.pending.Remove().(ReadyEvent)

		if ev.Descriptor == l.stop.Descriptor() {
			if _, derr := l.stop.Drain(); derr != nil {
				l.logger.Warn("Failed to drain stop handle", zap.Error(derr))
			}
			continue
		}

		h, ok := l.handler(ev.Descriptor)
		if !ok {
			continue
		}

		if stop {
			c, ok := h.(CleanupHandler)
			if !ok {
				continue
			}
			if cerr := l.cleanup(c, ev); cerr != nil {
				err = multierr.Append(err, &HandlerError{Descriptor: ev.Descriptor, Err: cerr})
			}
			l.removeQuietly(ev.Descriptor)
			continue
		}

		l.logger.Debug("epoll event", zap.Stringer("fd", ev.Descriptor), zap.Stringer("events", ev.Events))
		l.dispatched.Inc()

		action, herr := l.invoke(h, ev)
		if herr != nil {
			l.logger.Error("Failed to process event", zap.Stringer("fd", ev.Descriptor), zap.Error(herr))
			err = multierr.Append(err, &HandlerError{Descriptor: ev.Descriptor, Err: herr})
			stop = true
			l.state.Store(int32(StateStopping))
			continue
		}

		switch action {
		case Continue:
		case Deregister:
			l.removeQuietly(ev.Descriptor)
		case Stop:
			stop = true
			l.state.Store(int32(StateStopping))
		default:
			l.logger.Warn("unknown handler action", zap.Stringer("fd", ev.Descriptor), zap.Stringer("action", action))
		}
	}

	return stop, err
}

func (l *Loop) invoke(h Handler, ev ReadyEvent) (action Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	return h.Handle(ev)
}

func (l *Loop) cleanup(c CleanupHandler, ev ReadyEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	c.Cleanup(ev)
	return nil
}

func (l *Loop) handler(d Descriptor) (Handler, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handlers[d]
	return h, ok
}

func (l *Loop) remove(d Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.handlers[d]; !ok {
		return nil
	}
	delete(l.handlers, d)
	l.deregistered.Inc()

	if err := l.registry.Unregister(d); err != nil && !errors.Is(err, ErrNotRegistered) {
		return err
	}
	return nil
}

func (l *Loop) removeQuietly(d Descriptor) {
	if err := l.remove(d); err != nil {
		l.logger.Warn("Failed to unregister descriptor", zap.Stringer("fd", d), zap.Error(err))
	}
}

// shutdown unregisters every descriptor that still has a handler.
func (l *Loop) shutdown() error {
	for l.pending.Length() > 0 {
		l.pending.Remove()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.swept = true

	var errs error
	for d := range l.handlers {
		delete(l.handlers, d)
		l.deregistered.Inc()

		err := l.registry.Unregister(d)
		switch {
		case err == nil, errors.Is(err, ErrNotRegistered), errors.Is(err, ErrRegistryClosed):
		default:
			l.logger.Warn("Failed to unregister descriptor", zap.Stringer("fd", d), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("unregister %s: %w", d, err))
		}
	}
	return errs
}
