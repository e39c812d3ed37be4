//go:build linux
// +build linux

package reactor

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/fzft/go-evloop/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	// DefaultMaxEvents bounds how many ready descriptors one Wait reports.
	DefaultMaxEvents = 1024

	// Infinite makes Wait block until something is ready.
	Infinite time.Duration = -1
)

const (
	readEvents   = unix.EPOLLIN | unix.EPOLLPRI
	hangupEvents = unix.EPOLLHUP | unix.EPOLLRDHUP
)

type registryOptions struct {
	maxEvents int
	strict    bool
	logger    *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

// RegistryMaxEvents sets the size of the per-Wait event buffer.
func RegistryMaxEvents(n int) RegistryOption {
	return func(o *registryOptions) {
		if n > 0 {
			o.maxEvents = n
		}
	}
}

// StrictRegistration rejects a Register call that repeats the interest
// already recorded for a descriptor. By default such calls are a no-op update.
func StrictRegistration() RegistryOption {
	return func(o *registryOptions) {
		o.strict = true
	}
}

// RegistryLogger sets the logger used for registration tracing.
func RegistryLogger(l *zap.Logger) RegistryOption {
	return func(o *registryOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Registry is a wrapper around epoll. It keeps track of the descriptors
// registered with it and the interest each one was registered for.
type Registry struct {
	epollFd int
	// wakeFd is an eventfd kept in the epoll set so Close can interrupt Wait.
	wakeFd int
	strict bool
	logger *zap.Logger

	mu       sync.Mutex
	epollSet map[Descriptor]Interest

	// waitMu is held by Wait for the whole epoll_wait call.
	waitMu sync.Mutex
	events []unix.EpollEvent

	closed atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	o := registryOptions{
		maxEvents: DefaultMaxEvents,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		o.logger.Error("Failed to create epoll", zap.Error(err))
		return nil, exhausted("epoll_create1", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		o.logger.Error("Failed to create eventfd", zap.Error(err))
		_ = unix.Close(epfd)
		return nil, exhausted("eventfd", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{Fd: int32(efd), Events: unix.EPOLLIN}); err != nil {
		o.logger.Error("Failed to add eventfd to epoll", zap.Error(err))
		_ = unix.Close(efd)
		_ = unix.Close(epfd)
		return nil, exhausted("epoll_ctl add", err)
	}

	return &Registry{
		epollFd:  epfd,
		wakeFd:   efd,
		strict:   o.strict,
		logger:   o.logger,
		epollSet: make(map[Descriptor]Interest),
		events:   make([]unix.EpollEvent, o.maxEvents),
	}, nil
}

// Register adds d to the epoll set, or updates its interest if it is already there.
func (r *Registry) Register(d Descriptor, interest Interest) (err error) {
	if !d.Valid() {
		return ErrInvalidDescriptor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return ErrRegistryClosed
	}
	if d == Descriptor(r.wakeFd) {
		return ErrInvalidDescriptor
	}

	prev, ok := r.epollSet[d]
	if ok {
		if r.strict && prev == interest {
			return ErrDuplicateRegistration
		}
		err = r.ctl(unix.EPOLL_CTL_MOD, d, interest)
		if errors.Is(err, ErrNotRegistered) {
			// the kernel dropped it when the old file was closed
			err = r.ctl(unix.EPOLL_CTL_ADD, d, interest)
		}
	} else {
		err = r.ctl(unix.EPOLL_CTL_ADD, d, interest)
	}

	if err != nil {
		return err
	}

	r.epollSet[d] = interest
	r.logger.Debug("registered", zap.Stringer("fd", d), zap.Stringer("interest", interest))
	return nil
}

// Unregister removes d from the epoll set.
func (r *Registry) Unregister(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return ErrRegistryClosed
	}
	if _, ok := r.epollSet[d]; !ok {
		return ErrNotRegistered
	}
	delete(r.epollSet, d)

	err := r.ctl(unix.EPOLL_CTL_DEL, d, 0)
	if errors.Is(err, ErrNotRegistered) {
		err = nil
	}
	r.logger.Debug("unregistered", zap.Stringer("fd", d), zap.Error(err))
	return err
}

// Interest returns the interest d is currently registered for.
func (r *Registry) Interest(d Descriptor) (Interest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	interest, ok := r.epollSet[d]
	return interest, ok
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.epollSet)
}

// Wait blocks until at least one registered descriptor is ready or timeout
// elapses. A negative timeout blocks indefinitely and zero polls. Positive
// timeouts are rounded up to the next millisecond.
//
// The returned batch lists each ready descriptor once, in kernel order.
func (r *Registry) Wait(timeout time.Duration) ([]ReadyEvent, error) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()

	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	n, err := unix.EpollWait(r.epollFd, r.events, timeoutMillis(timeout))
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if err != nil {
		if err == unix.EINTR {
			return nil, fmt.Errorf("%w: %w", ErrWaitInterrupted, os.NewSyscallError("epoll_wait", err))
		}
		r.logger.Error("epoll wait error", zap.Error(err))
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	batch := make([]ReadyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := &r.events[i]
		if int(ev.Fd) == r.wakeFd {
			continue
		}
		batch = append(batch, ReadyEvent{
			Descriptor: Descriptor(ev.Fd),
			Events:     fromEpoll(ev.Events),
		})
	}
	return batch, nil
}

// Close releases the epoll instance. An in-flight Wait is woken and returns
// ErrRegistryClosed; Close returns once it has left.
func (r *Registry) Close() error {
	if !r.closed.CAS(false, true) {
		return nil
	}

	one := uint64(1)
	if _, err := unix.Write(r.wakeFd, counterBytes(&one)); err != nil {
		r.logger.Warn("Failed to wake waiter", zap.Error(err))
	}

	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.epollSet = make(map[Descriptor]Interest)
	return multierr.Combine(
		closeFd(r.wakeFd),
		closeFd(r.epollFd),
	)
}

func (r *Registry) ctl(op int, d Descriptor, interest Interest) error {
	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Fd: int32(d), Events: toEpoll(interest)}
	}

	err := unix.EpollCtl(r.epollFd, op, int(d), ev)
	if err == nil {
		return nil
	}

	serr := os.NewSyscallError(ctlName(op), err)
	switch err {
	case unix.EBADF, unix.EPERM:
		return fmt.Errorf("%w: %w", ErrInvalidDescriptor, serr)
	case unix.ENOENT:
		return fmt.Errorf("%w: %w", ErrNotRegistered, serr)
	case unix.EEXIST:
		return fmt.Errorf("%w: %w", ErrDuplicateRegistration, serr)
	case unix.ENOMEM, unix.ENOSPC:
		return fmt.Errorf("%w: %w", ErrResourceExhausted, serr)
	default:
		return serr
	}
}

func ctlName(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "epoll_ctl add"
	case unix.EPOLL_CTL_MOD:
		return "epoll_ctl mod"
	default:
		return "epoll_ctl del"
	}
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

func toEpoll(interest Interest) uint32 {
	var events uint32
	if interest&Readable != 0 {
		events |= readEvents
	}
	if interest&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	if interest&Error != 0 {
		events |= unix.EPOLLERR
	}
	if interest&HangUp != 0 {
		events |= hangupEvents
	}
	if interest&EdgeTriggered != 0 {
		events |= unix.EPOLLET
	}
	return events
}

func fromEpoll(events uint32) Interest {
	var interest Interest
	if events&readEvents != 0 {
		interest |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		interest |= Writable
	}
	if events&unix.EPOLLERR != 0 {
		interest |= Error
	}
	if events&hangupEvents != 0 {
		interest |= HangUp
	}
	return interest
}
