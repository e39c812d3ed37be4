//go:build linux
// +build linux

package reactor

import (
	"fmt"
	"math"
	"os"
	"sync"
	"unsafe"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type wakeupOptions struct {
	semaphore bool
}

// WakeupOption configures a WakeupHandle.
type WakeupOption func(*wakeupOptions)

// WithSemaphore makes every Drain consume exactly one pending signal.
func WithSemaphore() WakeupOption {
	return func(o *wakeupOptions) {
		o.semaphore = true
	}
}

// WakeupHandle is an eventfd-backed counter. Signal and Add may be called
// from any goroutine; Drain belongs to the goroutine running the loop.
type WakeupHandle struct {
	fd     int
	closed atomic.Bool
	// mu keeps Close from releasing fd under an in-flight write.
	mu sync.RWMutex
}

// NewWakeupHandle creates a handle with a zero counter.
func NewWakeupHandle(opts ...WakeupOption) (*WakeupHandle, error) {
	var o wakeupOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	flags := unix.EFD_NONBLOCK | unix.EFD_CLOEXEC
	if o.semaphore {
		flags |= unix.EFD_SEMAPHORE
	}
	fd, err := unix.Eventfd(0, flags)
	if err != nil {
		return nil, exhausted("eventfd", err)
	}
	return &WakeupHandle{fd: fd}, nil
}

// Descriptor exposes the eventfd for registration.
func (h *WakeupHandle) Descriptor() Descriptor {
	return Descriptor(h.fd)
}

// Signal adds one to the pending counter.
func (h *WakeupHandle) Signal() error {
	return h.Add(1)
}

// Add adds delta to the pending counter without blocking.
func (h *WakeupHandle) Add(delta uint64) error {
	if delta == 0 || delta == math.MaxUint64 {
		return ErrInvalidDelta
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed.Load() {
		return ErrHandleClosed
	}

	for {
		_, err := unix.Write(h.fd, counterBytes(&delta))
		switch {
		case err == nil:
			return nil
		case err == unix.EINTR:
			continue
		case isTemporaryErrno(err):
			return fmt.Errorf("%w: %w", ErrCounterSaturated, os.NewSyscallError("write", err))
		default:
			return os.NewSyscallError("write", err)
		}
	}
}

// Drain reads and resets the pending counter. It returns 0 when nothing is pending.
// In semaphore mode each call consumes a single signal.
func (h *WakeupHandle) Drain() (uint64, error) {
	if h.closed.Load() {
		return 0, ErrHandleClosed
	}

	var n uint64
	for {
		_, err := unix.Read(h.fd, counterBytes(&n))
		switch {
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case isTemporaryErrno(err):
			return 0, nil
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

// Close releases the eventfd. Calling it more than once is harmless.
func (h *WakeupHandle) Close() error {
	if !h.closed.CAS(false, true) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return os.NewSyscallError("close", unix.Close(h.fd))
}

// counterBytes views v the way eventfd expects it: 8 bytes in host order.
func counterBytes(v *uint64) []byte {
	return (*(*[8]byte)(unsafe.Pointer(v)))[:]
}
