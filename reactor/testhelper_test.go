//go:build linux
// +build linux

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newPipe returns a non-blocking pipe closed when the test ends.
func newPipe(t *testing.T) (r, w Descriptor) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = closeFd(p[0])
		_ = closeFd(p[1])
	})
	return Descriptor(p[0]), Descriptor(p[1])
}

// readablePipe returns the read end of a pipe that stays readable.
func readablePipe(t *testing.T) Descriptor {
	t.Helper()
	r, w := newPipe(t)
	_, err := unix.Write(w.Int(), []byte{1})
	require.NoError(t, err)
	return r
}

func newTestLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()
	l, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTestHandle(t *testing.T, opts ...WakeupOption) *WakeupHandle {
	t.Helper()
	h, err := NewWakeupHandle(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func runAsync(l *Loop) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- l.Run()
	}()
	return done
}

func awaitRun(t *testing.T, done <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatalf("loop did not return within %s", timeout)
		return nil
	}
}
