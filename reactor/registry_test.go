//go:build linux
// +build linux

package reactor

import (
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	r, err := NewRegistry(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistry_PollEmptyDoesNotBlock(t *testing.T) {
	r := newTestRegistry(t)

	start := time.Now()
	batch, err := r.Wait(0)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Less(t, elapsed, 50*time.Millisecond)
}

func TestRegistry_WaitHonorsTimeout(t *testing.T) {
	r := newTestRegistry(t)

	start := time.Now()
	batch, err := r.Wait(30 * time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRegistry_ReportsEachReadyDescriptorOnce(t *testing.T) {
	r := newTestRegistry(t)
	rd, wr := newPipe(t)
	h := newTestHandle(t)

	require.NoError(t, r.Register(rd, Readable))
	require.NoError(t, r.Register(wr, Writable))
	require.NoError(t, r.Register(h.Descriptor(), Readable))
	assert.Equal(t, 3, r.Len())

	_, err := unix.Write(wr.Int(), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, h.Signal())

	batch, err := r.Wait(time.Second)
	require.NoError(t, err)

	seen := make(map[Descriptor]Interest)
	for _, ev := range batch {
		_, dup := seen[ev.Descriptor]
		assert.False(t, dup, "%s reported twice", ev.Descriptor)
		seen[ev.Descriptor] = ev.Events
	}
	require.Len(t, seen, 3)
	assert.True(t, seen[rd].Has(Readable))
	assert.True(t, seen[wr].Has(Writable))
	assert.True(t, seen[h.Descriptor()].Has(Readable))
}

func TestRegistry_ReRegisterUpdatesInterest(t *testing.T) {
	r := newTestRegistry(t)
	rd, _ := newPipe(t)

	require.NoError(t, r.Register(rd, Readable))
	require.NoError(t, r.Register(rd, Readable))
	require.NoError(t, r.Register(rd, Readable|HangUp))

	interest, ok := r.Interest(rd)
	require.True(t, ok)
	assert.Equal(t, Readable|HangUp, interest)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_StrictRegistration(t *testing.T) {
	r := newTestRegistry(t, StrictRegistration())
	rd, _ := newPipe(t)

	require.NoError(t, r.Register(rd, Readable))
	assert.ErrorIs(t, r.Register(rd, Readable), ErrDuplicateRegistration)
	assert.NoError(t, r.Register(rd, Readable|EdgeTriggered))
}

func TestRegistry_RegisterInvalidDescriptor(t *testing.T) {
	r := newTestRegistry(t)

	assert.ErrorIs(t, r.Register(InvalidDescriptor, Readable), ErrInvalidDescriptor)

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	require.NoError(t, unix.Close(p[0]))
	require.NoError(t, unix.Close(p[1]))
	assert.ErrorIs(t, r.Register(Descriptor(p[0]), Readable), ErrInvalidDescriptor)

	f, err := os.CreateTemp(t.TempDir(), "regular")
	require.NoError(t, err)
	defer f.Close()
	assert.ErrorIs(t, r.Register(Descriptor(f.Fd()), Readable), ErrInvalidDescriptor,
		"regular files cannot be polled")

	assert.Equal(t, 0, r.Len())
}

func TestRegistry_UnregisterAbsent(t *testing.T) {
	r := newTestRegistry(t)
	rd, _ := newPipe(t)

	assert.ErrorIs(t, r.Unregister(rd), ErrNotRegistered)

	require.NoError(t, r.Register(rd, Readable))
	require.NoError(t, r.Unregister(rd))
	assert.ErrorIs(t, r.Unregister(rd), ErrNotRegistered)

	_, ok := r.Interest(rd)
	assert.False(t, ok)
}

func TestRegistry_EdgeTriggeredFiresOncePerTransition(t *testing.T) {
	r := newTestRegistry(t)
	levelRd, levelWr := newPipe(t)
	edgeRd, edgeWr := newPipe(t)

	require.NoError(t, r.Register(levelRd, Readable))
	require.NoError(t, r.Register(edgeRd, Readable|EdgeTriggered))

	for _, w := range []Descriptor{levelWr, edgeWr} {
		_, err := unix.Write(w.Int(), []byte("x"))
		require.NoError(t, err)
	}

	batch, err := r.Wait(time.Second)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	batch, err = r.Wait(0)
	require.NoError(t, err)
	require.Len(t, batch, 1, "only the level-triggered pipe fires again")
	assert.Equal(t, levelRd, batch[0].Descriptor)
	assert.False(t, batch[0].Events.Has(EdgeTriggered))
}

func TestRegistry_ReportsHangUp(t *testing.T) {
	r := newTestRegistry(t)
	rd, wr := newPipe(t)

	require.NoError(t, r.Register(rd, Readable))
	require.NoError(t, unix.Close(wr.Int()))

	batch, err := r.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.True(t, batch[0].Events.Has(HangUp))
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	rd, _ := newPipe(t)
	require.NoError(t, r.Register(rd, Readable))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.Register(rd, Readable), ErrRegistryClosed)
	assert.ErrorIs(t, r.Unregister(rd), ErrRegistryClosed)
	_, err = r.Wait(0)
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CloseWakesBlockedWait(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Wait(Infinite)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRegistryClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Close")
	}
}

func TestRegistry_WaitReportsSignalInterruption(t *testing.T) {
	r := newTestRegistry(t)

	tids := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tids <- unix.Gettid()
		_, err := r.Wait(Infinite)
		done <- err
	}()
	tid := <-tids

	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, unix.Tgkill(unix.Getpid(), tid, unix.SIGURG))
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrWaitInterrupted)
			assert.True(t, IsTemporary(err))
			return
		case <-deadline:
			t.Fatal("epoll_wait was never interrupted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistry_MaxEventsBoundsBatch(t *testing.T) {
	r := newTestRegistry(t, RegistryMaxEvents(2))
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Register(readablePipe(t), Readable))
	}

	batch, err := r.Wait(time.Second)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(batch), 2)
	assert.NotEmpty(t, batch)
}

func TestTimeoutMillis(t *testing.T) {
	assert.Equal(t, -1, timeoutMillis(Infinite))
	assert.Equal(t, -1, timeoutMillis(-5*time.Second))
	assert.Equal(t, 0, timeoutMillis(0))
	assert.Equal(t, 1, timeoutMillis(time.Microsecond))
	assert.Equal(t, 30, timeoutMillis(30*time.Millisecond))
	assert.Equal(t, 31, timeoutMillis(30*time.Millisecond+time.Nanosecond))
}
