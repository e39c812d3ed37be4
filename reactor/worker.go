package reactor

import (
	"context"
	"time"
)

// Signaler is the producer side of a wakeup.
type Signaler interface {
	Signal() error
}

// Worker is a unit of work running off the loop goroutine. It reports
// progress to the loop only through its Signaler.
type Worker interface {
	Work(ctx context.Context, s Signaler) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, s Signaler) error

func (f WorkerFunc) Work(ctx context.Context, s Signaler) error {
	return f(ctx, s)
}

// DelayedSignal sleeps for Delay, then signals Count times (at least once).
type DelayedSignal struct {
	Delay time.Duration
	Count int
}

func (w DelayedSignal) Work(ctx context.Context, s Signaler) error {
	timer := time.NewTimer(w.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	n := w.Count
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if err := s.Signal(); err != nil {
			return err
		}
	}
	return nil
}

// Spawn runs w on its own goroutine. The returned channel receives the
// worker's result and is then closed, which makes it the join point before
// the Signaler may be closed.
func Spawn(ctx context.Context, w Worker, s Signaler) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				done <- PanicError{Value: r}
			}
		}()
		done <- w.Work(ctx, s)
	}()
	return done
}
