package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fzft/go-evloop/cmd"
	"github.com/fzft/go-evloop/log"
	"github.com/fzft/go-evloop/reactor"
	"github.com/mattn/go-isatty"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type config struct {
	delay       time.Duration
	signals     int
	interactive bool
}

func main() {
	var (
		cfg         config
		debug       bool
		showVersion bool
	)
	flag.DurationVar(&cfg.delay, "delay", 500*time.Millisecond, "how long the worker sleeps before signalling")
	flag.IntVar(&cfg.signals, "signals", 1, "how many signals the worker posts")
	flag.BoolVar(&cfg.interactive, "interactive", false, "drive the loop from a console prompt")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(Version())
		return
	}

	if err := log.InitLogger(debug); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.interactive && !isatty.IsTerminal(os.Stdin.Fd()) {
		log.Logger.Warn("stdin is not a terminal, running non-interactively")
		cfg.interactive = false
	}

	if err := run(cfg); err != nil {
		log.Logger.Error("evloop failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

// run wires one wakeup handle, one worker and one loop together. Without a
// console the first wakeup stops the loop; with one, the console decides.
func run(cfg config) (err error) {
	handle, err := reactor.NewWakeupHandle()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, handle.Close()) }()

	loop, err := reactor.New(reactor.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, loop.Close()) }()

	action := reactor.Stop
	if cfg.interactive {
		action = reactor.Continue
	}

	var total uint64
	err = loop.RegisterCallback(handle.Descriptor(), reactor.Readable, reactor.HandlerFunc(func(ev reactor.ReadyEvent) (reactor.Action, error) {
		n, err := handle.Drain()
		if err != nil {
			return reactor.Stop, err
		}
		total += n
		log.Logger.Info("wakeup received", zap.Uint64("count", n), zap.Uint64("total", total))
		return action, nil
	}))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	workerCtx, cancelWorker := context.WithCancel(gctx)
	defer cancelWorker()

	g.Go(func() error {
		err := loop.RunContext(gctx)
		// the worker must stop signalling before the handle is closed
		cancelWorker()
		if errors.Is(err, context.Canceled) {
			log.Logger.Info("signal received")
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := reactor.DelayedSignal{Delay: cfg.delay, Count: cfg.signals}.Work(workerCtx, handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	log.Logger.Info("waiting for wakeup", zap.Duration("delay", cfg.delay), zap.Int("signals", cfg.signals))

	if cfg.interactive {
		if cerr := cmd.NewConsole(loop, handle, os.Stdout).Run(); cerr != nil {
			log.Logger.Warn("console exited", zap.Error(cerr))
		}
	}

	runErr := g.Wait()
	log.Logger.Info("event loop finished", zap.Uint64("drained", total))
	return runErr
}
