package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fzft/go-evloop/deps/linenoise"
	"github.com/fzft/go-evloop/log"
	"github.com/fzft/go-evloop/reactor"
	"go.uber.org/zap"
)

const (
	Prompt             = "evloop> "
	HistoryFileEnv     = "EVLOOP_HISTFILE"
	HistoryFileDefault = ".evloop_history"
)

var commands = []string{"help", "signal", "stats", "state", "clear", "stop", "quit", "exit"}

// Loop is the part of *reactor.Loop the console drives.
type Loop interface {
	RequestStop()
	State() reactor.State
	Stats() reactor.Stats
}

// Console reads commands from a terminal and turns them into signals and
// stop requests for a running loop.
type Console struct {
	loop   Loop
	signal reactor.Signaler
	out    io.Writer
	line   *linenoise.LineNoise
}

func NewConsole(loop Loop, signal reactor.Signaler, out io.Writer) *Console {
	return &Console{loop: loop, signal: signal, out: out}
}

// HistoryFile returns where console history is kept.
func HistoryFile() string {
	if p := os.Getenv(HistoryFileEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, HistoryFileDefault)
}

// Run prompts until the user stops the loop, aborts, or closes stdin.
// The loop is asked to stop on the way out.
func (c *Console) Run() error {
	c.line = linenoise.New(HistoryFile(), commands)
	defer func() {
		if err := c.line.Close(); err != nil {
			log.Logger.Debug("Failed to close line editor", zap.Error(err))
		}
	}()
	defer c.loop.RequestStop()

	c.usage()
	for {
		input, err := c.line.Prompt(Prompt)
		if err == io.EOF || errors.Is(err, linenoise.ErrAborted) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		c.line.AppendHistory(input)

		quit, err := c.Exec(input)
		if err != nil {
			fmt.Fprintf(c.out, "(error) %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// Exec runs a single command line. It reports whether the console should exit.
func (c *Console) Exec(input string) (quit bool, err error) {
	args := strings.Fields(input)
	if len(args) == 0 {
		return false, nil
	}

	switch strings.ToLower(args[0]) {
	case "help", "?":
		c.usage()
	case "signal":
		n := uint64(1)
		if len(args) > 1 {
			n, err = strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return false, fmt.Errorf("signal: bad count %q", args[1])
			}
		}
		if err := c.post(n); err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "posted %d\n", n)
	case "stats":
		s := c.loop.Stats()
		fmt.Fprintf(c.out, "cycles:%d dispatched:%d deregistered:%d\n", s.Cycles, s.Dispatched, s.Deregistered)
	case "state":
		fmt.Fprintln(c.out, c.loop.State())
	case "clear":
		if c.line != nil {
			return false, c.line.ClearScreen(c.out)
		}
	case "stop", "quit", "exit":
		c.loop.RequestStop()
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, try help", args[0])
	}
	return false, nil
}

func (c *Console) post(n uint64) error {
	if a, ok := c.signal.(interface{ Add(uint64) error }); ok {
		return a.Add(n)
	}
	for i := uint64(0); i < n; i++ {
		if err := c.signal.Signal(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) usage() {
	fmt.Fprint(c.out, `commands:
  signal [n]   post n wakeups (default 1)
  stats        show loop counters
  state        show loop state
  clear        clear the screen
  stop         stop the loop and exit
`)
}
