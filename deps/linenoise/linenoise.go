package linenoise

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/peterh/liner"
	"go.uber.org/multierr"
)

// ErrAborted is returned by Prompt when the user hits Ctrl-C.
var ErrAborted = liner.ErrPromptAborted

// LineNoise is a line editor with persistent history.
type LineNoise struct {
	*liner.State
	historyFile string
}

// New puts the terminal into line-editing mode. historyFile may be empty.
func New(historyFile string, completions []string) *LineNoise {
	ln := &LineNoise{State: liner.NewLiner(), historyFile: historyFile}
	ln.SetCtrlCAborts(true)
	if len(completions) > 0 {
		ln.SetCompleter(prefixCompleter(completions))
	}
	if historyFile != "" {
		_ = ln.HistoryLoad(historyFile)
	}
	return ln
}

func (ln *LineNoise) HistoryLoad(filepath string) error {
	content, err := os.ReadFile(filepath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = ln.ReadHistory(bytes.NewReader(content))
	return err
}

func (ln *LineNoise) HistorySave(filepath string) error {
	var buf bytes.Buffer
	_, err := ln.WriteHistory(&buf)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, buf.Bytes(), 0644)
}

func (ln *LineNoise) ClearScreen(w io.Writer) error {
	_, err := fmt.Fprint(w, "\x1b[H\x1b[2J")
	return err
}

// Close saves history and restores the terminal.
func (ln *LineNoise) Close() error {
	var saveErr error
	if ln.historyFile != "" {
		saveErr = ln.HistorySave(ln.historyFile)
	}
	return multierr.Append(saveErr, ln.State.Close())
}

func prefixCompleter(words []string) liner.Completer {
	return func(line string) (c []string) {
		for _, w := range words {
			if strings.HasPrefix(w, line) {
				c = append(c, w)
			}
		}
		return
	}
}
