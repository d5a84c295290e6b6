// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"io"
	"os"
	"sync"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays the progress of a batch of work on the terminal.
// It is safe for concurrent use.
type ProgressBar struct {
	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
}

// NewProgressBar creates a progress bar for total units of work, written to w (os.Stdout if nil).
// itsString names the units, e.g. "samples".
func NewProgressBar(w io.Writer, total int, description, itsString string) *ProgressBar {
	if w == nil {
		w = os.Stdout
	}
	pBar := &ProgressBar{}
	ansi := !IsNotebook()
	if ansi {
		pBar.termenv = termenv.NewOutput(w)
		pBar.termenv.HideCursor()
	}
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(ansi),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(itsString),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(w),
		progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(w, "\n") }),
	)
	return pBar
}

// Add n units of finished work.
func (pBar *ProgressBar) Add(n int) {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	_ = pBar.bar.Add(n)
}

// Done finishes the progress bar, and restores the cursor.
func (pBar *ProgressBar) Done() {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	if !pBar.bar.IsFinished() {
		_ = pBar.bar.Finish()
	}
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
}

// State returns the number of units done and the total.
func (pBar *ProgressBar) State() (done, total int) {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	state := pBar.bar.State()
	return int(state.CurrentNum), int(state.Max)
}
