package render

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// Spinner animates a one-line progress indicator until stopped. It draws
// nothing unless its writer is a terminal.
type Spinner struct {
	w      io.Writer
	msg    string
	frames []string
	fps    time.Duration

	started atomic.Bool
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
}

// NewSpinner creates a Spinner writing to w.
func NewSpinner(w io.Writer, msg string) *Spinner {
	return &Spinner{
		w:      w,
		msg:    msg,
		frames: spinner.MiniDot.Frames,
		fps:    spinner.MiniDot.FPS,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins drawing in a goroutine.
func (s *Spinner) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	if !IsTerminal(s.w) {
		close(s.done)
		return
	}
	go s.run()
}

func (s *Spinner) run() {
	defer close(s.done)
	t := time.NewTicker(s.fps)
	defer t.Stop()
	for i := 0; ; i++ {
		_, _ = fmt.Fprintf(s.w, "\r%s %s", s.frames[i%len(s.frames)], s.msg)
		select {
		case <-s.stop:
			_, _ = fmt.Fprint(s.w, "\r\033[K")
			return
		case <-t.C:
		}
	}
}

// Stop clears the line and waits for the drawing goroutine to exit. It may be
// called more than once, or without Start.
func (s *Spinner) Stop() {
	s.once.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}
