package output

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Spinner displays an activity animation until stopped.
type Spinner struct {
	w       io.Writer
	message string
	frames  []string
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	started bool
}

// NewSpinner creates a new spinner.
func NewSpinner(w io.Writer, message string) *Spinner {
	return &Spinner{
		w:       w,
		message: message,
		frames:  []string{"|", "/", "-", "\\"},
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start starts the animation.
func (s *Spinner) Start() {
	s.started = true
	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			fmt.Fprintf(s.w, "\r%s %s", s.frames[i%len(s.frames)], s.message)
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop stops the spinner and clears the line.
func (s *Spinner) Stop() {
	s.finish("\r\033[K")
}

// Success stops the spinner with a success message.
func (s *Spinner) Success(message string) {
	s.finish("\r\033[Kok " + message + "\n")
}

// Fail stops the spinner with a failure message.
func (s *Spinner) Fail(message string) {
	s.finish("\r\033[Kfailed " + message + "\n")
}

func (s *Spinner) finish(line string) {
	s.once.Do(func() {
		close(s.done)
		if s.started {
			<-s.stopped
		}
		io.WriteString(s.w, line)
	})
}
