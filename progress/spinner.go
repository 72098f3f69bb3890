package progress

import (
	"fmt"
	"strings"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner renders an indeterminate status line. The frame is derived from
// elapsed time, so it advances with the renderer's tick; once stopped the
// line freezes and shows how long the step took.
type Spinner struct {
	message string
	started time.Time
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	return &Spinner{message: message, started: time.Now()}
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if s.message != "" {
		sb.WriteString(strings.TrimSpace(s.message))
		sb.WriteString(" ")
	}

	if s.stopped.IsZero() {
		frame := int(time.Since(s.started)/(100*time.Millisecond)) % len(spinnerFrames)
		sb.WriteString(spinnerFrames[frame])
	} else {
		fmt.Fprintf(&sb, "(%s)", s.stopped.Sub(s.started).Round(time.Second))
	}

	return sb.String()
}

func (s *Spinner) Stop() {
	if s.stopped.IsZero() {
		s.stopped = time.Now()
	}
}
