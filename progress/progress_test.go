package progress

import (
	"strings"
	"testing"
)

func TestBarString(t *testing.T) {
	b := NewBar("quantizing layers", 2)
	b.Set(1)

	out := b.String()
	if !strings.Contains(out, "quantizing layers") {
		t.Fatalf("missing message: %q", out)
	}
	if !strings.Contains(out, "50%") {
		t.Fatalf("missing percent: %q", out)
	}
	if !strings.Contains(out, "(1/2)") {
		t.Fatalf("missing counts: %q", out)
	}
}

func TestBarSetClamps(t *testing.T) {
	b := NewBar("", 2)
	b.Set(5)

	if !strings.Contains(b.String(), "100%") {
		t.Fatalf("got %q, want 100%%", b.String())
	}
}

func TestSpinnerString(t *testing.T) {
	s := NewSpinner("writing out")

	out := s.String()
	if !strings.HasPrefix(out, "writing out ") {
		t.Fatalf("missing message: %q", out)
	}

	var spinning bool
	for _, frame := range spinnerFrames {
		if strings.HasSuffix(out, frame) {
			spinning = true
		}
	}
	if !spinning {
		t.Fatalf("missing frame: %q", out)
	}

	// Stopping freezes the line and reports the elapsed time instead.
	s.Stop()
	out = s.String()
	if !strings.Contains(out, "(") {
		t.Fatalf("missing elapsed time: %q", out)
	}
	for _, frame := range spinnerFrames {
		if strings.Contains(out, frame) {
			t.Fatalf("still spinning: %q", out)
		}
	}
}
