package buffer

import (
	"strings"
	"testing"
	"time"

	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

// feed appends n chunks of the given size and quality, spaced interval
// apart starting at start, and returns the mode after the last chunk.
func feed(a *Adaptive, n, size int, quality float64, start time.Time, interval time.Duration) types.ProcessingMode {
	var mode types.ProcessingMode
	for i := 0; i < n; i++ {
		mode = a.addChunkAt(size, quality, start.Add(time.Duration(i)*interval))
	}
	return mode
}

func TestAdaptiveStartsBuffered(t *testing.T) {
	a := NewAdaptive(AdaptiveConfig{})
	if got := a.AddChunk(4000, 0.5); got != types.ModeBuffered {
		t.Errorf("first chunk mode = %v, want buffered", got)
	}
}

func TestAdaptiveSwitchesToStreaming(t *testing.T) {
	a := NewAdaptive(AdaptiveConfig{})
	start := time.Now()

	// Large chunks at high frequency with good quality.
	mode := feed(a, 10, 8000, 0.9, start, 100*time.Millisecond)
	if mode != types.ModeStreaming {
		t.Fatalf("mode = %v, want streaming", mode)
	}

	switches := a.Switches()
	if len(switches) != 1 {
		t.Fatalf("got %d switches, want 1", len(switches))
	}
	sw := switches[0]
	if sw.From != types.ModeBuffered || sw.To != types.ModeStreaming {
		t.Errorf("switch = %v→%v, want buffered→streaming", sw.From, sw.To)
	}
	if !strings.Contains(sw.Reason, "large_chunks") {
		t.Errorf("Reason = %q, want it to name large_chunks", sw.Reason)
	}
}

func TestAdaptiveSwitchesBackToBuffered(t *testing.T) {
	a := NewAdaptive(AdaptiveConfig{})
	start := time.Now()
	if mode := feed(a, 10, 8000, 0.9, start, 100*time.Millisecond); mode != types.ModeStreaming {
		t.Fatalf("setup: mode = %v, want streaming", mode)
	}

	// Tiny, slow, poor chunks well past the analysis window.
	later := start.Add(10 * time.Second)
	mode := feed(a, 4, 500, 0.1, later, time.Second)
	if mode != types.ModeBuffered {
		t.Fatalf("mode = %v, want buffered after degradation", mode)
	}
	if got := a.Stats().ModeSwitches; got != 2 {
		t.Errorf("ModeSwitches = %d, want 2", got)
	}
}

func TestAdaptiveHysteresisKeepsStreamingOnTie(t *testing.T) {
	a := NewAdaptive(AdaptiveConfig{})
	start := time.Now()
	if mode := feed(a, 10, 8000, 0.9, start, 100*time.Millisecond); mode != types.ModeStreaming {
		t.Fatalf("setup: mode = %v, want streaming", mode)
	}

	// Mid-range chunks produce no buffered votes; streaming must hold.
	later := start.Add(10 * time.Second)
	mode := feed(a, 4, 4000, 0.5, later, 200*time.Millisecond)
	if mode != types.ModeStreaming {
		t.Errorf("mode = %v, want streaming held on tie", mode)
	}
}

func TestAdaptiveClearKeepsMode(t *testing.T) {
	a := NewAdaptive(AdaptiveConfig{})
	start := time.Now()
	if mode := feed(a, 10, 8000, 0.9, start, 100*time.Millisecond); mode != types.ModeStreaming {
		t.Fatalf("setup: mode = %v, want streaming", mode)
	}

	a.Clear()
	if got := a.Mode(); got != types.ModeStreaming {
		t.Errorf("Mode() after Clear = %v, want streaming preserved", got)
	}
}

func TestAdaptiveStats(t *testing.T) {
	a := NewAdaptive(AdaptiveConfig{})
	feed(a, 5, 1000, 0.5, time.Now(), time.Second)

	if got := a.Stats().TotalChunks; got != 5 {
		t.Errorf("TotalChunks = %d, want 5", got)
	}
}
