package buffer

import (
	"encoding/binary"
	"testing"
	"time"
)

// clock is an adjustable time source for driving buffer durations.
type clock struct{ t time.Time }

func newClock() *clock                   { return &clock{t: time.Now()} }
func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// webmChunk builds a structurally complete WebM chunk of the given size
// that scores maximum quality.
func webmChunk(size int) []byte {
	b := make([]byte, 0, size)
	b = append(b, 0x1a, 0x45, 0xdf, 0xa3) // EBML header
	b = append(b, 0x18, 0x53, 0x80, 0x67) // segment
	b = append(b, 0x1a, 0x45)             // second EBML element
	b = append(b, 0xa3)                   // block marker
	for len(b) < size {
		b = append(b, 0x00)
	}
	return b
}

func oggChunk(size int) []byte {
	b := make([]byte, size)
	copy(b, "OggS")
	return b
}

func mp4Chunk(size int) []byte {
	b := make([]byte, size)
	copy(b[4:], "ftyp")
	return b
}

// wavChunk builds a WAV header chunk at the given rate and channel count.
func wavChunk(rate, channels, size int) []byte {
	b := make([]byte, size)
	copy(b, "RIFF")
	copy(b[8:], "WAVE")
	binary.LittleEndian.PutUint16(b[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(b[24:28], uint32(rate))
	return b
}

// silenceChunk has no recognizable structure and scores zero quality.
func silenceChunk(size int) []byte {
	return make([]byte, size)
}

func newTestSmart(cfg SmartConfig) (*Smart, *clock) {
	b := NewSmart(cfg)
	c := newClock()
	b.now = c.now
	return b, c
}

func TestSmartMaxSizeRelease(t *testing.T) {
	b, _ := newTestSmart(SmartConfig{})

	var rel *Release
	for i := 0; i < 40 && rel == nil; i++ {
		rel = b.AddChunk(webmChunk(11000))
	}
	if rel == nil {
		t.Fatal("buffer never released")
	}
	if rel.Metrics.Reason != ReleaseMaxSize {
		t.Errorf("Reason = %v, want max_size", rel.Metrics.Reason)
	}
	if rel.Metrics.TotalBytes < 300*1024 {
		t.Errorf("TotalBytes = %d, want >= 300 KiB", rel.Metrics.TotalBytes)
	}
	if len(rel.Audio) != rel.Metrics.TotalBytes {
		t.Errorf("combined audio %d bytes, metrics say %d", len(rel.Audio), rel.Metrics.TotalBytes)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after release, want 0", b.Len())
	}
}

func TestSmartQualityEarlyRelease(t *testing.T) {
	b, c := newTestSmart(SmartConfig{})

	if rel := b.AddChunk(webmChunk(11000)); rel != nil {
		t.Fatalf("released after one chunk: %v", rel.Metrics.Reason)
	}
	c.advance(500 * time.Millisecond)
	if rel := b.AddChunk(webmChunk(11000)); rel != nil {
		t.Fatalf("released after two chunks: %v", rel.Metrics.Reason)
	}
	c.advance(500 * time.Millisecond)

	rel := b.AddChunk(webmChunk(11000))
	if rel == nil {
		t.Fatal("expected quality release on third high-quality chunk")
	}
	if rel.Metrics.Reason != ReleaseQuality {
		t.Errorf("Reason = %v, want quality_threshold", rel.Metrics.Reason)
	}
	if rel.Metrics.ChunkCount != 3 {
		t.Errorf("ChunkCount = %d, want 3", rel.Metrics.ChunkCount)
	}
	if rel.Metrics.DominantFormat != "webm" {
		t.Errorf("DominantFormat = %v, want webm", rel.Metrics.DominantFormat)
	}
}

func TestSmartSilenceRelease(t *testing.T) {
	b, c := newTestSmart(SmartConfig{})

	var rel *Release
	for i := 0; i < 5; i++ {
		if rel = b.AddChunk(silenceChunk(200)); rel != nil {
			break
		}
		c.advance(500 * time.Millisecond)
	}
	if rel == nil {
		t.Fatal("expected silence release after five quiet chunks over 2s")
	}
	if rel.Metrics.Reason != ReleaseSilence {
		t.Errorf("Reason = %v, want silence_detected", rel.Metrics.Reason)
	}
}

func TestSmartMinDurationRelease(t *testing.T) {
	b, c := newTestSmart(SmartConfig{})

	var rel *Release
	for i := 0; i < 10 && rel == nil; i++ {
		rel = b.AddChunk(oggChunk(300))
		c.advance(500 * time.Millisecond)
	}
	if rel == nil {
		t.Fatal("expected min-duration release")
	}
	if rel.Metrics.Reason != ReleaseDuration {
		t.Errorf("Reason = %v, want min_duration", rel.Metrics.Reason)
	}
	if rel.Metrics.Duration < 2500*time.Millisecond {
		t.Errorf("Duration = %v, want >= 2.5s", rel.Metrics.Duration)
	}
}

func TestSmartTimeoutRelease(t *testing.T) {
	b, c := newTestSmart(SmartConfig{})

	// Cycle three formats so no tail ever looks like a clean cut point,
	// keeping the min-duration release from firing first.
	chunks := [][]byte{oggChunk(300), mp4Chunk(300), wavChunk(8000, 2, 300)}
	var rel *Release
	for i := 0; i < 20 && rel == nil; i++ {
		rel = b.AddChunk(chunks[i%3])
		c.advance(500 * time.Millisecond)
	}
	if rel == nil {
		t.Fatal("expected timeout release")
	}
	if rel.Metrics.Reason != ReleaseTimeout {
		t.Errorf("Reason = %v, want timeout", rel.Metrics.Reason)
	}
	if rel.Metrics.Duration < 6*time.Second {
		t.Errorf("Duration = %v, want >= 6s", rel.Metrics.Duration)
	}
}

func TestSmartForceFlush(t *testing.T) {
	b, _ := newTestSmart(SmartConfig{})

	if rel := b.ForceFlush(); rel != nil {
		t.Error("ForceFlush on empty buffer must return nil")
	}

	b.AddChunk(oggChunk(300))
	b.AddChunk(oggChunk(300))
	rel := b.ForceFlush()
	if rel == nil {
		t.Fatal("ForceFlush returned nil with buffered chunks")
	}
	if rel.Metrics.Reason != ReleaseForced {
		t.Errorf("Reason = %v, want force_flush", rel.Metrics.Reason)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after flush, want 0", b.Len())
	}
}

func TestSmartPreservesTimingAcrossRelease(t *testing.T) {
	b, c := newTestSmart(SmartConfig{})

	b.AddChunk(oggChunk(300))
	c.advance(time.Second)
	if rel := b.ForceFlush(); rel == nil {
		t.Fatal("ForceFlush returned nil")
	}

	// The next window's duration counts from the original first chunk.
	c.advance(time.Second)
	b.AddChunk(oggChunk(300))
	if got := b.Duration(); got < 2*time.Second {
		t.Errorf("Duration = %v after release, want >= 2s (timing preserved)", got)
	}
}

func TestSmartAdaptiveTimeout(t *testing.T) {
	b, _ := newTestSmart(SmartConfig{Timeout: 2 * time.Second, AdaptiveTimeout: true})

	if got := b.adaptiveTimeout(); got != 2*time.Second {
		t.Errorf("baseline adaptiveTimeout = %v, want 2s", got)
	}

	b.qualityHistory = []float64{0.9, 0.9, 0.9, 0.9, 0.9}
	if got := b.adaptiveTimeout(); got != 2400*time.Millisecond {
		t.Errorf("high-quality adaptiveTimeout = %v, want 2.4s", got)
	}

	b.qualityHistory = []float64{0.1, 0.1, 0.1, 0.1, 0.1}
	if got := b.adaptiveTimeout(); got != 1600*time.Millisecond {
		t.Errorf("low-quality adaptiveTimeout = %v, want 1.6s", got)
	}

	// Repeated timeout releases shave another 10%.
	now := time.Now()
	b.recentReleases = []pastRelease{
		{at: now, reason: ReleaseTimeout},
		{at: now, reason: ReleaseDuration},
		{at: now, reason: ReleaseTimeout},
	}
	if got := b.adaptiveTimeout(); got != 1440*time.Millisecond {
		t.Errorf("timeout-heavy adaptiveTimeout = %v, want 1.44s", got)
	}
}

func TestSmartAdaptiveTimeoutClampsLow(t *testing.T) {
	b, _ := newTestSmart(SmartConfig{Timeout: time.Second, AdaptiveTimeout: true})
	b.qualityHistory = []float64{0.1, 0.1, 0.1, 0.1, 0.1}

	if got := b.adaptiveTimeout(); got != time.Second {
		t.Errorf("adaptiveTimeout = %v, want floor of 1s", got)
	}
}

func TestSmartStatsTrackReleases(t *testing.T) {
	b, _ := newTestSmart(SmartConfig{})

	b.AddChunk(oggChunk(300))
	b.ForceFlush()
	b.AddChunk(oggChunk(300))
	b.ForceFlush()

	st := b.Stats()
	if st.TotalReleases != 2 {
		t.Errorf("TotalReleases = %d, want 2", st.TotalReleases)
	}
	if st.ReleaseReasons[ReleaseForced] != 2 {
		t.Errorf("ReleaseReasons[force_flush] = %d, want 2", st.ReleaseReasons[ReleaseForced])
	}
}

func TestSmartIgnoresEmptyChunk(t *testing.T) {
	b, _ := newTestSmart(SmartConfig{})
	if rel := b.AddChunk(nil); rel != nil {
		t.Error("empty chunk must not release")
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}
