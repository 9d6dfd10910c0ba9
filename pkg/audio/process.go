package audio

import (
	"log/slog"
	"sync"
)

// wavHeaderSize is the canonical RIFF/WAVE header length.
const wavHeaderSize = 44

// minProcessSize is the smallest chunk worth running through a handler.
// Tiny fragments go to the engine untouched.
const minProcessSize = 100

// targetSampleRate is the rate the recognition engine expects.
const targetSampleRate = 16000

// Handler normalizes a chunk of a particular format for the recognition
// engine. Handlers must not mutate the input slice.
type Handler func(chunk []byte, a Analysis) []byte

// Processor analyzes incoming chunks and routes them through a per-format
// handler registry. Unknown formats pass through so the engine can attempt
// its own decoding.
type Processor struct {
	mu       sync.Mutex
	handlers map[Format]Handler

	totalChunks  int64
	formatCounts map[Format]int64
}

// NewProcessor returns a Processor with the default handler set: WAV headers
// are stripped when the payload already matches the engine's target format,
// everything else is identity.
func NewProcessor() *Processor {
	p := &Processor{
		handlers:     make(map[Format]Handler),
		formatCounts: make(map[Format]int64),
	}
	p.Register(FormatWAV, stripWAVHeader)
	return p
}

// Register installs a handler for the given format, replacing any previous
// one. Formats without a handler pass through unchanged.
func (p *Processor) Register(f Format, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[f] = h
}

// Process analyzes chunk and applies the registered handler for its format.
// The returned slice aliases chunk unless the handler rewrote it.
func (p *Processor) Process(chunk []byte) ([]byte, Analysis) {
	a := Analyze(chunk)

	p.mu.Lock()
	p.totalChunks++
	p.formatCounts[a.Format]++
	h := p.handlers[a.Format]
	p.mu.Unlock()

	if h == nil || len(chunk) < minProcessSize || a.Confidence < 0.3 {
		return chunk, a
	}

	out := h(chunk, a)
	if len(out) != len(chunk) {
		slog.Debug("audio chunk normalized",
			"format", a.Format, "in_bytes", len(chunk), "out_bytes", len(out))
	}
	return out, a
}

// Stats returns per-format chunk counts seen so far.
type Stats struct {
	TotalChunks  int64
	FormatCounts map[Format]int64
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[Format]int64, len(p.formatCounts))
	for f, n := range p.formatCounts {
		counts[f] = n
	}
	return Stats{TotalChunks: p.totalChunks, FormatCounts: counts}
}

// stripWAVHeader drops the 44-byte RIFF header when the payload is already
// LINEAR16 mono at the target rate. Anything else is left for the engine.
func stripWAVHeader(chunk []byte, a Analysis) []byte {
	if a.SampleRate == targetSampleRate && a.Channels == 1 && len(chunk) > wavHeaderSize {
		return chunk[wavHeaderSize:]
	}
	return chunk
}
