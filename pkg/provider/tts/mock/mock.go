// Package mock provides an in-memory [tts.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/hvanleeuwen/tolkbrug/pkg/provider/tts"
)

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// Provider is a scriptable TTS test double. When SynthesizeFunc is nil it
// returns "audio:" + text as the payload.
type Provider struct {
	mu sync.Mutex

	SynthesizeFunc func(ctx context.Context, text string, voice tts.Voice) ([]byte, error)

	calls []string
}

// Synthesize records the text and delegates to SynthesizeFunc.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, text)
	fn := p.SynthesizeFunc
	p.mu.Unlock()

	if fn == nil {
		return []byte("audio:" + text), nil
	}
	return fn(ctx, text, voice)
}

// Calls returns every synthesized text so far, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}
