// Package mock provides an in-memory [translate.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/hvanleeuwen/tolkbrug/pkg/provider/translate"
)

// Compile-time interface check.
var _ translate.Provider = (*Provider)(nil)

// Provider is a scriptable translation test double. When TranslateFunc is
// nil it returns the input text prefixed with the target language, which is
// enough for most assertions.
type Provider struct {
	mu sync.Mutex

	TranslateFunc func(ctx context.Context, req translate.Request) (string, error)

	calls []translate.Request
}

// Translate records the request and delegates to TranslateFunc.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.TranslateFunc
	p.mu.Unlock()

	if fn == nil {
		return req.Target + ": " + req.Text, nil
	}
	return fn(ctx, req)
}

// Calls returns every request received so far, in order.
func (p *Provider) Calls() []translate.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]translate.Request, len(p.calls))
	copy(out, p.calls)
	return out
}
