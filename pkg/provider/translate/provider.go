// Package translate defines the Provider interface for text translation
// backends.
package translate

import "context"

// Request describes a single translation call.
type Request struct {
	// Text is the source-language input.
	Text string

	// Source and Target are ISO 639-1 language codes ("nl", "en").
	Source string
	Target string
}

// Provider is the abstraction over any translation backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Translate returns the target-language rendering of req.Text.
	// An empty input yields an empty output without an engine call.
	Translate(ctx context.Context, req Request) (string, error)
}
