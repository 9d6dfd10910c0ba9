// Package google implements the [translate.Provider] interface on the Google
// Cloud Translation API.
package google

import (
	"context"
	"fmt"

	gtranslate "cloud.google.com/go/translate"
	"golang.org/x/text/language"
	"google.golang.org/api/option"

	"github.com/hvanleeuwen/tolkbrug/pkg/provider/translate"
)

// Compile-time interface check.
var _ translate.Provider = (*Provider)(nil)

// Provider is a Google Cloud Translation client wrapper.
type Provider struct {
	client *gtranslate.Client
}

// Option configures a [Provider].
type Option func(*options)

type options struct {
	clientOpts []option.ClientOption
}

// WithCredentialsFile authenticates with a service account key file instead
// of application-default credentials.
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, option.WithCredentialsFile(path))
	}
}

// New creates a Provider. Without [WithCredentialsFile] the client uses
// application-default credentials.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	client, err := gtranslate.NewClient(ctx, o.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google translate: create client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Close releases the underlying connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Translate renders req.Text from req.Source into req.Target.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	if req.Text == "" {
		return "", nil
	}

	src, err := language.Parse(req.Source)
	if err != nil {
		return "", fmt.Errorf("google translate: source language %q: %w", req.Source, err)
	}
	dst, err := language.Parse(req.Target)
	if err != nil {
		return "", fmt.Errorf("google translate: target language %q: %w", req.Target, err)
	}

	res, err := p.client.Translate(ctx, []string{req.Text}, dst, &gtranslate.Options{
		Source: src,
		Format: gtranslate.Text,
	})
	if err != nil {
		return "", fmt.Errorf("google translate: %w", err)
	}
	if len(res) == 0 {
		return "", fmt.Errorf("google translate: empty response for %q", req.Text)
	}
	return res[0].Text, nil
}
