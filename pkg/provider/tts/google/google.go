// Package google implements the [tts.Provider] interface on Google Cloud
// Text-to-Speech.
package google

import (
	"context"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"

	"github.com/hvanleeuwen/tolkbrug/pkg/provider/tts"
)

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// Provider is a Google Cloud Text-to-Speech client wrapper.
type Provider struct {
	client *texttospeech.Client
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
	client, err := texttospeech.NewClient(ctx, o.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google tts: create client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Synthesize renders text with the given voice and returns the encoded audio.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if text == "" {
		return nil, nil
	}

	resp, err := p.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: voice.LanguageCode,
			Name:         voice.Name,
			SsmlGender:   ssmlGender(voice.Gender),
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: audioEncoding(voice.AudioFormat),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("google tts: synthesize: %w", err)
	}
	return resp.GetAudioContent(), nil
}

// ssmlGender maps the config gender name onto the engine enum.
func ssmlGender(gender string) texttospeechpb.SsmlVoiceGender {
	switch gender {
	case "MALE":
		return texttospeechpb.SsmlVoiceGender_MALE
	case "FEMALE":
		return texttospeechpb.SsmlVoiceGender_FEMALE
	default:
		return texttospeechpb.SsmlVoiceGender_NEUTRAL
	}
}

// audioEncoding maps the config format name onto the engine enum.
func audioEncoding(format string) texttospeechpb.AudioEncoding {
	switch format {
	case "LINEAR16":
		return texttospeechpb.AudioEncoding_LINEAR16
	case "OGG_OPUS":
		return texttospeechpb.AudioEncoding_OGG_OPUS
	default:
		return texttospeechpb.AudioEncoding_MP3
	}
}
