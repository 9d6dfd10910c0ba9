// Package tts defines the Provider interface for text-to-speech backends.
package tts

import "context"

// Voice specifies the synthesis voice and output encoding.
type Voice struct {
	// LanguageCode is the BCP-47 code of the voice ("en-US").
	LanguageCode string

	// Name selects the specific voice (e.g., "en-US-Wavenet-D").
	Name string

	// Gender requests a voice gender: "NEUTRAL", "MALE" or "FEMALE".
	// Engines treat it as a hint when Name already pins a voice.
	Gender string

	// AudioFormat of the synthesized payload: "MP3", "LINEAR16" or
	// "OGG_OPUS".
	AudioFormat string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per active speaker stream).
type Provider interface {
	// Synthesize renders text with the given voice and returns the encoded
	// audio payload. Empty text returns an empty payload without an engine
	// call.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}
