// Package google implements the [stt.Provider] interface on Google Cloud
// Speech-to-Text.
//
// Streaming sessions use the bidirectional StreamingRecognize API: the first
// message carries the recognition config, subsequent messages carry audio.
// The engine caps a single stream at roughly five minutes; session rotation
// below that cap is the caller's responsibility.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/hvanleeuwen/tolkbrug/pkg/provider/stt"
	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

// Compile-time interface check.
var _ stt.Provider = (*Provider)(nil)

// Provider is a Google Cloud Speech-to-Text client wrapper.
type Provider struct {
	client *speech.Client
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
	client, err := speech.NewClient(ctx, o.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google stt: create client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// recognitionConfig maps a [stt.StreamConfig] onto the engine's config proto.
func recognitionConfig(cfg stt.StreamConfig) *speechpb.RecognitionConfig {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(cfg.SampleRate),
		AudioChannelCount:          int32(cfg.Channels),
		LanguageCode:               cfg.Language,
		EnableAutomaticPunctuation: true,
	}
	if cfg.Model != "" {
		rc.Model = cfg.Model
		rc.UseEnhanced = true
	}
	return rc
}

// StartStream opens a streaming recognition session and sends the config
// message. The session is torn down when ctx is cancelled or Close is called.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	stream, err := p.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("google stt: open stream: %w", err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig(cfg),
				InterimResults: cfg.InterimResults,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("google stt: send config: %w", err)
	}

	s := &session{
		stream:  stream,
		audio:   make(chan []byte, 256),
		results: make(chan types.Transcript, 64),
		done:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

// Recognize performs one-shot recognition of a complete audio payload.
func (p *Provider) Recognize(ctx context.Context, cfg stt.StreamConfig, audio []byte) (types.Transcript, error) {
	resp, err := p.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: recognitionConfig(cfg),
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return types.Transcript{}, fmt.Errorf("google stt: recognize: %w", err)
	}

	// First alternative of the first result is the most probable one.
	for _, res := range resp.GetResults() {
		alts := res.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		return types.Transcript{
			Text:       alts[0].GetTranscript(),
			IsFinal:    true,
			Confidence: float64(alts[0].GetConfidence()),
			Timestamp:  time.Now(),
		}, nil
	}
	return types.Transcript{}, nil
}

// session is a live streaming recognition session.
type session struct {
	stream  speechpb.Speech_StreamingRecognizeClient
	audio   chan []byte
	results chan types.Transcript
	done    chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error
}

var _ stt.SessionHandle = (*session)(nil)

// SendAudio queues a chunk for transmission to the engine.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Results() <-chan types.Transcript {
	return s.results
}

// Err returns the terminal session error. Valid after Results has closed.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close signals both loops to stop and waits for them to drain.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// writeLoop forwards queued audio to the engine. On shutdown it half-closes
// the stream so the engine flushes any pending results to readLoop.
func (s *session) writeLoop() {
	defer s.wg.Done()
	defer func() {
		if err := s.stream.CloseSend(); err != nil {
			slog.Debug("google stt: close send", "error", err)
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case chunk := <-s.audio:
			err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: chunk,
				},
			})
			if err != nil {
				// io.EOF here means the server closed the stream; the real
				// error surfaces in readLoop's Recv.
				if !errors.Is(err, io.EOF) {
					s.setErr(fmt.Errorf("google stt: send audio: %w", err))
				}
				return
			}
		}
	}
}

// readLoop receives engine responses and forwards transcripts until the
// stream ends. It owns closing the results channel.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.results)

	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			select {
			case <-s.done:
				// Shutdown races a Recv error; the session is closing anyway.
			default:
				s.setErr(fmt.Errorf("google stt: recv: %w", err))
			}
			return
		}

		for _, res := range resp.GetResults() {
			alts := res.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			t := types.Transcript{
				Text:       alts[0].GetTranscript(),
				IsFinal:    res.GetIsFinal(),
				Confidence: float64(alts[0].GetConfidence()),
				Timestamp:  time.Now(),
			}
			select {
			case s.results <- t:
			case <-s.done:
				return
			}
		}
	}
}
