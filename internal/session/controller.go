// Package session owns the life of one speaker connection: it opens the
// streaming recognition session, pushes incoming audio through the hybrid
// router, runs every final transcript through the translate→synthesize
// pipeline, and fans the result out to the stream's listeners.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/hvanleeuwen/tolkbrug/internal/broker"
	"github.com/hvanleeuwen/tolkbrug/internal/hybrid"
	"github.com/hvanleeuwen/tolkbrug/internal/pipeline"
	"github.com/hvanleeuwen/tolkbrug/internal/recognizer"
	"github.com/hvanleeuwen/tolkbrug/pkg/types"
)

// finalsBacklog bounds how many finalized transcripts may wait for the
// pipeline before new ones are dropped. Finals arrive at speech pace while
// a pipeline pass takes seconds, so the backlog rarely exceeds one.
const finalsBacklog = 32

// Controller builds speaker sessions. One Controller serves the whole
// process.
type Controller struct {
	registry *recognizer.Registry
	hybrid   *hybrid.Service
	pipe     *pipeline.Pipeline
	manager  *broker.Manager

	// fallbackAudio is broadcast in place of synthesized audio when the
	// pipeline fails or the breaker is open.
	fallbackAudio []byte
}

// NewController wires the controller to its collaborators.
func NewController(registry *recognizer.Registry, hybridSvc *hybrid.Service, pipe *pipeline.Pipeline, manager *broker.Manager, fallbackAudio []byte) *Controller {
	return &Controller{
		registry:      registry,
		hybrid:        hybridSvc,
		pipe:          pipe,
		manager:       manager,
		fallbackAudio: fallbackAudio,
	}
}

// Session is one live speaker. Not safe for concurrent frame handling; the
// socket read loop is its single driver, matching the one-reader-per-socket
// model.
type Session struct {
	ctrl     *Controller
	streamID string

	finals chan types.Transcript
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	broadcasts    int64
	fallbacksSent int64
	dropped       int64
}

// StartSession opens the recognition session for streamID and starts the
// transcript worker. Fails when the engine rejects the stream or the
// session cap is reached.
func (c *Controller) StartSession(ctx context.Context, streamID string) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctrl:     c,
		streamID: streamID,
		finals:   make(chan types.Transcript, finalsBacklog),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if _, err := c.registry.Open(ctx, streamID, s.onFinal, s.onRecognizerError); err != nil {
		cancel()
		return nil, err
	}
	go s.processFinals(ctx)

	slog.Info("speaker session started", "stream_id", streamID)
	return s, nil
}

// HandleSpeaker runs the read loop of a speaker socket until it disconnects
// or ctx is cancelled.
func (c *Controller) HandleSpeaker(ctx context.Context, streamID string, conn *websocket.Conn) error {
	s, err := c.StartSession(ctx, streamID)
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				slog.Info("speaker disconnected", "stream_id", streamID)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Info("speaker read failed", "stream_id", streamID, "error", err)
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			s.HandleBinary(ctx, data)
		case websocket.MessageText:
			s.HandleText(data)
		}
	}
}

// HandleBinary routes one audio frame. A transcript finalized inline on the
// buffered path is dispatched exactly like a streaming final.
func (s *Session) HandleBinary(ctx context.Context, chunk []byte) {
	res, err := s.ctrl.hybrid.ProcessChunk(ctx, s.streamID, chunk)
	if err != nil {
		// Already recorded by the hybrid service; the stream falls back on
		// its own.
		slog.Warn("chunk processing failed", "stream_id", s.streamID, "error", err)
		return
	}
	if res.Transcript != nil {
		s.dispatch(ctx, *res.Transcript)
	}
}

// HandleText parses a speaker text frame. Keepalive pongs are acknowledged;
// everything else is ignored without an error frame.
func (s *Session) HandleText(raw []byte) {
	var msg broker.KeepaliveMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Debug("unparseable speaker text frame ignored", "stream_id", s.streamID)
		return
	}
	if msg.Type == "keepalive" && msg.Action == "pong" {
		slog.Debug("speaker pong", "stream_id", s.streamID)
		return
	}
	slog.Debug("speaker text frame ignored",
		"stream_id", s.streamID, "type", msg.Type)
}

// Close tears the session down: trailing buffered audio is flushed through
// the pipeline, then the recognizer and per-stream state are released.
// Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		// The speaker is gone but any last words still in the buffer get
		// translated for the listeners.
		if t, ok, err := s.ctrl.hybrid.FlushStream(context.Background(), s.streamID); err == nil && ok && t.Text != "" {
			s.dispatch(context.Background(), t)
		}

		s.ctrl.registry.Close(s.streamID)
		s.ctrl.hybrid.CloseStream(s.streamID)
		s.cancel()
		close(s.done)
		slog.Info("speaker session closed", "stream_id", s.streamID)
	})
}

// Stats returns (broadcasts, fallbacks sent, finals dropped).
func (s *Session) Stats() (int64, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcasts, s.fallbacksSent, s.dropped
}

// onFinal receives final transcripts from the recognizer worker. It must
// not block, so a full backlog drops the final instead of stalling audio.
// The fallback payload goes out in the transcript's place: every accepted
// final still yields exactly one listener frame.
func (s *Session) onFinal(t types.Transcript) {
	select {
	case s.finals <- t:
	default:
		s.mu.Lock()
		s.dropped++
		s.fallbacksSent++
		s.broadcasts++
		s.mu.Unlock()
		slog.Error("final transcript dropped, pipeline backlog full",
			"stream_id", s.streamID, "chars", len(t.Text))
		s.ctrl.manager.Broadcast(context.Background(), s.streamID, s.ctrl.fallbackAudio)
	}
}

// onRecognizerError is called when the streaming session dies. The chunk in
// flight falls back to buffered processing; the next streaming chunk reopens
// the session through the registry.
func (s *Session) onRecognizerError(err error) {
	slog.Warn("streaming recognition lost, buffered path takes over",
		"stream_id", s.streamID, "error", err)
}

// processFinals serializes pipeline passes per speaker, preserving the
// order finals were emitted in.
func (s *Session) processFinals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case t := <-s.finals:
			s.dispatch(ctx, t)
		}
	}
}

// dispatch runs one final through the pipeline and broadcasts exactly one
// frame: the synthesized audio, or the fallback payload when the pipeline
// fails or the breaker is open.
func (s *Session) dispatch(ctx context.Context, t types.Transcript) {
	if t.Text == "" {
		slog.Debug("empty final skipped", "stream_id", s.streamID)
		return
	}

	res, err := s.ctrl.pipe.Process(ctx, t.Text)
	payload := res.Audio
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyTranscript) {
			return
		}
		slog.Error("pipeline failed, broadcasting fallback payload",
			"stream_id", s.streamID, "error", err)
		payload = s.ctrl.fallbackAudio
		s.mu.Lock()
		s.fallbacksSent++
		s.mu.Unlock()
	}

	delivered := s.ctrl.manager.Broadcast(ctx, s.streamID, payload)
	s.mu.Lock()
	s.broadcasts++
	s.mu.Unlock()
	slog.Info("utterance delivered",
		"stream_id", s.streamID,
		"chars", len(t.Text),
		"bytes", len(payload),
		"listeners", delivered,
		"fallback", err != nil)
}
