package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voicebridge/pkg/bridge"
	"github.com/vango-go/voicebridge/pkg/call"
	"github.com/vango-go/voicebridge/pkg/mediastream"
	"github.com/vango-go/voicebridge/pkg/sessioncache"
)

const (
	// Telephony audio is paced at one 20ms frame per tick on the way out.
	playbackInterval = 20 * time.Millisecond

	transcriptSyncInterval = 2 * time.Second
	metricsSyncInterval    = 5 * time.Second

	// Prewarmed greeting audio is flushed as fast as the socket takes it,
	// bounded in time and by consecutive empty polls.
	prewarmFlushMax        = 2 * time.Second
	prewarmFlushPoll       = 100 * time.Millisecond
	prewarmFlushEmptyLimit = 5

	startFrameTimeout = 30 * time.Second
	signalTimeout     = 5 * time.Second
)

// handleMediaStream owns one call's media websocket from upgrade to stop.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowID")
	logger := s.logger.With("workflow_id", workflowID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("media stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var cached *sessioncache.Record
	if s.sessions != nil {
		rec, err := s.sessions.Get(r.Context(), workflowID)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, sessioncache.ErrNotFound) {
				level = slog.LevelInfo
			}
			logger.Log(r.Context(), level, "no session record for media stream", "error", err)
		} else {
			cached = rec
		}
	}

	greeting := s.cfg.DefaultGreeting
	systemPrompt := s.cfg.DefaultSystemPrompt
	{
		qctx, cancel := context.WithTimeout(r.Context(), signalTimeout)
		if v, err := s.temporal.QueryWorkflow(qctx, workflowID, "", call.QueryCallConfig); err == nil {
			var cc call.Config
			if v.Get(&cc) == nil && cc.Greeting != "" {
				greeting = cc.Greeting
				systemPrompt = cc.SystemPrompt
			}
		} else if cached != nil && cached.Greeting != "" {
			greeting = cached.Greeting
			systemPrompt = cached.SystemPrompt
			logger.Warn("call config query failed, using cached session config", "error", err)
		} else {
			logger.Warn("call config query failed, using defaults", "error", err)
		}
		cancel()
	}

	start, streamSid, ok := awaitStartFrame(conn, logger)
	if !ok {
		return
	}
	logger = logger.With("stream_sid", streamSid)
	logger.Info("media stream started", "call_sid", start.CallSid)

	sess, claimed, err := s.bridges.GetOrCreate(r.Context(), workflowID, bridge.SessionParams{
		Greeting:     greeting,
		SystemPrompt: systemPrompt,
		Model:        s.cfg.GeminiModel,
		Voice:        s.cfg.GeminiVoice,
		VAD:          s.cfg.VAD,
	})
	if err != nil {
		logger.Error("failed to establish bridge session", "error", err)
		return
	}
	defer s.bridges.Close(workflowID)

	s.signal(workflowID, call.SignalStreamingStarted, call.StreamingStartedSignal{
		StreamSid: streamSid,
		CallSid:   start.CallSid,
	}, logger)

	var endOnce sync.Once
	endStreaming := func() {
		endOnce.Do(func() {
			if segs := sess.DrainTranscripts(); len(segs) > 0 {
				s.signal(workflowID, call.SignalTranscriptsAvailable, segs, logger)
			}
			s.signal(workflowID, call.SignalUpdateMetrics, sess.Metrics(), logger)
			s.signal(workflowID, call.SignalStreamingEnded, call.StreamingEndedSignal{StreamSid: streamSid}, logger)
			callerMs, modelMs := sess.AudioDurations()
			logger.Info("media stream ended",
				"caller_audio_ms", callerMs, "model_audio_ms", modelMs, "metrics", sess.Metrics())
		})
	}
	defer endStreaming()

	var writeMu sync.Mutex
	writeEvent := func(ev mediastream.Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(ev)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if claimed {
		flushPrewarmedAudio(ctx, sess, streamSid, writeEvent, logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Unblock the socket reader when anything else ends the stream.
	unwatch := make(chan struct{})
	defer close(unwatch)
	go func() {
		select {
		case <-gctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-unwatch:
		}
	}()

	g.Go(func() error { return s.readPump(gctx, conn, sess, cancel, logger) })
	g.Go(func() error { return playbackPump(gctx, sess, streamSid, writeEvent) })
	g.Go(func() error { return s.syncPump(gctx, sess, workflowID, logger) })

	if err := g.Wait(); err != nil && !errors.Is(err, errStreamDone) {
		logger.Warn("media stream terminated", "error", err)
	}
}

// awaitStartFrame consumes handshake frames until the start event arrives.
func awaitStartFrame(conn wsConn, logger *slog.Logger) (*mediastream.StartPayload, string, bool) {
	conn.SetReadDeadline(time.Now().Add(startFrameTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("stream closed before start frame", "error", err)
			return nil, "", false
		}
		ev, err := mediastream.Decode(data)
		if err != nil {
			logger.Warn("undecodable frame before start", "error", err)
			continue
		}
		switch ev.Event {
		case mediastream.EventConnected:
		case mediastream.EventStart:
			sid := ev.StreamSid
			if sid == "" && ev.Start != nil {
				sid = ev.Start.StreamSid
			}
			if ev.Start == nil {
				ev.Start = &mediastream.StartPayload{StreamSid: sid}
			}
			return ev.Start, sid, true
		case mediastream.EventStop:
			logger.Info("stream stopped before start frame")
			return nil, "", false
		}
	}
}

// wsConn is the subset of the websocket connection the stream loops use.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	SetReadDeadline(time.Time) error
}

var errStreamDone = errors.New("media stream done")

func (s *Server) readPump(ctx context.Context, conn wsConn, sess *bridge.Session, cancel context.CancelFunc, logger *slog.Logger) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cancel()
			return nil
		}
		ev, err := mediastream.Decode(data)
		if err != nil {
			logger.Debug("undecodable media frame", "error", err)
			continue
		}
		switch ev.Event {
		case mediastream.EventMedia:
			if ev.Media == nil || (ev.Media.Track != "" && ev.Media.Track != "inbound") {
				continue
			}
			audio, err := ev.Media.Audio()
			if err != nil {
				logger.Debug("bad audio payload", "error", err)
				continue
			}
			sess.SendFromTelephony(audio)
		case mediastream.EventStop:
			logger.Info("stop frame received")
			cancel()
			return nil
		case mediastream.EventMark:
			// Playback markers are not used on this stream.
		}
	}
}

func playbackPump(ctx context.Context, sess *bridge.Session, streamSid string, write func(mediastream.Event) error) error {
	ticker := time.NewTicker(playbackInterval)
	defer ticker.Stop()
	var seenInterruptions int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return errStreamDone
		case <-ticker.C:
		}
		if n := sess.Interruptions(); n != seenInterruptions {
			seenInterruptions = n
			// Drop audio the provider has buffered but not yet played.
			if err := write(mediastream.OutboundClear(streamSid)); err != nil {
				return nil
			}
		}
		if frame, ok := sess.TryReceiveForTelephony(); ok {
			if err := write(mediastream.OutboundMedia(streamSid, frame)); err != nil {
				return nil
			}
		}
	}
}

func (s *Server) syncPump(ctx context.Context, sess *bridge.Session, workflowID string, logger *slog.Logger) error {
	transcripts := time.NewTicker(transcriptSyncInterval)
	defer transcripts.Stop()
	metrics := time.NewTicker(metricsSyncInterval)
	defer metrics.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-transcripts.C:
			if segs := sess.DrainTranscripts(); len(segs) > 0 {
				s.signal(workflowID, call.SignalTranscriptsAvailable, segs, logger)
			}
		case <-metrics.C:
			s.signal(workflowID, call.SignalUpdateMetrics, sess.Metrics(), logger)
		}
	}
}

func flushPrewarmedAudio(ctx context.Context, sess *bridge.Session, streamSid string, write func(mediastream.Event) error, logger *slog.Logger) {
	deadline := time.Now().Add(prewarmFlushMax)
	empty := 0
	sent := 0
	for time.Now().Before(deadline) && empty < prewarmFlushEmptyLimit {
		frame, ok := sess.ReceiveForTelephony(ctx, prewarmFlushPoll)
		if !ok {
			empty++
			continue
		}
		empty = 0
		if err := write(mediastream.OutboundMedia(streamSid, frame)); err != nil {
			return
		}
		sent++
	}
	logger.Info("flushed prewarmed greeting audio", "frames", sent)
}

// signal delivers a workflow signal on its own deadline so late signals
// still land after the request context is gone.
func (s *Server) signal(workflowID, name string, arg any, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := s.temporal.SignalWorkflow(ctx, workflowID, "", name, arg); err != nil {
		logger.Warn("workflow signal failed", "signal", name, "error", err)
	}
}
