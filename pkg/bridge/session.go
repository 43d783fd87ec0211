// Package bridge pumps audio between one telephony media stream and one live
// AI session, in both directions at once, converting formats in flight.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voicebridge/pkg/audio"
	"github.com/vango-go/voicebridge/pkg/call"
	"github.com/vango-go/voicebridge/pkg/gemini"
)

// LiveSession is the model connection a bridge session drives. Satisfied by
// *gemini.Session.
type LiveSession interface {
	SendAudio(pcm []byte) error
	SendText(text string, turnComplete bool) error
	Events() <-chan gemini.ServerEvent
	Err() error
	Close() error
}

const (
	// DefaultUplinkCapacity bounds the caller-to-model frame queue.
	DefaultUplinkCapacity = 100

	// Uplink frames are dropped once the queue crosses this fill
	// percentage. Caller audio is disposable under pressure; model audio
	// never is.
	uplinkDropThresholdPct = 80

	transcriptKeep = 50

	greetingFirstResend  = 3 * time.Second
	greetingSecondResend = 8 * time.Second
	receiveStallWarn     = 15 * time.Second
	watchdogInterval     = 500 * time.Millisecond
)

// ErrSessionStopped is returned by sends after the session has ended.
var ErrSessionStopped = errors.New("bridge: session stopped")

// SessionConfig configures one bridge session.
type SessionConfig struct {
	WorkflowID     string
	Greeting       string
	UplinkCapacity int
	// Prewarmed sessions pause after their first complete model turn and
	// keep the buffered audio until a caller claims them.
	Prewarmed bool
	Logger    *slog.Logger
}

type decodeJob struct {
	epoch int64
	pcm   []byte
}

// Session bridges one call. Telephony frames go in through
// SendFromTelephony; model audio comes back out, already companded, through
// ReceiveForTelephony.
type Session struct {
	live     LiveSession
	greeting string

	// mu guards the fields a claim may change while the pump goroutines
	// are running, the logger included.
	mu         sync.Mutex
	logger     *slog.Logger
	workflowID string
	prewarmed  bool

	uplink   chan []byte
	downlink *frameQueue
	decodeCh chan decodeJob

	// epoch fences decoded audio across interruptions: jobs stamped with
	// an older epoch are discarded instead of reaching the caller.
	epoch atomic.Int64

	claimOnce sync.Once
	claimed   chan struct{}

	started  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	runMu  sync.Mutex
	runErr error

	framesForwarded atomic.Int64
	framesReceived  atomic.Int64
	framesDropped   atomic.Int64
	callerAudioMs   atomic.Int64
	modelAudioMs    atomic.Int64
	aiTurns         atomic.Int64
	userTurns       atomic.Int64
	interruptions   atomic.Int64
	greetingAcked   atomic.Bool
	turnInProgress  atomic.Bool
	lastReceiveNano atomic.Int64

	statsMu      sync.Mutex
	maxDepth     int
	depthSum     int64
	depthSamples int64
	startedAt    time.Time
	firstAudioAt *time.Time
	lastSpeaker  call.Speaker

	tmu         sync.Mutex
	transcripts []call.TranscriptSegment
}

// NewSession wraps an established live connection. Call Start to begin
// pumping.
func NewSession(cfg SessionConfig, live LiveSession) *Session {
	capacity := cfg.UplinkCapacity
	if capacity <= 0 {
		capacity = DefaultUplinkCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		live:       live,
		logger:     logger.With("workflow_id", cfg.WorkflowID),
		greeting:   cfg.Greeting,
		workflowID: cfg.WorkflowID,
		prewarmed:  cfg.Prewarmed,
		uplink:     make(chan []byte, capacity),
		downlink:   newFrameQueue(),
		decodeCh:   make(chan decodeJob, capacity),
		claimed:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	if !cfg.Prewarmed {
		s.claimOnce.Do(func() { close(s.claimed) })
	}
	return s
}

// Start launches the pump goroutines and sends the greeting turn. The
// session runs until the live stream ends, ctx is canceled, or Stop.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("bridge: session already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.statsMu.Lock()
	s.startedAt = time.Now()
	s.statsMu.Unlock()
	s.lastReceiveNano.Store(time.Now().UnixNano())

	if s.greeting != "" {
		if err := s.live.SendText(s.greeting, true); err != nil {
			cancel()
			close(s.done)
			return fmt.Errorf("send greeting: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.uplinkLoop(gctx) })
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.decodeLoop(gctx) })
	g.Go(func() error { return s.watchdogLoop(gctx) })
	go func() {
		err := g.Wait()
		s.runMu.Lock()
		s.runErr = err
		s.runMu.Unlock()
		s.live.Close()
		cancel()
		close(s.done)
	}()
	return nil
}

// Stop tears the session down. Idempotent; returns the run error, if any.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.live.Close()
	})
	if s.started.Load() {
		<-s.done
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runErr
}

// Done closes when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// WorkflowID returns the identity the session currently serves.
func (s *Session) WorkflowID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflowID
}

// Rekey reassigns the session to a new identity. Used when a prewarmed
// session is claimed by a real call, which happens while the pump
// goroutines are live.
func (s *Session) Rekey(workflowID string) {
	s.mu.Lock()
	s.workflowID = workflowID
	s.logger = s.logger.With("claimed_workflow_id", workflowID)
	s.mu.Unlock()
}

func (s *Session) log() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// MarkClaimed releases a prewarmed session so it resumes past its held
// first turn. No-op on non-prewarmed sessions.
func (s *Session) MarkClaimed() {
	s.mu.Lock()
	s.prewarmed = false
	s.mu.Unlock()
	s.claimOnce.Do(func() { close(s.claimed) })
}

func (s *Session) isPrewarmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prewarmed
}

// SendFromTelephony enqueues one companded telephony frame for the model.
// Frames are dropped, not blocked on, once the uplink queue runs hot.
func (s *Session) SendFromTelephony(frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionStopped
	default:
	}
	depth := len(s.uplink)
	s.sampleDepth(depth)
	if depth*100 >= uplinkDropThresholdPct*cap(s.uplink) {
		s.dropFrame(depth)
		return nil
	}
	select {
	case s.uplink <- frame:
		s.framesForwarded.Add(1)
	default:
		s.dropFrame(depth)
	}
	return nil
}

func (s *Session) dropFrame(depth int) {
	n := s.framesDropped.Add(1)
	if n%10 == 1 {
		s.log().Warn("dropping caller audio under backpressure",
			"dropped_total", n, "queue_depth", depth, "queue_capacity", cap(s.uplink))
	}
}

func (s *Session) sampleDepth(depth int) {
	s.statsMu.Lock()
	if depth > s.maxDepth {
		s.maxDepth = depth
	}
	s.depthSum += int64(depth)
	s.depthSamples++
	s.statsMu.Unlock()
}

// ReceiveForTelephony waits up to timeout for the next companded frame of
// model audio. ok is false on timeout or shutdown.
func (s *Session) ReceiveForTelephony(ctx context.Context, timeout time.Duration) ([]byte, bool) {
	return s.downlink.PopWait(ctx, timeout)
}

// TryReceiveForTelephony returns buffered model audio without waiting.
func (s *Session) TryReceiveForTelephony() ([]byte, bool) {
	return s.downlink.TryPop()
}

// AudioDurations reports how much audio, in milliseconds, has flowed in
// each direction so far.
func (s *Session) AudioDurations() (callerMs, modelMs int64) {
	return s.callerAudioMs.Load(), s.modelAudioMs.Load()
}

// Interruptions counts barge-ins seen so far. Consumers poll this to know
// when to flush audio they have buffered downstream.
func (s *Session) Interruptions() int64 {
	return s.interruptions.Load()
}

// DrainTranscripts returns the transcript segments accumulated since the
// last drain and clears the buffer.
func (s *Session) DrainTranscripts() []call.TranscriptSegment {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if len(s.transcripts) == 0 {
		return nil
	}
	out := s.transcripts
	s.transcripts = nil
	return out
}

func (s *Session) appendTranscript(speaker call.Speaker, text string) {
	s.tmu.Lock()
	s.transcripts = append(s.transcripts, call.TranscriptSegment{
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	if len(s.transcripts) > transcriptKeep {
		s.transcripts = s.transcripts[len(s.transcripts)-transcriptKeep:]
	}
	s.tmu.Unlock()
}

// Metrics snapshots the session counters. Derived values only; nothing here
// is authoritative call state.
func (s *Session) Metrics() call.MetricsSnapshot {
	forwarded := s.framesForwarded.Load()
	dropped := s.framesDropped.Load()
	depth := len(s.uplink)
	capacity := cap(s.uplink)

	m := call.MetricsSnapshot{
		QueueDepth:        depth,
		QueueCapacity:     capacity,
		FramesSent:        forwarded,
		FramesReceived:    s.framesReceived.Load(),
		FramesDropped:     dropped,
		AITurnCount:       s.aiTurns.Load(),
		UserTurnCount:     s.userTurns.Load(),
		InterruptionCount: s.interruptions.Load(),
	}
	if capacity > 0 {
		m.QueueUtilizationPct = float64(depth) / float64(capacity) * 100
	}
	if total := forwarded + dropped; total > 0 {
		m.DropRatePct = float64(dropped) / float64(total) * 100
	}

	s.statsMu.Lock()
	m.MaxQueueDepth = s.maxDepth
	if s.depthSamples > 0 {
		m.AvgQueueDepth = float64(s.depthSum) / float64(s.depthSamples)
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		m.SessionStartedAt = &started
	}
	if s.firstAudioAt != nil {
		first := *s.firstAudioAt
		m.FirstAudioFrameAt = &first
	}
	s.statsMu.Unlock()
	return m
}

func (s *Session) uplinkLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-s.uplink:
			pcm := audio.ToAIFormat(frame)
			if len(pcm) == 0 {
				continue
			}
			s.callerAudioMs.Add(int64(audio.DurationMs(pcm, audio.AIInputRate)))
			if err := s.live.SendAudio(pcm); err != nil {
				if errors.Is(err, gemini.ErrSessionClosed) {
					return nil
				}
				return fmt.Errorf("send audio upstream: %w", err)
			}
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.live.Events():
			if !ok {
				if err := s.live.Err(); err != nil {
					return fmt.Errorf("live stream: %w", err)
				}
				// Clean remote close still ends the session.
				s.cancel()
				return nil
			}
			s.lastReceiveNano.Store(time.Now().UnixNano())
			if err := s.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev gemini.ServerEvent) error {
	switch ev := ev.(type) {
	case gemini.AudioChunk:
		s.greetingAcked.Store(true)
		s.turnInProgress.Store(true)
		s.modelAudioMs.Add(int64(audio.DurationMs(ev.Data, audio.AIOutputRate)))
		if s.framesReceived.Add(1) == 1 {
			now := time.Now()
			s.statsMu.Lock()
			s.firstAudioAt = &now
			s.statsMu.Unlock()
		}
		select {
		case s.decodeCh <- decodeJob{epoch: s.epoch.Load(), pcm: ev.Data}:
		case <-ctx.Done():
		}
	case gemini.TextChunk:
		s.log().Debug("model text", "text", ev.Text)
	case gemini.InputTranscript:
		s.appendTranscript(call.SpeakerUser, ev.Text)
		s.statsMu.Lock()
		if s.lastSpeaker != call.SpeakerUser {
			s.lastSpeaker = call.SpeakerUser
			s.userTurns.Add(1)
		}
		s.statsMu.Unlock()
	case gemini.OutputTranscript:
		s.appendTranscript(call.SpeakerAI, ev.Text)
		s.statsMu.Lock()
		s.lastSpeaker = call.SpeakerAI
		s.statsMu.Unlock()
	case gemini.Interrupted:
		s.epoch.Add(1)
		cleared := s.downlink.Clear()
		s.interruptions.Add(1)
		s.turnInProgress.Store(false)
		s.log().Info("caller barge-in, discarding buffered model audio", "frames_cleared", cleared)
	case gemini.TurnComplete:
		s.greetingAcked.Store(true)
		s.turnInProgress.Store(false)
		s.aiTurns.Add(1)
		// Buffered audio is preserved across turn boundaries; only an
		// interruption may clear it.
		if s.isPrewarmed() {
			s.log().Info("prewarmed session holding at first turn")
			select {
			case <-s.claimed:
			case <-ctx.Done():
				return nil
			}
		}
	case gemini.GoAway:
		s.log().Warn("live endpoint going away", "time_left", ev.TimeLeft)
	}
	return nil
}

func (s *Session) decodeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.decodeCh:
			if job.epoch != s.epoch.Load() {
				continue
			}
			frame := audio.FromAIFormat(job.pcm)
			if len(frame) == 0 {
				continue
			}
			s.downlink.Push(frame)
			if job.epoch != s.epoch.Load() {
				s.downlink.Clear()
			}
		}
	}
}

func (s *Session) watchdogLoop(ctx context.Context) error {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	start := time.Now()
	var resentEarly, resentLate bool
	var lastStallWarn time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if s.greeting != "" && !s.greetingAcked.Load() {
			elapsed := time.Since(start)
			switch {
			case !resentEarly && elapsed >= greetingFirstResend:
				resentEarly = true
				s.log().Info("no response to greeting, resending", "elapsed", elapsed.Round(time.Millisecond))
				s.resendGreeting()
			case !resentLate && elapsed >= greetingSecondResend:
				resentLate = true
				s.log().Warn("still no response to greeting, resending once more", "elapsed", elapsed.Round(time.Millisecond))
				s.resendGreeting()
			}
		}
		if s.turnInProgress.Load() {
			last := time.Unix(0, s.lastReceiveNano.Load())
			if time.Since(last) > receiveStallWarn && time.Since(lastStallWarn) > receiveStallWarn {
				lastStallWarn = time.Now()
				s.log().Warn("model turn stalled", "since_last_event", time.Since(last).Round(time.Second))
			}
		}
	}
}

func (s *Session) resendGreeting() {
	if err := s.live.SendText(s.greeting, true); err != nil {
		s.log().Warn("greeting resend failed", "error", err)
	}
}
