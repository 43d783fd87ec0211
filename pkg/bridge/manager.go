package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/voicebridge/pkg/gemini"
)

// Dialer establishes live model sessions. Satisfied via GeminiDialer.
type Dialer interface {
	Connect(ctx context.Context, cfg gemini.SessionConfig) (LiveSession, error)
}

type dialerFunc func(ctx context.Context, cfg gemini.SessionConfig) (LiveSession, error)

func (f dialerFunc) Connect(ctx context.Context, cfg gemini.SessionConfig) (LiveSession, error) {
	return f(ctx, cfg)
}

// GeminiDialer adapts a gemini client to the Dialer interface.
func GeminiDialer(c *gemini.Client) Dialer {
	return dialerFunc(func(ctx context.Context, cfg gemini.SessionConfig) (LiveSession, error) {
		return c.Connect(ctx, cfg)
	})
}

// DefaultPrewarmTTL is how long an unclaimed prewarmed session is kept.
const DefaultPrewarmTTL = 30 * time.Second

// ErrAlreadyPrewarmed reports a duplicate prewarm request for a workflow.
var ErrAlreadyPrewarmed = errors.New("bridge: session already prewarmed")

// SessionParams carries the per-call knobs for establishing a session.
type SessionParams struct {
	Greeting     string
	SystemPrompt string
	Model        string
	Voice        string
	VAD          gemini.VADConfig
}

type prewarmEntry struct {
	session *Session
	timer   *time.Timer
}

// PrewarmKey is the registry key a prewarmed session is filed under until a
// call claims it.
func PrewarmKey(workflowID string) string {
	return "prewarm-" + workflowID
}

// Manager owns the session registries. Active sessions are keyed by
// workflow id; prewarmed sessions live under a reserved prewarm key until
// claimed or expired.
type Manager struct {
	dialer     Dialer
	logger     *slog.Logger
	prewarmTTL time.Duration

	mu        sync.Mutex
	active    map[string]*Session
	prewarmed map[string]*prewarmEntry
}

// NewManager builds a manager. A prewarmTTL of zero means DefaultPrewarmTTL.
func NewManager(dialer Dialer, prewarmTTL time.Duration, logger *slog.Logger) *Manager {
	if prewarmTTL <= 0 {
		prewarmTTL = DefaultPrewarmTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:     dialer,
		logger:     logger,
		prewarmTTL: prewarmTTL,
		active:     make(map[string]*Session),
		prewarmed:  make(map[string]*prewarmEntry),
	}
}

// Prewarm dials a session ahead of the call and parks it under the prewarm
// key. The session speaks its greeting and then holds at the first turn
// boundary until claimed. Unclaimed sessions are torn down after the TTL.
func (m *Manager) Prewarm(ctx context.Context, workflowID string, params SessionParams) error {
	key := PrewarmKey(workflowID)

	m.mu.Lock()
	if _, ok := m.prewarmed[key]; ok {
		m.mu.Unlock()
		return ErrAlreadyPrewarmed
	}
	if _, ok := m.active[workflowID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("bridge: workflow %s already has an active session", workflowID)
	}
	// Reserve the key before dialing so concurrent prewarms for the same
	// workflow collapse to one.
	m.prewarmed[key] = &prewarmEntry{}
	m.mu.Unlock()

	session, err := m.dial(ctx, key, params, true)
	if err != nil {
		m.mu.Lock()
		delete(m.prewarmed, key)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	entry, ok := m.prewarmed[key]
	if _, isActive := m.active[workflowID]; !ok || isActive {
		// The reservation was cleaned up, or the call dialed fresh and
		// went active while we were still connecting. Either way this
		// session has no caller to serve.
		delete(m.prewarmed, key)
		m.mu.Unlock()
		session.Stop()
		return fmt.Errorf("bridge: prewarm for %s superseded while dialing", workflowID)
	}
	entry.session = session
	entry.timer = time.AfterFunc(m.prewarmTTL, func() { m.expirePrewarm(key) })
	m.mu.Unlock()

	m.logger.Info("session prewarmed", "workflow_id", workflowID, "ttl", m.prewarmTTL)
	return nil
}

// GetOrCreate returns the session for a workflow, claiming a prewarmed one
// when available and dialing fresh otherwise. The second return reports
// whether a prewarmed session was claimed.
func (m *Manager) GetOrCreate(ctx context.Context, workflowID string, params SessionParams) (*Session, bool, error) {
	key := PrewarmKey(workflowID)

	m.mu.Lock()
	if s, ok := m.active[workflowID]; ok {
		m.mu.Unlock()
		return s, false, nil
	}
	if entry, ok := m.prewarmed[key]; ok && entry.session != nil {
		delete(m.prewarmed, key)
		if entry.timer != nil {
			entry.timer.Stop()
		}
		s := entry.session
		m.active[workflowID] = s
		m.mu.Unlock()
		s.Rekey(workflowID)
		s.MarkClaimed()
		m.logger.Info("claimed prewarmed session", "workflow_id", workflowID)
		return s, true, nil
	}
	m.mu.Unlock()

	session, err := m.dial(ctx, workflowID, params, false)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	if existing, ok := m.active[workflowID]; ok {
		m.mu.Unlock()
		session.Stop()
		return existing, false, nil
	}
	m.active[workflowID] = session
	m.mu.Unlock()
	return session, false, nil
}

// Get returns the active session for a workflow.
func (m *Manager) Get(workflowID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[workflowID]
	return s, ok
}

// CleanupPrewarm tears down an unclaimed prewarmed session, if present.
func (m *Manager) CleanupPrewarm(workflowID string) bool {
	return m.expirePrewarm(PrewarmKey(workflowID))
}

func (m *Manager) expirePrewarm(key string) bool {
	m.mu.Lock()
	entry, ok := m.prewarmed[key]
	if ok {
		delete(m.prewarmed, key)
	}
	m.mu.Unlock()
	if !ok || entry.session == nil {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	m.logger.Info("discarding unclaimed prewarmed session", "key", key)
	entry.session.Stop()
	return true
}

// Close stops and removes the active session for a workflow.
func (m *Manager) Close(workflowID string) error {
	m.mu.Lock()
	s, ok := m.active[workflowID]
	if ok {
		delete(m.active, workflowID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Stop()
}

// CloseAll tears down every session, active and prewarmed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	active := m.active
	prewarmed := m.prewarmed
	m.active = make(map[string]*Session)
	m.prewarmed = make(map[string]*prewarmEntry)
	m.mu.Unlock()

	for _, s := range active {
		s.Stop()
	}
	for _, entry := range prewarmed {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if entry.session != nil {
			entry.session.Stop()
		}
	}
}

// Counts reports how many sessions are active and prewarmed.
func (m *Manager) Counts() (active, prewarmed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active), len(m.prewarmed)
}

func (m *Manager) dial(ctx context.Context, workflowID string, params SessionParams, prewarm bool) (*Session, error) {
	live, err := m.dialer.Connect(ctx, gemini.SessionConfig{
		Model:        params.Model,
		Voice:        params.Voice,
		SystemPrompt: params.SystemPrompt,
		VAD:          params.VAD,
	})
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}
	session := NewSession(SessionConfig{
		WorkflowID: workflowID,
		Greeting:   params.Greeting,
		Prewarmed:  prewarm,
		Logger:     m.logger,
	}, live)
	// The dial context only bounds connection establishment. Session
	// lifetime is ended by Stop, the TTL, or the stream itself.
	if err := session.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("start bridge session: %w", err)
	}
	return session, nil
}
