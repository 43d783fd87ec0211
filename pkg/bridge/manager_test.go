package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voicebridge/pkg/gemini"
)

type fakeDialer struct {
	mu       sync.Mutex
	connects int
	lives    []*fakeLive
	fail     error
	hold     chan struct{}
}

func (d *fakeDialer) Connect(ctx context.Context, cfg gemini.SessionConfig) (LiveSession, error) {
	d.mu.Lock()
	d.connects++
	if d.fail != nil {
		d.mu.Unlock()
		return nil, d.fail
	}
	hold := d.hold
	d.hold = nil
	d.mu.Unlock()
	if hold != nil {
		<-hold
	}
	live := newFakeLive()
	d.mu.Lock()
	d.lives = append(d.lives, live)
	d.mu.Unlock()
	return live, nil
}

// holdNext makes the next Connect block until ch is closed.
func (d *fakeDialer) holdNext(ch chan struct{}) {
	d.mu.Lock()
	d.hold = ch
	d.mu.Unlock()
}

func (d *fakeDialer) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func TestPrewarmAndClaim(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, time.Minute, nil)
	defer m.CloseAll()

	if err := m.Prewarm(context.Background(), "wf1", SessionParams{Greeting: "hi"}); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	if active, prewarmed := m.Counts(); active != 0 || prewarmed != 1 {
		t.Fatalf("counts = %d/%d, want 0 active, 1 prewarmed", active, prewarmed)
	}

	s, claimed, err := m.GetOrCreate(context.Background(), "wf1", SessionParams{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !claimed {
		t.Fatal("expected to claim the prewarmed session")
	}
	if got := s.WorkflowID(); got != "wf1" {
		t.Fatalf("WorkflowID = %q, want wf1", got)
	}
	if active, prewarmed := m.Counts(); active != 1 || prewarmed != 0 {
		t.Fatalf("counts after claim = %d/%d, want 1 active, 0 prewarmed", active, prewarmed)
	}
	if n := dialer.connectCount(); n != 1 {
		t.Fatalf("connects = %d, want 1 (claim must not redial)", n)
	}

	// Same workflow again returns the same session.
	again, claimed, err := m.GetOrCreate(context.Background(), "wf1", SessionParams{})
	if err != nil || claimed || again != s {
		t.Fatalf("second GetOrCreate = (%p, %v, %v), want cached (%p, false, nil)", again, claimed, err, s)
	}
}

func TestDuplicatePrewarmRejected(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, time.Minute, nil)
	defer m.CloseAll()

	if err := m.Prewarm(context.Background(), "wf1", SessionParams{}); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	if err := m.Prewarm(context.Background(), "wf1", SessionParams{}); !errors.Is(err, ErrAlreadyPrewarmed) {
		t.Fatalf("duplicate Prewarm = %v, want ErrAlreadyPrewarmed", err)
	}
	if n := dialer.connectCount(); n != 1 {
		t.Fatalf("connects = %d, want 1", n)
	}
}

func TestPrewarmExpiry(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, 30*time.Millisecond, nil)
	defer m.CloseAll()

	if err := m.Prewarm(context.Background(), "wf1", SessionParams{}); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	waitFor(t, "prewarm expiry", func() bool {
		_, prewarmed := m.Counts()
		return prewarmed == 0
	})

	// After expiry a new call dials fresh.
	_, claimed, err := m.GetOrCreate(context.Background(), "wf1", SessionParams{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if claimed {
		t.Fatal("claimed an expired session")
	}
	if n := dialer.connectCount(); n != 2 {
		t.Fatalf("connects = %d, want 2", n)
	}
}

func TestGetOrCreateWithoutPrewarm(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, time.Minute, nil)
	defer m.CloseAll()

	s, claimed, err := m.GetOrCreate(context.Background(), "wf9", SessionParams{Greeting: "hello"})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if claimed {
		t.Fatal("nothing was prewarmed, claimed should be false")
	}
	if s.WorkflowID() != "wf9" {
		t.Fatalf("WorkflowID = %q, want wf9", s.WorkflowID())
	}
}

func TestGetOrCreateDialFailure(t *testing.T) {
	dialer := &fakeDialer{fail: errors.New("endpoint down")}
	m := NewManager(dialer, time.Minute, nil)

	if _, _, err := m.GetOrCreate(context.Background(), "wf1", SessionParams{}); err == nil {
		t.Fatal("expected dial error")
	}
	if active, _ := m.Counts(); active != 0 {
		t.Fatalf("failed dial left %d active sessions", active)
	}
}

func TestPrewarmSupersededByActiveCall(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, time.Minute, nil)
	defer m.CloseAll()

	hold := make(chan struct{})
	dialer.holdNext(hold)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Prewarm(context.Background(), "wf1", SessionParams{}) }()
	waitFor(t, "prewarm dial to start", func() bool { return dialer.connectCount() == 1 })

	// The media stream arrives before the prewarm dial finishes, so the
	// call dials fresh and goes active.
	s, claimed, err := m.GetOrCreate(context.Background(), "wf1", SessionParams{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if claimed {
		t.Fatal("nothing finished prewarming, claimed should be false")
	}

	close(hold)
	if err := <-errCh; err == nil {
		t.Fatal("late prewarm should report it was superseded")
	}
	if active, prewarmed := m.Counts(); active != 1 || prewarmed != 0 {
		t.Fatalf("counts = %d/%d, want 1 active, 0 prewarmed", active, prewarmed)
	}
	if got, ok := m.Get("wf1"); !ok || got != s {
		t.Fatal("the active session must survive the superseded prewarm")
	}
}

func TestCleanupPrewarm(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, time.Minute, nil)
	defer m.CloseAll()

	if err := m.Prewarm(context.Background(), "wf1", SessionParams{}); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	if !m.CleanupPrewarm("wf1") {
		t.Fatal("CleanupPrewarm found nothing")
	}
	if m.CleanupPrewarm("wf1") {
		t.Fatal("second CleanupPrewarm should be a no-op")
	}
}

func TestCloseAll(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, time.Minute, nil)

	if err := m.Prewarm(context.Background(), "wf1", SessionParams{}); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	if _, _, err := m.GetOrCreate(context.Background(), "wf2", SessionParams{}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	m.CloseAll()
	if active, prewarmed := m.Counts(); active != 0 || prewarmed != 0 {
		t.Fatalf("counts after CloseAll = %d/%d, want 0/0", active, prewarmed)
	}
}
