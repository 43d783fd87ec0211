package activities

import (
	"context"
	"errors"
	"time"

	"github.com/vango-go/voicebridge/pkg/sessioncache"
)

// SessionActivities maintains the Redis session records the transport layer
// resolves media streams against.
type SessionActivities struct {
	Cache *sessioncache.Cache
}

func (a *SessionActivities) CreateSessionRecord(ctx context.Context, p CreateSessionParams) error {
	return a.Cache.Create(ctx, sessioncache.Record{
		WorkflowID:         p.WorkflowID,
		CallID:             p.CallID,
		PhoneNumber:        p.PhoneNumber,
		Greeting:           p.Greeting,
		SystemPrompt:       p.SystemPrompt,
		MaxDurationSeconds: p.MaxDurationSeconds,
	}, time.Duration(p.TTLSeconds)*time.Second)
}

func (a *SessionActivities) UpdateSessionStatus(ctx context.Context, p UpdateSessionStatusParams) error {
	err := a.Cache.UpdateStatus(ctx, p.WorkflowID, p.Status)
	if errors.Is(err, sessioncache.ErrNotFound) {
		// The record may have expired already; not worth failing cleanup.
		return nil
	}
	return err
}

func (a *SessionActivities) CleanupSessionRecord(ctx context.Context, p CleanupSessionParams) error {
	return a.Cache.Release(ctx, p.WorkflowID, time.Duration(p.GraceTTLSeconds)*time.Second)
}
