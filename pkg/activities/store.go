package activities

import (
	"context"

	"github.com/vango-go/voicebridge/pkg/store"
)

// StoreActivities persists call state to Postgres.
type StoreActivities struct {
	Store *store.Store
}

func (a *StoreActivities) CreateCallRecord(ctx context.Context, p CreateCallParams) (CreateCallResult, error) {
	id, err := a.Store.CreateCall(ctx, store.NewCall{
		WorkflowID:         p.WorkflowID,
		RunID:              p.RunID,
		PhoneNumber:        p.PhoneNumber,
		Greeting:           p.Greeting,
		SystemPrompt:       p.SystemPrompt,
		MaxDurationSeconds: p.MaxDurationSeconds,
		Metadata:           p.Metadata,
	})
	if err != nil {
		return CreateCallResult{}, err
	}
	return CreateCallResult{CallID: id}, nil
}

func (a *StoreActivities) UpdateCallRecord(ctx context.Context, p UpdateCallParams) error {
	return a.Store.UpdateCall(ctx, store.CallUpdate{
		CallID:          p.CallID,
		Status:          p.Status,
		CallSid:         p.CallSid,
		EndedAt:         p.EndedAt,
		DurationSeconds: p.DurationSeconds,
		FailureReason:   p.FailureReason,
	})
}

func (a *StoreActivities) SaveTranscriptBatch(ctx context.Context, p SaveTranscriptsParams) (SaveTranscriptsResult, error) {
	saved, err := a.Store.SaveTranscripts(ctx, p.CallID, p.Segments)
	if err != nil {
		return SaveTranscriptsResult{}, err
	}
	return SaveTranscriptsResult{Saved: saved}, nil
}

func (a *StoreActivities) UpsertCallMetrics(ctx context.Context, p UpsertMetricsParams) error {
	return a.Store.UpsertMetrics(ctx, p.CallID, p.Metrics)
}
