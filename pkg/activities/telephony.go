package activities

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/voicebridge/pkg/twilio"
)

// TelephonyActivities drives the telephony provider. PublicBaseURL is the
// externally reachable https base of this deployment; media stream and
// callback URLs are derived from it.
type TelephonyActivities struct {
	Client        *twilio.Client
	PublicBaseURL string
	Logger        *slog.Logger
}

func (a *TelephonyActivities) InitiateCall(ctx context.Context, p InitiateCallParams) (InitiateCallResult, error) {
	twiml := twilio.StreamTwiML(
		a.mediaStreamURL(p.WorkflowID),
		a.publicURL("/twilio/stream-status/"+p.WorkflowID),
	)
	created, err := a.Client.CreateCall(ctx, twilio.CreateCallParams{
		To:             p.PhoneNumber,
		TwiML:          twiml,
		StatusCallback: a.publicURL("/twilio/status/" + p.WorkflowID),
	})
	if err != nil {
		return InitiateCallResult{}, err
	}
	a.logger().Info("outbound call created", "call_sid", created.Sid, "workflow_id", p.WorkflowID)
	return InitiateCallResult{CallSid: created.Sid}, nil
}

func (a *TelephonyActivities) TerminateCall(ctx context.Context, p TerminateCallParams) error {
	err := a.Client.TerminateCall(ctx, p.CallSid)
	var apiErr *twilio.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		// Already gone; nothing to hang up.
		return nil
	}
	return err
}

func (a *TelephonyActivities) GetCallStatus(ctx context.Context, p GetCallStatusParams) (GetCallStatusResult, error) {
	fetched, err := a.Client.FetchCall(ctx, p.CallSid)
	if err != nil {
		return GetCallStatusResult{}, err
	}
	return GetCallStatusResult{
		Status:          fetched.Status,
		DurationSeconds: fetched.DurationSeconds(),
	}, nil
}

func (a *TelephonyActivities) publicURL(path string) string {
	return strings.TrimSuffix(a.PublicBaseURL, "/") + path
}

func (a *TelephonyActivities) mediaStreamURL(workflowID string) string {
	base := strings.TrimSuffix(a.PublicBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/twilio/ws/media/" + workflowID
}

func (a *TelephonyActivities) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}
