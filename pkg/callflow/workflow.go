// Package callflow holds the durable state machine that owns a call from
// initiation to final record. The workflow is the single writer of call
// status; the transport layer only reports events in via signals.
package callflow

import (
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/vango-go/voicebridge/pkg/activities"
	"github.com/vango-go/voicebridge/pkg/call"
)

const (
	// Connection establishment waits in bounded rounds, polling the
	// telephony provider between rounds as a tie-breaker when no
	// streaming signal has arrived.
	connectionRounds     = 3
	connectionRoundWait  = 12 * time.Second
	defaultMaxDuration   = 30 * time.Minute
	sessionGraceTTL      = 300
	activityTimeout      = 30 * time.Second
	cleanupTimeout       = 60 * time.Second
	sessionTTLMarginSecs = 600
)

type workflowState struct {
	status           call.Status
	callID           string
	callSid          string
	streamSid        string
	streamingStarted bool
	callEnded        bool
	failureReason    string
	transcripts      []call.TranscriptSegment
	transcriptCount  int
	metrics          call.MetricsSnapshot
	hasMetrics       bool
}

// setStatus moves the state machine. Terminal states are sticky: once the
// call has ended, nothing can resurrect it.
func (st *workflowState) setStatus(next call.Status) {
	if st.status.Terminal() {
		return
	}
	st.status = next
	if next.Terminal() {
		st.callEnded = true
	}
}

// VoiceCall runs one outbound call end to end.
func VoiceCall(ctx workflow.Context, input call.WorkflowInput) (call.WorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)
	startedAt := workflow.Now(ctx).UTC()

	maxDuration := defaultMaxDuration
	if input.MaxDurationSeconds > 0 {
		maxDuration = time.Duration(input.MaxDurationSeconds) * time.Second
	}

	st := &workflowState{status: call.StatusInitiated}

	result := func() call.WorkflowResult {
		ended := workflow.Now(ctx).UTC()
		return call.WorkflowResult{
			CallID:                  st.callID,
			WorkflowID:              info.WorkflowExecution.ID,
			RunID:                   info.WorkflowExecution.RunID,
			Status:                  st.status,
			PhoneNumber:             input.PhoneNumber,
			StartedAt:               startedAt,
			EndedAt:                 &ended,
			DurationSeconds:         int(ended.Sub(startedAt) / time.Second),
			CallSid:                 st.callSid,
			TotalTranscriptSegments: st.transcriptCount,
		}
	}

	if err := registerQueries(ctx, st, input); err != nil {
		return result(), err
	}
	runSignalPump(ctx, st, logger)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
	actx := workflow.WithActivityOptions(ctx, ao)

	var created activities.CreateCallResult
	err := workflow.ExecuteActivity(actx, call.ActivityCreateCallRecord, activities.CreateCallParams{
		WorkflowID:         info.WorkflowExecution.ID,
		RunID:              info.WorkflowExecution.RunID,
		PhoneNumber:        input.PhoneNumber,
		Greeting:           input.Greeting,
		SystemPrompt:       input.SystemPrompt,
		MaxDurationSeconds: int(maxDuration / time.Second),
		Metadata:           input.Metadata,
	}).Get(actx, &created)
	if err != nil {
		logger.Error("failed to create call record", "error", err)
		st.setStatus(call.StatusFailed)
		st.failureReason = "call record creation failed"
		cleanup(ctx, st, startedAt)
		return result(), err
	}
	st.callID = created.CallID

	err = workflow.ExecuteActivity(actx, call.ActivityCreateSessionRecord, activities.CreateSessionParams{
		WorkflowID:         info.WorkflowExecution.ID,
		CallID:             st.callID,
		PhoneNumber:        input.PhoneNumber,
		Greeting:           input.Greeting,
		SystemPrompt:       input.SystemPrompt,
		MaxDurationSeconds: int(maxDuration / time.Second),
		TTLSeconds:         int(maxDuration/time.Second) + sessionTTLMarginSecs,
	}).Get(actx, nil)
	if err != nil {
		logger.Error("failed to create session record", "error", err)
		st.setStatus(call.StatusFailed)
		st.failureReason = "session record creation failed"
		cleanup(ctx, st, startedAt)
		return result(), err
	}

	var initiated activities.InitiateCallResult
	err = workflow.ExecuteActivity(actx, call.ActivityInitiateCall, activities.InitiateCallParams{
		WorkflowID:  info.WorkflowExecution.ID,
		CallID:      st.callID,
		PhoneNumber: input.PhoneNumber,
	}).Get(actx, &initiated)
	if err != nil {
		logger.Error("failed to initiate call", "error", err)
		st.setStatus(call.StatusFailed)
		st.failureReason = "call initiation failed"
		cleanup(ctx, st, startedAt)
		return result(), err
	}
	if st.callSid == "" {
		st.callSid = initiated.CallSid
	}
	logger.Info("call initiated", "call_sid", st.callSid, "phone_number", input.PhoneNumber)

	connected, err := awaitConnection(actx, st, logger)
	if err != nil {
		st.setStatus(call.StatusCanceled)
		cleanup(ctx, st, startedAt)
		return result(), err
	}
	if !connected && !st.callEnded {
		// Never reached streaming from a pre-connection state.
		st.setStatus(call.StatusNoAnswer)
		logger.Info("call was not answered", "call_sid", st.callSid)
	}

	if connected && !st.callEnded {
		// Mirror the live state into the session record so the transport
		// layer sees the call is streaming. Best effort.
		if err := workflow.ExecuteActivity(actx, call.ActivityUpdateSessionStatus, activities.UpdateSessionStatusParams{
			WorkflowID: info.WorkflowExecution.ID,
			Status:     "streaming",
		}).Get(actx, nil); err != nil {
			logger.Warn("session status update failed", "error", err)
		}

		ok, err := workflow.AwaitWithTimeout(ctx, maxDuration, func() bool { return st.callEnded })
		if err != nil {
			st.setStatus(call.StatusCanceled)
			cleanup(ctx, st, startedAt)
			return result(), err
		}
		if !ok {
			logger.Warn("call hit max duration, forcing termination", "max_duration", maxDuration)
			st.callEnded = true
		}
	}

	if !st.status.Terminal() {
		if st.streamingStarted || st.status == call.StatusInProgress {
			st.setStatus(call.StatusCompleted)
		} else {
			st.setStatus(call.StatusFailed)
		}
	}

	cleanup(ctx, st, startedAt)
	logger.Info("call finished", "status", st.status, "transcript_segments", st.transcriptCount)
	return result(), nil
}

func registerQueries(ctx workflow.Context, st *workflowState, input call.WorkflowInput) error {
	if err := workflow.SetQueryHandler(ctx, call.QueryCallStatus, func() (string, error) {
		return string(st.status), nil
	}); err != nil {
		return err
	}
	if err := workflow.SetQueryHandler(ctx, call.QueryCallConfig, func() (call.Config, error) {
		return call.Config{
			CallID:       st.callID,
			Greeting:     input.Greeting,
			SystemPrompt: input.SystemPrompt,
		}, nil
	}); err != nil {
		return err
	}
	return workflow.SetQueryHandler(ctx, call.QueryTranscriptCount, func() (int, error) {
		return st.transcriptCount, nil
	})
}

// runSignalPump drains every signal channel in one goroutine so state
// mutation stays single-writer.
func runSignalPump(ctx workflow.Context, st *workflowState, logger log.Logger) {
	workflow.Go(ctx, func(ctx workflow.Context) {
		sel := workflow.NewSelector(ctx)

		sel.AddReceive(workflow.GetSignalChannel(ctx, call.SignalStreamingStarted), func(c workflow.ReceiveChannel, _ bool) {
			var p call.StreamingStartedSignal
			c.Receive(ctx, &p)
			st.streamingStarted = true
			st.streamSid = p.StreamSid
			if st.callSid == "" {
				st.callSid = p.CallSid
			}
			st.setStatus(call.StatusInProgress)
			logger.Info("media streaming started", "stream_sid", p.StreamSid)
		})

		sel.AddReceive(workflow.GetSignalChannel(ctx, call.SignalStreamingEnded), func(c workflow.ReceiveChannel, _ bool) {
			var p call.StreamingEndedSignal
			c.Receive(ctx, &p)
			st.callEnded = true
			logger.Info("media streaming ended", "stream_sid", p.StreamSid)
		})

		sel.AddReceive(workflow.GetSignalChannel(ctx, call.SignalTranscriptsAvailable), func(c workflow.ReceiveChannel, _ bool) {
			var segs []call.TranscriptSegment
			c.Receive(ctx, &segs)
			st.transcripts = append(st.transcripts, segs...)
			st.transcriptCount += len(segs)
		})

		sel.AddReceive(workflow.GetSignalChannel(ctx, call.SignalCallStatusChanged), func(c workflow.ReceiveChannel, _ bool) {
			var provider string
			c.Receive(ctx, &provider)
			mapped, ok := call.StatusFromProvider(provider)
			if !ok {
				logger.Warn("unrecognized provider status", "provider_status", provider)
				return
			}
			st.setStatus(mapped)
		})

		sel.AddReceive(workflow.GetSignalChannel(ctx, call.SignalSetCallSid), func(c workflow.ReceiveChannel, _ bool) {
			var sid string
			c.Receive(ctx, &sid)
			if st.callSid == "" {
				st.callSid = sid
			}
		})

		sel.AddReceive(workflow.GetSignalChannel(ctx, call.SignalUpdateMetrics), func(c workflow.ReceiveChannel, _ bool) {
			var m call.MetricsSnapshot
			c.Receive(ctx, &m)
			st.metrics = m
			st.hasMetrics = true
		})

		done := false
		sel.AddReceive(ctx.Done(), func(c workflow.ReceiveChannel, _ bool) {
			done = true
		})

		for !done {
			sel.Select(ctx)
		}
	})
}

// awaitConnection waits for the media stream to come up, in bounded rounds.
// Between rounds it asks the provider where the call is: still ringing means
// keep waiting, in progress counts as connected, a terminal answer ends the
// call. Returns whether streaming was (or will be) established.
func awaitConnection(actx workflow.Context, st *workflowState, logger log.Logger) (bool, error) {
	for round := 1; round <= connectionRounds; round++ {
		ok, err := workflow.AwaitWithTimeout(actx, connectionRoundWait, func() bool {
			return st.streamingStarted || st.callEnded
		})
		if err != nil {
			return false, err
		}
		if ok {
			return st.streamingStarted, nil
		}

		var polled activities.GetCallStatusResult
		if err := workflow.ExecuteActivity(actx, call.ActivityGetCallStatus, activities.GetCallStatusParams{
			CallSid: st.callSid,
		}).Get(actx, &polled); err != nil {
			logger.Warn("provider status poll failed", "round", round, "error", err)
			continue
		}
		mapped, known := call.StatusFromProvider(polled.Status)
		if !known {
			continue
		}
		switch {
		case mapped == call.StatusInProgress:
			st.setStatus(call.StatusInProgress)
			logger.Info("provider reports call connected", "round", round)
			return true, nil
		case mapped.Terminal():
			st.setStatus(mapped)
			return false, nil
		default:
			logger.Info("call still connecting", "round", round, "provider_status", polled.Status)
		}
	}
	return st.streamingStarted, nil
}

// cleanup always runs, even when the workflow was canceled, so the call is
// hung up and the record closed out.
func cleanup(ctx workflow.Context, st *workflowState, startedAt time.Time) {
	logger := workflow.GetLogger(ctx)
	dctx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	dctx = workflow.WithActivityOptions(dctx, workflow.ActivityOptions{
		StartToCloseTimeout: cleanupTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})

	if st.callSid != "" {
		if err := workflow.ExecuteActivity(dctx, call.ActivityTerminateCall, activities.TerminateCallParams{
			CallSid: st.callSid,
		}).Get(dctx, nil); err != nil {
			logger.Warn("terminate call failed during cleanup", "error", err)
		}
	}

	if st.callID != "" && len(st.transcripts) > 0 {
		var saved activities.SaveTranscriptsResult
		if err := workflow.ExecuteActivity(dctx, call.ActivitySaveTranscriptBatch, activities.SaveTranscriptsParams{
			CallID:   st.callID,
			Segments: st.transcripts,
		}).Get(dctx, &saved); err != nil {
			logger.Warn("saving transcripts failed during cleanup", "error", err)
		} else {
			st.transcripts = nil
		}
	}

	if st.callID != "" && st.hasMetrics {
		if err := workflow.ExecuteActivity(dctx, call.ActivityUpsertCallMetrics, activities.UpsertMetricsParams{
			CallID:  st.callID,
			Metrics: st.metrics,
		}).Get(dctx, nil); err != nil {
			logger.Warn("saving metrics failed during cleanup", "error", err)
		}
	}

	if st.callID != "" {
		ended := workflow.Now(ctx).UTC()
		if err := workflow.ExecuteActivity(dctx, call.ActivityUpdateCallRecord, activities.UpdateCallParams{
			CallID:          st.callID,
			Status:          st.status,
			CallSid:         st.callSid,
			EndedAt:         &ended,
			DurationSeconds: int(ended.Sub(startedAt) / time.Second),
			FailureReason:   st.failureReason,
		}).Get(dctx, nil); err != nil {
			logger.Warn("updating call record failed during cleanup", "error", err)
		}
	}

	if err := workflow.ExecuteActivity(dctx, call.ActivityCleanupSessionRecord, activities.CleanupSessionParams{
		WorkflowID:      workflow.GetInfo(ctx).WorkflowExecution.ID,
		GraceTTLSeconds: sessionGraceTTL,
	}).Get(dctx, nil); err != nil {
		logger.Warn("session cleanup failed", "error", err)
	}
}
