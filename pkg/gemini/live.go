package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the live bidirectional websocket endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

const (
	// DefaultModel is the live audio model used when none is configured.
	DefaultModel = "models/gemini-2.0-flash-live-001"
	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Charon"

	inputMIMEType = "audio/pcm;rate=16000"

	activityHandlingInterrupts = "START_OF_ACTIVITY_INTERRUPTS"
	turnCoverageAllInput       = "TURN_INCLUDES_ALL_INPUT"
)

// ErrSessionClosed is returned from send calls after Close.
var ErrSessionClosed = errors.New("gemini: session closed")

// VADConfig tunes server-side voice activity detection. Sensitivities are
// "high" or "low"; empty fields fall back to the server defaults.
type VADConfig struct {
	Disabled          bool
	StartSensitivity  string
	EndSensitivity    string
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// DefaultVADConfig is tuned for telephony audio: eager start detection so
// the model hears barge-in quickly, relaxed end detection so it does not
// cut the caller off mid-sentence.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Disabled:          false,
		StartSensitivity:  "high",
		EndSensitivity:    "low",
		PrefixPaddingMs:   200,
		SilenceDurationMs: 500,
	}
}

// SessionConfig configures one live session.
type SessionConfig struct {
	Model        string
	Voice        string
	SystemPrompt string
	VAD          VADConfig
}

// Client dials live sessions.
type Client struct {
	APIKey   string
	Endpoint string
	Dialer   *websocket.Dialer
	Logger   *slog.Logger
}

// Connect dials the endpoint, performs setup, and waits for the setup
// acknowledgement before returning a live Session.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if c.APIKey == "" {
		return nil, errors.New("gemini: api key not configured")
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", c.APIKey)
	u.RawQuery = q.Encode()

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial live endpoint: %w", err)
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		conn:   conn,
		logger: logger,
		events: make(chan ServerEvent, 64),
		done:   make(chan struct{}),
	}

	if err := conn.WriteJSON(buildSetup(cfg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}
	if err := s.awaitSetupComplete(); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

func buildSetup(cfg SessionConfig) setupMessage {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	setup := setupPayload{
		Model: model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
				},
			},
		},
		RealtimeInputConfig: &realtimeInputConfig{
			AutomaticActivityDetection: buildVAD(cfg.VAD),
			ActivityHandling:           activityHandlingInterrupts,
			TurnCoverage:               turnCoverageAllInput,
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.SystemPrompt != "" {
		setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.SystemPrompt}},
		}
	}
	return setupMessage{Setup: setup}
}

func buildVAD(v VADConfig) *automaticActivityDetection {
	if v.Disabled {
		return &automaticActivityDetection{Disabled: true}
	}
	return &automaticActivityDetection{
		StartOfSpeechSensitivity: startSensitivity(v.StartSensitivity),
		EndOfSpeechSensitivity:   endSensitivity(v.EndSensitivity),
		PrefixPaddingMs:          v.PrefixPaddingMs,
		SilenceDurationMs:        v.SilenceDurationMs,
	}
}

func startSensitivity(level string) string {
	switch level {
	case "low":
		return "START_SENSITIVITY_LOW"
	case "high":
		return "START_SENSITIVITY_HIGH"
	}
	return ""
}

func endSensitivity(level string) string {
	switch level {
	case "low":
		return "END_SENSITIVITY_LOW"
	case "high":
		return "END_SENSITIVITY_HIGH"
	}
	return ""
}

// Session is one live connection. Sends are safe from multiple goroutines;
// Events must be drained by a single consumer.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	events  chan ServerEvent

	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

func (s *Session) awaitSetupComplete() error {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read setup ack: %w", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode setup ack: %w", err)
	}
	if msg.SetupComplete == nil {
		return errors.New("gemini: expected setup acknowledgement")
	}
	return nil
}

// SendAudio streams one chunk of 16kHz PCM into the session.
func (s *Session) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &inlineData{
				MIMEType: inputMIMEType,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			},
		},
	})
}

// SendText submits a user text turn. Used for the greeting prompt that makes
// the model speak first.
func (s *Session) SendText(text string, turnComplete bool) error {
	return s.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns: []content{{
				Role:  "user",
				Parts: []part{{Text: text}},
			}},
			TurnComplete: turnComplete,
		},
	})
}

func (s *Session) writeJSON(v any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Events returns the decoded server event stream. The channel closes when
// the connection ends; check Err afterwards.
func (s *Session) Events() <-chan ServerEvent {
	return s.events
}

// Err reports why the event stream ended. Nil after a clean Close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(err)
			}
			return
		}
		events, err := decodeServerMessage(data)
		if err != nil {
			s.logger.Warn("undecodable live frame", "error", err)
			continue
		}
		for _, ev := range events {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
