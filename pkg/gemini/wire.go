package gemini

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Client-to-server frames.

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                    string               `json:"model"`
	GenerationConfig         *generationConfig    `json:"generationConfig,omitempty"`
	SystemInstruction        *content             `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *automaticActivityDetection `json:"automaticActivityDetection,omitempty"`
	ActivityHandling           string                      `json:"activityHandling,omitempty"`
	TurnCoverage               string                      `json:"turnCoverage,omitempty"`
}

type automaticActivityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *inlineData `json:"audio,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns,omitempty"`
	TurnComplete bool      `json:"turnComplete"`
}

// Shared content shapes.

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Server-to-client frames.

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAwayNotice  `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text,omitempty"`
}

type goAwayNotice struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// decodeServerMessage turns one wire frame into its events. A single frame
// can yield several: an interruption, audio and text parts, transcriptions,
// and a turn boundary. Interrupted sorts first so consumers can discard
// stale output before the next chunk lands; TurnComplete sorts last.
func decodeServerMessage(data []byte) ([]ServerEvent, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}

	var events []ServerEvent
	if msg.GoAway != nil {
		events = append(events, GoAway{TimeLeft: msg.GoAway.TimeLeft})
	}
	sc := msg.ServerContent
	if sc == nil {
		return events, nil
	}
	if sc.Interrupted {
		events = append(events, Interrupted{})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("decode audio part: %w", err)
				}
				events = append(events, AudioChunk{Data: pcm})
			}
			if p.Text != "" {
				events = append(events, TextChunk{Text: p.Text})
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, InputTranscript{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, OutputTranscript{Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		events = append(events, TurnComplete{})
	}
	return events, nil
}
