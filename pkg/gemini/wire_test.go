package gemini

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestDecodeServerMessageAudioAndTranscripts(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	raw := `{
		"serverContent": {
			"modelTurn": {"parts": [
				{"inlineData": {"mimeType": "audio/pcm;rate=24000", "data": "` + base64.StdEncoding.EncodeToString(pcm) + `"}},
				{"text": "hello"}
			]},
			"inputTranscription": {"text": "hi there"},
			"outputTranscription": {"text": "hello"},
			"turnComplete": true
		}
	}`

	events, err := decodeServerMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decodeServerMessage: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	audio, ok := events[0].(AudioChunk)
	if !ok {
		t.Fatalf("events[0] = %T, want AudioChunk", events[0])
	}
	if string(audio.Data) != string(pcm) {
		t.Fatalf("audio data = %v, want %v", audio.Data, pcm)
	}
	if tc, ok := events[1].(TextChunk); !ok || tc.Text != "hello" {
		t.Fatalf("events[1] = %#v, want TextChunk{hello}", events[1])
	}
	if in, ok := events[2].(InputTranscript); !ok || in.Text != "hi there" {
		t.Fatalf("events[2] = %#v, want InputTranscript{hi there}", events[2])
	}
	if out, ok := events[3].(OutputTranscript); !ok || out.Text != "hello" {
		t.Fatalf("events[3] = %#v, want OutputTranscript{hello}", events[3])
	}
	if _, ok := events[4].(TurnComplete); !ok {
		t.Fatalf("events[4] = %T, want TurnComplete", events[4])
	}
}

func TestDecodeServerMessageInterruptedFirst(t *testing.T) {
	raw := `{"serverContent": {"interrupted": true, "modelTurn": {"parts": [{"text": "cut off"}]}}}`
	events, err := decodeServerMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decodeServerMessage: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if _, ok := events[0].(Interrupted); !ok {
		t.Fatalf("events[0] = %T, want Interrupted", events[0])
	}
}

func TestDecodeServerMessageGoAway(t *testing.T) {
	events, err := decodeServerMessage([]byte(`{"goAway": {"timeLeft": "10s"}}`))
	if err != nil {
		t.Fatalf("decodeServerMessage: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if ga, ok := events[0].(GoAway); !ok || ga.TimeLeft != "10s" {
		t.Fatalf("events[0] = %#v, want GoAway{10s}", events[0])
	}
}

func TestDecodeServerMessageEmptyContent(t *testing.T) {
	events, err := decodeServerMessage([]byte(`{"serverContent": {}}`))
	if err != nil {
		t.Fatalf("decodeServerMessage: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
}

func TestDecodeServerMessageMalformed(t *testing.T) {
	if _, err := decodeServerMessage([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
	if _, err := decodeServerMessage([]byte(`{"serverContent": {"modelTurn": {"parts": [{"inlineData": {"mimeType": "audio/pcm", "data": "!!!"}}]}}}`)); err == nil {
		t.Fatal("expected error for invalid base64 audio")
	}
}

func TestBuildSetupDefaults(t *testing.T) {
	msg := buildSetup(SessionConfig{VAD: DefaultVADConfig()})
	if msg.Setup.Model != DefaultModel {
		t.Fatalf("model = %q, want %q", msg.Setup.Model, DefaultModel)
	}
	voice := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName
	if voice != DefaultVoice {
		t.Fatalf("voice = %q, want %q", voice, DefaultVoice)
	}
	vad := msg.Setup.RealtimeInputConfig.AutomaticActivityDetection
	if vad.Disabled {
		t.Fatal("vad disabled by default")
	}
	if vad.StartOfSpeechSensitivity != "START_SENSITIVITY_HIGH" {
		t.Fatalf("start sensitivity = %q", vad.StartOfSpeechSensitivity)
	}
	if vad.EndOfSpeechSensitivity != "END_SENSITIVITY_LOW" {
		t.Fatalf("end sensitivity = %q", vad.EndOfSpeechSensitivity)
	}
	if vad.PrefixPaddingMs != 200 || vad.SilenceDurationMs != 500 {
		t.Fatalf("vad padding = %d/%d, want 200/500", vad.PrefixPaddingMs, vad.SilenceDurationMs)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Fatal("transcription not enabled")
	}
	if msg.Setup.SystemInstruction != nil {
		t.Fatal("unexpected system instruction")
	}
}

func TestBuildSetupDisabledVAD(t *testing.T) {
	msg := buildSetup(SessionConfig{
		SystemPrompt: "be brief",
		VAD:          VADConfig{Disabled: true},
	})
	vad := msg.Setup.RealtimeInputConfig.AutomaticActivityDetection
	if !vad.Disabled {
		t.Fatal("vad should be disabled")
	}
	if vad.StartOfSpeechSensitivity != "" {
		t.Fatalf("sensitivity set on disabled vad: %q", vad.StartOfSpeechSensitivity)
	}
	si := msg.Setup.SystemInstruction
	if si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "be brief" {
		t.Fatalf("system instruction = %#v", si)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal setup: %v", err)
	}
	var round map[string]json.RawMessage
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal setup: %v", err)
	}
	if _, ok := round["setup"]; !ok {
		t.Fatal(`setup frame missing "setup" key`)
	}
}
