package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestDecodeStartEvent(t *testing.T) {
	raw := `{
		"event": "start",
		"sequenceNumber": "1",
		"start": {
			"streamSid": "MZ123",
			"accountSid": "AC0000",
			"callSid": "CA42",
			"tracks": ["inbound"],
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
			"customParameters": {"workflow_id": "wf1"}
		},
		"streamSid": "MZ123"
	}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Event != EventStart || ev.Start == nil {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Start.CallSid != "CA42" || ev.Start.StreamSid != "MZ123" {
		t.Fatalf("start = %+v", ev.Start)
	}
	if ev.Start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("sample rate = %d", ev.Start.MediaFormat.SampleRate)
	}
	if ev.Start.CustomParameters["workflow_id"] != "wf1" {
		t.Fatalf("custom parameters = %v", ev.Start.CustomParameters)
	}
}

func TestDecodeMediaEventAudio(t *testing.T) {
	mulaw := []byte{0xff, 0x7f, 0x80, 0x00}
	raw := `{"event": "media", "media": {"track": "inbound", "payload": "` +
		base64.StdEncoding.EncodeToString(mulaw) + `"}}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Event != EventMedia || ev.Media == nil {
		t.Fatalf("event = %+v", ev)
	}
	audio, err := ev.Media.Audio()
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if string(audio) != string(mulaw) {
		t.Fatalf("audio = %v, want %v", audio, mulaw)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
	ev, err := Decode([]byte(`{"event": "media", "media": {"payload": "!!!"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := ev.Media.Audio(); err == nil {
		t.Fatal("expected base64 error")
	}
}

func TestOutboundMediaRoundTrip(t *testing.T) {
	mulaw := []byte{1, 2, 3}
	data, err := json.Marshal(OutboundMedia("MZ123", mulaw))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.StreamSid != "MZ123" {
		t.Fatalf("stream sid = %q", ev.StreamSid)
	}
	audio, err := ev.Media.Audio()
	if err != nil || string(audio) != string(mulaw) {
		t.Fatalf("audio = %v, %v", audio, err)
	}

	clear, err := json.Marshal(OutboundClear("MZ123"))
	if err != nil {
		t.Fatalf("marshal clear: %v", err)
	}
	if string(clear) != `{"event":"clear","streamSid":"MZ123"}` {
		t.Fatalf("clear frame = %s", clear)
	}
}
