// Package mediastream defines the websocket wire protocol of the telephony
// provider's bidirectional media streams. Audio payloads are base64-encoded
// mu-law at 8kHz.
package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event names carried in the "event" field.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Event is one frame, in either direction. Exactly one payload field is set,
// matching the event name.
type Event struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode media stream event: %w", err)
	}
	return &ev, nil
}

// Audio decodes the base64 mu-law payload of a media event.
func (m *MediaPayload) Audio() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return raw, nil
}

// OutboundMedia builds a media frame carrying mu-law audio toward the caller.
func OutboundMedia(streamSid string, mulaw []byte) Event {
	return Event{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
}

// OutboundClear tells the provider to flush audio it has buffered but not
// yet played. Sent on barge-in.
func OutboundClear(streamSid string) Event {
	return Event{Event: EventClear, StreamSid: streamSid}
}
