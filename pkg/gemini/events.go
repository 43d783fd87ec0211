// Package gemini speaks the live bidirectional audio protocol of the
// generative language API over a websocket. Input audio is linear 16-bit PCM
// at 16kHz, output audio arrives as linear 16-bit PCM at 24kHz.
package gemini

// EventType discriminates the server event union.
type EventType string

const (
	EventTypeAudioChunk       EventType = "audio_chunk"
	EventTypeTextChunk        EventType = "text_chunk"
	EventTypeInputTranscript  EventType = "input_transcript"
	EventTypeOutputTranscript EventType = "output_transcript"
	EventTypeTurnComplete     EventType = "turn_complete"
	EventTypeInterrupted      EventType = "interrupted"
	EventTypeGoAway           EventType = "go_away"
)

// ServerEvent is one decoded event from the live session. The set of
// implementations is closed.
type ServerEvent interface {
	EventType() EventType
}

// AudioChunk carries raw 24kHz PCM produced by the model.
type AudioChunk struct {
	Data []byte
}

func (AudioChunk) EventType() EventType { return EventTypeAudioChunk }

// TextChunk carries text emitted alongside or instead of audio.
type TextChunk struct {
	Text string
}

func (TextChunk) EventType() EventType { return EventTypeTextChunk }

// InputTranscript is the recognized text of what the caller said.
type InputTranscript struct {
	Text string
}

func (InputTranscript) EventType() EventType { return EventTypeInputTranscript }

// OutputTranscript is the text of what the model spoke.
type OutputTranscript struct {
	Text string
}

func (OutputTranscript) EventType() EventType { return EventTypeOutputTranscript }

// TurnComplete marks the end of a model turn.
type TurnComplete struct{}

func (TurnComplete) EventType() EventType { return EventTypeTurnComplete }

// Interrupted reports that the caller barged in and the model stopped
// generating. Buffered output for the current turn should be discarded.
type Interrupted struct{}

func (Interrupted) EventType() EventType { return EventTypeInterrupted }

// GoAway announces that the server will drop the connection soon.
type GoAway struct {
	TimeLeft string
}

func (GoAway) EventType() EventType { return EventTypeGoAway }
