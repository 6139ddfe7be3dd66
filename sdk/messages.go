package voicepipe

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType tags a duplex frame. The inbound set is closed; unknown tags
// are logged and ignored by the dispatch loop, never fatal.
type MessageType string

const (
	// Outbound (client -> service).
	MessageAudioChunk      MessageType = "audio_chunk"
	MessageConversationEnd MessageType = "conversation_end"

	// Inbound (service -> client).
	MessageTranscriptPartial  MessageType = "transcript_partial"
	MessageTranscriptFinal    MessageType = "transcript_final"
	MessageAIThinking         MessageType = "ai_thinking"
	MessageAISpeaking         MessageType = "ai_speaking"
	MessageAIResponseComplete MessageType = "ai_response_complete"
	MessageContextualUpdate   MessageType = "contextual_update"
	MessageEmergencyDetected  MessageType = "emergency_detected"
)

// inboundTypes is the closed set the dispatch table is keyed on.
var inboundTypes = map[MessageType]struct{}{
	MessageTranscriptPartial:  {},
	MessageTranscriptFinal:    {},
	MessageAIThinking:         {},
	MessageAISpeaking:         {},
	MessageAIResponseComplete: {},
	MessageContextualUpdate:   {},
	MessageEmergencyDetected:  {},
	MessageConversationEnd:    {},
}

// Envelope is the wire frame in both directions.
//
// Timestamp is assigned by the remote service on inbound frames and is not
// used for local ordering decisions; frames are dispatched in receive order.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"session_id"`
}

// AudioChunkPayload is the outbound audio_chunk payload.
type AudioChunkPayload struct {
	Audio   string `json:"audio"` // base64-encoded
	IsFinal bool   `json:"isFinal"`
	ChunkID string `json:"chunk_id,omitempty"`
}

// TranscriptPayload carries partial and final transcript text.
type TranscriptPayload struct {
	Text string `json:"text"`
}

// Message is one decoded inbound frame handed to listeners.
type Message struct {
	Type      MessageType
	SessionID string
	Timestamp int64
	Payload   json.RawMessage
}

// Transcript decodes the payload as transcript text. It returns the empty
// string for non-transcript message types or malformed payloads.
func (m Message) Transcript() string {
	if m.Type != MessageTranscriptPartial && m.Type != MessageTranscriptFinal {
		return ""
	}
	var p TranscriptPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return ""
	}
	return p.Text
}

// decodeEnvelope parses one inbound frame. A frame with no recognizable type
// tag is an error; the read loop logs and drops it.
func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, fmt.Errorf("frame missing type tag")
	}
	return &env, nil
}
