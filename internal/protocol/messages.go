package protocol

import "time"

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	Words      []Word    `json:"words,omitempty"`
}

// Word carries per-word timing when the recognizer provides it.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// CommitRequest asks a bus STT service to finalize the pending utterance.
type CommitRequest struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationMessage mirrors one appended transcript entry for bus observers.
type ConversationMessage struct {
	Index     int       `json:"index"`
	Role      string    `json:"role"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial   = "stt.text.partial"
	SubjectTranscriptFinal     = "stt.text.final"
	SubjectTranscriptCommit    = "stt.control.commit"
	SubjectConversationMessage = "checkin.conversation.message"
)
