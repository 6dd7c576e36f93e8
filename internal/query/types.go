// Package query sends finalized user utterances to the check-in backend.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBackendCallFailed wraps every transport, status and decoding failure of a backend call.
var ErrBackendCallFailed = errors.New("backend call failed")

const (
	FlowQuery = "query"
	FlowGoal  = "goal"
)

// Request is one utterance bound for the backend.
type Request struct {
	Text      string
	SessionID string
}

// Reply is the backend's answer to one turn.
type Reply struct {
	// UserMessage is the text meant to be spoken or shown, possibly empty.
	UserMessage string
	// SessionID is set when the backend assigned or rotated the session.
	SessionID string
	// Raw is the undecoded reply body for the card formatters.
	Raw json.RawMessage
}

// Backend performs a single round trip.
type Backend interface {
	Call(ctx context.Context, req Request) (Reply, error)
}

// Dispatcher is what the conversation engine talks to.
type Dispatcher interface {
	Dispatch(ctx context.Context, text string) (Reply, error)
	SessionID() string
	ResetSession(ctx context.Context) error
}

var replyTextKeys = []string{"response", "userMessage", "reply", "message"}

// ParseReply decodes a backend body. The reply text is the first non-empty
// string among the known keys. A bare JSON string is taken as the text itself.
func ParseReply(body []byte) (Reply, error) {
	reply := Reply{Raw: json.RawMessage(append([]byte(nil), body...))}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return reply, nil
	}

	var text string
	if err := json.Unmarshal([]byte(trimmed), &text); err == nil {
		reply.UserMessage = text
		return reply, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return Reply{}, fmt.Errorf("%w: decode reply: %v", ErrBackendCallFailed, err)
	}
	for _, key := range replyTextKeys {
		if s, ok := fields[key].(string); ok && s != "" {
			reply.UserMessage = s
			break
		}
	}
	if s, ok := fields["sessionId"].(string); ok {
		reply.SessionID = s
	}
	return reply, nil
}

func requestBody(flow string, req Request) ([]byte, error) {
	key := FlowQuery
	if flow == FlowGoal {
		key = FlowGoal
	}
	return json.Marshal(map[string]string{
		key:         req.Text,
		"sessionId": req.SessionID,
	})
}
