package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MockBackend answers locally. Scripted replies are matched on the trimmed,
// lower-cased utterance; anything else is echoed.
type MockBackend struct {
	Delay   time.Duration
	Replies map[string]json.RawMessage
}

func NewMockBackend() *MockBackend {
	return &MockBackend{Delay: 20 * time.Millisecond}
}

func (m *MockBackend) Call(ctx context.Context, req Request) (Reply, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return Reply{}, fmt.Errorf("%w: %v", ErrBackendCallFailed, ctx.Err())
		case <-time.After(m.Delay):
		}
	}
	key := strings.ToLower(strings.TrimSpace(req.Text))
	if body, ok := m.Replies[key]; ok {
		return ParseReply(body)
	}
	body, err := json.Marshal(map[string]string{
		"response":  "[mock reply for " + strings.TrimSpace(req.Text) + "]",
		"sessionId": req.SessionID,
	})
	if err != nil {
		return Reply{}, err
	}
	return ParseReply(body)
}
