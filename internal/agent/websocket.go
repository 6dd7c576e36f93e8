package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketTransport speaks the conversational agent protocol: JSON events
// tagged by "type", audio delivered inline as base64.
type WebsocketTransport struct {
	endpoint string
	hangover time.Duration
	dialer   *websocket.Dialer
	log      *slog.Logger
}

// NewWebsocketTransport returns a transport that reports the agent as
// speaking while audio frames arrive and back to listening once none has
// arrived for hangover.
func NewWebsocketTransport(endpoint string, handshake, hangover time.Duration, log *slog.Logger) *WebsocketTransport {
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	if hangover <= 0 {
		hangover = 600 * time.Millisecond
	}
	return &WebsocketTransport{
		endpoint: endpoint,
		hangover: hangover,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshake},
		log:      log.With(slog.String("component", "agent-ws")),
	}
}

type outbound struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	EventID int64  `json:"event_id,omitempty"`
}

type inbound struct {
	Type     string `json:"type"`
	Metadata *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`
	UserTranscript *struct {
		Text string `json:"user_transcript"`
	} `json:"user_transcription_event"`
	AgentResponse *struct {
		Text string `json:"agent_response"`
	} `json:"agent_response_event"`
	Audio *struct {
		EventID int64 `json:"event_id"`
	} `json:"audio_event"`
	Ping *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error_event"`
}

func (t *WebsocketTransport) Dial(ctx context.Context, agentID string, l Listener) (Conversation, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse agent endpoint: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	c := &wsConversation{
		conn:     conn,
		listener: l,
		hangover: t.hangover,
		done:     make(chan struct{}),
		log:      t.log,
	}
	c.open.Store(true)
	if err := c.send(outbound{Type: "conversation_initiation_client_data"}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send initiation: %w", err)
	}
	go c.readLoop()
	return c, nil
}

type wsConversation struct {
	conn     *websocket.Conn
	listener Listener
	hangover time.Duration
	log      *slog.Logger

	writeMu sync.Mutex
	open    atomic.Bool
	closing atomic.Bool
	done    chan struct{}

	modeMu     sync.Mutex
	mode       Mode
	silence    *time.Timer
	silenceSeq uint64
	feedback   bool
}

func (c *wsConversation) IsOpen() bool { return c.open.Load() }

func (c *wsConversation) SendUserMessage(text string) error {
	return c.send(outbound{Type: "user_message", Text: text})
}

func (c *wsConversation) SendContextualUpdate(text string) error {
	return c.send(outbound{Type: "contextual_update", Text: text})
}

func (c *wsConversation) send(msg outbound) error {
	if !c.open.Load() {
		return ErrNotOpen
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsConversation) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("ignoring undecodable agent frame", slog.String("error", err.Error()))
			continue
		}
		c.handle(msg)
	}
}

func (c *wsConversation) handle(msg inbound) {
	l := c.listener
	switch msg.Type {
	case "conversation_initiation_metadata":
		id := ""
		if msg.Metadata != nil {
			id = msg.Metadata.ConversationID
		}
		if l.OnStatusChange != nil {
			l.OnStatusChange(StatusConnected)
		}
		if l.OnConnect != nil {
			l.OnConnect(id)
		}
		c.setMode(ModeListening)
	case "user_transcript":
		if msg.UserTranscript != nil && l.OnMessage != nil {
			l.OnMessage(Message{Role: RoleUser, Text: msg.UserTranscript.Text})
		}
	case "agent_response":
		if msg.AgentResponse != nil && l.OnMessage != nil {
			l.OnMessage(Message{Role: RoleAgent, Text: msg.AgentResponse.Text})
		}
		c.setFeedback(true)
	case "audio":
		c.setMode(ModeSpeaking)
		c.armSilence()
	case "interruption":
		c.setMode(ModeListening)
	case "ping":
		if msg.Ping != nil {
			if err := c.send(outbound{Type: "pong", EventID: msg.Ping.EventID}); err != nil {
				c.log.Debug("pong failed", slog.String("error", err.Error()))
			}
		}
	case "error":
		if l.OnError != nil {
			detail := "agent error"
			if msg.Error != nil && msg.Error.Message != "" {
				detail = msg.Error.Message
			}
			l.OnError(detail)
		}
	}
}

func (c *wsConversation) setMode(m Mode) {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	c.setModeLocked(m)
}

func (c *wsConversation) setModeLocked(m Mode) {
	if c.mode == m {
		return
	}
	c.mode = m
	if m != ModeSpeaking && c.silence != nil {
		c.silence.Stop()
	}
	if c.listener.OnModeChange != nil {
		c.listener.OnModeChange(m)
	}
}

func (c *wsConversation) setFeedback(v bool) {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	if c.feedback == v {
		return
	}
	c.feedback = v
	if c.listener.OnCanSendFeedbackChange != nil {
		c.listener.OnCanSendFeedbackChange(v)
	}
}

func (c *wsConversation) armSilence() {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	if c.silence != nil {
		c.silence.Stop()
	}
	c.silenceSeq++
	seq := c.silenceSeq
	c.silence = time.AfterFunc(c.hangover, func() {
		c.modeMu.Lock()
		defer c.modeMu.Unlock()
		// A later audio frame re-armed the timer.
		if seq != c.silenceSeq || !c.open.Load() {
			return
		}
		c.setModeLocked(ModeListening)
	})
}

func (c *wsConversation) finish(err error) {
	if !c.open.CompareAndSwap(true, false) {
		return
	}
	c.modeMu.Lock()
	if c.silence != nil {
		c.silence.Stop()
	}
	c.modeMu.Unlock()

	details := DisconnectDetails{Reason: ReasonAgent}
	switch {
	case c.closing.Load():
		details.Reason = ReasonUser
	case !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		details = DisconnectDetails{Reason: ReasonError, Message: err.Error()}
	}
	if c.listener.OnStatusChange != nil {
		c.listener.OnStatusChange(StatusDisconnected)
	}
	if c.listener.OnDisconnect != nil {
		c.listener.OnDisconnect(details)
	}
}

func (c *wsConversation) Close(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
	c.open.Store(false)
	return c.conn.Close()
}
