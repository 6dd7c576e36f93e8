package speech

import (
	"context"
	"encoding/base64"
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
	"github.com/loqalabs/loqa-checkin/internal/protocol"
)

// WebsocketTransport speaks the realtime scribe protocol: JSON frames tagged
// by message_type, audio uploaded as base64 chunks.
type WebsocketTransport struct {
	endpoint          string
	modelID           string
	sampleRate        int
	includeTimestamps bool
	dialer            *websocket.Dialer
	log               *slog.Logger
}

func NewWebsocketTransport(endpoint, modelID string, handshake time.Duration, log *slog.Logger) *WebsocketTransport {
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	return &WebsocketTransport{
		endpoint:          endpoint,
		modelID:           modelID,
		sampleRate:        16000,
		includeTimestamps: true,
		dialer:            &websocket.Dialer{HandshakeTimeout: handshake},
		log:               log.With(slog.String("component", "speech-ws")),
	}
}

func (t *WebsocketTransport) Connect(ctx context.Context, token string) (Connection, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse speech endpoint: %w", err)
	}
	q := u.Query()
	if t.modelID != "" {
		q.Set("model_id", t.modelID)
	}
	if token != "" {
		q.Set("token", token)
	}
	q.Set("include_timestamps", fmt.Sprintf("%t", t.includeTimestamps))
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

	return &wsConnection{
		conn:              conn,
		sampleRate:        t.sampleRate,
		includeTimestamps: t.includeTimestamps,
		done:              make(chan struct{}),
		log:               t.log,
	}, nil
}

type wsConnection struct {
	conn              *websocket.Conn
	sampleRate        int
	includeTimestamps bool
	log               *slog.Logger

	events    listenerSlot
	startOnce sync.Once
	writeMu   sync.Mutex
	closed    atomic.Bool
	done      chan struct{}
}

type scribeMessage struct {
	Type  string          `json:"message_type"`
	Text  string          `json:"text"`
	Error string          `json:"error"`
	Words []protocol.Word `json:"words"`
}

type scribeAudioChunk struct {
	Type       string `json:"message_type"`
	Audio      string `json:"audio_base_64"`
	Commit     bool   `json:"commit"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Subscribe starts the read loop on first use so no event is delivered
// before a listener is attached.
func (c *wsConnection) Subscribe(l Listener) func() {
	unsubscribe := c.events.set(l)
	c.startOnce.Do(func() {
		c.events.opened()
		go c.readLoop()
	})
	return unsubscribe
}

func (c *wsConnection) readLoop() {
	defer close(c.done)
	defer c.events.ended()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.events.failed(fmt.Errorf("speech read: %w", err))
			return
		}

		var msg scribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("ignoring undecodable speech frame", slog.String("error", err.Error()))
			continue
		}

		switch msg.Type {
		case "session_started":
			c.events.sessionStarted()
		case "partial_transcript":
			c.events.partial(msg.Text)
		case "committed_transcript":
			// With timestamps enabled the server follows up with the timed variant.
			if !c.includeTimestamps {
				c.events.committed(Committed{Text: msg.Text})
			}
		case "committed_transcript_with_timestamps":
			c.events.committed(Committed{Text: msg.Text, Words: msg.Words})
		default:
			if strings.HasSuffix(msg.Type, "error") {
				detail := msg.Error
				if detail == "" {
					detail = msg.Text
				}
				c.events.failed(fmt.Errorf("speech transport %s: %s", msg.Type, detail))
			}
		}
	}
}

func (c *wsConnection) write(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("speech connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConnection) Commit() error {
	return c.write(scribeAudioChunk{Type: "input_audio_chunk", Audio: "", Commit: true, SampleRate: c.sampleRate})
}

func (c *wsConnection) SendAudio(pcm []byte) error {
	return c.write(scribeAudioChunk{
		Type:       "input_audio_chunk",
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		SampleRate: c.sampleRate,
	})
}

func (c *wsConnection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
