// Package relayclient is the Go companion to the relay server: it keeps
// one logical live connection per session, reconnects with backoff when
// the connection drops, and exposes connection state plus the stream of
// incoming events to the embedding application.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/decx/relay-server/internal/relay"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Send while the connection is down.
var ErrNotConnected = errors.New("relayclient: not connected")

// Event is one received envelope plus its receipt timestamp.
type Event struct {
	Type       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Options configures a Client.
type Options struct {
	// URL is the live connection endpoint, e.g. "ws://localhost:8080/ws".
	URL string
	// APIURL is the REST base, e.g. "http://localhost:8080". Derived from
	// URL when empty.
	APIURL string
	// Token authenticates the session; it rides in the connection URL and
	// as a bearer token on REST calls.
	Token string
	// OnEvent, when set, is invoked for every received frame, in receipt
	// order, before the last-event slot is updated. Consumers that must
	// observe every event belong here.
	OnEvent func(Event)
	// OnStateChange, when set, is invoked on every lifecycle transition.
	OnStateChange func(State)
	// Backoff controls reconnect pacing. Zero value means DefaultBackoff.
	Backoff Backoff
	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
	// HTTPClient is used for REST calls; http.DefaultClient when nil.
	HTTPClient *http.Client
}

// Client maintains the logical connection. Create with New, drive with
// Run, observe with State/LastEvent/OnEvent, talk with Send.
type Client struct {
	opts       Options
	apiURL     string
	httpClient *http.Client
	log        zerolog.Logger

	state atomic.Int32

	mu   sync.Mutex
	sock *websocket.Conn

	lastMu    sync.RWMutex
	lastEvent *Event
}

// New validates options and builds a client. It does not connect; call
// Run.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("relayclient: URL is required")
	}
	if opts.Token == "" {
		return nil, errors.New("relayclient: Token is required")
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}

	apiURL := opts.APIURL
	if apiURL == "" {
		derived, err := deriveAPIURL(opts.URL)
		if err != nil {
			return nil, err
		}
		apiURL = derived
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		opts:       opts,
		apiURL:     apiURL,
		httpClient: httpClient,
		log:        logger,
	}, nil
}

// Run connects and keeps the connection alive until ctx is cancelled or
// the backoff ceiling is exhausted. It blocks; run it in its own
// goroutine when the caller has other work.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		c.setState(StateConnecting)
		connected, err := c.connectAndRead(ctx)
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// The ceiling counts consecutive failures only: a session
			// that reached connected resets the retry budget and the
			// backoff delay.
			attempt = 0
		}
		if err == nil {
			// Server closed normally; treat like a drop and reconnect.
			err = errors.New("connection closed")
		}

		if c.opts.Backoff.Exhausted(attempt) {
			c.log.Error().Err(err).Int("attempts", attempt).Msg("reconnect ceiling reached, giving up")
			return fmt.Errorf("relayclient: reconnect attempts exhausted: %w", err)
		}

		delay := c.opts.Backoff.Next(attempt)
		attempt++
		c.log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).Msg("connection lost, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectAndRead dials and reads frames until the connection drops. The
// bool reports whether the connected state was reached at all.
func (c *Client) connectAndRead(ctx context.Context) (bool, error) {
	connectURL := c.opts.URL + "?token=" + url.QueryEscape(c.opts.Token)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	sock, _, err := websocket.Dial(dialCtx, connectURL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	c.setState(StateConnected)
	c.log.Info().Msg("connected")

	defer func() {
		c.mu.Lock()
		c.sock = nil
		c.mu.Unlock()
		sock.Close(websocket.StatusNormalClosure, "closing")
	}()

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return true, err
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var env relay.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("malformed frame from server")
		return
	}

	ev := Event{
		Type:       env.Type,
		Payload:    env.Payload,
		ReceivedAt: time.Now(),
	}

	// Per-frame callback first: this is the delivery path for consumers
	// that need every event.
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}

	// The slot is a convenience view: overwrite-on-arrival, so a slow
	// poller observes only the latest event.
	c.lastMu.Lock()
	c.lastEvent = &ev
	c.lastMu.Unlock()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the live connection is up.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// LastEvent returns the most recently received event, if any. Consumers
// that must see every event should use Options.OnEvent instead.
func (c *Client) LastEvent() (Event, bool) {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	if c.lastEvent == nil {
		return Event{}, false
	}
	return *c.lastEvent, true
}

// Send writes one envelope to the server. It fails loudly (logged error)
// when invoked while not connected.
func (c *Client) Send(ctx context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	frame, err := json.Marshal(relay.Envelope{Type: eventType, Payload: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()

	if sock == nil || !c.IsConnected() {
		c.log.Error().Str("type", eventType).Msg("cannot send, connection is not open")
		return ErrNotConnected
	}

	if err := sock.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendNewMessage sends a chat message. tempID is the client-assigned
// identifier for the optimistic entry; the server echoes it back on the
// new_message event.
func (c *Client) SendNewMessage(ctx context.Context, threadID, content, tempID string) error {
	return c.Send(ctx, relay.TypeNewMessage, relay.NewMessagePayload{
		ThreadID: threadID,
		Content:  content,
		TempID:   tempID,
	})
}

// SendEditMessage edits a previously sent message.
func (c *Client) SendEditMessage(ctx context.Context, messageID, threadID, newContent string) error {
	return c.Send(ctx, relay.TypeEditMessage, relay.EditMessagePayload{
		MessageID:  messageID,
		ThreadID:   threadID,
		NewContent: newContent,
	})
}

// MarkThreadRead marks every message in the thread read for this user.
func (c *Client) MarkThreadRead(ctx context.Context, threadID string) error {
	return c.Send(ctx, relay.TypeMarkThreadAsRead, relay.MarkThreadReadPayload{
		ThreadID: threadID,
	})
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func deriveAPIURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("relayclient: parse URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}
