// Package wire implements the Pusher protocol v7 client connection to the
// upstream change-feed: connect, handshake, keepalive, framing,
// demux, reconnect policy, and a buffered send path. It owns the socket
// exclusively — no other package touches it directly.
package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	eventConnectionEstablished = "pusher:connection_established"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventError                 = "pusher:error"

	pongWindow        = 30 * time.Second
	connectWaitBudget = 5 * time.Second
	maxBackoff        = 120 * time.Second
)

// State is the Wire Client's connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateClosed
)

// Frame is an inbound or outbound Pusher protocol message. Data may arrive
// as a JSON string requiring a second unmarshal, or as a structured value;
// Data preserves whichever shape the wire sent.
type Frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// ConnectionHandler processes a connection-level frame (no Channel set).
type ConnectionHandler func(data json.RawMessage)

// ChannelDemuxer receives frames addressed to a channel, for the Channel
// Registry to dispatch further.
type ChannelDemuxer interface {
	Dispatch(channel, event string, data json.RawMessage)
}

// ReconnectAction is the decision the reconnect policy makes for a given
// WebSocket close code.
type ReconnectAction int

const (
	ReconnectTerminal ReconnectAction = iota
	ReconnectBackoff
	ReconnectImmediate
)

// ClassifyClose maps a close code to its reconnect-policy bucket.
func ClassifyClose(code int) ReconnectAction {
	switch {
	case code >= 4000 && code < 4100:
		return ReconnectTerminal
	case code >= 4100 && code < 4200:
		return ReconnectBackoff
	case code >= 4200 && code < 4300:
		return ReconnectImmediate
	default:
		return ReconnectImmediate
	}
}

// BackoffDelay returns the exponential backoff delay for the nth (0-based)
// consecutive backoff-class reconnect attempt: random(0, 2^n-1)+1 seconds,
// capped at 120s.
func BackoffDelay(attempt int, rng *rand.Rand) time.Duration {
	upper := 1 << uint(attempt)
	if upper < 1 {
		upper = 1
	}
	jitter := 0
	if upper > 1 {
		jitter = rng.Intn(upper)
	}
	d := time.Duration(jitter+1) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Config configures a Client's dial target.
type Config struct {
	Host     string
	Key      string
	ClientID string
	Version  string
}

func (c Config) dialURL() string {
	q := url.Values{}
	q.Set("client", c.ClientID)
	q.Set("version", c.Version)
	q.Set("protocol", "7")
	u := url.URL{
		Scheme:   "wss",
		Host:     c.Host,
		Path:     fmt.Sprintf("/app/%s", c.Key),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Client is a single Pusher v7 WebSocket connection. One Client instance
// corresponds to one live socket; the Orchestrator constructs a new Client
// per reconnect attempt.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	demux   ChannelDemuxer
	connHdl map[string][]ConnectionHandler

	mu             sync.Mutex
	conn           *websocket.Conn
	state          State
	socketID       string
	activityWindow time.Duration
	connectedCh    chan struct{}

	sendCh    chan Frame
	done      chan struct{}
	closeCode int
}

// New constructs a Client bound to cfg, dispatching channel frames to demux
// and connection-level frames to handlers registered with OnConnectionEvent.
func New(cfg Config, demux ChannelDemuxer, logger *slog.Logger) *Client {
	return &Client{
		cfg:         cfg,
		logger:      logger,
		demux:       demux,
		connHdl:     make(map[string][]ConnectionHandler),
		state:       StateIdle,
		connectedCh: make(chan struct{}),
		sendCh:      make(chan Frame, 256),
		done:        make(chan struct{}),
	}
}

// SetDemux sets (or replaces) the Client's channel frame demuxer. It must be
// called before Connect, since the read loop starts dispatching frames as
// soon as the handshake completes. Exists to break the construction cycle
// between a Client and the Channel Registry bound to it as its Sender.
func (c *Client) SetDemux(demux ChannelDemuxer) {
	c.mu.Lock()
	c.demux = demux
	c.mu.Unlock()
}

// OnConnectionEvent registers a handler for a connection-level event name
// (e.g. "pusher:error").
func (c *Client) OnConnectionEvent(event string, h ConnectionHandler) {
	c.mu.Lock()
	c.connHdl[event] = append(c.connHdl[event], h)
	c.mu.Unlock()
}

// State returns the Client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the upstream, performs the connection_established
// handshake, and starts the read and heartbeat loops. It returns once the
// handshake completes or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.dialURL(), nil)
	if err != nil {
		return fmt.Errorf("dialing wire: %w", err)
	}
	conn.SetReadLimit(-1) // no message-size cap

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	_, raw, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake read failed")
		return fmt.Errorf("reading handshake: %w", err)
	}

	var hs Frame
	if err := json.Unmarshal(raw, &hs); err != nil || hs.Event != eventConnectionEstablished {
		conn.Close(websocket.StatusInternalError, "invalid handshake")
		return fmt.Errorf("expected %s, got %q: %w", eventConnectionEstablished, hs.Event, err)
	}

	var payload struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	if err := unmarshalData(hs.Data, &payload); err != nil {
		conn.Close(websocket.StatusInternalError, "invalid handshake payload")
		return fmt.Errorf("parsing handshake payload: %w", err)
	}

	c.mu.Lock()
	c.socketID = payload.SocketID
	c.activityWindow = time.Duration(payload.ActivityTimeout) * time.Second
	if c.activityWindow <= 0 {
		c.activityWindow = 120 * time.Second
	}
	c.state = StateConnected
	close(c.connectedCh)
	c.mu.Unlock()

	go c.readLoop(ctx)
	go c.writeLoop(ctx)
	go c.heartbeatLoop(ctx)

	c.logger.Info("wire connected", slog.String("socket_id", c.socketID))
	return nil
}

// SocketID returns the socket id assigned during the handshake.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Done returns a channel that closes once the Client's socket has
// disconnected, whether by a remote close, a read error, or a local Close
// call. The Orchestrator waits on it to decide whether to reconnect.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// CloseCode returns the WebSocket close code observed when the connection
// ended, or websocket.StatusInternalError if the connection never received
// a well-formed close frame (e.g. a network-level read failure). Valid only
// after Done() has closed.
func (c *Client) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// Send queues a frame for delivery, blocking up to ~5 seconds for the
// connection to reach CONNECTED.
func (c *Client) Send(ctx context.Context, f Frame) error {
	waitCtx, cancel := context.WithTimeout(ctx, connectWaitBudget)
	defer cancel()

	select {
	case <-c.connectedCh:
	case <-waitCtx.Done():
		return fmt.Errorf("wire not connected within %s", connectWaitBudget)
	}

	select {
	case c.sendCh <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying socket with the given close code/reason.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	c.state = StateClosed
	c.closeCode = int(code)
	conn := c.conn
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	if conn != nil {
		conn.Close(code, reason)
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.sendCh:
			data, err := json.Marshal(f)
			if err != nil {
				c.logger.Error("marshaling outbound frame", slog.String("error", err.Error()))
				continue
			}
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.logger.Error("writing frame", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code := websocket.StatusInternalError
			if status := websocket.CloseStatus(err); status != -1 {
				code = status
			}
			c.mu.Lock()
			c.closeCode = int(code)
			c.mu.Unlock()
			c.logger.Warn("wire read error, closing", slog.String("error", err.Error()), slog.Int("close_code", int(code)))
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("malformed frame, dropping", slog.String("error", err.Error()))
			continue
		}

		if f.Event == eventPong {
			continue
		}

		if f.Channel != "" {
			c.mu.Lock()
			demux := c.demux
			c.mu.Unlock()
			if demux != nil {
				demux.Dispatch(f.Channel, f.Event, f.Data)
			}
			continue
		}

		c.mu.Lock()
		handlers := append([]ConnectionHandler(nil), c.connHdl[f.Event]...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(f.Data)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	c.mu.Lock()
	window := c.activityWindow
	c.mu.Unlock()
	if window <= 0 {
		window = 120 * time.Second
	}

	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pongWindow)
			err := c.Send(pingCtx, Frame{Event: eventPing})
			cancel()
			if err != nil {
				c.logger.Warn("sending ping failed", slog.String("error", err.Error()))
				c.Close(websocket.StatusGoingAway, "ping send failed")
				return
			}
		}
	}
}

// unmarshalData unmarshals a Pusher "data" field that may be a JSON string
// needing a second parse, or already a structured value.
func unmarshalData(raw json.RawMessage, v interface{}) error {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return json.Unmarshal([]byte(asString), v)
	}
	return json.Unmarshal(raw, v)
}
