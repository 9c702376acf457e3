// Package channel implements the reconnecting publish/subscribe client for
// the server's real-time push channel.
//
// The client keeps at most one live connection. After a drop it retries with
// growing delays up to a fixed number of attempts, then emits
// reconnect_failed and waits for an explicit Connect.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/domainsync/internal/clock"
	"github.com/p-blackswan/domainsync/internal/metrics"
	"github.com/p-blackswan/domainsync/internal/notify"
	"github.com/p-blackswan/domainsync/internal/retry"
)

// State of the connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Listener receives the payload of an update (or lifecycle) event.
type Listener func(payload json.RawMessage)

// Config holds channel client configuration.
type Config struct {
	URL string

	// MaxReconnectAttempts caps automatic reconnects. Default 5.
	MaxReconnectAttempts int

	// Backoff yields the delay before reconnect attempt n as Delay(n-1).
	// Default 3s * 1.5^(n-1).
	Backoff retry.Backoff

	// Channels subscribed on every connect. Default DefaultChannels.
	Channels []string

	// DialTimeout bounds automatic reconnect dials.
	DialTimeout time.Duration

	// PingInterval enables keepalive pings when > 0.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the standard reconnect policy for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		MaxReconnectAttempts: 5,
		Backoff:              retry.ReconnectBackoff(),
		Channels:             DefaultChannels,
		DialTimeout:          10 * time.Second,
		PingInterval:         30 * time.Second,
		PongWait:             60 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

// Subscription is one listener registration.
type Subscription struct {
	c       *Client
	channel string
	fn      Listener
}

// Unsubscribe removes exactly this registration. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.c.removeListener(s)
}

// Client is the reconnecting channel client.
type Client struct {
	cfg     Config
	dialer  Dialer
	clock   clock.Clock
	sink    notify.Sink
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            uint64 // bumped per connection so stale read loops are ignored
	attempts       int
	reconnectTimer clock.Timer
	exhausted      bool
	stopPing       chan struct{}
	listeners      map[string][]*Subscription

	writeMu sync.Mutex
}

// NewClient creates a client. sink and m may be nil.
func NewClient(cfg Config, dialer Dialer, clk clock.Clock, sink notify.Sink, m *metrics.Metrics, logger zerolog.Logger) *Client {
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = retry.ReconnectBackoff()
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = notify.NewLogSink(logger)
	}

	return &Client{
		cfg:       cfg,
		dialer:    dialer,
		clock:     clk,
		sink:      sink,
		metrics:   m,
		logger:    logger.With().Str("component", "channel").Logger(),
		listeners: make(map[string][]*Subscription),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Attempts returns the reconnect attempts made since the last connect.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Exhausted reports whether automatic reconnects have given up.
func (c *Client) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// Connect resets the reconnect budget, cancels any pending reconnect and
// dials. On failure the automatic reconnect schedule starts and the dial
// error is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.attempts = 0
	c.exhausted = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.state == Closed {
		c.state = Disconnected
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected || c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info().Str("url", c.cfg.URL).Msg("Connecting to channel")
	conn, err := c.dialer.Dial(ctx, c.cfg.URL)

	c.mu.Lock()
	if c.gen != gen || c.state != Connecting {
		// Disconnect raced the dial.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		c.state = Disconnected
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("Channel connect failed")
		c.emit(EventDisconnected, emptyPayload)
		c.scheduleReconnect()
		return err
	}

	c.state = Connected
	c.conn = conn
	c.attempts = 0
	c.exhausted = false
	stop := make(chan struct{})
	c.stopPing = stop
	c.mu.Unlock()

	c.metrics.SetChannelConnected(true)
	c.logger.Info().Msg("Channel connected")

	if c.cfg.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		})
		go c.pingLoop(conn, stop)
	}
	go c.readLoop(conn, gen)

	c.emit(EventConnected, emptyPayload)
	c.Send(subscribeFrame{Type: FrameSubscribe, Channels: c.cfg.Channels})
	return nil
}

var emptyPayload = json.RawMessage(`{}`)

// scheduleReconnect arms the next reconnect, or emits reconnect_failed once
// the budget is spent.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.state == Closed || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		already := c.exhausted
		c.exhausted = true
		c.mu.Unlock()
		if !already {
			c.logger.Warn().Int("attempts", c.cfg.MaxReconnectAttempts).Msg("Max reconnection attempts reached")
			c.emit(EventReconnectFailed, emptyPayload)
		}
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := c.cfg.Backoff.Delay(attempt - 1)
	c.reconnectTimer = c.clock.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.metrics.RecordReconnectAttempt()
	c.logger.Info().
		Dur("delay", delay).
		Int("attempt", attempt).
		Int("max", c.cfg.MaxReconnectAttempts).
		Msg("Reconnect scheduled")
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	_ = c.dial(ctx)
}

// Disconnect closes the connection and stops reconnecting until the next
// Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == Connected
	c.state = Closed
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()
		conn.Close()
	}
	c.metrics.SetChannelConnected(false)
	c.logger.Info().Msg("Channel closed")
	if wasConnected {
		c.emit(EventDisconnected, emptyPayload)
	}
}

// handleClosed runs when a connection's read loop ends.
func (c *Client) handleClosed(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	conn := c.conn
	c.conn = nil
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.metrics.SetChannelConnected(false)
	c.logger.Warn().Err(err).Msg("Channel disconnected")
	c.emit(EventDisconnected, emptyPayload)
	c.scheduleReconnect()
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(gen, err)
			return
		}
		c.handleFrame(msg)
	}
}

func (c *Client) pingLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

func (c *Client) handleFrame(msg []byte) {
	var f inbound
	if err := json.Unmarshal(msg, &f); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to parse channel message")
		c.metrics.RecordChannelEvent("", "malformed")
		return
	}
	c.metrics.RecordChannelEvent(f.Channel, f.Type)

	switch f.Type {
	case FrameUpdate:
		if isLifecycle(f.Channel) {
			c.logger.Warn().Str("channel", f.Channel).Msg("Ignoring update on lifecycle channel")
			return
		}
		c.emit(f.Channel, f.Payload)

	case FrameNotification:
		var p messagePayload
		_ = json.Unmarshal(f.Payload, &p)
		if p.Message == "" {
			c.logger.Debug().Msg("Notification frame without message")
			return
		}
		c.sink.Notify(p.Message, notify.ParseSeverity(p.Type))

	case FrameError:
		var p messagePayload
		_ = json.Unmarshal(f.Payload, &p)
		c.logger.Error().RawJSON("payload", nonEmpty(f.Payload)).Msg("Channel error frame")
		if p.Message == "" {
			p.Message = "WebSocket error"
		}
		c.sink.Notify(p.Message, notify.Error)

	default:
		c.logger.Debug().Str("type", f.Type).Msg("Ignoring channel frame")
	}
}

func nonEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Send writes msg as JSON. It returns false when not connected or the write
// fails.
func (c *Client) Send(msg any) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return false
	}

	b, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode channel message")
		return false
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Channel write failed")
		return false
	}
	return true
}

// Publish tells the server about a local mutation on channel.
func (c *Client) Publish(channel, event string, data any) bool {
	return c.Send(eventFrame{Type: FrameEvent, Channel: channel, Event: event, Data: data})
}

// AddListener registers fn for channel, which may be a topic channel or a
// lifecycle event name.
func (c *Client) AddListener(channel string, fn Listener) *Subscription {
	s := &Subscription{c: c, channel: channel, fn: fn}
	c.mu.Lock()
	c.listeners[channel] = append(c.listeners[channel], s)
	c.mu.Unlock()
	return s
}

func (c *Client) removeListener(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.listeners[s.channel]
	for i, other := range subs {
		if other == s {
			c.listeners[s.channel] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// emit delivers payload to every listener of channel in registration order.
// A panicking listener is logged and skipped.
func (c *Client) emit(channel string, payload json.RawMessage) {
	c.mu.Lock()
	subs := make([]*Subscription, len(c.listeners[channel]))
	copy(subs, c.listeners[channel])
	c.mu.Unlock()

	for _, s := range subs {
		c.invoke(channel, s.fn, payload)
	}
}

func (c *Client) invoke(channel string, fn Listener, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("channel", channel).Msg("Listener error")
		}
	}()
	fn(payload)
}
