// Package stream is the streaming transport client: it owns one duplex
// connection to the assistant service, sends one outbound message at a time
// and folds the inbound fragment sequence into the conversation store's
// trailing assistant message.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/campusconnect/assistant/internal/common"
	"github.com/campusconnect/assistant/internal/conversation"
)

type Config struct {
	// IdleWindow declares a reply finished after this much fragment silence.
	IdleWindow time.Duration
	// ResponseCeiling is the hard bound on how long a reply may stay
	// outstanding, independent of the idle window.
	ResponseCeiling time.Duration
	// BackoffBase seeds Backoff for reconnect scheduling.
	BackoffBase time.Duration
	// MaxReconnects bounds automatic reconnect attempts before giving up.
	MaxReconnects int
	// CompletionLengthThreshold marks a fragment longer than this as the
	// likely end of a reply. Zero disables the length heuristic.
	CompletionLengthThreshold int
}

func (c Config) withDefaults() Config {
	if c.IdleWindow <= 0 {
		c.IdleWindow = 2 * time.Second
	}
	if c.ResponseCeiling <= 0 {
		c.ResponseCeiling = 15 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	}
	return c
}

// URLFunc resolves the per-user streaming endpoint. It fails with
// identity.ErrNotAuthenticated when no user identity is available.
type URLFunc func() (string, error)

// Client is the connection session. All event handlers (connect results,
// inbound fragments, timer fires, explicit calls) run under one mutex, so
// transitions are atomic with respect to each other. Store observers must not
// call back into the Client.
type Client struct {
	cfg    Config
	dialer Dialer
	wsURL  URLFunc
	store  *conversation.Store
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	replyID  string // at most one outstanding reply
	attempts int
	gen      uint64 // connection generation; stale events are dropped

	idleTimer    *time.Timer
	ceilingTimer *time.Timer
	backoffTimer *time.Timer
}

func New(cfg Config, dialer Dialer, wsURL URLFunc, store *conversation.Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		wsURL:  wsURL,
		store:  store,
		logger: logger,
	}
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the duplex connection. A second call while a session is
// active or connecting is a no-op. An explicit call after the session gave up
// resets the reconnect budget.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateIdle, StateAwaitingReply:
		c.mu.Unlock()
		return nil
	case StateGaveUp:
		c.attempts = 0
	}

	url, err := c.wsURL()
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.stopTimerLocked(&c.backoffTimer)
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, url)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateConnecting {
		// Disconnected (or superseded) while the handshake was in flight.
		if err == nil {
			_ = conn.Close()
		}
		return ErrNotConnected
	}
	if err != nil {
		c.logger.Warn("handshake failed", "error", err)
		c.scheduleReconnectLocked()
		return fmt.Errorf("stream: connect: %w", err)
	}

	c.conn = conn
	c.state = StateIdle
	c.attempts = 0
	c.logger.Info("connected")
	go c.readLoop(gen, conn)
	return nil
}

// Send transmits one user message and returns the minted reply identifier.
// It never blocks on the reply; fragments arrive asynchronously through the
// store. Fails with ErrNotConnected unless the session is connected and idle;
// a send while a reply is outstanding is rejected, not queued.
func (c *Client) Send(text, system string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle || c.conn == nil {
		return "", ErrNotConnected
	}

	id, err := common.NewULID()
	if err != nil {
		return "", err
	}

	if err := c.conn.WriteJSON(outboundFrame{Message: text, System: system}); err != nil {
		c.logger.Warn("outbound write failed", "error", err)
		_ = c.conn.Close()
		c.scheduleReconnectLocked()
		return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.replyID = id
	c.state = StateAwaitingReply
	c.armReplyTimersLocked(id)
	c.logger.Debug("message sent", "reply_id", id)
	return id, nil
}

// Disconnect tears the session down: cancels every timer, abandons any
// outstanding reply and clears the store's responding flags. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked(&c.idleTimer)
	c.stopTimerLocked(&c.ceilingTimer)
	c.stopTimerLocked(&c.backoffTimer)
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.replyID = ""
	c.attempts = 0
	c.state = StateDisconnected
	c.mu.Unlock()

	c.store.SetStreamingActive(false)
	c.store.SetResponseInFlight(false)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		c.handleFragment(gen, data)
	}
}

func (c *Client) handleFragment(gen uint64, data []byte) {
	frag := decodeFragment(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return
	}
	if c.state != StateAwaitingReply || c.replyID == "" {
		// No outstanding reply; nothing to apply the fragment to.
		return
	}

	switch frag.kind {
	case fragmentIgnore:
		return
	case fragmentError:
		c.logger.Warn("service error on stream", "error", frag.errMsg, "reply_id", c.replyID)
		c.finishReplyLocked("service_error")
	case fragmentComplete:
		c.finishReplyLocked("complete_marker")
	case fragmentText:
		c.store.UpdateTrailingAssistantMessage(c.replyID, frag.text)
		c.resetIdleLocked(c.replyID)
		if looksComplete(frag.text, c.cfg.CompletionLengthThreshold) {
			c.finishReplyLocked("heuristic")
		}
	}
}

func (c *Client) handleDrop(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || (c.state != StateIdle && c.state != StateAwaitingReply) {
		// Explicit disconnect, or a send-path write failure already tore
		// this connection down.
		return
	}
	c.logger.Warn("connection dropped", "error", err)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked abandons any outstanding reply (the partial message
// already in the store stays as-is) and arms the backoff timer, or gives up
// once the attempt budget is spent.
func (c *Client) scheduleReconnectLocked() {
	c.conn = nil
	c.abandonReplyLocked()

	c.attempts++
	if c.attempts > c.cfg.MaxReconnects {
		c.state = StateGaveUp
		c.logger.Warn("reconnect attempts exhausted", "attempts", c.attempts-1)
		return
	}

	c.state = StateReconnecting
	delay := Backoff(c.attempts, c.cfg.BackoffBase)
	c.logger.Info("reconnect scheduled", "attempt", c.attempts, "delay", delay)
	c.backoffTimer = time.AfterFunc(delay, func() {
		_ = c.Connect(context.Background())
	})
}

func (c *Client) abandonReplyLocked() {
	c.stopTimerLocked(&c.idleTimer)
	c.stopTimerLocked(&c.ceilingTimer)
	if c.replyID == "" {
		return
	}
	c.replyID = ""
	c.store.SetStreamingActive(false)
	c.store.SetResponseInFlight(false)
}

func (c *Client) finishReplyLocked(reason string) {
	c.logger.Debug("reply finished", "reason", reason, "reply_id", c.replyID)
	c.stopTimerLocked(&c.idleTimer)
	c.stopTimerLocked(&c.ceilingTimer)
	c.replyID = ""
	c.state = StateIdle
	c.store.SetStreamingActive(false)
	c.store.SetResponseInFlight(false)
}

func (c *Client) armReplyTimersLocked(replyID string) {
	c.stopTimerLocked(&c.idleTimer)
	c.stopTimerLocked(&c.ceilingTimer)
	c.idleTimer = time.AfterFunc(c.cfg.IdleWindow, func() {
		c.onReplyTimer(replyID, "idle_window")
	})
	c.ceilingTimer = time.AfterFunc(c.cfg.ResponseCeiling, func() {
		c.onReplyTimer(replyID, "response_ceiling")
	})
}

func (c *Client) resetIdleLocked(replyID string) {
	c.stopTimerLocked(&c.idleTimer)
	c.idleTimer = time.AfterFunc(c.cfg.IdleWindow, func() {
		c.onReplyTimer(replyID, "idle_window")
	})
}

// onReplyTimer completes the outstanding reply if it is still the one the
// timer was armed for; a stale fire against a finished or abandoned reply is
// a no-op.
func (c *Client) onReplyTimer(replyID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingReply || c.replyID != replyID {
		return
	}
	c.finishReplyLocked(reason)
}

func (c *Client) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
