package voicepipe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/halcyon-health/voicepipe/internal/metrics"
)

// SessionState is the conversation lifecycle state.
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionStarting
	SessionConnected
	SessionReconnecting
	SessionEnded
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionStarting:
		return "starting"
	case SessionConnected:
		return "connected"
	case SessionReconnecting:
		return "reconnecting"
	case SessionEnded:
		return "ended"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handler receives one decoded inbound message.
type Handler func(Message)

// ListenerID identifies a registered listener for removal with Off.
type ListenerID int64

// Conversation manages the lifecycle of one session: the duplex connection,
// typed inbound dispatch, an outbound FIFO for messages issued while
// disconnected, and automatic reconnection with exponential backoff.
//
// Delivery is at-most-once per attempt with no application-level ack: chunks
// written before a disconnect but not yet processed by the service may be
// delivered twice after a reconnect if the remote side does not deduplicate.
// The transport does not deduplicate.
type Conversation struct {
	client    *Client
	sessionID string

	mu             sync.Mutex
	state          SessionState
	conn           *websocket.Conn
	queue          [][]byte // encoded envelopes, strict FIFO
	attempts       int
	reconnectTimer *time.Timer
	ended          bool

	writeMu sync.Mutex

	handlersMu    sync.Mutex
	nextID        ListenerID
	handlers      map[MessageType]map[ListenerID]Handler
	errHandlers   map[ListenerID]func(error)
	stateHandlers map[ListenerID]func(SessionState)
}

func newConversation(c *Client, sessionID string) *Conversation {
	return &Conversation{
		client:        c,
		sessionID:     sessionID,
		state:         SessionStarting,
		handlers:      make(map[MessageType]map[ListenerID]Handler),
		errHandlers:   make(map[ListenerID]func(error)),
		stateHandlers: make(map[ListenerID]func(SessionState)),
	}
}

// SessionID returns the server-issued session identifier.
func (c *Conversation) SessionID() string { return c.sessionID }

// State returns the current lifecycle state.
func (c *Conversation) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the duplex connection is currently open.
func (c *Conversation) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == SessionConnected && c.conn != nil
}

// On registers a listener for one inbound message type and returns its id.
func (c *Conversation) On(t MessageType, fn Handler) ListenerID {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[t] == nil {
		c.handlers[t] = make(map[ListenerID]Handler)
	}
	c.handlers[t][id] = fn
	return id
}

// Off removes a listener previously registered with On.
func (c *Conversation) Off(t MessageType, id ListenerID) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	delete(c.handlers[t], id)
}

// OnError registers a listener for session errors. Only the terminal
// ErrMaxReconnectAttempts condition is surfaced here; individual transport
// errors are absorbed by the reconnection machinery.
func (c *Conversation) OnError(fn func(error)) ListenerID {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextID++
	id := c.nextID
	c.errHandlers[id] = fn
	return id
}

// OffError removes an error listener.
func (c *Conversation) OffError(id ListenerID) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	delete(c.errHandlers, id)
}

// OnStateChange registers a lifecycle state listener.
func (c *Conversation) OnStateChange(fn func(SessionState)) ListenerID {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextID++
	id := c.nextID
	c.stateHandlers[id] = fn
	return id
}

// OffStateChange removes a state listener.
func (c *Conversation) OffStateChange(id ListenerID) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	delete(c.stateHandlers, id)
}

// connect dials the duplex endpoint, bounded by the client connect timeout.
func (c *Conversation) connect(ctx context.Context, wsURL string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.client.connectTimeout)
	defer cancel()

	conn, _, err := c.client.dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		c.setState(SessionFailed)
		if isTimeout(err) {
			return newConnectTimeoutError("duplex connect", &TransportError{Op: "GET", URL: wsURL, Err: err})
		}
		return newConnectionError("duplex connect", &TransportError{Op: "GET", URL: wsURL, Err: err})
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(SessionConnected)

	go c.readLoop(conn)
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readLoop dispatches inbound frames in receive order until the connection
// drops or the conversation ends.
func (c *Conversation) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		env, decErr := decodeEnvelope(data)
		if decErr != nil {
			// Malformed frames are swallowed: logged, never fatal.
			c.client.logger.Warn("dropping malformed frame", "session_id", c.sessionID, "error", decErr)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conversation) dispatch(env *Envelope) {
	if _, known := inboundTypes[env.Type]; !known {
		c.client.logger.Warn("ignoring unknown message type", "session_id", c.sessionID, "type", string(env.Type))
		return
	}
	metrics.IncInbound(string(env.Type))

	if env.Type == MessageEmergencyDetected {
		c.client.logger.Warn("emergency detected by remote service", "session_id", c.sessionID)
	}

	msg := Message{
		Type:      env.Type,
		SessionID: env.SessionID,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}

	c.handlersMu.Lock()
	fns := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, fn := range c.handlers[env.Type] {
		fns = append(fns, fn)
	}
	c.handlersMu.Unlock()

	for _, fn := range fns {
		c.safeInvoke(string(env.Type), func() { fn(msg) })
	}

	if env.Type == MessageConversationEnd {
		c.teardownAfterRemoteEnd()
	}
}

// teardownAfterRemoteEnd closes the local connection once the remote side
// signals the conversation is over.
func (c *Conversation) teardownAfterRemoteEnd() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	conn := c.conn
	c.conn = nil
	c.cancelReconnectLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.setState(SessionEnded)
	c.client.logger.Info("conversation ended by remote service", "session_id", c.sessionID)
}

// handleDisconnect runs the reconnection state machine for an unexpected
// close. Closes caused by End are ignored via the ended flag.
func (c *Conversation) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ended || conn != c.conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	if c.attempts >= c.client.maxReconnectAttempts {
		c.mu.Unlock()
		c.fail()
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := reconnectDelay(c.client.reconnectBaseDelay, attempt)
	c.mu.Unlock()

	c.setState(SessionReconnecting)
	metrics.IncReconnectAttempts()
	c.client.logger.Info("connection lost, scheduling reconnect",
		"session_id", c.sessionID, "attempt", attempt, "delay", delay, "cause", cause)
	c.armReconnect(delay)
}

// armReconnect schedules the next attempt unless the session finished in the
// meantime.
func (c *Conversation) armReconnect(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.state != SessionReconnecting {
		return
	}
	c.reconnectTimer = time.AfterFunc(delay, c.attemptReconnect)
}

// reconnectDelay computes the exponential backoff delay for the given
// attempt (1-based): base, 2*base, 4*base, ... capped at 30s.
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// attemptReconnect runs the reconnect handshake and re-establishes the
// duplex connection. A failure at either step feeds back into the same
// disconnect machinery so the attempt budget keeps counting down.
func (c *Conversation) attemptReconnect() {
	c.mu.Lock()
	if c.ended || c.state == SessionFailed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.client.connectTimeout)
	defer cancel()

	res, err := c.client.api.reconnectSession(ctx, c.sessionID)
	if err != nil {
		c.client.logger.Warn("reconnect handshake failed", "session_id", c.sessionID, "error", err)
		c.retryOrFail()
		return
	}

	conn, _, err := c.client.dialer.DialContext(ctx, res.WebsocketURL, nil)
	if err != nil {
		c.client.logger.Warn("reconnect dial failed", "session_id", c.sessionID, "error", err)
		c.retryOrFail()
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	c.setState(SessionConnected)
	c.client.logger.Info("reconnected", "session_id", c.sessionID)

	go c.readLoop(conn)
	c.flushQueue(conn)
}

// retryOrFail either schedules the next backoff step or gives up.
func (c *Conversation) retryOrFail() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.client.maxReconnectAttempts {
		c.mu.Unlock()
		c.fail()
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := reconnectDelay(c.client.reconnectBaseDelay, attempt)
	c.mu.Unlock()

	metrics.IncReconnectAttempts()
	c.client.logger.Info("scheduling reconnect", "session_id", c.sessionID, "attempt", attempt, "delay", delay)
	c.armReconnect(delay)
}

// fail marks the session terminal and surfaces the only mid-session error
// callers ever see.
func (c *Conversation) fail() {
	c.mu.Lock()
	if c.ended || c.state == SessionFailed {
		c.mu.Unlock()
		return
	}
	attempts := c.attempts
	c.cancelReconnectLocked()
	c.mu.Unlock()

	c.setState(SessionFailed)
	metrics.IncSessionsFailed()
	c.client.logger.Error("session abandoned", "session_id", c.sessionID, "attempts", attempts)

	err := newMaxReconnectAttemptsError(attempts)
	c.handlersMu.Lock()
	fns := make([]func(error), 0, len(c.errHandlers))
	for _, fn := range c.errHandlers {
		fns = append(fns, fn)
	}
	c.handlersMu.Unlock()
	for _, fn := range fns {
		c.safeInvoke("onError", func() { fn(err) })
	}
}

// SendAudioChunk encodes and sends one audio chunk. While the connection is
// open the message goes out immediately and the call returns true. While
// disconnected (and the session is still alive) the message is appended to
// the FIFO queue for replay after reconnect and the call returns false:
// non-delivery is a signal, not an error. After Ended/Failed the chunk is
// dropped and false is returned.
func (c *Conversation) SendAudioChunk(data []byte, isFinal bool) bool {
	payload, err := json.Marshal(AudioChunkPayload{
		Audio:   base64.StdEncoding.EncodeToString(data),
		IsFinal: isFinal,
		ChunkID: uuid.NewString(),
	})
	if err != nil {
		c.client.logger.Error("encode audio chunk", "session_id", c.sessionID, "error", err)
		return false
	}
	frame, err := json.Marshal(Envelope{
		Type:      MessageAudioChunk,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		SessionID: c.sessionID,
	})
	if err != nil {
		c.client.logger.Error("encode audio chunk envelope", "session_id", c.sessionID, "error", err)
		return false
	}

	c.mu.Lock()
	if c.ended || c.state == SessionFailed {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	if conn == nil {
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		metrics.IncChunksQueued()
		return false
	}
	c.mu.Unlock()

	if err := c.writeFrame(conn, frame); err != nil {
		// Queue rather than drop; the read loop will notice the broken
		// connection and drive reconnection.
		c.client.logger.Warn("send failed, queuing chunk", "session_id", c.sessionID, "error", err)
		c.mu.Lock()
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		metrics.IncChunksQueued()
		return false
	}
	metrics.IncChunksSent()
	return true
}

func (c *Conversation) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// flushQueue replays queued messages in the exact order they were enqueued.
// A write failure stops the flush and puts the remainder back at the head.
func (c *Conversation) flushQueue(conn *websocket.Conn) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for i, frame := range pending {
		if err := c.writeFrame(conn, frame); err != nil {
			c.client.logger.Warn("queue flush interrupted", "session_id", c.sessionID, "flushed", i, "error", err)
			c.mu.Lock()
			c.queue = append(pending[i:], c.queue...)
			c.mu.Unlock()
			return
		}
		metrics.IncChunksSent()
	}
	if len(pending) > 0 {
		c.client.logger.Info("flushed queued messages", "session_id", c.sessionID, "count", len(pending))
	}
}

// QueuedMessages reports how many outbound messages are awaiting reconnect.
func (c *Conversation) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// End finishes the conversation: a best-effort REST end call, an explicit
// conversation_end frame if the duplex connection is still open, a short
// grace delay for in-flight delivery, then teardown. Idempotent; safe to
// call at any time, including mid-backoff.
func (c *Conversation) End(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	conn := c.conn
	c.conn = nil
	c.cancelReconnectLocked()
	alreadyFailed := c.state == SessionFailed
	c.mu.Unlock()

	if err := c.client.api.endSession(ctx, c.sessionID); err != nil {
		// Best effort only.
		c.client.logger.Warn("session end call failed", "session_id", c.sessionID, "error", err)
	}

	if conn != nil {
		frame, err := json.Marshal(Envelope{
			Type:      MessageConversationEnd,
			Timestamp: time.Now().UnixMilli(),
			SessionID: c.sessionID,
		})
		if err == nil {
			if werr := c.writeFrame(conn, frame); werr != nil {
				c.client.logger.Warn("send conversation_end failed", "session_id", c.sessionID, "error", werr)
			} else {
				select {
				case <-time.After(endGraceDelay):
				case <-ctx.Done():
				}
			}
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	if !alreadyFailed {
		c.setState(SessionEnded)
	}
	c.client.logger.Info("conversation ended", "session_id", c.sessionID)
	return nil
}

// cancelReconnectLocked stops any pending backoff timer. Caller holds mu.
func (c *Conversation) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Conversation) setState(s SessionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.handlersMu.Lock()
	fns := make([]func(SessionState), 0, len(c.stateHandlers))
	for _, fn := range c.stateHandlers {
		fns = append(fns, fn)
	}
	c.handlersMu.Unlock()
	for _, fn := range fns {
		c.safeInvoke("onStateChange", func() { fn(s) })
	}
}

// safeInvoke isolates listener execution so one panicking listener cannot
// prevent others from running or kill the read loop.
func (c *Conversation) safeInvoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncDispatchPanics()
			c.client.logger.Error("listener panicked", "session_id", c.sessionID, "listener", name, "panic", r)
		}
	}()
	fn()
}
