// Package voicepipe implements the client side of a real-time voice
// conversation pipeline: microphone capture segmented into utterances by
// voice activity detection, streamed over a persistent duplex session to a
// remote conversational service, with automatic reconnection and message
// replay across network failures.
//
// The pipeline has three explicitly constructed components: Detector (voice
// activity detection), AudioStreamer (capture, chunking, speech gating), and
// Conversation (session handshake, duplex transport, reconnection). There is
// no process-wide shared state; callers own every instance they create.
package voicepipe

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultConnectTimeout       = 10 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultReconnectBaseDelay   = time.Second
	maxReconnectDelay           = 30 * time.Second
	endGraceDelay               = 500 * time.Millisecond
)

// Client is the entry point for starting conversations against one service
// deployment. A single client may start any number of conversations over its
// lifetime; each Conversation is independent.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	tokens     TokenProvider
	logger     *slog.Logger

	connectTimeout       time.Duration
	maxReconnectAttempts int
	reconnectBaseDelay   time.Duration

	api *sessionAPI
}

// NewClient constructs a client. WithBaseURL is required for any live use.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:           newDefaultHTTPClient(),
		logger:               slog.Default(),
		connectTimeout:       defaultConnectTimeout,
		maxReconnectAttempts: defaultMaxReconnectAttempts,
		reconnectBaseDelay:   defaultReconnectBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: c.connectTimeout}
	}
	c.api = newSessionAPI(c.baseURL, c.httpClient, c.tokens, c.logger)
	return c
}

// ConversationRequest configures a session-start handshake. ProfileContext
// is forwarded opaquely; Context is an initial free-text context string.
type ConversationRequest struct {
	ProfileContext any
	Context        string
}

// StartConversation performs the two-step handshake: a REST call that
// creates the server-side session, then the duplex connect to the returned
// endpoint. Failures come back as structured *Error values
// (ErrHandshakeFailed, ErrConnectTimeout, ErrConnection); nothing panics
// past this boundary.
func (c *Client) StartConversation(ctx context.Context, req *ConversationRequest) (*Conversation, error) {
	if req == nil {
		req = &ConversationRequest{}
	}

	start, err := c.api.startSession(ctx, startSessionRequest{
		ProfileContext: req.ProfileContext,
		Context:        req.Context,
	})
	if err != nil {
		return nil, err
	}

	conv := newConversation(c, start.SessionID)
	if err := conv.connect(ctx, start.WebsocketURL); err != nil {
		return nil, err
	}
	c.logger.Info("conversation started", "session_id", start.SessionID)
	return conv, nil
}

// newDefaultHTTPClient configures transport-level timeouts while leaving the
// overall request lifetime to per-call context deadlines.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}
