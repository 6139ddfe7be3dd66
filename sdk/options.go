package voicepipe

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the session API base URL (http or https).
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithTokenProvider sets the bearer-token source for the session API.
func WithTokenProvider(p TokenProvider) ClientOption {
	return func(c *Client) {
		c.tokens = p
	}
}

// WithHTTPClient sets a custom HTTP client for the handshake calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithDialer sets a custom websocket dialer. The default uses the connect
// timeout as its handshake timeout.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithLogger sets the logger for the client and its conversations.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithConnectTimeout bounds the duplex connect step (default 10s). Exceeding
// it is treated identically to a connection error.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithMaxReconnectAttempts bounds automatic reconnection (default 5).
func WithMaxReconnectAttempts(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxReconnectAttempts = n
		}
	}
}

// WithReconnectBaseDelay sets the exponential backoff base (default 1s).
func WithReconnectBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.reconnectBaseDelay = d
		}
	}
}
