package voicepipe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// TokenProvider supplies the current bearer token for the session API.
// Implementations typically front an auth/session store owned by the host
// application.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a fixed token (tests, CLIs).
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// startSessionRequest is the session-start handshake body. ProfileContext is
// opaque to the pipeline beyond forwarding.
type startSessionRequest struct {
	ProfileContext any    `json:"profile_context,omitempty"`
	Context        string `json:"context,omitempty"`
}

type startSessionResponse struct {
	SessionID    string `json:"session_id"`
	WebsocketURL string `json:"websocket_url"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

type reconnectSessionResponse struct {
	WebsocketURL string `json:"websocket_url"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// sessionAPI is the request/response half of the transport: session start,
// best-effort end, and the reconnect handshake.
type sessionAPI struct {
	http   *resty.Client
	tokens TokenProvider
	log    *slog.Logger
}

func newSessionAPI(baseURL string, httpClient *http.Client, tokens TokenProvider, log *slog.Logger) *sessionAPI {
	rc := resty.NewWithClient(httpClient).
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")
	return &sessionAPI{http: rc, tokens: tokens, log: log}
}

func (a *sessionAPI) authHeader(ctx context.Context) (string, error) {
	if a.tokens == nil {
		return "", nil
	}
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire bearer token: %w", err)
	}
	if token == "" {
		return "", nil
	}
	return "Bearer " + token, nil
}

// startSession creates a server-side session and returns its id plus the
// duplex endpoint.
func (a *sessionAPI) startSession(ctx context.Context, req startSessionRequest) (*startSessionResponse, error) {
	auth, err := a.authHeader(ctx)
	if err != nil {
		return nil, newHandshakeFailedError("session start", err)
	}

	var out startSessionResponse
	r := a.http.R().SetContext(ctx).SetBody(req).SetResult(&out)
	if auth != "" {
		r.SetHeader("Authorization", auth)
	}
	resp, err := r.Post("/v1/voice/sessions")
	if err != nil {
		return nil, newHandshakeFailedError("session start", &TransportError{Op: "POST", URL: a.http.BaseURL + "/v1/voice/sessions", Err: err})
	}
	if resp.IsError() {
		return nil, newHandshakeFailedError(fmt.Sprintf("session start returned status %d", resp.StatusCode()), nil)
	}
	if out.Status == "error" {
		return nil, newHandshakeFailedError(out.Error, nil)
	}
	if out.SessionID == "" || out.WebsocketURL == "" {
		return nil, newHandshakeFailedError("session start response missing session_id or websocket_url", nil)
	}
	a.log.Debug("session created", "session_id", out.SessionID)
	return &out, nil
}

// reconnectSession resumes an existing session and returns a fresh duplex
// endpoint.
func (a *sessionAPI) reconnectSession(ctx context.Context, sessionID string) (*reconnectSessionResponse, error) {
	auth, err := a.authHeader(ctx)
	if err != nil {
		return nil, newHandshakeFailedError("session reconnect", err)
	}

	var out reconnectSessionResponse
	r := a.http.R().SetContext(ctx).SetResult(&out).SetPathParam("id", sessionID)
	if auth != "" {
		r.SetHeader("Authorization", auth)
	}
	resp, err := r.Post("/v1/voice/sessions/{id}/reconnect")
	if err != nil {
		return nil, newHandshakeFailedError("session reconnect", &TransportError{Op: "POST", URL: a.http.BaseURL, Err: err})
	}
	if resp.IsError() {
		return nil, newHandshakeFailedError(fmt.Sprintf("session reconnect returned status %d", resp.StatusCode()), nil)
	}
	if out.WebsocketURL == "" {
		return nil, newHandshakeFailedError("session reconnect response missing websocket_url", nil)
	}
	return &out, nil
}

// endSession tells the service the conversation is over. Best effort: the
// caller logs failures and moves on.
func (a *sessionAPI) endSession(ctx context.Context, sessionID string) error {
	auth, err := a.authHeader(ctx)
	if err != nil {
		return err
	}
	r := a.http.R().SetContext(ctx).SetPathParam("id", sessionID)
	if auth != "" {
		r.SetHeader("Authorization", auth)
	}
	resp, err := r.Post("/v1/voice/sessions/{id}/end")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("session end returned status %d", resp.StatusCode())
	}
	return nil
}
