package voicepipe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// sessionTestServer hosts the REST handshake endpoints and one or more
// websocket paths on a single httptest server.
type sessionTestServer struct {
	t        *testing.T
	mux      *http.ServeMux
	server   *httptest.Server
	upgrader websocket.Upgrader
}

func newSessionTestServer(t *testing.T) *sessionTestServer {
	t.Helper()
	s := &sessionTestServer{
		t:        t,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.server = httptest.NewServer(s.mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *sessionTestServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + path
}

// handleStart serves the session-start handshake, pointing clients at wsPath.
func (s *sessionTestServer) handleStart(sessionID, wsPath string) {
	s.mux.HandleFunc("POST /v1/voice/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, map[string]any{
			"session_id":    sessionID,
			"websocket_url": s.wsURL(wsPath),
			"status":        "connected",
		})
	})
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recvEnvelope(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return Envelope{}
	}
}

func waitForState(t *testing.T, conv *Conversation, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conv.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", conv.State(), want)
}

func TestStartConversationHandshakeAndSend(t *testing.T) {
	t.Parallel()

	srv := newSessionTestServer(t)
	gotAuth := make(chan string, 1)
	srv.mux.HandleFunc("POST /v1/voice/sessions", func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		writeTestJSON(w, map[string]any{
			"session_id":    "sess_1",
			"websocket_url": srv.wsURL("/ws"),
			"status":        "connected",
		})
	})
	frames := make(chan Envelope, 4)
	srv.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				frames <- env
			}
		}
	})

	client := NewClient(
		WithBaseURL(srv.server.URL),
		WithTokenProvider(StaticToken("tok-123")),
		WithLogger(quietLogger()),
	)
	conv, err := client.StartConversation(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	if auth := <-gotAuth; auth != "Bearer tok-123" {
		t.Fatalf("Authorization = %q, want %q", auth, "Bearer tok-123")
	}
	if conv.SessionID() != "sess_1" {
		t.Fatalf("SessionID = %q, want sess_1", conv.SessionID())
	}
	if !conv.IsConnected() {
		t.Fatal("not connected after StartConversation")
	}

	if !conv.SendAudioChunk([]byte("hello"), false) {
		t.Fatal("SendAudioChunk returned false while connected")
	}
	env := recvEnvelope(t, frames)
	if env.Type != MessageAudioChunk {
		t.Fatalf("frame type = %q, want audio_chunk", env.Type)
	}
	if env.SessionID != "sess_1" {
		t.Fatalf("frame session_id = %q, want sess_1", env.SessionID)
	}
	var p AudioChunkPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	audio, err := base64.StdEncoding.DecodeString(p.Audio)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if string(audio) != "hello" {
		t.Fatalf("audio = %q, want hello", audio)
	}
	if p.IsFinal {
		t.Fatal("isFinal set on a live chunk")
	}
	if p.ChunkID == "" {
		t.Fatal("chunk_id empty")
	}
}

func TestConversationDispatchesInboundMessages(t *testing.T) {
	t.Parallel()

	srv := newSessionTestServer(t)
	srv.handleStart("sess_2", "/ws")
	srv.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Wait for the client's ping so its listeners are registered.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		// Malformed and unknown frames must be swallowed without breaking
		// dispatch of the valid frame that follows.
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteJSON(map[string]any{"type": "mystery_meat", "session_id": "sess_2"})
		_ = conn.WriteJSON(map[string]any{
			"type":       "transcript_final",
			"session_id": "sess_2",
			"timestamp":  time.Now().UnixMilli(),
			"payload":    map[string]any{"text": "hello there"},
		})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewClient(WithBaseURL(srv.server.URL), WithLogger(quietLogger()))
	conv, err := client.StartConversation(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	got := make(chan Message, 1)
	conv.On(MessageTranscriptFinal, func(m Message) { got <- m })
	conv.SendAudioChunk([]byte("ping"), false)

	select {
	case m := <-got:
		if m.Transcript() != "hello there" {
			t.Fatalf("transcript = %q, want %q", m.Transcript(), "hello there")
		}
		if m.SessionID != "sess_2" {
			t.Fatalf("message session_id = %q, want sess_2", m.SessionID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("transcript listener never fired")
	}
}

func TestConversationListenerRegistration(t *testing.T) {
	t.Parallel()

	client := NewClient(WithLogger(quietLogger()))
	conv := newConversation(client, "sess_reg")

	var mu sync.Mutex
	var calls []string
	id1 := conv.On(MessageAIThinking, func(Message) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
	})
	conv.On(MessageAIThinking, func(Message) {
		mu.Lock()
		calls = append(calls, "second")
		mu.Unlock()
	})
	conv.Off(MessageAIThinking, id1)

	conv.dispatch(&Envelope{Type: MessageAIThinking, SessionID: "sess_reg"})

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "second" {
		t.Fatalf("calls = %v, want only the surviving listener", calls)
	}
}

func TestConversationListenerPanicIsolated(t *testing.T) {
	t.Parallel()

	client := NewClient(WithLogger(quietLogger()))
	conv := newConversation(client, "sess_panic")

	survived := make(chan struct{}, 1)
	conv.On(MessageAIThinking, func(Message) { panic("listener bug") })
	conv.On(MessageAIThinking, func(Message) { survived <- struct{}{} })

	conv.dispatch(&Envelope{Type: MessageAIThinking, SessionID: "sess_panic"})

	select {
	case <-survived:
	default:
		t.Fatal("sibling listener suppressed by a panicking one")
	}
}

func TestConversationQueuesWhileDisconnectedAndReplaysInOrder(t *testing.T) {
	t.Parallel()

	srv := newSessionTestServer(t)
	srv.handleStart("sess_q", "/ws")

	gate := make(chan struct{})
	srv.mux.HandleFunc("POST /v1/voice/sessions/{id}/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "sess_q" {
			http.NotFound(w, r)
			return
		}
		<-gate
		writeTestJSON(w, map[string]any{"websocket_url": srv.wsURL("/ws"), "status": "connected"})
	})

	var connCount int32
	replayed := make(chan string, 8)
	srv.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if atomic.AddInt32(&connCount, 1) == 1 {
			// First connection drops immediately to force reconnection.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			var p AudioChunkPayload
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			audio, _ := base64.StdEncoding.DecodeString(p.Audio)
			replayed <- string(audio)
		}
	})

	client := NewClient(
		WithBaseURL(srv.server.URL),
		WithLogger(quietLogger()),
		WithReconnectBaseDelay(time.Millisecond),
	)
	conv, err := client.StartConversation(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	waitForState(t, conv, SessionReconnecting)

	for _, chunk := range []string{"one", "two", "three"} {
		if conv.SendAudioChunk([]byte(chunk), false) {
			t.Fatalf("SendAudioChunk(%q) returned true while disconnected", chunk)
		}
	}
	if n := conv.QueuedMessages(); n != 3 {
		t.Fatalf("queued = %d, want 3", n)
	}

	close(gate)
	waitForState(t, conv, SessionConnected)

	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-replayed:
			if got != want {
				t.Fatalf("replayed %q, want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for replay of %q", want)
		}
	}
	if n := conv.QueuedMessages(); n != 0 {
		t.Fatalf("queued = %d after flush, want 0", n)
	}
}

func TestConversationFailsAfterExhaustingReconnects(t *testing.T) {
	t.Parallel()

	srv := newSessionTestServer(t)
	srv.handleStart("sess_f", "/ws")

	gate := make(chan struct{})
	srv.mux.HandleFunc("POST /v1/voice/sessions/{id}/reconnect", func(w http.ResponseWriter, _ *http.Request) {
		<-gate
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	srv.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	})

	client := NewClient(
		WithBaseURL(srv.server.URL),
		WithLogger(quietLogger()),
		WithMaxReconnectAttempts(2),
		WithReconnectBaseDelay(time.Millisecond),
	)
	conv, err := client.StartConversation(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	errCh := make(chan error, 1)
	conv.OnError(func(err error) { errCh <- err })
	close(gate)

	select {
	case err := <-errCh:
		if !errors.Is(err, &Error{Type: ErrMaxReconnectAttempts}) {
			t.Fatalf("error = %v, want max_reconnect_attempts_exceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session never reported terminal failure")
	}
	waitForState(t, conv, SessionFailed)

	if conv.SendAudioChunk([]byte("late"), false) {
		t.Fatal("SendAudioChunk returned true on a failed session")
	}
	if n := conv.QueuedMessages(); n != 0 {
		t.Fatalf("failed session queued %d messages, want 0", n)
	}
}

func TestReconnectDelaySchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{time.Second, 1, time.Second},
		{time.Second, 2, 2 * time.Second},
		{time.Second, 3, 4 * time.Second},
		{time.Second, 4, 8 * time.Second},
		{time.Second, 5, 16 * time.Second},
		{time.Second, 6, 30 * time.Second},
		{8 * time.Second, 3, 30 * time.Second},
		{time.Second, 0, time.Second},
	}
	for _, tc := range cases {
		if got := reconnectDelay(tc.base, tc.attempt); got != tc.want {
			t.Errorf("reconnectDelay(%v, %d) = %v, want %v", tc.base, tc.attempt, got, tc.want)
		}
	}
}

func TestConversationEndSendsFinalFrameAndCloses(t *testing.T) {
	t.Parallel()

	srv := newSessionTestServer(t)
	srv.handleStart("sess_e", "/ws")

	endCalled := make(chan string, 1)
	srv.mux.HandleFunc("POST /v1/voice/sessions/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		endCalled <- r.PathValue("id")
		writeTestJSON(w, map[string]any{"status": "ended"})
	})

	frames := make(chan Envelope, 4)
	srv.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				frames <- env
			}
		}
	})

	client := NewClient(WithBaseURL(srv.server.URL), WithLogger(quietLogger()))
	conv, err := client.StartConversation(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conv.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}

	select {
	case id := <-endCalled:
		if id != "sess_e" {
			t.Fatalf("end called for %q, want sess_e", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("REST end was never called")
	}
	env := recvEnvelope(t, frames)
	if env.Type != MessageConversationEnd {
		t.Fatalf("final frame type = %q, want conversation_end", env.Type)
	}

	if conv.State() != SessionEnded {
		t.Fatalf("state = %v, want ended", conv.State())
	}
	if err := conv.End(ctx); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if conv.SendAudioChunk([]byte("late"), false) {
		t.Fatal("SendAudioChunk returned true after End")
	}
}

func TestConversationRemoteEndTearsDown(t *testing.T) {
	t.Parallel()

	srv := newSessionTestServer(t)
	srv.handleStart("sess_r", "/ws")
	srv.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Wait for the client's ping so its listeners are registered.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type":       "conversation_end",
			"session_id": "sess_r",
			"timestamp":  time.Now().UnixMilli(),
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewClient(WithBaseURL(srv.server.URL), WithLogger(quietLogger()))
	conv, err := client.StartConversation(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	ended := make(chan Message, 1)
	conv.On(MessageConversationEnd, func(m Message) { ended <- m })
	conv.SendAudioChunk([]byte("ping"), false)

	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatal("conversation_end listener never fired")
	}
	waitForState(t, conv, SessionEnded)

	if conv.SendAudioChunk([]byte("late"), false) {
		t.Fatal("SendAudioChunk returned true after remote end")
	}
}

func TestStartConversationConnectTimeout(t *testing.T) {
	t.Parallel()

	srv := newSessionTestServer(t)
	srv.handleStart("sess_t", "/slow")
	srv.mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		// Never upgrades; the client's connect bound has to fire.
		time.Sleep(time.Second)
	})

	client := NewClient(
		WithBaseURL(srv.server.URL),
		WithLogger(quietLogger()),
		WithConnectTimeout(100*time.Millisecond),
	)
	_, err := client.StartConversation(context.Background(), nil)
	if !errors.Is(err, &Error{Type: ErrConnectTimeout}) {
		t.Fatalf("error = %v, want connect_timeout", err)
	}
}
