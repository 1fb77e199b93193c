package assistant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campusconnect/assistant/internal/api"
	"github.com/campusconnect/assistant/internal/conversation"
	"github.com/campusconnect/assistant/internal/identity"
	"github.com/campusconnect/assistant/internal/stream"
)

type testConn struct {
	mu     sync.Mutex
	in     chan []byte
	done   chan struct{}
	closed bool
}

func newTestConn() *testConn {
	return &testConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *testConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.done:
		return 0, nil, errors.New("closed")
	}
}

func (c *testConn) WriteJSON(v any) error { return nil }

func (c *testConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *testConn) deliver(s string) { c.in <- []byte(s) }

type testDialer struct {
	mu    sync.Mutex
	fail  bool
	conns []*testConn
}

func (d *testDialer) Dial(ctx context.Context, url string) (stream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("dial refused")
	}
	c := newTestConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *testDialer) lastConn() *testConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestStack(t *testing.T, dialer stream.Dialer, register func(r *gin.Engine)) (*Orchestrator, *conversation.Store, *stream.Client) {
	t.Helper()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	if register != nil {
		register(r)
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	store := conversation.NewStore()
	apiClient := api.NewClient(srv.URL, "/chatgpt/ws", 2*time.Second)

	ident := identity.NewResolver()
	ident.SetEmail("ada@campus.edu")

	wsURL := func() (string, error) {
		email, err := ident.Email()
		if err != nil {
			return "", err
		}
		return apiClient.WebSocketURL(email), nil
	}

	sc := stream.New(stream.Config{
		IdleWindow:      time.Minute,
		ResponseCeiling: time.Minute,
		BackoffBase:     time.Minute,
	}, dialer, wsURL, store, nil)
	t.Cleanup(sc.Disconnect)

	orch := NewOrchestrator(store, apiClient, sc, ident, "be helpful", 20, nil)
	return orch, store, sc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitRejectsBlankText(t *testing.T) {
	orch, store, _ := newTestStack(t, &testDialer{fail: true}, nil)
	if err := orch.SubmitUserMessage(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if len(store.Messages()) != 0 {
		t.Fatalf("blank input must not be appended")
	}
}

func TestFallbackWhenStreamingUnavailable(t *testing.T) {
	orch, store, _ := newTestStack(t, &testDialer{fail: true}, func(r *gin.Engine) {
		r.POST("/chatgpt/chat", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"message":         "Hi there!",
				"timestamp":       "2025-09-01T12:00:00Z",
				"conversation_id": "conv-1",
			})
		})
	})

	if err := orch.SubmitUserMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected exactly 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != conversation.RoleUser || msgs[0].Text != "hello" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != conversation.RoleAssistant || msgs[1].Text != "Hi there!" {
		t.Fatalf("unexpected assistant message: %+v", msgs[1])
	}
	if store.ResponseInFlight() || store.StreamingActive() {
		t.Fatalf("flags must be cleared after fallback")
	}
}

func TestFallbackSendsPriorTurnsAsContext(t *testing.T) {
	var wire struct {
		UserEmail string `json:"user_email"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	orch, store, _ := newTestStack(t, &testDialer{fail: true}, func(r *gin.Engine) {
		r.POST("/chatgpt/chat", func(c *gin.Context) {
			_ = c.ShouldBindJSON(&wire)
			c.JSON(http.StatusOK, gin.H{"message": "ok"})
		})
	})

	store.ReplaceAll([]conversation.Message{
		{MessageID: "h1", Role: conversation.RoleUser, Text: "earlier"},
		{MessageID: "h2", Role: conversation.RoleAssistant, Text: "answer"},
	})

	if err := orch.SubmitUserMessage(context.Background(), "and now?"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// system, 2 prior turns, then the new user text; the optimistic user
	// message must not be duplicated into the prior turns.
	if len(wire.Messages) != 4 {
		t.Fatalf("expected 4 wire messages, got %d: %+v", len(wire.Messages), wire.Messages)
	}
	if wire.Messages[0].Role != "system" {
		t.Fatalf("system prompt missing: %+v", wire.Messages[0])
	}
	if last := wire.Messages[3]; last.Role != "user" || last.Content != "and now?" {
		t.Fatalf("new user text not last: %+v", last)
	}
	if wire.UserEmail != "ada@campus.edu" {
		t.Fatalf("unexpected user email: %q", wire.UserEmail)
	}
}

func TestApologyWhenBothPathsFail(t *testing.T) {
	orch, store, _ := newTestStack(t, &testDialer{fail: true}, func(r *gin.Engine) {
		r.POST("/chatgpt/chat", func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "model overloaded"})
		})
	})

	err := orch.SubmitUserMessage(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected terminal error")
	}
	var svcErr *api.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected user + apology, got %d messages", len(msgs))
	}
	if msgs[1].Role != conversation.RoleAssistant || msgs[1].Text != ApologyText {
		t.Fatalf("expected apology message, got %+v", msgs[1])
	}
	if store.ResponseInFlight() || store.StreamingActive() {
		t.Fatalf("flags must be cleared after terminal failure")
	}
}

func TestStreamingPathDelivers(t *testing.T) {
	d := &testDialer{}
	orch, store, sc := newTestStack(t, d, nil)

	if err := orch.SubmitUserMessage(context.Background(), "events today?"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !store.ResponseInFlight() || !store.StreamingActive() {
		t.Fatalf("expected responding flags set while streaming")
	}

	conn := d.lastConn()
	conn.deliver("There are")
	conn.deliver(" 3 events")
	conn.deliver(`{"status":"complete"}`)

	waitFor(t, "streamed completion", func() bool {
		return sc.State() == stream.StateIdle && !store.ResponseInFlight()
	})

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(msgs))
	}
	if msgs[1].Text != "There are 3 events" {
		t.Fatalf("unexpected assistant body: %q", msgs[1].Text)
	}
	if store.StreamingActive() {
		t.Fatalf("streaming flag should clear on completion")
	}
}

func TestHydrateHistory(t *testing.T) {
	orch, store, _ := newTestStack(t, &testDialer{fail: true}, func(r *gin.Engine) {
		r.GET("/chatgpt/history/:email", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"user_email": c.Param("email"),
				"conversations": []gin.H{
					{"user_message": "q1", "assistant_response": "a1", "timestamp": "2025-09-01T10:00:00Z", "conversation_id": "c1"},
					{"user_message": "q2", "assistant_response": "a2", "timestamp": "2025-09-01T11:00:00Z", "conversation_id": "c2"},
				},
			})
		})
	})

	if err := orch.HydrateHistory(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	msgs := store.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	want := []struct{ role, text string }{
		{conversation.RoleUser, "q1"},
		{conversation.RoleAssistant, "a1"},
		{conversation.RoleUser, "q2"},
		{conversation.RoleAssistant, "a2"},
	}
	for i, w := range want {
		if msgs[i].Role != w.role || msgs[i].Text != w.text {
			t.Fatalf("message %d = %+v, want %+v", i, msgs[i], w)
		}
	}
}

func TestHydrateHistoryNotFoundStartsFresh(t *testing.T) {
	orch, store, _ := newTestStack(t, &testDialer{fail: true}, func(r *gin.Engine) {
		r.GET("/chatgpt/history/:email", func(c *gin.Context) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "no chat history found"})
		})
	})

	store.Append(conversation.Message{MessageID: "local", Role: conversation.RoleUser, Text: "kept"})

	if err := orch.HydrateHistory(context.Background()); err != nil {
		t.Fatalf("hydrate with no history must not error, got %v", err)
	}
	if msgs := store.Messages(); len(msgs) != 1 || msgs[0].MessageID != "local" {
		t.Fatalf("local conversation must be kept: %+v", msgs)
	}
}

func TestHydrateHistoryRequiresIdentity(t *testing.T) {
	store := conversation.NewStore()
	ident := identity.NewResolver()
	apiClient := api.NewClient("http://127.0.0.1:0", "/chatgpt/ws", time.Second)
	sc := stream.New(stream.Config{}, &testDialer{fail: true}, func() (string, error) {
		return "", identity.ErrNotAuthenticated
	}, store, nil)
	o := NewOrchestrator(store, apiClient, sc, ident, "", 20, nil)

	if err := o.HydrateHistory(context.Background()); !errors.Is(err, identity.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}
