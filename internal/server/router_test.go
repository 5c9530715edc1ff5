package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/camerpulse/camerpulse-sub041/internal/auth"
	"github.com/camerpulse/camerpulse-sub041/internal/chat"
	"github.com/camerpulse/camerpulse-sub041/internal/config"
	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"github.com/camerpulse/camerpulse-sub041/internal/notify"
	"github.com/camerpulse/camerpulse-sub041/internal/store"
	"github.com/gin-gonic/gin"
)

type testEnv struct {
	engine     *gin.Engine
	cfg        config.Config
	messages   *store.MemoryMessages
	dispatcher *notify.Dispatcher
	reg        *chat.Registry
}

func newTestEnv(t *testing.T, ready func(context.Context) error) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.JWTSecret = "secret"
	cfg.ServerKey = "server-key"
	messages := store.NewMemoryMessages()
	reg := chat.NewRegistry(messages, chat.OptionsFromConfig(cfg.Chat))
	d := notify.NewDispatcher(store.NewMemoryNotifications(), reg, notify.OptionsFromConfig(cfg.Notify))
	engine, limiter := SetupRouter(cfg, Deps{Registry: reg, Messages: messages, Inbox: d, Ready: ready})
	t.Cleanup(func() {
		limiter.Stop()
		d.Close()
		reg.Close()
	})
	return &testEnv{engine: engine, cfg: cfg, messages: messages, dispatcher: d, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := auth.GenerateAccessToken(user, e.cfg.JWTSecret, 5)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.do(t, http.MethodGet, "/healthz", "", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, func(context.Context) error { return errors.New("db down") })
	if w := env.do(t, http.MethodGet, "/readyz", "", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestChannelMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for i, content := range []string{"first", "second"} {
		_ = env.messages.Append(ctx, &models.ChatMessage{ID: content, ChannelID: "v1", Seq: int64(i + 1), AuthorID: "a", Content: content})
	}
	w := env.do(t, http.MethodGet, "/api/v1/channels/v1/messages?limit=1", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "second" {
		t.Errorf("messages = %+v, want newest only", resp.Messages)
	}

	w = env.do(t, http.MethodGet, "/api/v1/channels/v1/online", "", nil, nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"online":0`)) {
		t.Errorf("online = %d %s", w.Code, w.Body.String())
	}
}

func TestNotificationsRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.do(t, http.MethodGet, "/api/v1/notifications", "", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/internal/notifications", "", map[string]any{}, map[string]string{"X-Server-Key": "wrong"}); w.Code != http.StatusForbidden {
		t.Errorf("internal status = %d, want 403", w.Code)
	}
}

func TestNotificationInboxFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	key := map[string]string{"X-Server-Key": "server-key"}

	send := map[string]any{"user_id": "u1", "type": "payment", "title": "Payment received", "priority": "high", "source_table": "payments", "source_row_id": "p1", "operation": "INSERT"}
	w := env.do(t, http.MethodPost, "/api/v1/internal/notifications", "", send, key)
	if w.Code != http.StatusCreated {
		t.Fatalf("send status = %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Notification models.Notification `json:"notification"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	if w := env.do(t, http.MethodPost, "/api/v1/internal/notifications", "", send, key); !bytes.Contains(w.Body.Bytes(), []byte("suppressed")) {
		t.Errorf("duplicate send = %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/v1/internal/notifications", "", map[string]any{"user_id": "u1"}, key); w.Code != http.StatusBadRequest {
		t.Errorf("invalid send status = %d, want 400", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/notifications/unread_count", "u1", nil, nil)
	if !bytes.Contains(w.Body.Bytes(), []byte(`"unread":1`)) {
		t.Errorf("unread_count = %s", w.Body.String())
	}

	if w := env.do(t, http.MethodPost, "/api/v1/notifications/"+created.Notification.ID+"/read", "u2", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign mark read status = %d, want 404", w.Code)
	}
	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodPost, "/api/v1/notifications/"+created.Notification.ID+"/read", "u1", nil, nil); w.Code != http.StatusOK {
			t.Errorf("mark read #%d status = %d", i, w.Code)
		}
	}

	w = env.do(t, http.MethodGet, "/api/v1/notifications?unread_only=true", "u1", nil, nil)
	var list struct {
		Notifications []models.Notification `json:"notifications"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Notifications) != 0 {
		t.Errorf("unread list = %+v, want empty", list.Notifications)
	}

	w = env.do(t, http.MethodPost, "/api/v1/notifications/read_all", "u1", nil, nil)
	if !bytes.Contains(w.Body.Bytes(), []byte(`"updated":0`)) {
		t.Errorf("read_all = %s", w.Body.String())
	}

	if w := env.do(t, http.MethodGet, "/api/v1/notifications?before=yesterday", "u1", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad before status = %d, want 400", w.Code)
	}
}
