package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/study-buddy/backend/internal/middleware"
	"github.com/zhouzirui/study-buddy/backend/internal/model/study"
	"github.com/zhouzirui/study-buddy/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/study-buddy/backend/internal/service/chat"
	studyservice "github.com/zhouzirui/study-buddy/backend/internal/service/study"
	"github.com/zhouzirui/study-buddy/backend/internal/store"
)

type staticEngine struct{}

func (staticEngine) Generate(context.Context, []ai.Message, int) (string, error) {
	return "- 20m review\n- 40m practice", nil
}

type downStore struct {
	store.Store
}

func (downStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func setupRouter(s store.Store) *chi.Mux {
	chatSvc := chatservice.NewService(s, studyservice.NewMachine(staticEngine{}))
	handler := New(chatSvc, nil)

	r := chi.NewRouter()
	r.Use(middleware.Identity("demo-user"))
	handler.RegisterRoutes(r)
	return r
}

func postChat(r http.Handler, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.UserHeader, user)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestChatCreatesPlan(t *testing.T) {
	r := setupRouter(store.NewMemory())

	resp := postChat(r, "alice", `{"message":"I have 60 minutes to study binary search."}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var result chatservice.Result
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Action != study.ActionCreatePlan {
		t.Fatalf("expected create_plan, got %s", result.Action)
	}
	if result.Reply == "" {
		t.Fatal("expected a reply")
	}
}

func TestChatAcceptsEmptyMessage(t *testing.T) {
	r := setupRouter(store.NewMemory())

	resp := postChat(r, "alice", `{"message":""}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !bytes.Contains(resp.Body.Bytes(), []byte(`"action":"general_chat"`)) {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestChatInvalidBody(t *testing.T) {
	r := setupRouter(store.NewMemory())

	resp := postChat(r, "alice", `not json`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestChatStoreUnavailable(t *testing.T) {
	r := setupRouter(downStore{Store: store.NewMemory()})

	resp := postChat(r, "alice", `{"message":"hello"}`)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestStateUsesDefaultUser(t *testing.T) {
	r := setupRouter(store.NewMemory())
	postChat(r, "", `{"message":"I have 60 minutes to study graphs."}`)

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		Sessions    []study.Session `json:"sessions"`
		LastSession *study.Session  `json:"lastSession"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Sessions) != 1 || body.LastSession == nil {
		t.Fatalf("expected one active session, got %s", resp.Body.String())
	}
}

func TestResetClearsState(t *testing.T) {
	r := setupRouter(store.NewMemory())
	postChat(r, "bob", `{"message":"I have 60 minutes to study graphs."}`)

	req := httptest.NewRequest(http.MethodPost, "/reset", nil)
	req.Header.Set(middleware.UserHeader, "bob")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set(middleware.UserHeader, "bob")
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if !bytes.Contains(resp.Body.Bytes(), []byte(`"sessions":[]`)) {
		t.Fatalf("expected empty sessions, got %s", resp.Body.String())
	}
}
