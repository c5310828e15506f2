package profile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/directory"
	"AgentResonance/internal/llm"
	"AgentResonance/internal/llm/openai"
	"AgentResonance/pkg/sse"
)

func TestHTTPSourceDistinguishesExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer stale" {
			t.Errorf("token not forwarded")
		}
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	src, _ := NewHTTPSource(HTTPConfig{BaseURL: srv.URL, Token: "stale"})
	_, err := src.Chat(context.Background(), "u1", []llm.Message{llm.User("hi")}, "")
	if !IsTokenExpired(err) {
		t.Fatalf("expected token expired error, got %v", err)
	}
}

func TestHTTPSourceGenericFailureIsNotTokenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src, _ := NewHTTPSource(HTTPConfig{BaseURL: srv.URL})
	_, err := src.Chat(context.Background(), "u1", nil, "")
	if err == nil || IsTokenExpired(err) {
		t.Fatalf("expected generic failure, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
}

func TestHTTPSourceProfileAndChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agents/a%2F1/profile", "/agents/a/1/profile":
			_ = json.NewEncoder(w).Encode(Profile{DisplayName: "Ann", Capabilities: []string{"swift"}})
		case "/agents/u1/chat":
			var req chatRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.SystemPrompt != "be brief" || len(req.Messages) != 1 {
				t.Errorf("unexpected chat request: %+v", req)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"text": " done "})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src, _ := NewHTTPSource(HTTPConfig{BaseURL: srv.URL + "/", Timeout: time.Second})
	p, err := src.GetProfile(context.Background(), "a/1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.AgentID != "a/1" || p.DisplayName != "Ann" {
		t.Fatalf("unexpected profile: %+v", p)
	}

	text, err := src.Chat(context.Background(), "u1", []llm.Message{llm.User("q")}, "be brief")
	if err != nil || text != "done" {
		t.Fatalf("chat: %q %v", text, err)
	}
}

func TestHTTPSourceChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_ = sse.Write(w, sse.Frame{Data: `{"delta":"第一行\n"}`})
		_ = sse.Write(w, sse.Frame{Data: `{"delta":"第二行"}`})
		_ = sse.Write(w, sse.Frame{Data: "[DONE]"})
	}))
	defer srv.Close()

	src, _ := NewHTTPSource(HTTPConfig{BaseURL: srv.URL})
	var chunks []string
	full, err := src.ChatStream(context.Background(), "u1", nil, "", func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "第一行\n第二行" || len(chunks) != 2 {
		t.Fatalf("unexpected stream result %q %v", full, chunks)
	}
}

func TestStaticSourceMapsUpstreamUnauthorized(t *testing.T) {
	reasoner := llm.ReasonerFunc(func(context.Context, []llm.Message, []llm.Tool) (*llm.Result, error) {
		return nil, &openai.StatusError{Status: http.StatusUnauthorized, Body: "expired"}
	})
	src := NewStaticSource(directory.New(nil), reasoner)
	_, err := src.Chat(context.Background(), "a", nil, "sys")
	if !IsTokenExpired(err) {
		t.Fatalf("expected token expired, got %v", err)
	}
}

func TestStaticSourceChatPrependsSystemPrompt(t *testing.T) {
	var seen []llm.Message
	reasoner := llm.ReasonerFunc(func(_ context.Context, msgs []llm.Message, tools []llm.Tool) (*llm.Result, error) {
		seen = msgs
		if len(tools) != 0 {
			t.Errorf("plain chat must not offer tools")
		}
		return &llm.Result{Text: "ok"}, nil
	})
	dir := directory.New(nil)
	_, _ = dir.Register(context.Background(), directory.Agent{ID: "a", DisplayName: "Ann"})
	src := NewStaticSource(dir, reasoner)

	if _, err := src.Chat(context.Background(), "a", []llm.Message{llm.User("hi")}, "你是 Ann"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(seen) != 2 || seen[0].Role != llm.RoleSystem || !strings.Contains(seen[0].Content, "Ann") {
		t.Fatalf("unexpected messages %+v", seen)
	}

	if _, err := src.GetProfile(context.Background(), "missing"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
