package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentResonance/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestCallReturnsToolInvocation(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": "",
						"tool_calls": []map[string]any{
							{
								"type": "function",
								"function": map[string]any{
									"name":      "output_plan",
									"arguments": `{"summary":"组队"}`,
								},
							},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	tools := []llm.Tool{{Name: "output_plan", Description: "emit plan"}}
	res, err := client.Call(context.Background(), []llm.Message{llm.System("rules"), llm.User("需求")}, tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.ToolName != "output_plan" || string(res.ToolArgs) != `{"summary":"组队"}` {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["tool_choice"] != "auto" {
		t.Fatalf("tool_choice missing: %v", captured.Body["tool_choice"])
	}
	if defs, ok := captured.Body["tools"].([]any); !ok || len(defs) != 1 {
		t.Fatalf("tools not forwarded: %v", captured.Body["tools"])
	}
}

func TestCallPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["tools"]; ok {
			t.Errorf("tools should be omitted for plain chat")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "  你好  "}}},
		})
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	client.httpClient = srv.Client()

	res, err := client.Call(context.Background(), []llm.Message{llm.User("hi")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "你好" || res.HasToolCall() {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCallHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Call(context.Background(), []llm.Message{llm.User("test")}, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.HTTPStatus() != http.StatusUnauthorized {
		t.Fatalf("expected status error, got %v", err)
	}
}
