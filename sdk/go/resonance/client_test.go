package resonance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"AgentResonance/pkg/sse"
)

func TestNegotiateAndConfirm(t *testing.T) {
	var confirmed map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/negotiate":
			var sub Submission
			if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
				t.Errorf("decode submission: %v", err)
			}
			if sub.Intent != "组建团队" || sub.UserID != "u-1" {
				t.Errorf("unexpected submission: %+v", sub)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Negotiation{NegotiationID: "neg-1", State: "CREATED"})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/negotiate/neg-1/confirm":
			_ = json.NewDecoder(r.Body).Decode(&confirmed)
			_ = json.NewEncoder(w).Encode(Negotiation{NegotiationID: "neg-1", State: "ENCODING", DemandFormulated: confirmed["formulated_text"]})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	n, err := client.Negotiate(context.Background(), Submission{Intent: "组建团队", UserID: "u-1"})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if n.NegotiationID != "neg-1" || n.Done() {
		t.Fatalf("unexpected negotiation: %+v", n)
	}

	n, err = client.Confirm(context.Background(), n.NegotiationID, "改写后的需求")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if n.DemandFormulated != "改写后的需求" || confirmed["formulated_text"] != "改写后的需求" {
		t.Fatalf("edited text not forwarded: %+v %v", n, confirmed)
	}
}

func TestGetReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"negotiation not found"}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Get(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListAgentsForwardsScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents" || r.URL.Query().Get("scope") != "design" {
			t.Errorf("unexpected request: %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode(AgentList{Version: 2, Scope: "design", Agents: []Agent{{ID: "a"}}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	list, err := client.ListAgents(context.Background(), "design")
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if list.Version != 2 || len(list.Agents) != 1 || list.Agents[0].ID != "a" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestStreamStopsAtTerminalEvent(t *testing.T) {
	var lastID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastID = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []Event{
			{Seq: 2, Type: "offer.received", SessionID: "neg-1"},
			{Seq: 3, Type: "plan.ready", SessionID: "neg-1"},
			{Seq: 4, Type: "offer.received", SessionID: "neg-1"},
		}
		for _, ev := range frames {
			data, _ := json.Marshal(ev)
			_ = sse.Write(w, sse.Frame{ID: "x", Event: ev.Type, Data: string(data)})
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	var seen []string
	err := client.Stream(context.Background(), "neg-1", 1, func(ev Event) error {
		seen = append(seen, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if lastID != "1" {
		t.Fatalf("expected Last-Event-ID 1, got %q", lastID)
	}
	if len(seen) != 2 || seen[1] != "plan.ready" {
		t.Fatalf("unexpected events: %v", seen)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}
