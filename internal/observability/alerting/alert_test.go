package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "AgentResonance/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, NegotiationID: "n1"})
	if err == nil {
		t.Fatalf("expected joined error from failing channel")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both notifiers to be called, got %d and %d", len(a.events), len(b.events))
	}
	if a.events[0].Channel != "a" {
		t.Fatalf("channel not stamped: %q", a.events[0].Channel)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), Event{Code: "NEGOTIATION_SESSION_TIMEOUT", NegotiationID: "n1", State: "OFFERING"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.NegotiationID != "n1" || got.State != "OFFERING" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookNotifierReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestWebhookNotifierWithoutURLIsNoop(t *testing.T) {
	if err := NewWebhookNotifier("", 0).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
