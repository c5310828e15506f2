package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alecthomas/kong"

	"AgentResonance/pkg/sse"
	"AgentResonance/sdk/go/resonance"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	var out bytes.Buffer
	parser, err := kong.New(&cli,
		kong.Name("resonancectl"),
		kong.Exit(func(int) { t.Fatalf("unexpected exit for %v", args) }),
		kongVars(),
		kong.Bind(&cli.Globals),
		kong.BindTo(io.Writer(&out), (*io.Writer)(nil)),
	)
	if err != nil {
		t.Fatalf("build parser: %v", err)
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	err = ctx.Run()
	return out.String(), err
}

func TestNegotiateWithConfirmFollowsStream(t *testing.T) {
	confirmed := false
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/negotiate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(resonance.Negotiation{NegotiationID: "neg-1", State: "CREATED"})
	})
	mux.HandleFunc("/api/v1/negotiate/neg-1/events", func(w http.ResponseWriter, r *http.Request) {
		for i, typ := range []string{"formulation.ready", "plan.ready"} {
			data, _ := json.Marshal(resonance.Event{Seq: int64(i + 1), Type: typ, SessionID: "neg-1"})
			_ = sse.Write(w, sse.Frame{Data: string(data)})
		}
	})
	mux.HandleFunc("/api/v1/negotiate/neg-1/confirm", func(w http.ResponseWriter, r *http.Request) {
		confirmed = true
		_ = json.NewEncoder(w).Encode(resonance.Negotiation{NegotiationID: "neg-1", State: "ENCODING"})
	})
	mux.HandleFunc("/api/v1/negotiate/neg-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resonance.Negotiation{NegotiationID: "neg-1", State: "COMPLETED"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := runCLI(t, "--server", srv.URL, "negotiate", "找人一起做游戏", "-u", "u-1", "--confirm")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if !confirmed {
		t.Fatal("formulation was not confirmed")
	}
	for _, want := range []string{"#1", "formulation.ready", "plan.ready", `"state": "COMPLETED"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAgentsListPrintsSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resonance.AgentList{
			Version: 4,
			Scope:   r.URL.Query().Get("scope"),
			Agents:  []resonance.Agent{{ID: "designer", DisplayName: "设计师"}},
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, "--server", srv.URL, "agents", "list", "-s", "design")
	if err != nil {
		t.Fatalf("agents list: %v", err)
	}
	if !strings.Contains(out, "scope design, version 4, 1 agents") || !strings.Contains(out, "designer") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestConfirmSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"CONFLICT","message":"already confirmed"}}`))
	}))
	defer srv.Close()

	_, err := runCLI(t, "--server", srv.URL, "confirm", "neg-1")
	if err == nil || !strings.Contains(err.Error(), "CONFLICT") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}
