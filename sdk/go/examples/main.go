package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentResonance/pkg/sse"
	"AgentResonance/sdk/go/resonance"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/negotiate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(resonance.Negotiation{NegotiationID: "neg-demo", State: "CREATED", CreatedAt: time.Now().UTC()})
	})
	mux.HandleFunc("/api/v1/negotiate/neg-demo/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i, typ := range []string{"formulation.ready", "resonance.activated", "plan.ready"} {
			data, _ := json.Marshal(resonance.Event{Seq: int64(i + 1), Type: typ, SessionID: "neg-demo"})
			_ = sse.Write(w, sse.Frame{ID: fmt.Sprint(i + 1), Event: typ, Data: string(data)})
		}
	})
	mux.HandleFunc("/api/v1/negotiate/neg-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resonance.Negotiation{
			NegotiationID: "neg-demo",
			State:         "COMPLETED",
			PlanOutput:    "由设计与开发两位 agent 共同完成",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := resonance.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := client.Negotiate(ctx, resonance.Submission{Intent: "做一个小程序", UserID: "demo"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted negotiation %s (state=%s)\n", n.NegotiationID, n.State)

	err = client.Stream(ctx, n.NegotiationID, 0, func(ev resonance.Event) error {
		fmt.Printf("event #%d %s\n", ev.Seq, ev.Type)
		return nil
	})
	if err != nil {
		panic(err)
	}

	final, err := client.Get(ctx, n.NegotiationID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("negotiation %s finished: %s\n", final.NegotiationID, final.PlanOutput)
}
