// Package events is the in-memory publish mechanism of the negotiation
// pipeline. Every protocol transition publishes exactly one typed Event,
// which is delivered to live subscribers (WebSocket and SSE pushers),
// retained in a bounded per-session history for replay, and handed to sinks
// (logger, Redis, NATS, test recorders).
package events

import (
	"encoding/json"
	"time"
)

// Type names an event.
type Type string

const (
	FormulationReady      Type = "formulation.ready"
	ResonanceActivated    Type = "resonance.activated"
	OfferReceived         Type = "offer.received"
	BarrierComplete       Type = "barrier.complete"
	CenterToolCall        Type = "center.tool_call"
	PlanReady             Type = "plan.ready"
	SubNegotiationStarted Type = "sub_negotiation.started"
	NegotiationFailed     Type = "negotiation.failed"
)

// Terminal reports whether t is the last event of a session.
func (t Type) Terminal() bool {
	return t == PlanReady || t == NegotiationFailed
}

// Event is one published transition.
type Event struct {
	ID        string    `json:"event_id"`
	Seq       int64     `json:"seq"`
	Type      Type      `json:"event_type"`
	SessionID string    `json:"negotiation_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"data"`
}

// Marshal encodes the event as compact JSON. Compact JSON never contains a
// raw line break, so the result is safe for line-delimited transports.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// FormulationReadyPayload is published when formulation finishes.
type FormulationReadyPayload struct {
	FormulatedText string `json:"formulated_text"`
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// ActivatedAgent is one entry of ResonanceActivatedPayload.
type ActivatedAgent struct {
	AgentID        string  `json:"agent_id"`
	DisplayName    string  `json:"display_name"`
	ResonanceScore float64 `json:"resonance_score"`
}

// ResonanceActivatedPayload lists the activated agents in rank order.
type ResonanceActivatedPayload struct {
	Agents []ActivatedAgent `json:"agents"`
}

// OfferReceivedPayload is published when a participant replies.
type OfferReceivedPayload struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	Content     string `json:"content"`
}

// BarrierCompletePayload is published when the barrier releases.
type BarrierCompletePayload struct {
	TotalParticipants int  `json:"total_participants"`
	OffersReceived    int  `json:"offers_received"`
	ExitedCount       int  `json:"exited_count"`
	TimedOut          bool `json:"timed_out"`
}

// CenterToolCallPayload is published for every synthesis tool invocation.
type CenterToolCallPayload struct {
	ToolName    string          `json:"tool_name"`
	ToolArgs    json.RawMessage `json:"tool_args"`
	RoundNumber int             `json:"round_number"`
}

// PlanReadyPayload is published once the plan is finalised.
type PlanReadyPayload struct {
	PlanText            string   `json:"plan_text"`
	PlanJSON            any      `json:"plan_json"`
	CenterRounds        int      `json:"center_rounds"`
	ParticipatingAgents []string `json:"participating_agents"`
	PlanDigest          string   `json:"plan_digest,omitempty"`
}

// SubNegotiationStartedPayload is published when gap recursion spawns a child.
type SubNegotiationStartedPayload struct {
	SubNegotiationID string `json:"sub_negotiation_id"`
	GapDescription   string `json:"gap_description"`
}

// NegotiationFailedPayload is published when a session ends in ERROR.
type NegotiationFailedPayload struct {
	State     string `json:"state"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}
