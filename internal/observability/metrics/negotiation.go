package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type phaseKey struct {
	phase   string
	outcome string
}

type negotiationMetrics struct {
	mu     sync.Mutex
	phases map[phaseKey]*histogram
	states map[string]uint64
	offers map[string]uint64
}

var negotiationCollector = &negotiationMetrics{
	phases: make(map[phaseKey]*histogram),
	states: make(map[string]uint64),
	offers: make(map[string]uint64),
}

// ObservePhase records the duration of one negotiation phase.
func ObservePhase(phase, outcome string, duration time.Duration) {
	c := negotiationCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	key := phaseKey{phase: phase, outcome: outcome}
	hist := c.phases[key]
	if hist == nil {
		hist = newHistogram()
		c.phases[key] = hist
	}
	hist.observe(duration.Seconds())
}

// IncNegotiation counts a negotiation reaching its final state.
func IncNegotiation(state string) {
	c := negotiationCollector
	c.mu.Lock()
	c.states[state]++
	c.mu.Unlock()
}

// IncOffer counts one participant settling with the given outcome.
func IncOffer(outcome string) {
	c := negotiationCollector
	c.mu.Lock()
	c.offers[outcome]++
	c.mu.Unlock()
}

// NegotiationCount returns how many negotiations ended in state.
func NegotiationCount(state string) uint64 {
	c := negotiationCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[state]
}

func (c *negotiationMetrics) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.WriteString("# HELP resonance_negotiations_total Negotiations by final state.\n")
	b.WriteString("# TYPE resonance_negotiations_total counter\n")
	for _, state := range sortedKeys(c.states) {
		fmt.Fprintf(&b, "resonance_negotiations_total{state=\"%s\"} %d\n", escape(state), c.states[state])
	}

	b.WriteString("# HELP resonance_offers_total Participant settlements by outcome.\n")
	b.WriteString("# TYPE resonance_offers_total counter\n")
	for _, outcome := range sortedKeys(c.offers) {
		fmt.Fprintf(&b, "resonance_offers_total{outcome=\"%s\"} %d\n", escape(outcome), c.offers[outcome])
	}

	keys := make([]phaseKey, 0, len(c.phases))
	for k := range c.phases {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].phase == keys[j].phase {
			return keys[i].outcome < keys[j].outcome
		}
		return keys[i].phase < keys[j].phase
	})
	b.WriteString("# HELP resonance_phase_duration_seconds Negotiation phase duration in seconds.\n")
	b.WriteString("# TYPE resonance_phase_duration_seconds histogram\n")
	for _, k := range keys {
		labels := fmt.Sprintf("phase=\"%s\",outcome=\"%s\"", escape(k.phase), escape(k.outcome))
		writeHistogram(&b, "resonance_phase_duration_seconds", labels, c.phases[k])
	}
	return b.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
