// Package directory holds the network of agents as a single append-only log.
// Registrations and updates append new records; readers materialise a
// Snapshot from a prefix of the log, so a snapshot taken for one negotiation
// never observes agents registered or updated afterwards.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/embedding"
)

// ScopeAll selects every agent in the directory.
const ScopeAll = "all"

// Agent is the read-only profile record of one agent.
type Agent struct {
	ID           string            `yaml:"id" json:"agent_id"`
	DisplayName  string            `yaml:"display_name" json:"display_name"`
	Summary      string            `yaml:"summary" json:"profile_summary"`
	Capabilities []string          `yaml:"capabilities" json:"capabilities,omitempty"`
	Scopes       []string          `yaml:"scopes" json:"scopes,omitempty"`
	Fields       map[string]string `yaml:"fields" json:"fields,omitempty"`
	Vector       []float32         `yaml:"vector,omitempty" json:"-"`
	RegisteredAt time.Time         `yaml:"-" json:"registered_at"`
}

// Clone returns a deep copy so callers can never alias directory memory.
func (a Agent) Clone() Agent {
	out := a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	out.Scopes = append([]string(nil), a.Scopes...)
	out.Vector = append([]float32(nil), a.Vector...)
	if a.Fields != nil {
		out.Fields = make(map[string]string, len(a.Fields))
		for k, v := range a.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// InScope reports whether the agent belongs to scope. The empty scope and
// ScopeAll match every agent.
func (a Agent) InScope(scope string) bool {
	scope = strings.TrimSpace(scope)
	if scope == "" || scope == ScopeAll {
		return true
	}
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ProfileText is the text encoded into the agent's profile vector.
func (a Agent) ProfileText() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(a.Summary))
	if len(a.Capabilities) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(a.Capabilities, ", "))
	}
	return strings.TrimSpace(b.String())
}

// Name returns the display name, falling back to the id.
func (a Agent) Name() string {
	if strings.TrimSpace(a.DisplayName) != "" {
		return a.DisplayName
	}
	return a.ID
}

// Directory is the shared append-only agent log.
type Directory struct {
	mu      sync.RWMutex
	log     []Agent
	encoder embedding.Encoder
	now     func() time.Time
}

// New creates an empty directory. When encoder is non-nil, agents registered
// without a vector get one computed from ProfileText.
func New(encoder embedding.Encoder) *Directory {
	return &Directory{encoder: encoder, now: time.Now}
}

// Register appends a new record for agent. Registering an existing id
// supersedes the previous record for future snapshots only.
func (d *Directory) Register(ctx context.Context, agent Agent) (Agent, error) {
	agent.ID = strings.TrimSpace(agent.ID)
	if agent.ID == "" {
		return Agent{}, xerrors.New(xerrors.CodeInvalidArgument, "agent id 不能为空")
	}
	record := agent.Clone()
	if len(record.Vector) == 0 && d.encoder != nil {
		vec, err := d.encoder.Encode(ctx, record.ProfileText())
		if err != nil {
			return Agent{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "计算 agent 画像向量失败",
				xerrors.WithMetadata("agent_id", record.ID))
		}
		record.Vector = vec
	}
	record.RegisteredAt = d.now().UTC()

	d.mu.Lock()
	d.log = append(d.log, record)
	d.mu.Unlock()
	return record.Clone(), nil
}

// Version is the number of records appended so far.
func (d *Directory) Version() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.log)
}

// Get returns the latest record of one agent.
func (d *Directory) Get(id string) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := len(d.log) - 1; i >= 0; i-- {
		if d.log[i].ID == id {
			return d.log[i].Clone(), true
		}
	}
	return Agent{}, false
}

// Snapshot freezes the current view of scope.
func (d *Directory) Snapshot(scope string) *Snapshot {
	d.mu.RLock()
	prefix := d.log[:len(d.log):len(d.log)]
	d.mu.RUnlock()
	return newSnapshot(prefix, scope)
}

// Snapshot is an immutable view of the directory for one scope. Records are
// shared with the log, which never mutates an appended record.
type Snapshot struct {
	version int
	scope   string
	agents  []Agent
	index   map[string]int
}

func newSnapshot(prefix []Agent, scope string) *Snapshot {
	latest := make(map[string]Agent, len(prefix))
	for _, a := range prefix {
		latest[a.ID] = a
	}
	agents := make([]Agent, 0, len(latest))
	for _, a := range latest {
		if a.InScope(scope) {
			agents = append(agents, a)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	index := make(map[string]int, len(agents))
	for i, a := range agents {
		index[a.ID] = i
	}
	return &Snapshot{version: len(prefix), scope: scope, agents: agents, index: index}
}

// Version is the directory length at capture time.
func (s *Snapshot) Version() int { return s.version }

// Scope returns the scope the snapshot was taken for.
func (s *Snapshot) Scope() string { return s.scope }

// Len returns the number of agents in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.agents)
}

// Get returns a copy of one agent's record.
func (s *Snapshot) Get(id string) (Agent, bool) {
	if s == nil {
		return Agent{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return Agent{}, false
	}
	return s.agents[i].Clone(), true
}

// Agents returns copies of every agent, ordered by id.
func (s *Snapshot) Agents() []Agent {
	if s == nil {
		return nil
	}
	out := make([]Agent, len(s.agents))
	for i, a := range s.agents {
		out[i] = a.Clone()
	}
	return out
}

// Candidates exposes the profile vectors for ranking without copying agent
// metadata.
func (s *Snapshot) Candidates() []embedding.Candidate {
	if s == nil {
		return nil
	}
	out := make([]embedding.Candidate, len(s.agents))
	for i, a := range s.agents {
		out[i] = embedding.Candidate{ID: a.ID, Vector: a.Vector}
	}
	return out
}
