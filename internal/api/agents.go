package api

import (
	"net/http"
	"strings"

	"AgentResonance/internal/directory"
	xerrors "AgentResonance/internal/errors"
)

type registerAgentRequest struct {
	AgentID      string            `json:"agent_id"`
	DisplayName  string            `json:"display_name"`
	Summary      string            `json:"profile_summary"`
	Capabilities []string          `json:"capabilities"`
	Scopes       []string          `json:"scopes"`
	Fields       map[string]string `json:"fields"`
	Vector       []float32         `json:"vector"`
}

type agentList struct {
	Version int               `json:"version"`
	Scope   string            `json:"scope"`
	Agents  []directory.Agent `json:"agents"`
}

// handleRegisterAgent 追加或更新一个 agent 的画像，只影响之后的快照。
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(r, w, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Summary) == "" && len(req.Vector) == 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "profile_summary 与 vector 不能同时为空"))
		return
	}
	agent, err := s.dir.Register(r.Context(), directory.Agent{
		ID:           req.AgentID,
		DisplayName:  req.DisplayName,
		Summary:      req.Summary,
		Capabilities: req.Capabilities,
		Scopes:       req.Scopes,
		Fields:       req.Fields,
		Vector:       req.Vector,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	scope := strings.TrimSpace(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = directory.ScopeAll
	}
	snap := s.dir.Snapshot(scope)
	agents := snap.Agents()
	if agents == nil {
		agents = []directory.Agent{}
	}
	writeJSON(w, http.StatusOK, agentList{Version: snap.Version(), Scope: scope, Agents: agents})
}
