package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/sessionhost/agentsessionhost/internal/acp"
	"github.com/sessionhost/agentsessionhost/internal/agentsessions"
	"github.com/sessionhost/agentsessionhost/internal/persistence"
)

// stopSessionHost stops and discards the SessionHost backing a single agent
// session, if one has been created.
func (s *Server) stopSessionHost(workspaceID, sessionID string) {
	hostKey := workspaceID + ":" + sessionID
	s.sessionHostMu.Lock()
	existing := s.sessionHosts[hostKey]
	if existing != nil {
		existing.Stop()
		delete(s.sessionHosts, hostKey)
	}
	s.sessionHostMu.Unlock()
}

func (s *Server) stopSessionHostsForWorkspace(workspaceID string) {
	prefix := workspaceID + ":"

	s.sessionHostMu.Lock()
	defer s.sessionHostMu.Unlock()

	for key, host := range s.sessionHosts {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		host.Stop()
		delete(s.sessionHosts, key)
	}
}

func (s *Server) requireNodeManagementAuth(w http.ResponseWriter, r *http.Request, workspaceID string) bool {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "missing Authorization header")
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return false
	}

	claims, err := s.jwtValidator.ValidateNodeManagementToken(token, workspaceID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid management token")
		return false
	}

	routedNode := s.routedNodeID(r)
	if routedNode != "" && routedNode != s.config.NodeID {
		writeError(w, http.StatusForbidden, "node route mismatch")
		return false
	}

	if workspaceID != "" {
		routedWorkspace := s.routedWorkspaceID(r)
		if routedWorkspace == "" || routedWorkspace != workspaceID {
			writeError(w, http.StatusForbidden, "workspace route mismatch")
			return false
		}
		if claims.Workspace != "" && claims.Workspace != workspaceID {
			writeError(w, http.StatusForbidden, "workspace claim mismatch")
			return false
		}
	}

	return true
}

func (s *Server) handleListTabs(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}

	// Accept both workspace session cookies (browser) and management tokens (control plane).
	// Also accept workspace JWT token via ?token= query param for first-load scenarios
	// before a session cookie has been established.
	if !s.requireWorkspaceRequestAuth(w, r, workspaceID) {
		if !s.requireNodeManagementAuth(w, r, workspaceID) {
			return
		}
	}

	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"tabs": []interface{}{}})
		return
	}

	tabs, err := s.store.ListTabs(workspaceID)
	if err != nil {
		log.Printf("Error listing tabs for workspace %s: %v", workspaceID, err)
		writeError(w, http.StatusInternalServerError, "failed to list tabs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"tabs": tabs})
}

func (s *Server) handleListAgentSessions(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	if !s.requireNodeManagementAuth(w, r, workspaceID) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.agentSessions.List(workspaceID),
	})
}

func (s *Server) handleCreateAgentSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	if !s.requireNodeManagementAuth(w, r, workspaceID) {
		return
	}

	var body struct {
		SessionID string `json:"sessionId"`
		Label     string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	session, idempotentHit, err := s.agentSessions.Create(workspaceID, strings.TrimSpace(body.SessionID), strings.TrimSpace(body.Label), idempotencyKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !idempotentHit {
		s.appendNodeEvent(workspaceID, "info", "agent_session.created", "Agent session created", map[string]interface{}{"sessionId": session.ID})

		// Persist chat tab for cross-device continuity
		if s.store != nil {
			tabCount, _ := s.store.TabCount(workspaceID)
			if err := s.store.InsertTab(persistence.Tab{
				ID:          session.ID,
				WorkspaceID: workspaceID,
				Type:        "chat",
				Label:       session.Label,
				AgentID:     "", // Agent ID is inferred from label currently
				SortOrder:   tabCount,
			}); err != nil {
				log.Printf("Warning: failed to persist chat tab: %v", err)
			}
		}
	}

	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleStopAgentSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	sessionID := r.PathValue("sessionId")
	if workspaceID == "" || sessionID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId and sessionId are required")
		return
	}
	if !s.requireNodeManagementAuth(w, r, workspaceID) {
		return
	}

	session, err := s.agentSessions.Stop(workspaceID, sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.stopSessionHost(workspaceID, sessionID)

	// Remove persisted chat tab
	if s.store != nil {
		if err := s.store.DeleteTab(sessionID); err != nil {
			log.Printf("Warning: failed to delete persisted chat tab: %v", err)
		}
	}

	s.appendNodeEvent(workspaceID, "info", "agent_session.stopped", "Agent session stopped", map[string]interface{}{"sessionId": sessionID})
	writeJSON(w, http.StatusOK, session)
}

// handleStartAgentSession selects an agent for an already-created session and
// kicks off its first prompt. The agent process startup and the prompt
// round-trip both happen off the request goroutine; callers poll the
// websocket or the session's status to see the result.
func (s *Server) handleStartAgentSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	sessionID := r.PathValue("sessionId")
	if workspaceID == "" || sessionID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId and sessionId are required")
		return
	}
	if !s.requireNodeManagementAuth(w, r, workspaceID) {
		return
	}

	var body struct {
		AgentType     string `json:"agentType"`
		InitialPrompt string `json:"initialPrompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentType := strings.TrimSpace(body.AgentType)
	if agentType == "" {
		writeError(w, http.StatusBadRequest, "agentType is required")
		return
	}
	initialPrompt := strings.TrimSpace(body.InitialPrompt)
	if initialPrompt == "" {
		writeError(w, http.StatusBadRequest, "initialPrompt is required")
		return
	}

	session, ok := s.agentSessions.Get(workspaceID, sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if session.Status != agentsessions.StatusRunning {
		writeError(w, http.StatusConflict, "session is not running")
		return
	}

	runtime, ok := s.getWorkspaceRuntime(workspaceID)
	if !ok {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}

	hostKey := workspaceID + ":" + sessionID
	host := s.getOrCreateSessionHost(hostKey, workspaceID, sessionID, session, runtime)

	go s.startAgentWithPrompt(host, workspaceID, sessionID, agentType, initialPrompt)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "starting",
		"sessionId": sessionID,
	})
}

// startAgentWithPrompt selects the agent if the host is still idle, then
// relays the initial prompt as if it had arrived over the agent websocket.
// Runs on its own goroutine since SelectAgent and HandlePrompt both block on
// subprocess I/O.
func (s *Server) startAgentWithPrompt(host *acp.SessionHost, workspaceID, sessionID, agentType, initialPrompt string) {
	ctx := context.Background()

	if host.Status() == acp.HostIdle {
		host.SelectAgent(ctx, agentType)
	}
	if host.Status() != acp.HostReady {
		return
	}

	promptParams, err := json.Marshal(map[string]interface{}{
		"prompt": []map[string]string{{"type": "text", "text": initialPrompt}},
	})
	if err != nil {
		log.Printf("Workspace %s: failed to encode initial prompt for session %s: %v", workspaceID, sessionID, err)
		return
	}

	reqID := json.RawMessage(fmt.Sprintf("%q", "start-"+randomEventID()))
	host.HandlePrompt(ctx, reqID, promptParams, "system")
}

// handleSuspendAgentSession parks a session's SessionHost, stopping its agent
// process while preserving the ACP session ID so it can be resumed later.
func (s *Server) handleSuspendAgentSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	sessionID := r.PathValue("sessionId")
	if workspaceID == "" || sessionID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId and sessionId are required")
		return
	}
	if !s.requireNodeManagementAuth(w, r, workspaceID) {
		return
	}

	session, ok := s.agentSessions.Get(workspaceID, sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	hostKey := workspaceID + ":" + sessionID
	s.sessionHostMu.Lock()
	host := s.sessionHosts[hostKey]
	s.sessionHostMu.Unlock()

	acpSessionID, agentType := session.AcpSessionID, session.AgentType
	if host != nil {
		if id, at := host.Suspend(); id != "" {
			acpSessionID, agentType = id, at
		}
		s.stopSessionHost(workspaceID, sessionID)
	}
	if acpSessionID != "" {
		_ = s.agentSessions.UpdateAcpSessionID(workspaceID, sessionID, acpSessionID, agentType)
	}

	suspended, err := s.agentSessions.Suspend(workspaceID, sessionID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.appendNodeEvent(workspaceID, "info", "agent_session.suspended", "Agent session suspended", map[string]interface{}{"sessionId": sessionID})
	writeJSON(w, http.StatusOK, suspended)
}

// handleResumeAgentSession marks a suspended session as running again. The
// agent process itself is relaunched lazily, the next time a websocket
// attaches or a start request arrives, using the preserved ACP session ID.
func (s *Server) handleResumeAgentSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	sessionID := r.PathValue("sessionId")
	if workspaceID == "" || sessionID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId and sessionId are required")
		return
	}
	if !s.requireNodeManagementAuth(w, r, workspaceID) {
		return
	}

	resumed, err := s.agentSessions.Resume(workspaceID, sessionID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.appendNodeEvent(workspaceID, "info", "agent_session.resumed", "Agent session resumed", map[string]interface{}{"sessionId": sessionID})
	writeJSON(w, http.StatusOK, resumed)
}
