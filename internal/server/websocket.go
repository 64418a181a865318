// Package server provides WebSocket terminal handler.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sessionhost/agentsessionhost/internal/auth"
	"github.com/sessionhost/agentsessionhost/internal/pty"
)

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
// Buffer sizes are configurable via environment variables.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" {
			// Wildcard allows all - only for development
			return true
		}
		if allowed == origin {
			// Exact match
			return true
		}
		// Check for wildcard subdomain pattern (e.g., "https://*.example.com")
		if strings.Contains(allowed, "*") {
			if matchWildcardOrigin(origin, allowed) {
				return true
			}
		}
	}
	log.Printf("WebSocket origin rejected: %s (allowed: %v)", origin, s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	// Split pattern at wildcard
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0] // e.g., "https://"
	suffix := parts[1] // e.g., ".example.com"

	// Origin must start with prefix and end with suffix
	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	if !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	if strings.Contains(middle, "/") {
		return false
	}

	return true
}

// resolveWorkspaceIDForWebsocket resolves the workspace a WebSocket upgrade
// targets. The agent and boot-log routes carry no {workspaceId} path
// segment, so the workspace comes from the routed header a control-plane
// proxy sets (the same X-SAM-Workspace-Id requireWorkspaceRoute reads for
// ordinary HTTP handlers), falling back to a ?workspaceId= query parameter
// for direct browser connections.
func (s *Server) resolveWorkspaceIDForWebsocket(r *http.Request) string {
	if workspaceID := r.PathValue("workspaceId"); workspaceID != "" {
		return workspaceID
	}
	if workspaceID := s.routedWorkspaceID(r); workspaceID != "" {
		return workspaceID
	}
	return strings.TrimSpace(r.URL.Query().Get("workspaceId"))
}

// authenticateWorkspaceWebsocket authenticates a WebSocket upgrade for
// workspaceID via the same session-cookie / ?token= paths as
// requireWorkspaceRequestAuth, writing its own error response on failure.
// It returns the resolved session so callers that need the caller's identity
// (e.g. to derive a default viewer key) don't have to look it up again.
func (s *Server) authenticateWorkspaceWebsocket(w http.ResponseWriter, r *http.Request, workspaceID string) (*auth.Session, bool) {
	if !s.requireWorkspaceRequestAuth(w, r, workspaceID) {
		return nil, false
	}
	return s.sessionManager.GetSessionFromRequest(r), true
}

// authenticateTerminalWebsocket authenticates a terminal WebSocket upgrade:
// an existing session cookie, or a one-time ?token= exchanged for a new
// session on this connection. Shared by the single- and multi-session
// terminal handlers, which otherwise duplicated this exact block.
func (s *Server) authenticateTerminalWebsocket(w http.ResponseWriter, r *http.Request) (*auth.Session, bool) {
	if session := s.sessionManager.GetSessionFromRequest(r); session != nil {
		return session, true
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	claims, err := s.jwtValidator.Validate(token)
	if err != nil {
		log.Printf("WebSocket auth failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	session, err := s.sessionManager.CreateSession(claims)
	if err != nil {
		log.Printf("Failed to create session: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	return session, true
}

// handleTerminalWS handles WebSocket connections for terminal access.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	session, ok := s.authenticateTerminalWebsocket(w, r)
	if !ok {
		return
	}

	// Upgrade to WebSocket with origin validation
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Get terminal size from query params
	rows := 24
	cols := 80
	if r.URL.Query().Get("rows") != "" {
		if err := json.Unmarshal([]byte(r.URL.Query().Get("rows")), &rows); err != nil {
			rows = 24
		}
	}
	if r.URL.Query().Get("cols") != "" {
		if err := json.Unmarshal([]byte(r.URL.Query().Get("cols")), &cols); err != nil {
			cols = 80
		}
	}

	// Create PTY session
	ptySession, err := s.ptyManager.CreateSession(session.UserID, rows, cols)
	if err != nil {
		log.Printf("Failed to create PTY session: %v", err)
		_ = conn.WriteMessage(websocket.TextMessage, NewErrorMessage("", "Failed to create terminal session", err.Error()))
		return
	}
	defer s.ptyManager.CloseSession(ptySession.ID)

	// Record activity
	s.idleDetector.RecordActivity()

	// Send session ID to client
	_ = conn.WriteMessage(websocket.TextMessage, NewSessionMessage(ptySession.ID))

	// Create mutex for writing to websocket
	var writeMu sync.Mutex

	// Start PTY output reader
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := ptySession.Read(buf)
			if err != nil {
				log.Printf("PTY read error: %v", err)
				return
			}
			if n > 0 {
				s.idleDetector.RecordActivity()
				writeMu.Lock()
				err = conn.WriteMessage(websocket.TextMessage, NewOutputMessage("", string(buf[:n])))
				writeMu.Unlock()
				if err != nil {
					log.Printf("WebSocket write error: %v", err)
					return
				}
			}
		}
	}()

	// Handle WebSocket messages
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("WebSocket read error: %v", err)
			break
		}

		msg, err := ParseMessage(message)
		if err != nil {
			log.Printf("Invalid message format: %v", err)
			continue
		}

		switch msg.Type {
		case MessageTypeInput:
			input, err := ParseInputMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid input data: %v", err)
				continue
			}
			s.idleDetector.RecordActivity()
			if _, err := ptySession.Write([]byte(input.Data)); err != nil {
				log.Printf("PTY write error: %v", err)
				break
			}

		case MessageTypeResize:
			resize, err := ParseResizeMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid resize data: %v", err)
				continue
			}
			if err := ptySession.Resize(resize.Rows, resize.Cols); err != nil {
				log.Printf("PTY resize error: %v", err)
			}

		case MessageTypePing:
			s.idleDetector.RecordActivity()
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, NewPongMessage(""))
			writeMu.Unlock()

		default:
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}

	// Wait for output reader to finish
	<-done
}

// handleMultiTerminalWS handles WebSocket connections for multiple terminal sessions.
// This is an enhanced version that supports the multi-terminal protocol.
func (s *Server) handleMultiTerminalWS(w http.ResponseWriter, r *http.Request) {
	session, ok := s.authenticateTerminalWebsocket(w, r)
	if !ok {
		return
	}

	// Upgrade to WebSocket
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Map to track PTY sessions for this WebSocket connection
	ptySessions := make(map[string]*pty.Session)
	var psMu sync.RWMutex

	// Channel to signal shutdown
	done := make(chan struct{})
	defer close(done)

	// Cleanup function
	defer func() {
		psMu.Lock()
		for id := range ptySessions {
			s.ptyManager.CloseSession(id)
		}
		psMu.Unlock()
	}()

	// Create mutex for writing to websocket
	var writeMu sync.Mutex

	// Function to start PTY output reader for a session
	startPTYReader := func(ptySession *pty.Session, sessionID string) {
		go func() {
			buf := make([]byte, 4096)
			for {
				select {
				case <-done:
					return
				default:
					n, err := ptySession.Read(buf)
					if err != nil {
						log.Printf("PTY read error for session %s: %v", sessionID, err)
						writeMu.Lock()
						_ = conn.WriteMessage(websocket.TextMessage, NewSessionClosedMessage(sessionID, ClosureReasonProcessExit, 0))
						writeMu.Unlock()
						return
					}
					if n > 0 {
						s.idleDetector.RecordActivity()
						writeMu.Lock()
						err = conn.WriteMessage(websocket.TextMessage, NewOutputMessage(sessionID, string(buf[:n])))
						writeMu.Unlock()
						if err != nil {
							log.Printf("WebSocket write error: %v", err)
							return
						}
					}
				}
			}
		}()
	}

	// Handle WebSocket messages
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("WebSocket read error: %v", err)
			break
		}

		msg, err := ParseMessage(message)
		if err != nil {
			log.Printf("Invalid message format: %v", err)
			continue
		}

		switch msg.Type {
		case MessageTypeCreateSession:
			createData, err := ParseCreateSessionMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid create session data: %v", err)
				continue
			}

			// Create new PTY session with client-provided ID
			ptySession, err := s.ptyManager.CreateSessionWithID(
				createData.SessionID,
				session.UserID,
				createData.Rows,
				createData.Cols,
			)
			if err != nil {
				log.Printf("Failed to create PTY session: %v", err)
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.TextMessage, NewErrorMessage(createData.SessionID, err.Error(), ""))
				writeMu.Unlock()
				continue
			}

			// Store session reference
			psMu.Lock()
			ptySessions[createData.SessionID] = ptySession
			psMu.Unlock()

			// Start output reader for this session
			startPTYReader(ptySession, createData.SessionID)

			// Send session created confirmation
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, NewSessionCreatedMessage(createData.SessionID, ptySession.Cmd.Dir, ""))
			writeMu.Unlock()

		case MessageTypeCloseSession:
			closeData, err := ParseCloseSessionMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid close session data: %v", err)
				continue
			}

			// Remove and close session
			psMu.Lock()
			if _, exists := ptySessions[closeData.SessionID]; exists {
				delete(ptySessions, closeData.SessionID)
				s.ptyManager.CloseSession(closeData.SessionID)
			}
			psMu.Unlock()

			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, NewSessionClosedMessage(closeData.SessionID, ClosureReasonUserRequested, 0))
			writeMu.Unlock()

		case MessageTypeInput:
			// Route input to specific session
			sessionID := msg.SessionID
			if sessionID == "" {
				// Fallback to first session for backward compatibility
				psMu.RLock()
				for id := range ptySessions {
					sessionID = id
					break
				}
				psMu.RUnlock()
			}

			input, err := ParseInputMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid input data: %v", err)
				continue
			}

			psMu.RLock()
			ptySession, exists := ptySessions[sessionID]
			psMu.RUnlock()

			if exists {
				s.idleDetector.RecordActivity()
				if _, err := ptySession.Write([]byte(input.Data)); err != nil {
					log.Printf("PTY write error: %v", err)
				}
			}

		case MessageTypeResize:
			// Route resize to specific session
			sessionID := msg.SessionID
			if sessionID == "" {
				psMu.RLock()
				for id := range ptySessions {
					sessionID = id
					break
				}
				psMu.RUnlock()
			}

			resize, err := ParseResizeMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid resize data: %v", err)
				continue
			}

			psMu.RLock()
			ptySession, exists := ptySessions[sessionID]
			psMu.RUnlock()

			if exists {
				if err := ptySession.Resize(resize.Rows, resize.Cols); err != nil {
					log.Printf("PTY resize error: %v", err)
				}
			}

		case MessageTypeRenameSession:
			// Handle session rename (store in memory for now)
			renameData, err := ParseRenameSessionMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid rename session data: %v", err)
				continue
			}

			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, NewSessionRenamedMessage(renameData.SessionID, renameData.Name))
			writeMu.Unlock()

		case MessageTypePing:
			s.idleDetector.RecordActivity()
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, NewPongMessage(msg.SessionID))
			writeMu.Unlock()

		default:
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}
}
