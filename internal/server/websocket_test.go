package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sessionhost/agentsessionhost/internal/auth"
	"github.com/sessionhost/agentsessionhost/internal/config"
	"github.com/sessionhost/agentsessionhost/internal/idle"
	"github.com/sessionhost/agentsessionhost/internal/pty"
)

// newMultiTerminalTestServer builds a Server wired to a real pty.Manager
// (spawning actual /bin/sh processes, matching how internal/pty's own tests
// exercise Manager) and returns a dialable httptest.Server for
// handleMultiTerminalWS plus the session cookie to authenticate with.
func newMultiTerminalTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()

	cfg := &config.Config{
		AllowedOrigins:    []string{"*"},
		WSReadBufferSize:  4096,
		WSWriteBufferSize: 4096,
	}

	sessionManager := auth.NewSessionManager("session", false, 1*time.Hour)
	authSession, err := sessionManager.CreateSession(&auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "test-user"},
		Workspace:        "WS_TEST",
	})
	if err != nil {
		t.Fatalf("create auth session: %v", err)
	}

	ptyManager := pty.NewManager(pty.ManagerConfig{
		DefaultShell: "/bin/sh",
		DefaultRows:  24,
		DefaultCols:  80,
		BufferSize:   4096,
	})
	t.Cleanup(ptyManager.CloseAllSessions)

	s := &Server{
		config:         cfg,
		sessionManager: sessionManager,
		ptyManager:     ptyManager,
		idleDetector:   idle.NewDetector(time.Hour, time.Hour, "", "WS_TEST", ""),
	}

	ts := httptest.NewServer(http.HandlerFunc(s.handleMultiTerminalWS))
	t.Cleanup(ts.Close)

	return s, ts, authSession.ID
}

func dialMultiTerminalWS(t *testing.T, ts *httptest.Server, cookieSessionID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	header := http.Header{}
	header.Set("Cookie", "session="+cookieSessionID)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, msgType MessageType, sessionID string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	envelope := BaseMessage{Type: msgType, SessionID: sessionID, Data: raw}
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) *BaseMessage {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}
	return msg
}

func TestHandleMultiTerminalWS(t *testing.T) {
	_, ts, cookieSessionID := newMultiTerminalTestServer(t)
	conn := dialMultiTerminalWS(t, ts, cookieSessionID)
	defer conn.Close()

	t.Run("CreateSession", func(t *testing.T) {
		sendMessage(t, conn, MessageTypeCreateSession, "", CreateSessionMessage{
			SessionID: "test-session-1",
			Rows:      24,
			Cols:      80,
			Name:      "Test Terminal",
		})

		resp := readMessage(t, conn)
		if resp.Type != MessageTypeSessionCreated {
			t.Fatalf("expected session_created, got %s", resp.Type)
		}
		if resp.SessionID != "test-session-1" {
			t.Fatalf("expected sessionId test-session-1, got %s", resp.SessionID)
		}
	})

	t.Run("RouteInputToSession", func(t *testing.T) {
		sendMessage(t, conn, MessageTypeInput, "test-session-1", InputMessage{Data: "echo hi\n"})
		time.Sleep(20 * time.Millisecond)

		resp := readMessage(t, conn)
		if resp.Type != MessageTypeOutput {
			t.Fatalf("expected output, got %s", resp.Type)
		}
		if resp.SessionID != "test-session-1" {
			t.Fatalf("expected output tagged with sessionId test-session-1, got %s", resp.SessionID)
		}
		var out OutputMessage
		if err := json.Unmarshal(resp.Data, &out); err != nil {
			t.Fatalf("unmarshal output data: %v", err)
		}
		if !strings.Contains(out.Data, "echo hi") && !strings.Contains(out.Data, "hi") {
			t.Fatalf("expected shell echo in output, got %q", out.Data)
		}
	})

	t.Run("ResizeSession", func(t *testing.T) {
		sendMessage(t, conn, MessageTypeResize, "test-session-1", ResizeMessage{Rows: 30, Cols: 100})
		// No response expected on success; just give the handler time to run.
		time.Sleep(10 * time.Millisecond)
	})

	t.Run("RenameSession", func(t *testing.T) {
		sendMessage(t, conn, MessageTypeRenameSession, "test-session-1", RenameSessionMessage{
			SessionID: "test-session-1",
			Name:      "Renamed Terminal",
		})

		resp := readMessage(t, conn)
		if resp.Type != MessageTypeSessionRenamed {
			t.Fatalf("expected session_renamed, got %s", resp.Type)
		}
		var renamed SessionRenamedMessage
		if err := json.Unmarshal(resp.Data, &renamed); err != nil {
			t.Fatalf("unmarshal renamed data: %v", err)
		}
		if renamed.Name != "Renamed Terminal" {
			t.Fatalf("expected renamed name, got %s", renamed.Name)
		}
	})

	t.Run("CloseSession", func(t *testing.T) {
		sendMessage(t, conn, MessageTypeCloseSession, "", CloseSessionMessage{SessionID: "test-session-1"})

		resp := readMessage(t, conn)
		if resp.Type != MessageTypeSessionClosed {
			t.Fatalf("expected session_closed, got %s", resp.Type)
		}
		if resp.SessionID != "test-session-1" {
			t.Fatalf("expected sessionId test-session-1, got %s", resp.SessionID)
		}
	})

	t.Run("CloseNonExistentSession", func(t *testing.T) {
		// Closing an unknown session is a no-op that still confirms closure
		// (handleMultiTerminalWS deletes-if-present rather than erroring).
		sendMessage(t, conn, MessageTypeCloseSession, "", CloseSessionMessage{SessionID: "never-existed"})

		resp := readMessage(t, conn)
		if resp.Type != MessageTypeSessionClosed {
			t.Fatalf("expected session_closed, got %s", resp.Type)
		}
	})

	t.Run("InvalidMessageType", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]interface{}{
			"type": "not_a_real_type",
			"data": map[string]interface{}{},
		})
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			t.Fatalf("write message: %v", err)
		}

		// handleMultiTerminalWS logs and continues on an unknown type rather than
		// replying; send a ping afterward to confirm the read loop is still alive.
		sendMessage(t, conn, MessageTypePing, "", struct{}{})
		resp := readMessage(t, conn)
		if resp.Type != MessageTypePong {
			t.Fatalf("expected pong after invalid message type, got %s", resp.Type)
		}
	})

	t.Run("MalformedMessage", func(t *testing.T) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			t.Fatalf("write message: %v", err)
		}

		// ParseMessage failures are logged and skipped, not surfaced to the
		// client; confirm the connection is still usable afterward.
		sendMessage(t, conn, MessageTypePing, "", struct{}{})
		resp := readMessage(t, conn)
		if resp.Type != MessageTypePong {
			t.Fatalf("expected pong after malformed message, got %s", resp.Type)
		}
	})
}

func TestHandleMultiTerminalWS_DuplicateSessionIDRejected(t *testing.T) {
	_, ts, cookieSessionID := newMultiTerminalTestServer(t)
	conn := dialMultiTerminalWS(t, ts, cookieSessionID)
	defer conn.Close()

	sendMessage(t, conn, MessageTypeCreateSession, "", CreateSessionMessage{
		SessionID: "dup-session",
		Rows:      24,
		Cols:      80,
	})
	resp := readMessage(t, conn)
	if resp.Type != MessageTypeSessionCreated {
		t.Fatalf("expected session_created, got %s", resp.Type)
	}

	// pty.Manager.CreateSessionWithID rejects a reused ID outright, so
	// handleMultiTerminalWS surfaces that as an error message.
	sendMessage(t, conn, MessageTypeCreateSession, "", CreateSessionMessage{
		SessionID: "dup-session",
		Rows:      24,
		Cols:      80,
	})
	resp = readMessage(t, conn)
	if resp.Type != MessageTypeError {
		t.Fatalf("expected error on duplicate session ID, got %s", resp.Type)
	}
	var errMsg ErrorMessage
	if err := json.Unmarshal(resp.Data, &errMsg); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if !strings.Contains(errMsg.Error, "already exists") {
		t.Fatalf("expected already-exists error, got %q", errMsg.Error)
	}
}

func TestWebSocketReconnection(t *testing.T) {
	_, ts, cookieSessionID := newMultiTerminalTestServer(t)

	ws1 := dialMultiTerminalWS(t, ts, cookieSessionID)
	sendMessage(t, ws1, MessageTypeCreateSession, "", CreateSessionMessage{
		SessionID: "persist-1",
		Rows:      24,
		Cols:      80,
	})
	resp := readMessage(t, ws1)
	if resp.Type != MessageTypeSessionCreated {
		t.Fatalf("expected session_created, got %s", resp.Type)
	}
	ws1.Close()

	// A fresh connection owns its own session map; PTY sessions live on the
	// shared pty.Manager, not on the WebSocket, but routing input to a
	// session ID a new connection never created should be silently dropped
	// rather than crash the handler.
	ws2 := dialMultiTerminalWS(t, ts, cookieSessionID)
	defer ws2.Close()
	sendMessage(t, ws2, MessageTypeInput, "persist-1", InputMessage{Data: "test"})
	time.Sleep(10 * time.Millisecond)
}
