package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// BootLogReporter sends structured log entries to the control plane.
// It must be non-nil and have a valid token for logging to work.
type BootLogReporter interface {
	Log(step, status, message string, detail ...string)
}

// ErrorReporter sends structured error entries to observability.
// All methods must be nil-safe.
type ErrorReporter interface {
	ReportError(err error, source, workspaceID string, ctx map[string]interface{})
	ReportInfo(message, source, workspaceID string, ctx map[string]interface{})
	ReportWarn(message, source, workspaceID string, ctx map[string]interface{})
}

// EventAppender appends structured events to the workspace event log.
// This allows the session host to emit events visible in the UI event log
// without depending on the server package directly.
type EventAppender interface {
	AppendEvent(workspaceID, level, eventType, message string, detail map[string]interface{})
}

// SessionUpdater persists ACP session IDs for reconnection with LoadSession.
type SessionUpdater interface {
	// UpdateAcpSessionID updates the ACP session ID and agent type for a session.
	UpdateAcpSessionID(workspaceID, sessionID, acpSessionID, agentType string) error
}

// TabSessionUpdater persists ACP session IDs to the SQLite persistence store.
type TabSessionUpdater interface {
	// UpdateTabAcpSessionID updates the ACP session ID for a tab.
	UpdateTabAcpSessionID(tabID, acpSessionID string) error
}

// MessageReporter enqueues extracted chat messages for durable persistence.
type MessageReporter interface {
	Enqueue(entry MessageReportEntry) error
}

// GatewayConfig holds configuration shared by every viewer of a SessionHost,
// plus everything needed to spawn and supervise the underlying agent process.
type GatewayConfig struct {
	// InitTimeoutMs is the ACP initialization timeout in milliseconds.
	InitTimeoutMs int
	// MaxRestartAttempts is the maximum number of restart attempts on crash.
	MaxRestartAttempts int
	// ControlPlaneURL is the URL for fetching agent API keys.
	ControlPlaneURL string
	// WorkspaceID is the current workspace identifier.
	WorkspaceID string
	// SessionID is the agent session identifier (used for persistence).
	SessionID string
	// CallbackToken is the JWT for authenticating with the control plane.
	CallbackToken string
	// ContainerResolver returns the devcontainer's Docker container ID.
	ContainerResolver func() (string, error)
	// ContainerUser is the user to run as inside the container.
	ContainerUser string
	// ContainerWorkDir is the working directory inside the container.
	ContainerWorkDir string
	// OnActivity is called when there's ACP activity (for idle detection).
	OnActivity func()
	// OnPromptComplete is called after a prompt finishes, with the stop
	// reason ("end_turn", "cancelled", ...) or a non-nil error.
	OnPromptComplete func(stopReason string, err error)
	// BootLog is the reporter for sending structured logs to the control plane.
	// Agent errors (stderr, crashes) are reported here for observability.
	BootLog BootLogReporter
	// PreviousAcpSessionID is the ACP session ID from a previous connection.
	// When set, the host will attempt LoadSession instead of NewSession to
	// restore conversation context on reconnection.
	PreviousAcpSessionID string
	// PreviousAgentType is the agent type from the previous connection.
	// Used together with PreviousAcpSessionID to decide whether LoadSession
	// should be attempted (only if the same agent type is being reconnected).
	PreviousAgentType string
	// SessionManager persists ACP session IDs for reconnection.
	SessionManager SessionUpdater
	// TabStore persists ACP session IDs to the SQLite store.
	TabStore TabSessionUpdater
	// MessageReporter enqueues extracted chat messages for durable storage.
	MessageReporter MessageReporter
	// FileExecTimeout is the timeout for file read/write operations via docker exec.
	FileExecTimeout time.Duration
	// FileMaxSize is the maximum file size in bytes for read operations.
	FileMaxSize int
	// ErrorReporter sends structured error entries to observability.
	// Agent errors (crashes, install failures, prompt failures) are reported here.
	ErrorReporter ErrorReporter
	// EventAppender appends events to the workspace event log (visible in UI).
	EventAppender EventAppender
	// IdleSuspendTimeout is how long a SessionHost waits with zero attached
	// viewers before calling Suspend(). Zero disables auto-suspend.
	IdleSuspendTimeout time.Duration
	// PromptTimeout bounds a single ACP Prompt call. Defaults to
	// DefaultPromptTimeout if zero.
	PromptTimeout time.Duration
	// PromptCancelGracePeriod bounds how long CancelPrompt waits for a
	// cooperative stop before force-stopping the agent process. Defaults to
	// DefaultPromptCancelGracePeriod if zero.
	PromptCancelGracePeriod time.Duration
	// StopGracePeriod and StopTimeout are forwarded to every AgentProcess
	// this host spawns; see ProcessConfig.
	StopGracePeriod time.Duration
	StopTimeout     time.Duration
	// PingInterval is the interval between WebSocket pings sent to each
	// viewer to detect stale connections. Defaults to defaultPingInterval.
	PingInterval time.Duration
	// PongTimeout is the extra grace period added to PingInterval when
	// computing the read deadline. Defaults to defaultPongTimeout.
	PongTimeout time.Duration
	// GitTokenFetcher fetches a fresh GH_TOKEN from the control plane when
	// one isn't already present in the container's bootstrap env files.
	GitTokenFetcher func(ctx context.Context) (string, error)
}

// defaultPingInterval is the interval between WebSocket pings to detect stale connections.
const defaultPingInterval = 30 * time.Second

// defaultPongTimeout is the extra grace period allowed after a ping before
// the read deadline expires.
const defaultPongTimeout = 10 * time.Second

// Gateway is a thin, per-viewer relay between a single WebSocket connection
// and a SessionHost. It owns no agent state of its own: agent selection,
// process lifecycle, and message buffering all live on the SessionHost so
// that multiple Gateways (one per browser tab/reload) can share one agent.
//
// Gateway never writes to conn directly — the SessionHost's per-viewer
// write pump (started by AttachViewer) is the connection's sole writer,
// including the periodic WebSocket ping. Gateway only reads.
type Gateway struct {
	host     *SessionHost
	conn     *websocket.Conn
	viewerID string
}

// NewGateway creates a Gateway relaying between conn and host on behalf of
// viewerID. The caller is expected to have already attached viewerID via
// host.AttachViewer before constructing the Gateway.
func NewGateway(host *SessionHost, conn *websocket.Conn, viewerID string) *Gateway {
	return &Gateway{
		host:     host,
		conn:     conn,
		viewerID: viewerID,
	}
}

// Run reads inbound WebSocket frames from the browser and routes them to
// the SessionHost until the connection closes, the viewer's write pump
// dies (e.g. on a write error), or ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	readTimeout := g.host.readDeadlineWindow()
	g.conn.SetReadDeadline(time.Now().Add(readTimeout))
	g.conn.SetPongHandler(func(string) error {
		g.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	readErrCh := make(chan error, 1)
	readCh := make(chan []byte, 1)
	go g.readLoop(readCh, readErrCh)

	g.host.viewersMu.RLock()
	viewer := g.host.viewers[g.viewerID]
	g.host.viewersMu.RUnlock()
	var viewerDone <-chan struct{}
	if viewer != nil {
		viewerDone = viewer.Done()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-viewerDone:
			return fmt.Errorf("gateway: viewer write pump exited")

		case err := <-readErrCh:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("gateway read: %w", err)

		case data := <-readCh:
			g.conn.SetReadDeadline(time.Now().Add(readTimeout))
			g.handleInbound(ctx, data)
		}
	}
}

// readLoop pumps text messages off the WebSocket onto a channel so Run can
// multiplex reads against context cancellation and the viewer-death signal.
func (g *Gateway) readLoop(out chan<- []byte, errCh chan<- error) {
	for {
		msgType, data, err := g.conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		out <- data
	}
}

// handleInbound classifies an inbound frame as a control message or a raw
// ACP JSON-RPC message and routes it to the SessionHost accordingly.
func (g *Gateway) handleInbound(ctx context.Context, data []byte) {
	isControl, controlType := ParseWebSocketMessage(data)
	if isControl {
		switch controlType {
		case MsgSelectAgent:
			var msg SelectAgentMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Error("gateway: failed to parse select_agent message", "error", err)
				return
			}
			go g.host.SelectAgent(ctx, msg.AgentType)
		case MsgPing:
			g.host.SendPongToViewer(g.viewerID)
		default:
			slog.Warn("gateway: unhandled control message", "type", controlType)
		}
		return
	}

	var rpcMsg struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal(data, &rpcMsg); err != nil {
		slog.Error("gateway: failed to parse WebSocket message", "error", err)
		return
	}

	switch rpcMsg.Method {
	case "session/prompt":
		go g.host.HandlePrompt(ctx, rpcMsg.ID, rpcMsg.Params, g.viewerID)
	case "session/cancel":
		g.host.CancelPrompt()
		g.host.ForwardToAgent(data)
	default:
		// Unknown ACP method: forward the raw frame to the agent's stdin as a
		// fallback so methods the gateway doesn't special-case still reach it.
		g.host.ForwardToAgent(data)
	}
}

// agentCredential holds the credential and its type returned from the control plane.
type agentCredential struct {
	credential     string
	credentialKind string // "api-key" or "oauth-token"
}

// agentSettingsPayload holds per-user, per-agent settings from the control plane.
type agentSettingsPayload struct {
	Model          string `json:"model"`
	PermissionMode string `json:"permissionMode"`
}

// agentCommandInfo holds the command, args, env var, and install command for an agent.
type agentCommandInfo struct {
	command    string
	args       []string
	envVarName string
	installCmd string // npm install command to run if binary is missing
}

// getAgentCommandInfo returns the ACP command, args, env var name, and
// install command for a given agent type. The credentialKind parameter
// determines which environment variable to use for Claude Code.
func getAgentCommandInfo(agentType string, credentialKind string) agentCommandInfo {
	switch agentType {
	case "claude-code":
		if credentialKind == "oauth-token" {
			return agentCommandInfo{"claude-code-acp", nil, "CLAUDE_CODE_OAUTH_TOKEN", "npm install -g @zed-industries/claude-code-acp"}
		}
		return agentCommandInfo{"claude-code-acp", nil, "ANTHROPIC_API_KEY", "npm install -g @zed-industries/claude-code-acp"}
	case "openai-codex":
		return agentCommandInfo{"codex-acp", nil, "OPENAI_API_KEY", "npm install -g @zed-industries/codex-acp"}
	case "google-gemini":
		return agentCommandInfo{"gemini", []string{"--experimental-acp"}, "GEMINI_API_KEY", "npm install -g @google/gemini-cli"}
	default:
		return agentCommandInfo{agentType, nil, "API_KEY", ""}
	}
}

// getModelEnvVar returns the environment variable name used to set the model
// for a given agent type. Returns empty string if no model env var is known.
func getModelEnvVar(agentType string) string {
	switch agentType {
	case "claude-code":
		return "ANTHROPIC_MODEL"
	case "openai-codex":
		return "OPENAI_MODEL"
	case "google-gemini":
		return "GEMINI_MODEL"
	default:
		return ""
	}
}

// installAgentBinary checks if the agent command exists in the given container
// and installs it via the provided installCmd if missing. The install runs as
// root to ensure permissions for system-level package installs. Returns nil if
// the binary was already present or was installed successfully.
func installAgentBinary(ctx context.Context, containerID string, info agentCommandInfo) error {
	checkArgs := []string{"exec", containerID, "which", info.command}
	checkCmd := exec.CommandContext(ctx, "docker", checkArgs...)
	if err := checkCmd.Run(); err == nil {
		slog.Info("agent binary already installed", "command", info.command)
		return nil
	}

	slog.Info("agent binary not found in container, installing", "command", info.command)

	// Check if npm exists; if not, install Node.js first (most devcontainers
	// are Debian/Ubuntu-based). Run as root for system-level package installs.
	installScript := fmt.Sprintf(
		`which npm >/dev/null 2>&1 || { apt-get update -qq && apt-get install -y -qq nodejs npm; }; %s`,
		info.installCmd,
	)

	installArgs := []string{"exec", "-u", "root", containerID, "sh", "-c", installScript}
	installCmd := exec.CommandContext(ctx, "docker", installArgs...)
	output, err := installCmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("install command failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	slog.Info("agent binary installed successfully", "command", info.command)
	return nil
}

// execInContainer runs a command inside a devcontainer and returns stdout.
// Uses docker exec with optional user flag.
func execInContainer(ctx context.Context, containerID, user, workDir string, args ...string) (stdout string, stderr string, err error) {
	dockerArgs := []string{"exec", "-i"}
	if user != "" {
		dockerArgs = append(dockerArgs, "-u", user)
	}
	if workDir != "" {
		dockerArgs = append(dockerArgs, "-w", workDir)
	}
	dockerArgs = append(dockerArgs, containerID)
	dockerArgs = append(dockerArgs, args...)

	cmd := exec.CommandContext(ctx, "docker", dockerArgs...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		return "", strings.TrimSpace(stderrBuf.String()), fmt.Errorf("command failed: %w", err)
	}

	return stdoutBuf.String(), strings.TrimSpace(stderrBuf.String()), nil
}

// applyLineLimit applies Line and Limit parameters to file content for partial reads.
// Line is 1-based. Returns the selected portion of content.
func applyLineLimit(content string, line *int, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.Split(content, "\n")
	startLine := 0
	if line != nil && *line > 1 {
		startLine = *line - 1
		if startLine >= len(lines) {
			return ""
		}
		lines = lines[startLine:]
	}
	if limit != nil && *limit > 0 && *limit < len(lines) {
		lines = lines[:*limit]
	}
	return strings.Join(lines, "\n")
}

// truncate limits a string to maxLen characters, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func byteReader(data []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(data))
}
