package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

type gitTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// handleGitCredential implements the `git credential` helper protocol: the
// subprocess spawned inside a workspace's container shells out to this
// endpoint (via `GIT_ASKPASS`/`credential.helper`) whenever it needs a
// short-lived GitHub token for an HTTPS clone/fetch/push.
func (s *Server) handleGitCredential(w http.ResponseWriter, r *http.Request) {
	if !s.isValidCallbackAuth(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	gitToken, err := s.fetchGitToken(r.Context())
	if err != nil {
		log.Printf("Failed to fetch git token: %v", err)
		writeError(w, http.StatusBadGateway, "failed to fetch git token")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "protocol=https\nhost=github.com\nusername=x-access-token\npassword=%s\n\n", gitToken)
}

// fetchGitToken asks the control plane for a fresh git access token scoped
// to this node's workspace. Wired as the ACP gateway's GitTokenFetcher so an
// agent's own git operations reuse the same credential path.
func (s *Server) fetchGitToken(ctx context.Context) (string, error) {
	req, err := s.newGitTokenRequest(ctx)
	if err != nil {
		return "", err
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("git-token request failed: %w", err)
	}
	defer res.Body.Close()

	return parseGitTokenResponse(res)
}

func (s *Server) newGitTokenRequest(ctx context.Context) (*http.Request, error) {
	endpoint := fmt.Sprintf(
		"%s/api/workspaces/%s/git-token",
		strings.TrimRight(s.config.ControlPlaneURL, "/"),
		s.config.WorkspaceID,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("failed to build git-token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.CallbackToken)
	return req, nil
}

// parseGitTokenResponse reads the body (capped, since it's trusted-but-remote)
// and validates the control plane actually returned a non-empty token.
func parseGitTokenResponse(res *http.Response) (string, error) {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 8*1024))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("git-token endpoint returned HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload gitTokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode git-token response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("git-token response missing token")
	}

	return payload.Token, nil
}

// isValidCallbackAuth checks the bearer token a caller presents against this
// node's own callback token using a constant-time comparison, since both
// values are secrets and a timing side-channel would leak it byte by byte.
func (s *Server) isValidCallbackAuth(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	given := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	expected := s.config.CallbackToken
	if given == "" || expected == "" {
		return false
	}
	if len(given) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(expected)) == 1
}
