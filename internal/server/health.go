package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sessionhost/agentsessionhost/internal/callbackretry"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

func (s *Server) startNodeHealthReporter() {
	if s.config.ControlPlaneURL == "" || s.config.NodeID == "" || s.config.CallbackToken == "" {
		return
	}

	go func() {
		s.sendNodeReady()
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.idleDetector.Done():
				return
			case <-ticker.C:
				s.sendNodeHeartbeat()
			}
		}
	}()
}

func (s *Server) sendNodeReady() {
	url := strings.TrimRight(s.config.ControlPlaneURL, "/") + "/api/nodes/" + s.config.NodeID + "/ready"
	client := &http.Client{Timeout: 10 * time.Second}

	err := callbackretry.Do(context.Background(), callbackretry.DefaultConfig(), "health.sendNodeReady", func(ctx context.Context) error {
		req, err := http.NewRequest(http.MethodPost, url, nil)
		if err != nil {
			return callbackretry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+s.config.CallbackToken)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("node ready callback returned status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		log.Printf("Node ready callback failed after retries: %v", err)
	}
}

func (s *Server) sendNodeHeartbeat() {
	url := strings.TrimRight(s.config.ControlPlaneURL, "/") + "/api/nodes/" + s.config.NodeID + "/heartbeat"

	payload := map[string]interface{}{
		"activeWorkspaces": s.activeWorkspaceCount(),
		"nodeId":           s.config.NodeID,
	}

	// Enrich heartbeat with lightweight system metrics (procfs only, no exec calls).
	if s.sysInfoCollector != nil {
		if quick, err := s.sysInfoCollector.CollectQuick(); err == nil {
			payload["metrics"] = map[string]interface{}{
				"cpuLoadAvg1":   quick.CPULoadAvg1,
				"memoryPercent": quick.MemoryPercent,
				"diskPercent":   quick.DiskPercent,
			}
		} else {
			log.Printf("Heartbeat metrics collection failed: %v", err)
		}
	}

	body, _ := json.Marshal(payload)
	client := &http.Client{Timeout: 10 * time.Second}

	// Heartbeats are superseded by the next tick, so retries stay brief
	// rather than using the full control-plane default budget.
	retryCfg := callbackretry.Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  2,
	}

	err := callbackretry.Do(context.Background(), retryCfg, "health.sendNodeHeartbeat", func(ctx context.Context) error {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return callbackretry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+s.config.CallbackToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("node heartbeat returned status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		log.Printf("Node heartbeat failed after retries: %v", err)
	}
}

func (s *Server) activeWorkspaceCount() int {
	s.workspaceMu.RLock()
	defer s.workspaceMu.RUnlock()
	count := 0
	for _, runtime := range s.workspaces {
		if runtime.Status == "running" {
			count++
		}
	}
	return count
}
