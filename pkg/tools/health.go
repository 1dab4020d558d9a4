package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// probeTimeout bounds one health or capability request.
const probeTimeout = 5 * time.Second

// httpBase converts any endpoint to its HTTP base URL. Lifecycle
// endpoints (/health, /capabilities) are always HTTP, even for servers
// whose call transport is WebSocket.
func httpBase(endpoint string) string {
	base := endpoint
	base = strings.Replace(base, "ws://", "http://", 1)
	base = strings.Replace(base, "wss://", "https://", 1)
	return strings.TrimSuffix(base, "/")
}

type healthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	CapabilitiesDigest string `json:"capabilities_digest"`
}

// checkHealth performs one readiness/liveness probe.
func checkHealth(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpBase(endpoint)+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}

	var parsed healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&parsed); err != nil {
		return fmt.Errorf("health check body unreadable: %w", err)
	}
	if parsed.Status != "ok" {
		return fmt.Errorf("health check status %q", parsed.Status)
	}
	return nil
}

// fetchCapabilities reads the server's capability catalog over HTTP.
func fetchCapabilities(ctx context.Context, serverID, endpoint string) ([]protocol.Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpBase(endpoint)+"/capabilities", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capabilities returned HTTP %d", resp.StatusCode)
	}

	return decodeCapabilities(serverID, resp.Body)
}

// loadCapabilitiesFile reads a server's static capability document.
func loadCapabilitiesFile(serverID, path string) ([]protocol.Capability, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeCapabilities(serverID, f)
}

func decodeCapabilities(serverID string, r io.Reader) ([]protocol.Capability, error) {
	var caps []protocol.Capability
	if err := json.NewDecoder(io.LimitReader(r, 4<<20)).Decode(&caps); err != nil {
		return nil, fmt.Errorf("capability document malformed: %w", err)
	}
	for i := range caps {
		caps[i].ServerID = serverID
		if caps[i].Action == "" {
			return nil, fmt.Errorf("capability %d is missing an action name", i)
		}
	}
	return caps, nil
}
