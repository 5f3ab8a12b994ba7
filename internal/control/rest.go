package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/smart-traffic/trafficsync/internal/poller"
	"github.com/smart-traffic/trafficsync/internal/protocol"
)

// Backend REST paths for mutations
const (
	PathMode            = "/api/mode"
	PathStartSimulation = "/api/start-simulation"
)

// Doer sends one HTTP request. *http.Client and the auth client both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTClient calls the backend mutation endpoints
type RESTClient struct {
	baseURL string
	doer    Doer
}

// NewRESTClient creates a client rooted at baseURL
func NewRESTClient(baseURL string, doer Doer) *RESTClient {
	return &RESTClient{baseURL: strings.TrimRight(baseURL, "/"), doer: doer}
}

// SetMode posts the requested operating mode
func (r *RESTClient) SetMode(ctx context.Context, mode protocol.Mode) (protocol.ModeResponse, error) {
	var resp protocol.ModeResponse
	if err := r.post(ctx, PathMode, protocol.ModeRequest{Mode: mode}, &resp); err != nil {
		return resp, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("backend rejected mode %s: %s", mode, resp.Error)
	}
	if resp.Mode == "" {
		resp.Mode = mode
	}
	return resp, nil
}

// StartSimulation asks the backend to launch the simulation
func (r *RESTClient) StartSimulation(ctx context.Context) (protocol.StartSimulationResponse, error) {
	var resp protocol.StartSimulationResponse
	err := r.post(ctx, PathStartSimulation, struct{}{}, &resp)
	return resp, err
}

func (r *RESTClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.doer.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := poller.ReadBody(resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
