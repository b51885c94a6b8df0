/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/friendsincode/seqworker/internal/telemetry"
	"github.com/friendsincode/seqworker/internal/version"
)

const (
	registerPath  = "/v1/sdk-client/register"
	heartbeatPath = "/v1/sdk-client/heartbeat"

	tracerName = "seqworker/orchestrator"
)

// ErrUnexpectedStatus is returned when the orchestrator answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("orchestrator: unexpected status")

// Client talks to the orchestrator.
type Client interface {
	Register(ctx context.Context, req RegistrationRequest) (RegistrationResponse, error)
	Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error)
}

// HTTPClient is the JSON-over-HTTP Client.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewHTTPClient creates a client for the orchestrator at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With().Str("component", "orchestrator_client").Logger(),
	}
}

// Register posts a registration request.
func (c *HTTPClient) Register(ctx context.Context, req RegistrationRequest) (RegistrationResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "orchestrator.register")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{
		"client_guid": req.ClientGUID.String(),
		"sequences":   len(req.AvailableSequences),
	})

	var resp RegistrationResponse
	err := c.post(ctx, registerPath, req, &resp)
	telemetry.RecordError(span, err)
	return resp, err
}

// Heartbeat posts a heartbeat.
func (c *HTTPClient) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "orchestrator.heartbeat")
	defer span.End()
	attrs := map[string]any{"client_id": req.ClientID}
	if req.ActiveWorkAssignment != nil {
		attrs["assignment_id"] = req.ActiveWorkAssignment.ID
		attrs["assignment_status"] = string(req.ActiveWorkAssignment.Status)
	}
	telemetry.AddSpanAttributes(span, attrs)

	var resp HeartbeatResponse
	err := c.post(ctx, heartbeatPath, req, &resp)
	telemetry.RecordError(span, err)
	return resp, err
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %d: %s", ErrUnexpectedStatus, path, resp.StatusCode, truncate(string(data), 200))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	c.logger.Debug().Str("path", path).Int("status", resp.StatusCode).Msg("orchestrator request complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
