// Package controlplane is the HTTP client for the control plane's internal
// API. It is reached only by the background reconciliation loops, never by
// the hot path.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pxl8/datagateway/internal/budget"
	"github.com/pxl8/datagateway/internal/policy"
)

// Config configures the control-plane client.
type Config struct {
	BaseURL     string
	DataplaneID string
	// SharedSecret signs every request; required.
	SharedSecret string
	// Requested amounts for each budget allocation.
	BandwidthRequestBytes int64
	TransformsRequest     int
	// Timeout bounds each request; defaults to 15s.
	Timeout time.Duration
}

// Client talks to the control plane over signed HTTP.
type Client struct {
	baseURL     string
	dataplaneID string

	bandwidthRequestBytes int64
	transformsRequest     int

	httpClient *http.Client
}

// New creates a control-plane client with the HMAC signing transport
// installed.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:               cfg.BaseURL,
		dataplaneID:           cfg.DataplaneID,
		bandwidthRequestBytes: cfg.BandwidthRequestBytes,
		transformsRequest:     cfg.TransformsRequest,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: newSigningTransport(cfg.SharedSecret, nil),
		},
	}
}

// allocateRequest is the wire form of a budget allocation request. The
// request id is fresh per call and acts as the idempotency key.
type allocateRequest struct {
	RequestID               uuid.UUID `json:"request_id"`
	DataplaneID             string    `json:"dataplane_id"`
	TenantID                uuid.UUID `json:"tenant_id"`
	PeriodID                uuid.UUID `json:"period_id"`
	BandwidthRequestedBytes int64     `json:"bandwidth_requested_bytes"`
	TransformsRequested     int       `json:"transforms_requested"`
}

type usageReportRequest struct {
	ReportID           uuid.UUID `json:"report_id"`
	DataplaneID        string    `json:"dataplane_id"`
	TenantID           uuid.UUID `json:"tenant_id"`
	PeriodID           uuid.UUID `json:"period_id"`
	BandwidthUsedBytes int64     `json:"bandwidth_used_bytes"`
	TransformsUsed     int       `json:"transforms_used"`
	ReportedAt         time.Time `json:"reported_at"`
}

// UsageAck is the control plane's acknowledgement of a usage report.
// Only Accepted is consulted; the running totals are informational.
type UsageAck struct {
	Accepted            bool  `json:"accepted"`
	TotalBandwidthBytes int64 `json:"total_bandwidth_bytes"`
	TotalTransforms     int   `json:"total_transforms"`
}

// FetchPolicySnapshot pulls the current policy snapshot.
func (c *Client) FetchPolicySnapshot(ctx context.Context) (*policy.Snapshot, error) {
	var snapshot policy.Snapshot
	if err := c.get(ctx, "/internal/policy-snapshot", &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// AllocateBudget requests a fresh budget lease for one tenant/period.
func (c *Client) AllocateBudget(ctx context.Context, tenantID, periodID uuid.UUID) (*budget.Lease, error) {
	req := allocateRequest{
		RequestID:               uuid.New(),
		DataplaneID:             c.dataplaneID,
		TenantID:                tenantID,
		PeriodID:                periodID,
		BandwidthRequestedBytes: c.bandwidthRequestBytes,
		TransformsRequested:     c.transformsRequest,
	}

	var lease budget.Lease
	if err := c.post(ctx, "/internal/v1/budget/allocate", req, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// ReportUsage pushes one drained usage delta. Implements budget.UsageSink.
func (c *Client) ReportUsage(ctx context.Context, report budget.UsageReport) error {
	req := usageReportRequest{
		ReportID:           uuid.New(),
		DataplaneID:        c.dataplaneID,
		TenantID:           report.TenantID,
		PeriodID:           report.PeriodID,
		BandwidthUsedBytes: report.BandwidthUsedBytes,
		TransformsUsed:     report.TransformsUsed,
		ReportedAt:         time.Now().UTC(),
	}

	var ack UsageAck
	if err := c.post(ctx, "/internal/v1/usage/report", req, &ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("control plane rejected usage report %s", req.ReportID)
	}
	return nil
}

// Ping probes control-plane liveness for readiness reporting.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/live", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(httpReq, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Bound the drained error body; it is only for log context.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
