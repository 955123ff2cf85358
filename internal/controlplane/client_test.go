package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxl8/datagateway/internal/budget"
	"github.com/pxl8/datagateway/internal/policy"
)

func budgetReport(tenantID, periodID uuid.UUID, bytes int64, transforms int) budget.UsageReport {
	return budget.UsageReport{
		TenantID:           tenantID,
		PeriodID:           periodID,
		BandwidthUsedBytes: bytes,
		TransformsUsed:     transforms,
	}
}

const testSecret = "0123456789abcdef0123456789abcdef"

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return New(Config{
		BaseURL:               srv.URL,
		DataplaneID:           "dp-test-1",
		SharedSecret:          testSecret,
		BandwidthRequestBytes: 10 << 30,
		TransformsRequest:     100_000,
		Timeout:               2 * time.Second,
	})
}

func TestFetchPolicySnapshot(t *testing.T) {
	tenantID := uuid.New()
	snapshotID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/internal/policy-snapshot", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Signature"))
		assert.NotEmpty(t, r.Header.Get("X-Timestamp"))

		json.NewEncoder(w).Encode(map[string]any{
			"snapshot_id":  snapshotID,
			"version":      7,
			"generated_at": time.Now().UTC(),
			"tenants": []map[string]any{{
				"tenant_id":         tenantID,
				"current_period_id": uuid.New(),
				"status":            "active",
				"plan_code":         "pro",
			}},
		})
	}))
	defer srv.Close()

	snapshot, err := testClient(t, srv).FetchPolicySnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snapshotID, snapshot.SnapshotID)
	assert.Equal(t, 7, snapshot.Version)
	require.Len(t, snapshot.Tenants, 1)
	assert.Equal(t, tenantID, snapshot.Tenants[0].TenantID)
	assert.Equal(t, policy.StatusActive, snapshot.Tenants[0].Status)
}

func TestAllocateBudget(t *testing.T) {
	tenantID := uuid.New()
	periodID := uuid.New()
	leaseID := uuid.New()
	expiresAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/v1/budget/allocate", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dp-test-1", req["dataplane_id"])
		assert.Equal(t, tenantID.String(), req["tenant_id"])
		assert.Equal(t, periodID.String(), req["period_id"])
		assert.Equal(t, float64(10<<30), req["bandwidth_requested_bytes"])
		assert.Equal(t, float64(100_000), req["transforms_requested"])
		// Fresh idempotency key on every allocation.
		_, err := uuid.Parse(req["request_id"].(string))
		assert.NoError(t, err)

		json.NewEncoder(w).Encode(map[string]any{
			"lease_id":                leaseID,
			"bandwidth_granted_bytes": 5 << 30,
			"transforms_granted":      50_000,
			"granted_at":              time.Now().UTC(),
			"expires_at":              expiresAt,
		})
	}))
	defer srv.Close()

	lease, err := testClient(t, srv).AllocateBudget(context.Background(), tenantID, periodID)
	require.NoError(t, err)
	assert.Equal(t, leaseID, lease.LeaseID)
	assert.Equal(t, int64(5<<30), lease.BandwidthGrantedBytes)
	assert.Equal(t, 50_000, lease.TransformsGranted)
	assert.True(t, lease.ExpiresAt.Equal(expiresAt))
}

func TestAllocateBudgetServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no capacity"}`, http.StatusConflict)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).AllocateBudget(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "no capacity")
}

func TestReportUsage(t *testing.T) {
	tenantID := uuid.New()
	periodID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/v1/usage/report", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(1234), req["bandwidth_used_bytes"])
		assert.Equal(t, float64(5), req["transforms_used"])

		json.NewEncoder(w).Encode(map[string]any{
			"accepted":              true,
			"total_bandwidth_bytes": 99999,
			"total_transforms":      10,
		})
	}))
	defer srv.Close()

	err := testClient(t, srv).ReportUsage(context.Background(), budgetReport(tenantID, periodID, 1234, 5))
	assert.NoError(t, err)
}

func TestReportUsageRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"accepted": false})
	}))
	defer srv.Close()

	err := testClient(t, srv).ReportUsage(context.Background(), budgetReport(uuid.New(), uuid.New(), 1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health/live", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, testClient(t, srv).Ping(context.Background()))
}

func TestPingUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	err := testClient(t, srv).Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}
