package budget

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mu      sync.Mutex
	reports []UsageReport
	err     error
}

func (m *mockSink) ReportUsage(ctx context.Context, report UsageReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.reports = append(m.reports, report)
	return nil
}

func (m *mockSink) sent() []UsageReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UsageReport(nil), m.reports...)
}

func testReporter(t *testing.T, sink UsageSink) (*Reporter, *Engine) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	engine := NewEngine(EngineConfig{}, logger)
	return NewReporter(engine, sink, 10*time.Second, logger), engine
}

func TestReporterFlushesDirtyLedgers(t *testing.T) {
	sink := &mockSink{}
	r, engine := testReporter(t, sink)

	key := testKey()
	grant(engine, key, 1000, 10, time.Hour)
	require.True(t, engine.TrySpendBandwidth(key, 400))
	require.True(t, engine.TrySpendTransform(key))

	r.flushOnce(context.Background())

	reports := sink.sent()
	require.Len(t, reports, 1)
	assert.Equal(t, key.TenantID, reports[0].TenantID)
	assert.Equal(t, key.PeriodID, reports[0].PeriodID)
	assert.Equal(t, int64(400), reports[0].BandwidthUsedBytes)
	assert.Equal(t, 1, reports[0].TransformsUsed)

	// The delta was drained; nothing left to flush.
	r.flushOnce(context.Background())
	assert.Len(t, sink.sent(), 1)
}

func TestReporterSkipsCleanLedgers(t *testing.T) {
	sink := &mockSink{}
	r, engine := testReporter(t, sink)

	key := testKey()
	grant(engine, key, 1000, 10, time.Hour)

	r.flushOnce(context.Background())
	assert.Empty(t, sink.sent())
}

func TestReporterFailureDropsDelta(t *testing.T) {
	sink := &mockSink{err: errors.New("control plane down")}
	r, engine := testReporter(t, sink)

	key := testKey()
	grant(engine, key, 1000, 10, time.Hour)
	require.True(t, engine.TrySpendBandwidth(key, 400))

	r.flushOnce(context.Background())

	// At-most-once: the failed delta is gone, not re-queued.
	bw, tf := engine.GetAndResetConsumedDelta(key)
	assert.Zero(t, bw)
	assert.Zero(t, tf)

	// A later flush with a healthy sink reports only fresh usage.
	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	require.True(t, engine.TrySpendBandwidth(key, 100))
	r.flushOnce(context.Background())

	reports := sink.sent()
	require.Len(t, reports, 1)
	assert.Equal(t, int64(100), reports[0].BandwidthUsedBytes)
}

func TestReporterFinalFlushOnShutdown(t *testing.T) {
	sink := &mockSink{}
	logger := slog.New(slog.DiscardHandler)
	engine := NewEngine(EngineConfig{}, logger)
	// Interval far longer than the test; only the final flush can report.
	r := NewReporter(engine, sink, time.Hour, logger)

	key := testKey()
	grant(engine, key, 1000, 10, time.Hour)
	require.True(t, engine.TrySpendBandwidth(key, 250))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	require.Eventually(t, r.Running, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}

	reports := sink.sent()
	require.Len(t, reports, 1)
	assert.Equal(t, int64(250), reports[0].BandwidthUsedBytes)
}
