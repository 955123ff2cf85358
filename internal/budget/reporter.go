package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pxl8/datagateway/internal/traces"
)

// UsageSink delivers drained usage deltas to the control plane.
// Implemented by controlplane.Client.
type UsageSink interface {
	ReportUsage(ctx context.Context, report UsageReport) error
}

// Reporter is the background loop that flushes consumed-usage deltas to
// the control plane.
//
// Reporting is at-most-once: a delta that fails to send is not re-queued,
// so the control plane under-counts rather than risking double counting.
// On shutdown the reporter performs one final best-effort flush.
type Reporter struct {
	engine   *Engine
	sink     UsageSink
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReporter creates a new usage reporter.
func NewReporter(engine *Engine, sink UsageSink, interval time.Duration, logger *slog.Logger) *Reporter {
	return &Reporter{
		engine:   engine,
		sink:     sink,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the flush loop is actively running.
func (r *Reporter) Running() bool {
	return r.running.Load()
}

// Start begins the flush loop. Call in a goroutine. When ctx is cancelled
// or Stop is called, one unconditional final flush runs before returning.
func (r *Reporter) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	r.logger.Info("usage reporter started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.finalFlush()
			return
		case <-r.stop:
			r.finalFlush()
			return
		case <-ticker.C:
			r.safeFlush(ctx)
		}
	}
}

// Stop signals the reporter to stop.
func (r *Reporter) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reporter) finalFlush() {
	r.logger.Info("usage reporter stopping, performing final flush")
	// The run context is already cancelled; give the flush its own bounded
	// context so in-flight deltas still get a chance to land.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.safeFlush(ctx)
}

func (r *Reporter) safeFlush(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in usage reporter", "panic", fmt.Sprint(rec))
		}
	}()
	r.flushOnce(ctx)
}

func (r *Reporter) flushOnce(ctx context.Context) {
	pending := r.engine.PendingUsage()
	if len(pending) == 0 {
		return
	}

	r.logger.Debug("flushing usage reports", "pairs", len(pending))

	for _, key := range pending {
		bandwidthDelta, transformsDelta := r.engine.GetAndResetConsumedDelta(key)

		// Another drainer may have raced us between enumeration and drain.
		if bandwidthDelta == 0 && transformsDelta == 0 {
			usageReports.WithLabelValues("skipped_empty").Inc()
			continue
		}

		report := UsageReport{
			TenantID:           key.TenantID,
			PeriodID:           key.PeriodID,
			BandwidthUsedBytes: bandwidthDelta,
			TransformsUsed:     transformsDelta,
		}

		sendCtx, span := traces.StartSpan(ctx, "budget.usage_report",
			traces.Tenant(key.TenantID.String()),
			traces.Period(key.PeriodID.String()),
		)
		err := r.sink.ReportUsage(sendCtx, report)
		span.End()

		if err != nil {
			// Deliberately not re-queued: losing the delta beats the risk
			// of counting it twice under an ambiguous failure.
			usageReports.WithLabelValues("failed").Inc()
			r.logger.Warn("failed to report usage, delta dropped",
				"tenant_id", key.TenantID,
				"period_id", key.PeriodID,
				"bandwidth_bytes", bandwidthDelta,
				"transforms", transformsDelta,
				"error", err,
			)
			continue
		}

		usageReports.WithLabelValues("sent").Inc()
		usageReportedBytes.Add(float64(bandwidthDelta))
		r.logger.Info("usage reported",
			"tenant_id", key.TenantID,
			"period_id", key.PeriodID,
			"bandwidth_bytes", bandwidthDelta,
			"transforms", transformsDelta,
		)
	}
}
