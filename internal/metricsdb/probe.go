package metricsdb

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StatusSink receives the readiness state of the metrics database on every
// poll. The realtime hub implements this to push readiness notifications to
// connected dashboards.
type StatusSink interface {
	MetricsStatus(ready bool)
}

// ReadinessProbeConfig describes the dependencies of the readiness probe.
type ReadinessProbeConfig struct {
	Database *gorm.DB
	Interval time.Duration
	Sink     StatusSink
	Logger   *zap.Logger
}

// ReadinessProbe periodically pings the metrics database and reports the
// result. Connection failures are transient: they are logged and polling
// continues.
type ReadinessProbe struct {
	db       *gorm.DB
	interval time.Duration
	sink     StatusSink
	logger   *zap.Logger
}

// NewReadinessProbe constructs a probe with validated configuration.
func NewReadinessProbe(cfg ReadinessProbeConfig) (*ReadinessProbe, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("metricsdb: database connection required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("metricsdb: status sink required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadinessProbe{
		db:       cfg.Database,
		interval: interval,
		sink:     cfg.Sink,
		logger:   logger,
	}, nil
}

// Run polls until the context is cancelled. It reports once immediately and
// then on every tick.
func (p *ReadinessProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	wasReady := p.ping(ctx)
	p.report(wasReady, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready := p.ping(ctx)
			p.report(ready, ready != wasReady)
			wasReady = ready
		}
	}
}

func (p *ReadinessProbe) report(ready, logTransition bool) {
	if logTransition {
		if ready {
			p.logger.Info("metrics database ready")
		} else {
			p.logger.Warn("metrics database unreachable")
		}
	}
	p.sink.MetricsStatus(ready)
}

func (p *ReadinessProbe) ping(ctx context.Context) bool {
	sqlDB, err := p.db.DB()
	if err != nil {
		p.logger.Warn("metrics database handle unavailable", zap.Error(err))
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return false
	}
	return true
}
