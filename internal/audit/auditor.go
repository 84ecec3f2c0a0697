// Package audit periodically re-validates the chain and publishes the result
// to metrics and the gRPC health service.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmerrifield20/chainchat/internal/ledger"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reflecting chain integrity.
const ServiceName = "chainchat.Ledger"

// Config holds auditor configuration.
type Config struct {
	Interval time.Duration
}

// Validator is implemented by *ledger.Ledger.
type Validator interface {
	Validate() (ledger.Report, error)
}

// StatusSetter is implemented by *health.Server from grpc/health.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// MetricsRecordFunc is an optional callback for recording audit results.
type MetricsRecordFunc func(valid bool)

// Auditor runs periodic integrity checks.
type Auditor struct {
	chain     Validator
	health    StatusSetter
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu   sync.RWMutex
	last *ledger.Report
}

// New creates a new Auditor. health may be nil.
func New(chain Validator, health StatusSetter, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Auditor{
		chain:  chain,
		health: health,
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (a *Auditor) SetMetricsRecord(fn MetricsRecordFunc) {
	a.onMetrics = fn
}

// Start checks once immediately, then on every tick until ctx is done.
func (a *Auditor) Start(ctx context.Context) {
	a.Check()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Check()
		case <-ctx.Done():
			return
		}
	}
}

// Check validates the chain once and publishes the result. An uninitialized
// ledger reports NOT_SERVING without counting as a violation.
func (a *Auditor) Check() (ledger.Report, error) {
	rep, err := a.chain.Validate()
	if err != nil {
		if errors.Is(err, ledger.ErrEmptyLedger) {
			a.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		} else {
			a.logger.Error("audit: validate", zap.Error(err))
		}
		return rep, err
	}

	a.mu.Lock()
	prev := a.last
	a.last = &rep
	a.mu.Unlock()

	if a.onMetrics != nil {
		a.onMetrics(rep.Valid)
	}

	switch {
	case !rep.Valid:
		a.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		a.logger.Error("audit: chain integrity violated",
			zap.Int("length", rep.Length),
			zap.Ints("indices", rep.ViolatedIndices()),
			zap.Error(rep.Err()),
		)
	case prev != nil && !prev.Valid:
		a.setStatus(healthpb.HealthCheckResponse_SERVING)
		a.logger.Info("audit: chain integrity restored", zap.Int("length", rep.Length))
	default:
		a.setStatus(healthpb.HealthCheckResponse_SERVING)
		a.logger.Debug("audit: chain valid", zap.Int("length", rep.Length))
	}
	return rep, nil
}

// Last returns the most recent report, if any check has completed.
func (a *Auditor) Last() (ledger.Report, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return ledger.Report{}, false
	}
	return *a.last, true
}

func (a *Auditor) setStatus(s healthpb.HealthCheckResponse_ServingStatus) {
	if a.health != nil {
		a.health.SetServingStatus(ServiceName, s)
	}
}
