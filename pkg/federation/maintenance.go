package federation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fedstore/pkg/types"
)

const defaultProbeWorkers = 8

// Maintenance runs the periodic health sweep and retention cleanup.
// Both operations are idempotent sweeps, safe to re-run and to run
// concurrently with normal traffic; scheduling belongs to the caller.
type Maintenance struct {
	svc     *Service
	repo    Repository
	prober  Prober
	logger  *zap.Logger
	clock   clock.Clock
	metrics *Metrics

	workers      int
	probeTimeout time.Duration
}

// MaintenanceOption configures Maintenance.
type MaintenanceOption func(*Maintenance)

// WithProbeWorkers bounds health check concurrency.
func WithProbeWorkers(n int) MaintenanceOption {
	return func(m *Maintenance) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithProbeTimeout overrides the per-probe deadline.
func WithProbeTimeout(d time.Duration) MaintenanceOption {
	return func(m *Maintenance) { m.probeTimeout = d }
}

// WithMaintenanceClock substitutes the time source, for tests.
func WithMaintenanceClock(c clock.Clock) MaintenanceOption {
	return func(m *Maintenance) { m.clock = c }
}

// WithMaintenanceMetrics attaches prometheus instrumentation.
func WithMaintenanceMetrics(metrics *Metrics) MaintenanceOption {
	return func(m *Maintenance) { m.metrics = metrics }
}

// NewMaintenance creates the maintenance runner.
func NewMaintenance(svc *Service, repo Repository, prober Prober, logger *zap.Logger, opts ...MaintenanceOption) *Maintenance {
	m := &Maintenance{
		svc:          svc,
		repo:         repo,
		prober:       prober,
		logger:       logger,
		clock:        clock.New(),
		workers:      defaultProbeWorkers,
		probeTimeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunHealthChecks probes every non-blocked instance with a bounded
// worker pool and feeds each outcome into UpdateInstanceHealth. Probes
// are independent: a slow or failing peer never stalls or aborts the
// rest. Returns a map from domain to reachability.
func (m *Maintenance) RunHealthChecks(ctx context.Context) (map[string]bool, error) {
	instances, err := m.repo.ListInstances(ctx, InstanceFilter{})
	if err != nil {
		return nil, WrapStorage("list instances", err)
	}

	var targets []*types.FederatedInstance
	for _, inst := range instances {
		if inst.Status == types.InstanceBlocked {
			continue
		}
		targets = append(targets, inst)
	}

	results := make(map[string]bool, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.workers)

	for _, inst := range targets {
		wg.Add(1)
		go func(inst *types.FederatedInstance) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			defer cancel()

			start := m.clock.Now()
			reachable := m.prober.Probe(probeCtx, inst.Domain)
			m.metrics.ProbeObserved(reachable, m.clock.Since(start).Seconds())

			if _, err := m.svc.UpdateInstanceHealth(ctx, inst.Domain, reachable); err != nil {
				m.logger.Warn("failed to record health result",
					zap.String("domain", inst.Domain),
					zap.Error(err))
			}

			mu.Lock()
			results[inst.Domain] = reachable
			mu.Unlock()
		}(inst)
	}
	wg.Wait()

	online := 0
	for _, reachable := range results {
		if reachable {
			online++
		}
	}
	m.metrics.SetInstancesOnline(online)

	m.logger.Info("health sweep complete",
		zap.Int("probed", len(results)),
		zap.Int("online", online))
	return results, nil
}

// Cleanup expires shares whose expiry has passed and prunes activities
// older than the retention threshold, returning the total number of
// rows affected. olderThanDays defaults to 30.
func (m *Maintenance) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	now := m.clock.Now()
	threshold := now.Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	expired, err := m.repo.ListExpiredShares(ctx, now)
	if err != nil {
		return 0, WrapStorage("list expired shares", err)
	}

	var sharesExpired int64
	for _, share := range expired {
		_, err := m.repo.TransitionShare(ctx, share.ID,
			[]types.ShareStatus{share.Status}, types.ShareExpired, nil)
		switch {
		case err == nil:
			sharesExpired++
		case isBenignSweepConflict(err):
			// Another sweep or a user transition got there first.
		default:
			m.logger.Warn("failed to expire share",
				zap.String("share", string(share.ID)),
				zap.Error(err))
		}
	}

	pruned, err := m.repo.PruneActivities(ctx, threshold)
	if err != nil {
		return sharesExpired, WrapStorage("prune activities", err)
	}

	m.metrics.SweepObserved(sharesExpired, pruned)
	m.logger.Info("retention sweep complete",
		zap.Int64("shares_expired", sharesExpired),
		zap.Int64("activities_pruned", pruned))
	return sharesExpired + pruned, nil
}

func isBenignSweepConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrRecordNotFound)
}

// Run drives both sweeps on tickers until the context ends. The sweep
// operations themselves stay independently callable for cron-style
// deployments that own scheduling externally.
func (m *Maintenance) Run(ctx context.Context, healthInterval, cleanupInterval time.Duration, retentionDays int) {
	healthTicker := m.clock.Ticker(healthInterval)
	defer healthTicker.Stop()
	cleanupTicker := m.clock.Ticker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			if _, err := m.RunHealthChecks(ctx); err != nil {
				m.logger.Error("health sweep failed", zap.Error(err))
			}
		case <-cleanupTicker.C:
			if _, err := m.Cleanup(ctx, retentionDays); err != nil {
				m.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}
