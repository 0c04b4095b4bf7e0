package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/config"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/engine"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/metrics"
)

// ErrRunInProgress is returned when a run is requested for a tenant whose
// previous run has not finished
var ErrRunInProgress = errors.New("monitoring run already in progress")

// Archiver removes aged-out records from the active working set
type Archiver interface {
	ArchiveResolvedOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// AlertArchiver removes aged-out acknowledged alerts
type AlertArchiver interface {
	ArchiveAcknowledgedOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Scheduler triggers periodic monitoring runs and cleanup tasks
type Scheduler struct {
	cfg       *config.Config
	logger    *slog.Logger
	cron      *cron.Cron
	monitor   *engine.Monitor
	collector *metrics.Collector
	obls      Archiver
	alerts    AlertArchiver

	mu      sync.Mutex
	running map[string]bool
}

// NewScheduler creates a new scheduler
func NewScheduler(
	cfg *config.Config,
	logger *slog.Logger,
	monitor *engine.Monitor,
	collector *metrics.Collector,
	obls Archiver,
	alerts AlertArchiver,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		logger:    logger,
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		monitor:   monitor,
		collector: collector,
		obls:      obls,
		alerts:    alerts,
		running:   make(map[string]bool),
	}
}

// Start registers the cron entries and starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Scheduler.Enabled {
		s.logger.Info("Scheduler disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.Scheduler.MonitoringCron, func() {
		s.runAllTenants(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule monitoring task: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.Scheduler.CleanupCron, func() {
		s.runCleanup(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup task: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started",
		"monitoring_cron", s.cfg.Scheduler.MonitoringCron,
		"cleanup_cron", s.cfg.Scheduler.CleanupCron,
		"tenants", s.cfg.Monitoring.Tenants)
	return nil
}

// Stop stops the scheduler, waiting for in-flight tasks
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) runAllTenants(ctx context.Context) {
	for _, tenantID := range s.cfg.Monitoring.Tenants {
		s.RunTenant(ctx, tenantID)
	}
}

// RunTenant triggers one monitoring run for a tenant, skipping it when a
// run for the same tenant is still in flight.
func (s *Scheduler) RunTenant(ctx context.Context, tenantID string) (engine.RunSummary, error) {
	s.mu.Lock()
	if s.running[tenantID] {
		s.mu.Unlock()
		s.logger.Warn("Monitoring run still in progress; skipping", "tenant_id", tenantID)
		return engine.RunSummary{}, fmt.Errorf("tenant %s: %w", tenantID, ErrRunInProgress)
	}
	s.running[tenantID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, tenantID)
		s.mu.Unlock()
	}()

	start := time.Now()
	summary, err := s.monitor.Run(ctx, tenantID)
	s.collector.ObserveRun(tenantID, summary, time.Since(start), err)
	if err != nil {
		s.logger.Error("Monitoring run failed", "tenant_id", tenantID, "error", err)
		return summary, err
	}
	s.collector.SetOverdue(tenantID, summary.OverdueDeadlines)
	s.collector.SetPenaltyExposure(tenantID, summary.PenaltyExposure)
	return summary, nil
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.Monitoring.ObligationRetention)

	archived, err := s.obls.ArchiveResolvedOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Obligation archival failed", "error", err)
	} else if archived > 0 {
		s.logger.Info("Archived resolved obligations", "count", archived, "cutoff", cutoff)
	}

	archived, err = s.alerts.ArchiveAcknowledgedOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Alert archival failed", "error", err)
	} else if archived > 0 {
		s.logger.Info("Archived acknowledged alerts", "count", archived, "cutoff", cutoff)
	}
}
