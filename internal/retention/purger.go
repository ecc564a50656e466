/**
 * Best-before retention for stored line items
 *
 * On a cron schedule, deletes line items whose best-before passed more than
 * the configured number of days ago, removes documents left without items,
 * and refreshes the count of items inside the alert window.
 */

package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/adverant/nexus/pcf-worker/internal/logging"
	"github.com/adverant/nexus/pcf-worker/internal/metrics"
	"github.com/adverant/nexus/pcf-worker/internal/pcf"
	"github.com/adverant/nexus/pcf-worker/internal/storage"
)

// Store is the storage used by retention
type Store interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (*storage.PurgeResult, error)
	CountExpiringBetween(ctx context.Context, from, to time.Time) (int64, error)
}

// Config holds purger configuration
type Config struct {
	Schedule string
	Window   pcf.ExpiryWindow
	Timeout  time.Duration
	Now      func() time.Time
}

// Report summarizes one retention pass
type Report struct {
	Cutoff      time.Time
	Purged      *storage.PurgeResult
	Expiring    int64
	RanAt       time.Time
	ElapsedTime time.Duration
}

// Purger runs retention on a schedule
type Purger struct {
	config  Config
	store   Store
	metrics *metrics.Metrics
	logger  *logging.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	running bool
	last    *Report
}

// NewPurger creates a new purger. The schedule is validated here.
func NewPurger(cfg Config, store Store, m *metrics.Metrics, logger *logging.Logger) (*Purger, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Window.DeleteDays < cfg.Window.AlertDays {
		return nil, fmt.Errorf("delete days (%d) must not be less than alert days (%d)", cfg.Window.DeleteDays, cfg.Window.AlertDays)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	p := &Purger{
		config:  cfg,
		store:   store,
		metrics: m,
		logger:  logger.With("component", "retention"),
		cron:    cron.New(),
	}

	if _, err := p.cron.AddFunc(cfg.Schedule, p.tick); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}

	return p, nil
}

// Start starts the scheduler
func (p *Purger) Start() {
	p.logger.Info("Retention scheduler started",
		"schedule", p.config.Schedule,
		"alertDays", p.config.Window.AlertDays,
		"deleteDays", p.config.Window.DeleteDays,
	)
	p.cron.Start()
}

// Stop stops the scheduler and waits for a running pass
func (p *Purger) Stop(ctx context.Context) {
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		p.logger.Warn("Retention pass still running at shutdown")
	}
}

// LastReport returns the most recent successful pass, or nil
func (p *Purger) LastReport() *Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Purger) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()

	if _, err := p.RunOnce(ctx); err != nil {
		p.logger.Error("Retention pass failed", "error", err)
	}
}

// RunOnce purges expired items and refreshes the expiring gauge. Overlapping
// passes are skipped.
func (p *Purger) RunOnce(ctx context.Context) (*Report, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.logger.Debug("Retention pass already running, skipping")
		return nil, nil
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	start := time.Now()
	now := p.config.Now()
	cutoff := p.config.Window.PurgeCutoff(now)

	purged, err := p.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge expired: %w", err)
	}
	p.metrics.AddPurged(purged.LineItems, purged.Documents)

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	expiring, err := p.store.CountExpiringBetween(ctx, today, p.config.Window.AlertHorizon(now))
	if err != nil {
		return nil, fmt.Errorf("count expiring: %w", err)
	}
	p.metrics.SetExpiring(expiring)

	report := &Report{
		Cutoff:      cutoff,
		Purged:      purged,
		Expiring:    expiring,
		RanAt:       now,
		ElapsedTime: time.Since(start),
	}

	p.mu.Lock()
	p.last = report
	p.mu.Unlock()

	p.logger.Info("Retention pass complete",
		"cutoff", cutoff.Format("2006-01-02"),
		"purgedItems", purged.LineItems,
		"purgedDocuments", purged.Documents,
		"indexErrors", purged.IndexErrors,
		"expiring", expiring,
	)

	return report, nil
}
