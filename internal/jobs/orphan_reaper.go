// Package jobs contains background maintenance loops. The orphan reaper
// covers the crash window between inserting a control-table row and finishing
// provisioning: a process death in that window leaves a row whose physical
// database was never created. The reaper detects such rows; it deliberately
// never deletes them, because the right repair (retry provisioning vs. remove
// the row) is an operator decision.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/tenantcore/tenantcore/internal/db/repositories"
	"github.com/tenantcore/tenantcore/internal/safego"
	"github.com/tenantcore/tenantcore/internal/telemetry"
)

// ScanTarget pairs the repositories of one control-schema copy with the
// schema name they operate on.
type ScanTarget struct {
	Schema    string
	Tenants   *repositories.TenantRepository
	Platforms *repositories.PlatformRepository
}

// OrphanReaper periodically compares live control rows against pg_database
// and reports rows whose database is missing. Every control-schema copy is
// scanned; sandbox-created records live only in the sand copy.
type OrphanReaper struct {
	targets  []ScanTarget
	prefix   string
	interval time.Duration
	stopChan chan struct{}
}

// NewOrphanReaper creates a reaper. intervalMinutes <= 0 disables the job.
func NewOrphanReaper(targets []ScanTarget, prefix string, intervalMinutes int) *OrphanReaper {
	return &OrphanReaper{
		targets:  targets,
		prefix:   prefix,
		interval: time.Duration(intervalMinutes) * time.Minute,
		stopChan: make(chan struct{}),
	}
}

// Start launches the scan loop on a background goroutine. An initial scan
// runs immediately, then on the configured interval until Stop is called or
// ctx is cancelled.
func (r *OrphanReaper) Start(ctx context.Context) {
	if r.interval <= 0 {
		slog.Info("orphan reaper disabled")
		return
	}

	safego.Go(func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		slog.Info("orphan reaper started", "interval", r.interval)
		r.scan(ctx)

		for {
			select {
			case <-ticker.C:
				r.scan(ctx)
			case <-r.stopChan:
				slog.Info("orphan reaper stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

// Stop terminates the scan loop.
func (r *OrphanReaper) Stop() {
	close(r.stopChan)
}

func (r *OrphanReaper) scan(ctx context.Context) {
	for _, target := range r.targets {
		r.scanTarget(ctx, target)
	}
}

func (r *OrphanReaper) scanTarget(ctx context.Context, target ScanTarget) {
	tenants, err := target.Tenants.FindOrphaned(ctx, r.prefix)
	if err != nil {
		slog.Error("orphan scan failed for tenants", "schema", target.Schema, "error", err)
	} else {
		telemetry.OrphanedRecords.WithLabelValues("tenant", target.Schema).Set(float64(len(tenants)))
		for _, t := range tenants {
			slog.Warn("orphaned tenant row: control row exists but database is missing",
				"schema", target.Schema, "id", t.ID, "slug", t.Slug, "database", r.prefix+t.DBName)
		}
	}

	platforms, err := target.Platforms.FindOrphaned(ctx, r.prefix)
	if err != nil {
		slog.Error("orphan scan failed for platforms", "schema", target.Schema, "error", err)
		return
	}
	telemetry.OrphanedRecords.WithLabelValues("platform", target.Schema).Set(float64(len(platforms)))
	for _, p := range platforms {
		slog.Warn("orphaned platform row: control row exists but database is missing",
			"schema", target.Schema, "id", p.ID, "slug", p.Slug, "database", r.prefix+p.DBName)
	}
}
