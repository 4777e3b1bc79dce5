// Package maintenance runs the daemon's housekeeping on a cron schedule:
// WAL checkpointing, vacuum and the periodic license revocation check.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sessync/ses-local/internal/store"
)

// RevocationChecker is the slice of the license service maintenance drives.
type RevocationChecker interface {
	NeedsRevocationCheck() bool
	CheckRevocation(ctx context.Context) error
}

// Runner evaluates the cron expression once a minute and runs due jobs.
type Runner struct {
	expr    string
	store   *store.Store
	license RevocationChecker
	gron    *gronx.Gronx
}

// New creates a maintenance runner. The expression is validated eagerly so
// a config typo fails at startup, not at 3am.
func New(expr string, st *store.Store, lic RevocationChecker) (*Runner, error) {
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("invalid maintenance cron %q", expr)
	}
	return &Runner{expr: expr, store: st, license: lic, gron: g}, nil
}

// Run loops until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due, err := r.gron.IsDue(r.expr, time.Now())
			if err != nil || !due {
				continue
			}
			r.runJobs(ctx)
		}
	}
}

// runJobs executes one maintenance pass. Failures are logged; the schedule
// retries next time.
func (r *Runner) runJobs(ctx context.Context) {
	start := time.Now()
	if err := r.store.Checkpoint(ctx); err != nil {
		slog.Warn("store checkpoint failed", "error", err)
	}
	if r.license != nil && r.license.NeedsRevocationCheck() {
		if err := r.license.CheckRevocation(ctx); err != nil {
			slog.Warn("license revocation check failed", "error", err)
		}
	}
	slog.Info("maintenance pass complete", "elapsed", time.Since(start))
}
