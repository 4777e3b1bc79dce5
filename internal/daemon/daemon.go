// Package daemon assembles and supervises the long-running components:
// watchers, sync workers, the intake server and the control plane.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sessync/ses-local/internal/auth"
	"github.com/sessync/ses-local/internal/claudeapi"
	"github.com/sessync/ses-local/internal/config"
	"github.com/sessync/ses-local/internal/cookies"
	"github.com/sessync/ses-local/internal/ldbscan"
	"github.com/sessync/ses-local/internal/license"
	"github.com/sessync/ses-local/internal/maintenance"
	"github.com/sessync/ses-local/internal/notify"
	"github.com/sessync/ses-local/internal/server"
	"github.com/sessync/ses-local/internal/store"
	"github.com/sessync/ses-local/internal/syncer"
	"github.com/sessync/ses-local/internal/telemetry"
	"github.com/sessync/ses-local/internal/watcher"
)

// Run starts the daemon and blocks until ctx is cancelled or a component
// fails fatally. ErrAlreadyRunning means another instance holds the lock.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	lock, err := acquireLock(cfg.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	shutTelemetry, err := telemetry.Setup(ctx, cfg.TelemetryEndpoint, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutTelemetry(shutCtx)
	}()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	creds := auth.NewFileCredentialStore(cfg.CredentialsPath())
	authSvc := auth.NewService(cfg.IdentityBaseUrl, creds)
	licSvc, err := license.NewService(cfg.IdentityBaseUrl, cfg.LicensePublicKeyPem, cfg.LicenseRevocationCheckDays, creds)
	if err != nil {
		return fmt.Errorf("license service: %w", err)
	}

	state := authSvc.GetState(ctx)
	slog.Info("daemon starting", "version", version,
		"authenticated", state.Authenticated, "has_pat", state.HasPat)

	notifier := notify.New()
	client := claudeapi.NewClient("", func(ctx context.Context) string {
		return cookies.Extract(ctx, cfg.CookieDBPath)
	})
	dispatcher := notify.NewDispatcher(notifier, claudeapi.NewSyncer(client, st), 0)

	worker := syncer.NewWorker(st, authSvc,
		cfg.DocServiceBaseUrl, cfg.MemoryServiceBaseUrl, cfg.TenantId)

	maint, err := maintenance.New(cfg.MaintenanceCron, st, licSvc)
	if err != nil {
		return err
	}

	// Control-plane shutdown requests cancel the same context the signal
	// handler does.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	intake := server.NewIntake("", st, authSvc)
	control := server.NewControl(cfg.SocketPath(), version, st, authSvc, licSvc, notifier, cancel)

	interval := time.Duration(cfg.PollingIntervalSeconds) * time.Second

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return control.Run(ctx) })
	g.Go(func() error { return intake.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return maint.Run(ctx) })

	if cfg.ClaudeCodeSyncEnabled() {
		positions, err := watcher.LoadPositions(cfg.PositionsPath())
		if err != nil {
			return fmt.Errorf("load watcher positions: %w", err)
		}
		codeWatcher := watcher.New(cfg.ClaudeProjectsDir, st, positions, interval)
		g.Go(func() error { return codeWatcher.Run(ctx) })
	} else {
		slog.Info("session log watcher disabled by config")
	}

	if cfg.ClaudeDesktopSyncEnabled() {
		ldbWatcher := ldbscan.NewWatcher(cfg.ClaudeStorageDir, notifier, interval)
		g.Go(func() error { return ldbWatcher.Run(ctx) })
	} else {
		slog.Info("local storage scanner disabled by config")
	}

	err = g.Wait()
	slog.Info("daemon stopped")
	return err
}
