package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/sessync/ses-local/internal/auth"
	"github.com/sessync/ses-local/internal/license"
	"github.com/sessync/ses-local/internal/notify"
	"github.com/sessync/ses-local/internal/store"
)

// ControlAuth is the slice of the auth service the control plane exposes.
type ControlAuth interface {
	GetState(ctx context.Context) auth.State
	SignOut(ctx context.Context) error
}

// Licenser is the slice of the license service the control plane exposes.
type Licenser interface {
	GetState(ctx context.Context) license.State
	Activate(ctx context.Context, key string) error
}

// Control is the privileged management surface. It listens on a mode-0600
// Unix socket (or a named pipe on Windows), so reachability is the
// authorization.
type Control struct {
	socketPath string
	version    string
	startedAt  time.Time

	store    *store.Store
	auth     ControlAuth
	license  Licenser
	notifier *notify.Notifier
	shutdown func()
}

// NewControl creates the control-plane server. shutdown is invoked when a
// client POSTs /api/shutdown.
func NewControl(socketPath, version string, st *store.Store, a ControlAuth, lic Licenser, n *notify.Notifier, shutdown func()) *Control {
	return &Control{
		socketPath: socketPath,
		version:    version,
		startedAt:  time.Now(),
		store:      st,
		auth:       a,
		license:    lic,
		notifier:   n,
		shutdown:   shutdown,
	}
}

// Run serves on the control socket until ctx is cancelled.
func (c *Control) Run(ctx context.Context) error {
	ln, err := listenControl(c.socketPath)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}

	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	slog.Info("control plane listening", "socket", c.socketPath)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control serve: %w", err)
	}
	return nil
}

// Handler returns the control-plane routes. Exposed for tests.
func (c *Control) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", c.handleStatus)
	mux.HandleFunc("/api/license", c.handleLicense)
	mux.HandleFunc("/api/license/activate", c.handleActivate)
	mux.HandleFunc("/api/signout", c.handleSignOut)
	mux.HandleFunc("/api/shutdown", c.handleShutdown)
	mux.HandleFunc("/api/events", c.handleEvents)
	return mux
}

func (c *Control) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessions, err := c.store.SessionCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        c.version,
		"uptime_seconds": int(time.Since(c.startedAt).Seconds()),
		"sessions":       sessions,
		"auth":           c.auth.GetState(r.Context()),
		"license":        c.license.GetState(r.Context()),
	})
}

func (c *Control) handleLicense(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, c.license.GetState(r.Context()))
}

func (c *Control) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Key string `json:"key"`
	}
	if err := decodeBody(r, &body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, "missing license key")
		return
	}
	if err := c.license.Activate(r.Context(), body.Key); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c.license.GetState(r.Context()))
}

func (c *Control) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := c.auth.SignOut(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"signed_out": true})
}

func (c *Control) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"shutting_down": true})
	slog.Info("shutdown requested via control plane")
	go c.shutdown()
}

// handleEvents streams activity events over a websocket until the client
// disconnects.
func (c *Control) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("event stream accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	events := make(chan notify.ActivityEvent, 16)
	subID := "events-" + uuid.NewString()
	c.notifier.Subscribe(subID, func(ev notify.ActivityEvent) {
		select {
		case events <- ev:
		default:
			// Slow consumer, drop; the next event carries fresh state.
		}
	})
	defer c.notifier.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
