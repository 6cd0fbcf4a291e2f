package offlineworker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoActiveWorker is returned when no version has been deployed yet.
var ErrNoActiveWorker = errors.New("no active worker")

// Runtime hosts worker versions the way a browser hosts service workers.
// Exactly one version controls requests at a time; a new version takes over
// only after it installed successfully.
type Runtime struct {
	active atomic.Pointer[Worker]
	// serializes deploys so that two versions never install side by side
	deploy sync.Mutex
	log    zerolog.Logger
}

func NewRuntime(logger *zerolog.Logger) *Runtime {
	rt := &Runtime{}
	if logger == nil {
		rt.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		rt.log = *logger
	}
	return rt
}

// Active returns the worker controlling requests, or nil.
func (rt *Runtime) Active() *Worker {
	return rt.active.Load()
}

// Deploy installs the worker and, if that succeeds, activates it and lets it claim all requests
// without waiting for the previous version to go idle.
// If install fails, the previous version stays in control and the error is returned.
func (rt *Runtime) Deploy(ctx context.Context, w *Worker) error {
	rt.deploy.Lock()
	defer rt.deploy.Unlock()

	previous := rt.active.Load()
	if err := w.Install(ctx); err != nil {
		ev := rt.log.Warn().Err(err).Str("version", w.Version())
		if previous != nil {
			ev = ev.Str("active", previous.Version())
		}
		ev.Msg("New version not deployed")
		return err
	}

	// skip waiting
	w.Activate(ctx)
	// claim clients
	rt.active.Store(w)
	rt.log.Info().Str("version", w.Version()).Msg("Worker in control")

	if previous != nil && previous != w {
		previous.setState(StateRedundant)
		previous.Close()
	}
	return nil
}

// ServeHTTP hands the request to the active worker.
func (rt *Runtime) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w := rt.active.Load()
	if w == nil {
		http.Error(rw, "No worker deployed", http.StatusServiceUnavailable)
		return
	}
	w.ServeHTTP(rw, r)
}

// HandleRequest hands the request to the active worker.
func (rt *Runtime) HandleRequest(ctx context.Context, r *http.Request) (*http.Response, error) {
	w := rt.active.Load()
	if w == nil {
		return nil, ErrNoActiveWorker
	}
	return w.HandleRequest(ctx, r)
}

// Sync delivers a sync trigger to the active worker.
func (rt *Runtime) Sync(ctx context.Context, tag string) (SyncResult, error) {
	w := rt.active.Load()
	if w == nil {
		return SyncResult{}, ErrNoActiveWorker
	}
	return w.Sync(ctx, tag)
}

// SyncEvery delivers the worker's sync tag on every tick until ctx is done.
// It stands in for the platform scheduler that fires sync when connectivity returns.
func (rt *Runtime) SyncEvery(ctx context.Context, interval time.Duration) {
	rt.log.Info().Msgf("Starting sync loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.log.Debug().Msg("Sync loop stopped")
			return
		case <-ticker.C:
		}
		w := rt.active.Load()
		if w == nil {
			rt.log.Trace().Msg("No active worker, pausing sync")
			continue
		}
		if _, err := w.Sync(ctx, w.SyncTag()); err != nil {
			rt.log.Error().Err(err).Msg("Sync failed")
		}
	}
}

// Close waits for background work of the active worker.
func (rt *Runtime) Close() {
	if w := rt.active.Load(); w != nil {
		w.Close()
	}
}
