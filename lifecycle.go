package offlineworker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/always-cache/offline-worker/cache"
)

// ErrInstall wraps every install failure.
var ErrInstall = errors.New("install failed")

const (
	KindStatic  = "static"
	KindDynamic = "dynamic"
)

// GenerationName returns the cache generation name `<app>-<kind>-v<version>`.
func GenerationName(app, kind, version string) string {
	return fmt.Sprintf("%s-%s-v%s", app, kind, version)
}

// State is the lifecycle state of a worker version.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// The version failed to install and will never control any client.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// StaticGeneration is the name of the generation filled at install.
func (w *Worker) StaticGeneration() string {
	return w.staticName
}

// DynamicGeneration is the name of the generation filled while serving requests.
func (w *Worker) DynamicGeneration() string {
	return w.dynamicName
}

type manifestAsset struct {
	key   string
	entry cache.Entry
}

// Install fills the static generation with every manifest asset.
// It is all or nothing: if any asset cannot be fetched, or answers with a non-2xx status,
// nothing is written and the worker becomes redundant.
// Running it again with the same manifest and version yields the same key set.
func (w *Worker) Install(ctx context.Context) (err error) {
	w.setState(StateInstalling)
	w.log.Info().Int("assets", len(w.manifest)).Str("generation", w.staticName).Msg("Installing")
	defer func() {
		w.metrics.observeInstall(err)
		if err != nil {
			w.setState(StateRedundant)
			w.log.Error().Err(err).Msg("Install failed")
			return
		}
		w.setState(StateInstalled)
		w.log.Info().Msg("Installed")
	}()

	assets := make([]manifestAsset, 0, len(w.manifest))
	for _, path := range w.manifest {
		asset, err := w.fetchAsset(ctx, path)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInstall, path, err)
		}
		assets = append(assets, asset)
	}

	existed, err := w.hasGeneration(ctx, w.staticName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	if err := w.storage.Open(ctx, w.staticName); err != nil {
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	for _, asset := range assets {
		if err := w.storage.Put(ctx, w.staticName, asset.key, asset.entry); err != nil {
			// a partial generation of our own making is worse than none
			if !existed {
				if _, delErr := w.storage.Delete(context.WithoutCancel(ctx), w.staticName); delErr != nil {
					w.log.Error().Err(delErr).Msg("Could not remove partial static generation")
				}
			}
			return fmt.Errorf("%w: %s: %w", ErrInstall, asset.key, err)
		}
	}
	return nil
}

func (w *Worker) fetchAsset(ctx context.Context, path string) (manifestAsset, error) {
	key, err := w.keyer.Resolve(path)
	if err != nil {
		return manifestAsset{}, err
	}
	req, err := w.keyer.GetRequestFromKey(key)
	if err != nil {
		return manifestAsset{}, err
	}
	res, body, err := w.fetch(ctx, req.WithContext(ctx))
	if err != nil {
		return manifestAsset{}, err
	}
	if !successful(res) {
		return manifestAsset{}, fmt.Errorf("status %d", res.StatusCode)
	}
	w.log.Trace().Str("key", key).Msg("Fetched manifest asset")
	return manifestAsset{key: key, entry: cache.NewEntry(key, res, body)}, nil
}

func (w *Worker) hasGeneration(ctx context.Context, name string) (bool, error) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Activate deletes every generation of this app that is not current and returns the deleted names.
// Cleanup is best effort: failures are logged and never stop activation.
func (w *Worker) Activate(ctx context.Context) []string {
	w.setState(StateActivating)
	deleted := make([]string, 0)
	failed := 0

	names, err := w.storage.Names(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list cache generations")
		failed++
	}
	for _, name := range names {
		if !w.isStale(name) {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.log.Error().Err(err).Str("generation", name).Msg("Could not delete stale generation")
			failed++
			continue
		}
		w.log.Info().Str("generation", name).Msg("Deleted stale generation")
		deleted = append(deleted, name)
	}

	w.metrics.observeActivation(len(deleted), failed)
	w.setState(StateActivated)
	w.log.Info().Int("deleted", len(deleted)).Msg("Activated")
	return deleted
}

// isStale reports whether the generation carries this app's prefix but is not current.
// Older naming schemes of the app (e.g. "<app>-v1") are stale too.
func (w *Worker) isStale(name string) bool {
	if name == w.staticName || name == w.dynamicName {
		return false
	}
	return strings.HasPrefix(name, w.prefix)
}
