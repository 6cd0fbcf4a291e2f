package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	offlineworker "github.com/always-cache/offline-worker"
	"github.com/always-cache/offline-worker/cache"
	cachekey "github.com/always-cache/offline-worker/pkg/cache-key"
	"github.com/always-cache/offline-worker/push"
	"github.com/always-cache/offline-worker/queue"
)

// maximum size of a queued form submission
const maxSubmissionSize = 1 << 20

type server struct {
	configFilename string
	// values set on the command line, winning over file and environment
	flags Config
	runtime *offlineworker.Runtime
	storage cache.Storage
	queue   queue.Queue
	metrics *offlineworker.Metrics
	log     zerolog.Logger
	// creates the network for a config; replaced in tests
	network func(Config) (offlineworker.Fetcher, error)

	mutex  sync.RWMutex
	config Config
}

// newNetwork answers same-origin requests from the static dir or the upstream,
// and everything else from the internet.
func newNetwork(c Config) (offlineworker.Fetcher, error) {
	keyer, err := cachekey.NewCacheKeyer(c.Origin)
	if err != nil {
		return nil, err
	}
	internet := offlineworker.NewHTTPFetcher(nil)
	var site offlineworker.Fetcher = internet
	switch {
	case c.StaticDir != "":
		site = offlineworker.HandlerFetcher{Handler: http.FileServer(http.Dir(c.StaticDir))}
	case c.Upstream != "":
		upstream, err := url.Parse(c.Upstream)
		if err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
		site = offlineworker.NewHTTPFetcher(upstream)
	}
	return offlineworker.RouteFetcher{Keyer: keyer, SameOrigin: site, CrossOrigin: internet}, nil
}

// deploy reads the config file and deploys the version it names.
func (s *server) deploy(ctx context.Context) (*offlineworker.Worker, error) {
	config, err := getConfig(s.configFilename)
	if err != nil {
		return nil, err
	}
	override(&config.Origin, s.flags.Origin)
	override(&config.Upstream, s.flags.Upstream)
	override(&config.StaticDir, s.flags.StaticDir)
	workerConfig, err := config.workerConfig()
	if err != nil {
		return nil, err
	}
	network, err := s.network(config)
	if err != nil {
		return nil, err
	}
	workerConfig.Storage = s.storage
	workerConfig.Queue = s.queue
	workerConfig.Network = network
	workerConfig.Logger = &s.log
	workerConfig.Metrics = s.metrics

	w, err := offlineworker.New(workerConfig)
	if err != nil {
		return nil, err
	}
	if err := s.runtime.Deploy(ctx, w); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	s.config = config
	s.mutex.Unlock()
	return w, nil
}

func (s *server) currentConfig() Config {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.config
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))

	r.Route("/.worker", func(r chi.Router) {
		r.Post("/deploy", s.handleDeploy)
		r.Post("/sync", s.handleSync)
		r.Post("/outbox", s.handleOutbox)
		r.Post("/push", s.handlePush)
		r.Get("/notificationclick", s.handleNotificationClick)
		r.Get("/status", s.handleStatus)
		r.Handle("/metrics", s.metrics.Handler())
	})
	r.Handle("/*", s.runtime)
	return r
}

func (s *server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	worker, err := s.deploy(r.Context())
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Deploy failed")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"version": worker.Version(),
		"state":   worker.State().String(),
	})
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		if active := s.runtime.Active(); active != nil {
			tag = active.SyncTag()
		}
	}
	result, err := s.runtime.Sync(r.Context(), tag)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Sync failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"replayed":  result.Replayed,
		"remaining": result.Remaining,
	})
}

// handleOutbox queues a form submission for replay on the next sync.
func (s *server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	keyer, err := cachekey.NewCacheKeyer(s.currentConfig().Origin)
	if err != nil {
		http.Error(w, "No worker deployed", http.StatusServiceUnavailable)
		return
	}
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "Missing url", http.StatusBadRequest)
		return
	}
	key, err := keyer.Resolve(target)
	if err != nil {
		http.Error(w, "Invalid url", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmissionSize))
	if err != nil {
		http.Error(w, "Could not read body", http.StatusBadRequest)
		return
	}

	submission := queue.NewSubmission(key, r.Header.Get("Content-Type"), body)
	if err := s.queue.Append(r.Context(), submission); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not queue submission")
		http.Error(w, "Could not queue submission", http.StatusInternalServerError)
		return
	}
	hlog.FromRequest(r).Info().Str("submission", submission.ID).Str("url", key).Msg("Queued submission")
	writeJSON(w, http.StatusAccepted, map[string]string{"id": submission.ID})
}

func (s *server) handlePush(w http.ResponseWriter, r *http.Request) {
	text, err := io.ReadAll(io.LimitReader(r.Body, maxSubmissionSize))
	if err != nil {
		http.Error(w, "Could not read body", http.StatusBadRequest)
		return
	}
	n := push.FromPayload(s.currentConfig().Push, string(text), r.URL.Query().Get("url"))
	writeJSON(w, http.StatusOK, n)
}

// redirectOpener opens windows by redirecting the client.
type redirectOpener struct {
	url string
}

func (o *redirectOpener) OpenWindow(_ context.Context, url string) error {
	o.url = url
	return nil
}

// handleNotificationClick opens the notification's URL. Only URLs on the site are opened.
func (s *server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	config := s.currentConfig()
	target := query.Get("url")
	if target != "" && !s.onSite(config.Origin, target) {
		http.Error(w, "URL is not on this site", http.StatusBadRequest)
		return
	}
	n := push.FromPayload(config.Push, "", target)
	opener := &redirectOpener{}
	if err := push.Click(r.Context(), n, query.Get("action"), opener); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if opener.url == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, opener.url, http.StatusSeeOther)
}

// onSite reports whether target, resolved against origin, belongs to origin.
func (s *server) onSite(origin, target string) bool {
	keyer, err := cachekey.NewCacheKeyer(origin)
	if err != nil {
		return false
	}
	key, err := keyer.Resolve(target)
	if err != nil {
		return false
	}
	u, err := url.Parse(key)
	return err == nil && keyer.SameOrigin(u)
}

type status struct {
	Version     string   `json:"version"`
	State       string   `json:"state"`
	Generations []string `json:"generations"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active := s.runtime.Active()
	if active == nil {
		writeJSON(w, http.StatusServiceUnavailable, status{State: "none"})
		return
	}
	names, err := s.storage.Names(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not list generations")
	}
	writeJSON(w, http.StatusOK, status{
		Version:     active.Version(),
		State:       active.State().String(),
		Generations: names,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Could not write JSON")
	}
}
