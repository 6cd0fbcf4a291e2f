package offlineworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-worker/cache"
	cachekey "github.com/always-cache/offline-worker/pkg/cache-key"
	"github.com/always-cache/offline-worker/queue"
)

var (
	// ErrNotIntercepted is returned for requests the worker leaves to the network untouched.
	ErrNotIntercepted = errors.New("request not intercepted")
	// ErrNoResponse is returned when the network failed and no fallback exists.
	ErrNoResponse = errors.New("no response available")
)

// RequestHandler answers intercepted requests. The hosting runtime and tests call it directly.
type RequestHandler interface {
	HandleRequest(ctx context.Context, r *http.Request) (*http.Response, error)
}

type Worker struct {
	version      string
	staticName   string
	dynamicName  string
	prefix       string
	manifest     []string
	offlineKey   string
	syncTag      string
	fetchTimeout time.Duration

	keyer      cachekey.CacheKeyer
	classifier Classifier
	storage    cache.Storage
	queue      queue.Queue
	network    Fetcher
	log        zerolog.Logger
	metrics    *Metrics

	state atomic.Int32
	// background revalidations still writing to the cache
	bg sync.WaitGroup
}

var _ RequestHandler = (*Worker)(nil)

// New creates a worker version from the config.
// Nothing is fetched or stored until Install is called.
func New(config Config) (*Worker, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	keyer, err := cachekey.NewCacheKeyer(config.Origin)
	if err != nil {
		return nil, err
	}
	offlineKey, err := keyer.Resolve(config.OfflinePage)
	if err != nil {
		return nil, fmt.Errorf("offline page: %w", err)
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("app", config.App).
		Str("version", config.Version).
		Logger()

	w := &Worker{
		version:      config.Version,
		staticName:   GenerationName(config.App, KindStatic, config.Version),
		dynamicName:  GenerationName(config.App, KindDynamic, config.Version),
		prefix:       config.App + "-",
		manifest:     append([]string(nil), config.Manifest...),
		offlineKey:   offlineKey,
		syncTag:      config.SyncTag,
		fetchTimeout: config.FetchTimeout,
		keyer:        keyer,
		classifier: Classifier{
			Keyer:          keyer,
			FontHosts:      config.FontHosts,
			TelemetryHosts: config.TelemetryHosts,
		},
		storage: config.Storage,
		queue:   config.Queue,
		network: config.Network,
		log:     logger,
		metrics: config.Metrics,
	}
	w.setState(StateParsed)
	return w, nil
}

func (w *Worker) Version() string {
	return w.version
}

// Wait blocks until all background cache writes have finished.
func (w *Worker) Wait() {
	w.bg.Wait()
}

// Close waits for background work. The storage is shared between versions and stays open.
func (w *Worker) Close() {
	w.Wait()
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)

	res, err := w.HandleRequest(r.Context(), r)
	if errors.Is(err, ErrNotIntercepted) {
		w.passThrough(rw, r)
		return
	}
	if err != nil {
		w.log.Warn().Err(err).Str("url", r.URL.String()).Msg("No response for request")
		http.Error(rw, "Could not get response", http.StatusBadGateway)
		return
	}
	w.send(rw, res)
}

// recover recovers from panics and answers with a gateway error.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in worker handler")
		http.Error(rw, "Could not get response", http.StatusBadGateway)
	}
}

// HandleRequest picks the strategy for the request and runs it.
// It returns ErrNotIntercepted for requests the worker does not handle.
func (w *Worker) HandleRequest(ctx context.Context, r *http.Request) (*http.Response, error) {
	if !w.classifier.Intercepts(r) {
		return nil, ErrNotIntercepted
	}
	u := w.keyer.RequestURL(r)
	key := u.String()
	class := w.classifier.Classify(u)
	log := w.log.With().Str("class", class.String()).Str("url", key).Logger()
	log.Trace().Msg("Intercepted request")

	var (
		res *http.Response
		cs  CacheStatus
		err error
	)
	switch class {
	case Telemetry:
		res, cs = w.telemetry(ctx, r, key, log)
	case SameOrigin:
		res, cs, err = w.cacheFirst(ctx, r, key, log)
	case FontCDN:
		res, cs, err = w.staleWhileRevalidate(ctx, r, key, log)
	default:
		res, cs, err = w.networkFirst(ctx, r, key, log)
	}
	if err != nil {
		w.metrics.observeRequest(class, "error")
		return nil, err
	}
	res.Header.Set("Cache-Status", cs.String())
	w.metrics.observeRequest(class, cs.Outcome())
	log.Debug().Int("status", res.StatusCode).Str("cache", cs.String()).Msg("Answering request")
	return res, nil
}

// fetch performs one network call, bounded by the fetch timeout, and buffers the body.
// A timeout counts as a network failure.
func (w *Worker) fetch(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	if w.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.fetchTimeout)
		defer cancel()
	}
	res, err := w.network.Fetch(ctx, req.WithContext(ctx))
	if err != nil {
		return nil, nil, err
	}
	if res.Body == nil {
		return res, nil, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return res, body, nil
}

// outgoing creates the GET request sent to the network for an intercepted request.
func (w *Worker) outgoing(ctx context.Context, r *http.Request, key string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	return req, nil
}

// passThrough forwards a request the worker does not intercept, without touching any cache.
func (w *Worker) passThrough(rw http.ResponseWriter, r *http.Request) {
	u := w.keyer.RequestURL(r)
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), body)
	if err != nil {
		http.Error(rw, "Could not create request", http.StatusBadRequest)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)

	res, resBody, err := w.fetch(r.Context(), req)
	if err != nil {
		w.log.Warn().Err(err).Str("method", r.Method).Str("url", u.String()).Msg("Could not pass request through")
		http.Error(rw, "Could not get response", http.StatusBadGateway)
		return
	}
	out := cache.NewEntry(u.String(), res, resBody).Response(r)
	cs := CacheStatus{}
	if r.Method != http.MethodGet {
		cs.Forward(CacheStatusFwdMethod)
	} else {
		cs.Forward(CacheStatusFwdBypass)
	}
	out.Header.Set("Cache-Status", cs.String())
	w.send(rw, out)
}

func (w *Worker) send(rw http.ResponseWriter, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(rw, res.Body)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	// the transport negotiates and decodes compression itself
	"Accept-Encoding": {},
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if _, hop := hopHeaders[ck]; hop {
			continue
		}
		// some servers do not like the presence of these headers in the downstream request
		if strings.HasPrefix(ck, "X-Forwarded-") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
