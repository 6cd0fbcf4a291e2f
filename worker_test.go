package offlineworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-worker/cache"
)

const testOrigin = "https://www.example.com"

var errNetworkDown = errors.New("network down")

// testNetwork serves every host from one router and counts the calls per URL.
type testNetwork struct {
	handler http.Handler
	offline atomic.Bool
	mutex   sync.Mutex
	calls   map[string]int
	methods []string
}

func newTestNetwork() *testNetwork {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<h1>Home</h1>"))
	})
	r.Get("/styles.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte("body{}"))
	})
	r.Get("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("You are offline"))
	})
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	r.Get("/css2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh font css"))
	})
	r.Get("/collect", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/lib.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("lib"))
	})
	r.Post("/contact", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write([]byte(fmt.Sprintf("got %s", body)))
	})
	return &testNetwork{handler: r, calls: map[string]int{}}
}

func (n *testNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	n.mutex.Lock()
	n.calls[r.URL.String()]++
	n.methods = append(n.methods, r.Method)
	n.mutex.Unlock()
	if n.offline.Load() {
		return nil, errNetworkDown
	}
	return HandlerFetcher{Handler: n.handler}.Fetch(ctx, r)
}

func (n *testNetwork) count(url string) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.calls[url]
}

func (n *testNetwork) total() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.methods)
}

// spyStorage counts every storage operation.
type spyStorage struct {
	cache.Storage
	ops atomic.Int32
}

func (s *spyStorage) Open(ctx context.Context, name string) error {
	s.ops.Add(1)
	return s.Storage.Open(ctx, name)
}

func (s *spyStorage) Names(ctx context.Context) ([]string, error) {
	s.ops.Add(1)
	return s.Storage.Names(ctx)
}

func (s *spyStorage) Get(ctx context.Context, name, key string) (cache.Entry, bool, error) {
	s.ops.Add(1)
	return s.Storage.Get(ctx, name, key)
}

func (s *spyStorage) Put(ctx context.Context, name, key string, entry cache.Entry) error {
	s.ops.Add(1)
	return s.Storage.Put(ctx, name, key, entry)
}

func (s *spyStorage) Match(ctx context.Context, key string) (cache.Entry, bool, error) {
	s.ops.Add(1)
	return s.Storage.Match(ctx, key)
}

func testConfig(network Fetcher, storage cache.Storage) Config {
	logger := zerolog.Nop()
	return Config{
		App:      "app",
		Version:  "v1",
		Origin:   testOrigin,
		Manifest: []string{"/", "/styles.css", "/offline.html"},
		Storage:  storage,
		Network:  network,
		Logger:   &logger,
	}
}

func newTestWorker(t *testing.T, config Config) *Worker {
	t.Helper()
	w, err := New(config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Close)
	return w
}

func get(t *testing.T, w RequestHandler, url string) *http.Response {
	t.Helper()
	req := httptest.NewRequest("GET", url, nil)
	res, err := w.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("GET %s: %s", url, err)
	}
	return res
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestCacheFirstHitDoesNotFetch(t *testing.T) {
	network := newTestNetwork()
	w := newTestWorker(t, testConfig(network, cache.NewMemStorage()))
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := network.total()

	for i := 0; i < 3; i++ {
		res := get(t, w, testOrigin+"/styles.css")
		if body := readBody(t, res); body != "body{}" {
			t.Fatalf("Body is %s", body)
		}
		if ct := res.Header.Get("Content-Type"); ct != "text/css" {
			t.Fatalf("Content-Type is %s", ct)
		}
		if cs := res.Header.Get("Cache-Status"); cs != "Offline-Worker; hit" {
			t.Fatalf("Cache-Status is %s", cs)
		}
	}
	if after := network.total(); after != before {
		t.Fatalf("Network called %d times on cache hits", after-before)
	}
}

func TestCacheFirstMissStoresInDynamic(t *testing.T) {
	network := newTestNetwork()
	storage := cache.NewMemStorage()
	w := newTestWorker(t, testConfig(network, storage))

	res := get(t, w, "/lib.js")
	if body := readBody(t, res); body != "lib" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Worker; fwd=uri-miss; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if _, ok, _ := storage.Get(context.Background(), "app-dynamic-v1", testOrigin+"/lib.js"); !ok {
		t.Fatal("Response not stored in dynamic generation")
	}

	get(t, w, "/lib.js")
	if c := network.count(testOrigin + "/lib.js"); c != 1 {
		t.Fatalf("Network called %d times", c)
	}
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	network := newTestNetwork()
	storage := cache.NewMemStorage()
	w := newTestWorker(t, testConfig(network, storage))

	res := get(t, w, "/missing")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if _, ok, _ := storage.Match(context.Background(), testOrigin+"/missing"); ok {
		t.Fatal("Error response was stored")
	}
}

func TestNavigationOffline(t *testing.T) {
	network := newTestNetwork()
	network.offline.Store(true)
	w := newTestWorker(t, testConfig(network, cache.NewMemStorage()))

	req := httptest.NewRequest("GET", "/about", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	res, err := w.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "offline" {
		t.Fatalf("Body is %s", body)
	}
}

func TestNavigationOfflineServesOfflinePage(t *testing.T) {
	network := newTestNetwork()
	w := newTestWorker(t, testConfig(network, cache.NewMemStorage()))
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	network.offline.Store(true)

	req := httptest.NewRequest("GET", "/about", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	res, err := w.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "You are offline" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Worker; hit; detail=offline" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestSubresourceOfflineMissFails(t *testing.T) {
	network := newTestNetwork()
	network.offline.Store(true)
	w := newTestWorker(t, testConfig(network, cache.NewMemStorage()))

	_, err := w.HandleRequest(context.Background(), httptest.NewRequest("GET", "/app.js", nil))
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Error is %v", err)
	}
}

func TestStaleWhileRevalidateHit(t *testing.T) {
	network := newTestNetwork()
	storage := cache.NewMemStorage()
	w := newTestWorker(t, testConfig(network, storage))
	ctx := context.Background()
	key := "https://fonts.googleapis.com/css2"
	stale := cache.Entry{URL: key, Status: http.StatusOK, Header: http.Header{}, Body: []byte("stale font css")}
	if err := storage.Put(ctx, "app-dynamic-v1", key, stale); err != nil {
		t.Fatal(err)
	}

	res := get(t, w, key)
	if body := readBody(t, res); body != "stale font css" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Worker; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}

	w.Wait()
	if c := network.count(key); c != 1 {
		t.Fatalf("Network called %d times", c)
	}
	entry, _, _ := storage.Get(ctx, "app-dynamic-v1", key)
	if string(entry.Body) != "fresh font css" {
		t.Fatalf("Cache holds %s after revalidation", entry.Body)
	}
}

func TestStaleWhileRevalidateMiss(t *testing.T) {
	network := newTestNetwork()
	storage := cache.NewMemStorage()
	w := newTestWorker(t, testConfig(network, storage))
	key := "https://fonts.gstatic.com/css2"

	res := get(t, w, key)
	if body := readBody(t, res); body != "fresh font css" {
		t.Fatalf("Body is %s", body)
	}
	w.Wait()
	if c := network.count(key); c != 1 {
		t.Fatalf("Network called %d times", c)
	}
	if _, ok, _ := storage.Match(context.Background(), key); !ok {
		t.Fatal("Font response not stored")
	}
}

func TestStaleWhileRevalidateMissOffline(t *testing.T) {
	network := newTestNetwork()
	network.offline.Store(true)
	w := newTestWorker(t, testConfig(network, cache.NewMemStorage()))

	res := get(t, w, "https://fonts.gstatic.com/s/roboto.woff2")
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "" {
		t.Fatalf("Body is %s", body)
	}
}

func TestTelemetryOffline(t *testing.T) {
	network := newTestNetwork()
	network.offline.Store(true)
	storage := &spyStorage{Storage: cache.NewMemStorage()}
	w := newTestWorker(t, testConfig(network, storage))

	res := get(t, w, "https://www.google-analytics.com/collect?v=1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "" {
		t.Fatalf("Body is %s", body)
	}
	if ops := storage.ops.Load(); ops != 0 {
		t.Fatalf("Telemetry touched the cache %d times", ops)
	}
}

func TestTelemetryOnlineIsNotCached(t *testing.T) {
	network := newTestNetwork()
	storage := &spyStorage{Storage: cache.NewMemStorage()}
	w := newTestWorker(t, testConfig(network, storage))

	res := get(t, w, "https://region1.google-analytics.com/collect")
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if ops := storage.ops.Load(); ops != 0 {
		t.Fatalf("Telemetry touched the cache %d times", ops)
	}
}

func TestNetworkFirstRoundTrip(t *testing.T) {
	network := newTestNetwork()
	storage := cache.NewMemStorage()
	w := newTestWorker(t, testConfig(network, storage))
	ctx := context.Background()
	key := "https://cdn.example.net/lib.js"
	log := zerolog.Nop()

	res, cs, err := w.networkFirst(ctx, httptest.NewRequest("GET", key, nil), key, log)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "lib" {
		t.Fatalf("Body is %s", body)
	}
	if cs.String() != "Offline-Worker; fwd=request; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}

	network.offline.Store(true)
	res, cs, err = w.cacheFirst(ctx, httptest.NewRequest("GET", key, nil), key, log)
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "lib" {
		t.Fatalf("Body is %s", body)
	}
	if cs.String() != "Offline-Worker; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if c := network.count(key); c != 1 {
		t.Fatalf("Network called %d times", c)
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	network := newTestNetwork()
	w := newTestWorker(t, testConfig(network, cache.NewMemStorage()))
	key := "https://cdn.example.net/lib.js"

	get(t, w, key)
	network.offline.Store(true)
	res := get(t, w, key)
	if body := readBody(t, res); body != "lib" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Worker; hit; detail=offline" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if c := network.count(key); c != 2 {
		t.Fatalf("Network called %d times", c)
	}
}

func TestNetworkFirstOfflineMiss(t *testing.T) {
	network := newTestNetwork()
	network.offline.Store(true)
	w := newTestWorker(t, testConfig(network, cache.NewMemStorage()))

	_, err := w.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://cdn.example.net/other.js", nil))
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Error is %v", err)
	}
}

func TestNonGetIsNotIntercepted(t *testing.T) {
	network := newTestNetwork()
	storage := &spyStorage{Storage: cache.NewMemStorage()}
	w := newTestWorker(t, testConfig(network, storage))

	for _, method := range []string{"POST", "PUT", "DELETE", "HEAD"} {
		req := httptest.NewRequest(method, "/contact", strings.NewReader("x"))
		if _, err := w.HandleRequest(context.Background(), req); !errors.Is(err, ErrNotIntercepted) {
			t.Fatalf("%s intercepted: %v", method, err)
		}
	}
	if ops := storage.ops.Load(); ops != 0 {
		t.Fatalf("Storage touched %d times", ops)
	}
	if n := network.total(); n != 0 {
		t.Fatalf("Network called %d times", n)
	}
}

func TestServeHTTPPassesPostThrough(t *testing.T) {
	network := newTestNetwork()
	storage := &spyStorage{Storage: cache.NewMemStorage()}
	w := newTestWorker(t, testConfig(network, storage))

	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest("POST", "/contact", strings.NewReader("hello")))

	res := rr.Result()
	if body := readBody(t, res); body != "got hello" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Worker; fwd=method" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if ops := storage.ops.Load(); ops != 0 {
		t.Fatalf("Storage touched %d times", ops)
	}
}

func TestServeHTTPBadGateway(t *testing.T) {
	network := newTestNetwork()
	network.offline.Store(true)
	w := newTestWorker(t, testConfig(network, cache.NewMemStorage()))

	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestServeHTTPRecoversPanic(t *testing.T) {
	network := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		panic("boom")
	})
	w := newTestWorker(t, testConfig(network, cache.NewMemStorage()))

	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestFetchTimeoutCountsAsOffline(t *testing.T) {
	network := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	config := testConfig(network, cache.NewMemStorage())
	config.FetchTimeout = 10 * time.Millisecond
	w := newTestWorker(t, config)

	res := get(t, w, "https://www.googletagmanager.com/gtag/js")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if body := readBody(t, res); body != "" {
		t.Fatalf("Body is %s", body)
	}
}

func TestOutgoingDropsHopHeaders(t *testing.T) {
	var got http.Header
	network := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		got = r.Header.Clone()
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
	})
	w := newTestWorker(t, testConfig(network, cache.NewMemStorage()))

	req := httptest.NewRequest("GET", "/page", nil)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	req.Header.Set("Accept-Language", "fi")
	if _, err := w.HandleRequest(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got.Get("Connection") != "" || got.Get("X-Forwarded-For") != "" {
		t.Fatalf("Hop headers forwarded: %v", got)
	}
	if got.Get("Accept-Language") != "fi" {
		t.Fatalf("End-to-end headers dropped: %v", got)
	}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	for name, modify := range map[string]func(*Config){
		"no app":     func(c *Config) { c.App = "" },
		"no version": func(c *Config) { c.Version = "v" },
		"no origin":  func(c *Config) { c.Origin = "" },
		"relative":   func(c *Config) { c.Origin = "/site" },
		"no storage": func(c *Config) { c.Storage = nil },
		"timeout":    func(c *Config) { c.FetchTimeout = -time.Second },
	} {
		config := testConfig(newTestNetwork(), cache.NewMemStorage())
		modify(&config)
		if _, err := New(config); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCacheHitCarriesAge(t *testing.T) {
	storage := cache.NewMemStorage()
	w := newTestWorker(t, testConfig(newTestNetwork(), storage))
	key := testOrigin + "/old.css"
	storage.Put(context.Background(), "app-dynamic-v1", key, cache.Entry{
		URL:      key,
		Status:   http.StatusOK,
		Header:   http.Header{},
		StoredAt: time.Now().Add(-90 * time.Second),
	})

	res := get(t, w, key)
	if age := res.Header.Get("Age"); age != "90" {
		t.Fatalf("Age is %s", age)
	}
	if res := get(t, w, testOrigin+"/lib.js"); res.Header.Get("Age") != "" {
		t.Fatal("Network response carries Age")
	}
}
