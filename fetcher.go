package offlineworker

import (
	"context"
	"net/http"
	"net/url"

	cachekey "github.com/always-cache/offline-worker/pkg/cache-key"
	tee "github.com/always-cache/offline-worker/pkg/response-writer-tee"
)

// Fetcher is the network as seen by the worker.
// A returned error means the network could not be reached; any HTTP status is a response.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// HTTPFetcher fetches over HTTP. Redirects are returned, not followed.
type HTTPFetcher struct {
	Client *http.Client
	// Upstream, if set, receives every request in place of the host named in its URL.
	// The original host is kept as the Host header.
	Upstream *url.URL
}

func NewHTTPFetcher(upstream *url.URL) *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Upstream: upstream,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req := r.Clone(ctx)
	req.RequestURI = ""
	if f.Upstream != nil {
		req.Host = r.URL.Host
		req.URL.Scheme = f.Upstream.Scheme
		req.URL.Host = f.Upstream.Host
	}
	return f.Client.Do(req)
}

// HandlerFetcher serves requests from a local handler, e.g. a file server for the site.
// The handler sees a fresh context: cancellation of ctx reaches it, values stored in ctx
// (such as a router's state for the inbound request) do not.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	nctx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	done := make(chan *http.Response, 1)
	go func() {
		defer cancel()
		rs := tee.NewResponseSaver(nil)
		f.Handler.ServeHTTP(rs, r.Clone(nctx))
		done <- rs.Response(r)
	}()
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RouteFetcher sends requests for the site to one fetcher and everything else to another.
type RouteFetcher struct {
	Keyer       cachekey.CacheKeyer
	SameOrigin  Fetcher
	CrossOrigin Fetcher
}

func (f RouteFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if f.Keyer.SameOrigin(r.URL) {
		return f.SameOrigin.Fetch(ctx, r)
	}
	return f.CrossOrigin.Fetch(ctx, r)
}
