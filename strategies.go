package offlineworker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-worker/cache"
)

// cacheFirst serves from any cache generation and only goes to the network on a miss.
// Successful network responses are stored in the dynamic generation.
func (w *Worker) cacheFirst(ctx context.Context, r *http.Request, key string, log zerolog.Logger) (*http.Response, CacheStatus, error) {
	cs := CacheStatus{}
	if entry, ok := w.match(ctx, key, log); ok {
		cs.Hit()
		return fromCache(r, entry), cs, nil
	}
	cs.Forward(CacheStatusFwdUriMiss)

	req, err := w.outgoing(ctx, r, key)
	if err != nil {
		return nil, cs, err
	}
	res, body, err := w.fetch(ctx, req)
	if err != nil {
		log.Debug().Err(err).Msg("Network failed on cache miss")
		if isNavigation(r) {
			return w.offlineFallback(ctx, r, log)
		}
		return nil, cs, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	entry := cache.NewEntry(key, res, body)
	if successful(res) && w.store(ctx, key, entry, log) {
		cs.Stored()
	}
	return entry.Response(r), cs, nil
}

// networkFirst goes to the network and falls back to any cached copy when it cannot be reached.
func (w *Worker) networkFirst(ctx context.Context, r *http.Request, key string, log zerolog.Logger) (*http.Response, CacheStatus, error) {
	cs := CacheStatus{}
	req, err := w.outgoing(ctx, r, key)
	if err != nil {
		return nil, cs, err
	}
	res, body, fetchErr := w.fetch(ctx, req)
	if fetchErr == nil {
		cs.Forward(CacheStatusFwdRequest)
		entry := cache.NewEntry(key, res, body)
		if successful(res) && w.store(ctx, key, entry, log) {
			cs.Stored()
		}
		return entry.Response(r), cs, nil
	}

	log.Debug().Err(fetchErr).Msg("Network failed, trying cache")
	if entry, ok := w.match(ctx, key, log); ok {
		cs.Hit()
		cs.Detail(CacheStatusDetailOffline)
		return fromCache(r, entry), cs, nil
	}
	return nil, cs, fmt.Errorf("%w: %w", ErrNoResponse, fetchErr)
}

type fetchResult struct {
	entry cache.Entry
	ok    bool
	err   error
}

// staleWhileRevalidate answers from the cache right away and refreshes the entry in the background.
// Exactly one network fetch is issued per call, hit or miss.
// A miss waits for that fetch; if it fails, an empty 504 is returned so rendering is never blocked.
func (w *Worker) staleWhileRevalidate(ctx context.Context, r *http.Request, key string, log zerolog.Logger) (*http.Response, CacheStatus, error) {
	cs := CacheStatus{}
	// the refresh outlives the request that triggered it
	bgCtx := context.WithoutCancel(ctx)
	req, err := w.outgoing(bgCtx, r, key)
	if err != nil {
		return nil, cs, err
	}

	done := make(chan fetchResult, 1)
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		res, body, err := w.fetch(bgCtx, req)
		if err != nil {
			log.Debug().Err(err).Msg("Revalidation failed")
			done <- fetchResult{err: err}
			return
		}
		entry := cache.NewEntry(key, res, body)
		stored := successful(res) && w.store(bgCtx, key, entry, log)
		done <- fetchResult{entry: entry, ok: stored}
	}()

	if entry, ok := w.match(ctx, key, log); ok {
		cs.Hit()
		return fromCache(r, entry), cs, nil
	}

	cs.Forward(CacheStatusFwdUriMiss)
	var result fetchResult
	select {
	case result = <-done:
	case <-ctx.Done():
		return nil, cs, ctx.Err()
	}
	if result.err != nil {
		cs.Detail(CacheStatusDetailSynthetic)
		return syntheticResponse(r, key, http.StatusGatewayTimeout, "", ""), cs, nil
	}
	if result.ok {
		cs.Stored()
	}
	return result.entry.Response(r), cs, nil
}

// telemetry never caches and never fails: an unreachable network yields an empty 200.
func (w *Worker) telemetry(ctx context.Context, r *http.Request, key string, log zerolog.Logger) (*http.Response, CacheStatus) {
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdBypass)
	req, err := w.outgoing(ctx, r, key)
	if err == nil {
		var (
			res  *http.Response
			body []byte
		)
		if res, body, err = w.fetch(ctx, req); err == nil {
			return cache.NewEntry(key, res, body).Response(r), cs
		}
	}
	log.Debug().Err(err).Msg("Telemetry unreachable, answering empty")
	cs.Detail(CacheStatusDetailSynthetic)
	return syntheticResponse(r, key, http.StatusOK, "", ""), cs
}

// offlineFallback answers a failed navigation with the cached offline page, or a plain 503.
func (w *Worker) offlineFallback(ctx context.Context, r *http.Request, log zerolog.Logger) (*http.Response, CacheStatus, error) {
	cs := CacheStatus{}
	cs.Detail(CacheStatusDetailOffline)
	if entry, ok := w.match(ctx, w.offlineKey, log); ok {
		cs.Hit()
		return fromCache(r, entry), cs, nil
	}
	cs.Forward(CacheStatusFwdUriMiss)
	return syntheticResponse(r, w.offlineKey, http.StatusServiceUnavailable, "text/plain; charset=utf-8", "offline"), cs, nil
}

// match looks the key up in every generation. Storage errors count as a miss.
func (w *Worker) match(ctx context.Context, key string, log zerolog.Logger) (cache.Entry, bool) {
	entry, ok, err := w.storage.Match(ctx, key)
	if err != nil {
		log.Error().Err(err).Msg("Could not read from cache")
		return cache.Entry{}, false
	}
	return entry, ok
}

// store writes the entry to the dynamic generation.
// The write is detached from ctx so that it completes even if the client goes away.
func (w *Worker) store(ctx context.Context, key string, entry cache.Entry, log zerolog.Logger) bool {
	if err := w.storage.Put(context.WithoutCancel(ctx), w.dynamicName, key, entry); err != nil {
		log.Error().Err(err).Msg("Could not write to cache")
		return false
	}
	log.Trace().Str("generation", w.dynamicName).Msg("Cache write")
	return true
}

// fromCache creates the response for a cache hit, with the time since the entry was stored as Age.
func fromCache(r *http.Request, entry cache.Entry) *http.Response {
	res := entry.Response(r)
	if !entry.StoredAt.IsZero() {
		age := time.Since(entry.StoredAt)
		if age < 0 {
			age = 0
		}
		res.Header.Set("Age", strconv.FormatInt(int64(age/time.Second), 10))
	}
	return res
}

func syntheticResponse(r *http.Request, url string, status int, contentType, body string) *http.Response {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return cache.Entry{URL: url, Status: status, Header: header, Body: []byte(body)}.Response(r)
}
