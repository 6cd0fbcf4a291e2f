package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

type CacheKeyer struct {
	// Origin of the site the worker belongs to.
	// Requests without an absolute URL are resolved against it.
	Origin *url.URL
}

// NewCacheKeyer creates a keyer for the given site origin, e.g. `https://www.example.com`.
func NewCacheKeyer(origin string) (CacheKeyer, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return CacheKeyer{}, err
	}
	if u.Scheme == "" || u.Host == "" {
		return CacheKeyer{}, fmt.Errorf("origin must be absolute: %s", origin)
	}
	return CacheKeyer{Origin: &url.URL{Scheme: u.Scheme, Host: u.Host}}, nil
}

// RequestURL returns the absolute URL the request targets, without fragment.
// Proxied requests carry an absolute URL already; requests for the site itself
// only carry a path and are resolved against the site origin.
func (c CacheKeyer) RequestURL(r *http.Request) *url.URL {
	var u url.URL
	if r.URL.IsAbs() {
		u = *r.URL
	} else {
		u = *c.Origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	}
	u.Fragment = ""
	u.RawFragment = ""
	return &u
}

// GetKey returns the cache key for a request: its absolute URL.
// Only GET requests are cached, so the method is implied.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return c.RequestURL(r).String()
}

// Resolve resolves a possibly relative path (e.g. a manifest entry) to a cache key.
func (c CacheKeyer) Resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	u := c.Origin.ResolveReference(ref)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// SameOrigin reports whether u has the scheme and host of the site origin.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.Origin.Scheme) && strings.EqualFold(u.Host, c.Origin.Host)
}

// GetRequestFromKey generates a GET request equal, caching-wise, to the request that resulted
// in the provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	u, err := url.Parse(key)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(http.MethodGet, key, nil)
}
