package offlineworker

import (
	"net/http"
	"net/url"
	"strings"

	cachekey "github.com/always-cache/offline-worker/pkg/cache-key"
	hostrules "github.com/always-cache/offline-worker/pkg/host-rules"
)

// Class decides which strategy serves an intercepted request.
type Class int

const (
	SameOrigin Class = iota
	FontCDN
	Telemetry
	OtherExternal
)

func (c Class) String() string {
	switch c {
	case SameOrigin:
		return "same-origin"
	case FontCDN:
		return "font-cdn"
	case Telemetry:
		return "telemetry"
	case OtherExternal:
		return "other-external"
	default:
		return "unknown"
	}
}

// Classifier maps request URLs to classes. It touches neither network nor cache.
type Classifier struct {
	Keyer          cachekey.CacheKeyer
	FontHosts      hostrules.Rules
	TelemetryHosts hostrules.Rules
}

// Classify applies the rules in order: telemetry host, same origin, font host, anything else.
func (c Classifier) Classify(u *url.URL) Class {
	switch {
	case c.TelemetryHosts.Match(u):
		return Telemetry
	case c.Keyer.SameOrigin(u):
		return SameOrigin
	case c.FontHosts.Match(u):
		return FontCDN
	default:
		return OtherExternal
	}
}

// Intercepts reports whether the worker handles the request at all.
// Only GET requests for http(s) URLs are intercepted.
func (c Classifier) Intercepts(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	return fetchableScheme(c.Keyer.RequestURL(r).Scheme)
}

func fetchableScheme(scheme string) bool {
	scheme = strings.ToLower(scheme)
	return scheme == "http" || scheme == "https"
}

// isNavigation reports whether the request loads a top-level document.
func isNavigation(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate")
}

func successful(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}
