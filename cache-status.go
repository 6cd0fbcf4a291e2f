package offlineworker

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit = "hit"
	CacheStatusFwd = "fwd"
)

type CacheStatusFwdReason string

const (
	// The worker did not intercept this request.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The strategy for this request goes to the network before
	// looking at the cache.
	CacheStatusFwdRequest CacheStatusFwdReason = "request"
)

const (
	// The response stands in for a network that could not be reached.
	CacheStatusDetailOffline = "offline"

	// The response was made up by the worker, not fetched or stored.
	CacheStatusDetailSynthetic = "synthetic"
)

// CacheStatus is the value of the `Cache-Status` header added to every
// response the worker produces.
type CacheStatus struct {
	status    CacheStatusStatus
	fwdReason CacheStatusFwdReason
	detail    string
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

// Outcome is a low-cardinality summary, used as a metrics label.
func (cs CacheStatus) Outcome() string {
	if cs.detail != "" {
		return cs.detail
	}
	if cs.status == "" {
		return "none"
	}
	return string(cs.status)
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("Offline-Worker; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
