package offlineworker

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/always-cache/offline-worker/cache"
	"github.com/always-cache/offline-worker/queue"
)

// formNetwork accepts posts to /ok and fails posts anywhere else.
type formNetwork struct {
	mutex    sync.Mutex
	received []string
}

func (n *formNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(r.Body)
	n.mutex.Lock()
	n.received = append(n.received, r.Method+" "+r.URL.Path+" "+r.Header.Get("Content-Type")+" "+string(body))
	n.mutex.Unlock()
	if r.URL.Path != "/ok" {
		return nil, errNetworkDown
	}
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func TestSyncRemovesOnlyReplayedSubmissions(t *testing.T) {
	network := &formNetwork{}
	q := queue.NewMemQueue()
	ctx := context.Background()
	first := queue.NewSubmission(testOrigin+"/ok", "application/x-www-form-urlencoded", []byte("name=a"))
	second := queue.NewSubmission(testOrigin+"/down", "application/json", []byte(`{"name":"b"}`))
	q.Append(ctx, first)
	q.Append(ctx, second)

	config := testConfig(network, cache.NewMemStorage())
	config.Queue = q
	config.Metrics = NewMetrics()
	w := newTestWorker(t, config)

	result, err := w.Sync(ctx, DefaultSyncTag)
	if err != nil {
		t.Fatal(err)
	}
	if result.Replayed != 1 || result.Remaining != 1 {
		t.Fatalf("Result is %+v", result)
	}
	left, _ := q.List(ctx)
	if len(left) != 1 || left[0].ID != second.ID {
		t.Fatalf("Queue holds %+v", left)
	}
	expected := []string{
		"POST /ok application/x-www-form-urlencoded name=a",
		`POST /down application/json {"name":"b"}`,
	}
	if len(network.received) != 2 || network.received[0] != expected[0] || network.received[1] != expected[1] {
		t.Fatalf("Network received %v", network.received)
	}
	assertMetric(t, config.Metrics, `offline_worker_sync_replays_total{result="ok"} 1`)

	// the next trigger retries what is left, once
	result, _ = w.Sync(ctx, DefaultSyncTag)
	if result.Replayed != 0 || result.Remaining != 1 {
		t.Fatalf("Result is %+v", result)
	}
	if len(network.received) != 3 {
		t.Fatalf("Network received %d posts", len(network.received))
	}
}

func TestSyncKeepsRejectedSubmissions(t *testing.T) {
	network := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusInternalServerError, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
	})
	q := queue.NewMemQueue()
	ctx := context.Background()
	q.Append(ctx, queue.NewSubmission(testOrigin+"/contact", "text/plain", []byte("hi")))
	config := testConfig(network, cache.NewMemStorage())
	config.Queue = q
	w := newTestWorker(t, config)

	if result, _ := w.Sync(ctx, DefaultSyncTag); result.Remaining != 1 {
		t.Fatalf("Result is %+v", result)
	}
	if left, _ := q.List(ctx); len(left) != 1 {
		t.Fatalf("Queue holds %d submissions", len(left))
	}
}

func TestSyncIgnoresUnknownTag(t *testing.T) {
	network := &formNetwork{}
	q := queue.NewMemQueue()
	ctx := context.Background()
	q.Append(ctx, queue.NewSubmission(testOrigin+"/ok", "text/plain", nil))
	config := testConfig(network, cache.NewMemStorage())
	config.Queue = q
	w := newTestWorker(t, config)

	result, err := w.Sync(ctx, "sync-newsletter")
	if err != nil || result != (SyncResult{}) {
		t.Fatalf("Result is %+v, %v", result, err)
	}
	if len(network.received) != 0 {
		t.Fatalf("Network received %v", network.received)
	}
}

func TestSyncWithoutQueue(t *testing.T) {
	w := newTestWorker(t, testConfig(&formNetwork{}, cache.NewMemStorage()))
	if result, err := w.Sync(context.Background(), w.SyncTag()); err != nil || result != (SyncResult{}) {
		t.Fatalf("Result is %+v, %v", result, err)
	}
}
