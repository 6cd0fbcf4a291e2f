package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is the outbox of form submissions that could not be sent while offline.
// List returns submissions oldest first.
//
// Implementations must be thread-safe!
type Queue interface {
	List(ctx context.Context) ([]Submission, error)
	Append(ctx context.Context, s Submission) error
	// Remove deletes the submission with the given ID.
	// Removing an unknown ID is not an error.
	Remove(ctx context.Context, id string) error
}

// Submission is a queued POST request.
type Submission struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewSubmission creates a submission with a fresh ID.
func NewSubmission(url, contentType string, body []byte) Submission {
	return Submission{
		ID:          uuid.NewString(),
		URL:         url,
		ContentType: contentType,
		Body:        body,
		CreatedAt:   time.Now(),
	}
}

type MemQueue struct {
	mutex *sync.Mutex
	items []Submission
}

func NewMemQueue() *MemQueue {
	return &MemQueue{mutex: &sync.Mutex{}}
}

func (q *MemQueue) List(_ context.Context) ([]Submission, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return append([]Submission(nil), q.items...), nil
}

func (q *MemQueue) Append(_ context.Context, s Submission) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	q.items = append(q.items, s)
	return nil
}

func (q *MemQueue) Remove(_ context.Context, id string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for i, s := range q.items {
		if s.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return nil
}
