package offlineworker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// SyncResult counts the outcome of one sync trigger.
type SyncResult struct {
	Replayed  int
	Remaining int
}

// SyncTag is the tag that triggers the replay of queued submissions.
func (w *Worker) SyncTag() string {
	return w.syncTag
}

// Sync handles a background sync trigger.
// For the replay tag, every queued submission is posted once, oldest first.
// A submission is removed only after a 2xx reply; all others stay queued for the next trigger.
// Unknown tags are ignored.
func (w *Worker) Sync(ctx context.Context, tag string) (SyncResult, error) {
	result := SyncResult{}
	if tag != w.syncTag {
		w.log.Debug().Str("tag", tag).Msg("Ignoring unknown sync tag")
		return result, nil
	}
	if w.queue == nil {
		w.log.Debug().Msg("No submission queue, nothing to replay")
		return result, nil
	}

	submissions, err := w.queue.List(ctx)
	if err != nil {
		return result, fmt.Errorf("could not list queued submissions: %w", err)
	}
	w.log.Debug().Int("queued", len(submissions)).Msg("Replaying submissions")

	for _, s := range submissions {
		if ctx.Err() != nil {
			result.Remaining++
			continue
		}
		log := w.log.With().Str("submission", s.ID).Str("url", s.URL).Logger()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(s.Body))
		if err != nil {
			log.Warn().Err(err).Msg("Could not create replay request")
			w.metrics.observeReplay(false)
			result.Remaining++
			continue
		}
		if s.ContentType != "" {
			req.Header.Set("Content-Type", s.ContentType)
		}

		res, _, err := w.fetch(ctx, req)
		if err != nil || !successful(res) {
			if err == nil {
				err = fmt.Errorf("status %d", res.StatusCode)
			}
			log.Info().Err(err).Msg("Replay failed, keeping submission queued")
			w.metrics.observeReplay(false)
			result.Remaining++
			continue
		}
		w.metrics.observeReplay(true)

		if err := w.queue.Remove(context.WithoutCancel(ctx), s.ID); err != nil {
			log.Error().Err(err).Msg("Replayed submission could not be removed from queue")
			result.Remaining++
			continue
		}
		log.Debug().Msg("Replayed submission")
		result.Replayed++
	}

	w.log.Info().Int("replayed", result.Replayed).Int("remaining", result.Remaining).Msg("Sync done")
	return result, nil
}
