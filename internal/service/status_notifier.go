package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-skills/internal/config"
	"github.com/stemsi/exstem-skills/internal/submission"
)

// StatusUpdate is what subscribers of a submission's status channel receive.
type StatusUpdate struct {
	SubmissionID string            `json:"submission_id"`
	Status       submission.Status `json:"status"`
	Previous     submission.Status `json:"previous_status,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Terminal     bool              `json:"terminal"`
}

// StatusNotifier fans submission events out to Redis Pub/Sub so any
// instance can stream them to the learner.
type StatusNotifier struct {
	rdb *redis.Client
}

func NewStatusNotifier(rdb *redis.Client) *StatusNotifier {
	return &StatusNotifier{rdb: rdb}
}

func (n *StatusNotifier) Publish(ctx context.Context, ev submission.Event) error {
	body, err := json.Marshal(StatusUpdate{
		SubmissionID: ev.Submission.ID,
		Status:       ev.Submission.Status,
		Previous:     ev.Previous,
		Result:       ev.Submission.Result,
		Terminal:     ev.Submission.Status.Terminal(),
	})
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, config.CacheKey.SubmissionStatusChannel(ev.Submission.ID), body).Err()
}

// Subscribe opens the status channel of one submission.
func (n *StatusNotifier) Subscribe(ctx context.Context, submissionID string) *redis.PubSub {
	return n.rdb.Subscribe(ctx, config.CacheKey.SubmissionStatusChannel(submissionID))
}

// Sinks publishes every event to each sink and joins their errors.
type Sinks []submission.EventSink

func (s Sinks) Publish(ctx context.Context, ev submission.Event) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
