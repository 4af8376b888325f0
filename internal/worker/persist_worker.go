package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/config"
	"github.com/stemsi/exstem-skills/internal/submission"
)

type persistItem struct {
	Submission submission.Submission `json:"submission"`
	StatusRaw  string                `json:"status_raw"`
}

// QueueingStore wraps a submission store. A create that fails is queued in
// redis for the PersistWorker instead of being lost.
type QueueingStore struct {
	submission.Store
	rdb *redis.Client
	log zerolog.Logger
}

func NewQueueingStore(store submission.Store, rdb *redis.Client, log zerolog.Logger) *QueueingStore {
	return &QueueingStore{
		Store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "queueing_store").Logger(),
	}
}

func (s *QueueingStore) Create(ctx context.Context, sub *submission.Submission) error {
	err := s.Store.Create(ctx, sub)
	if err == nil {
		return nil
	}

	body, merr := json.Marshal(persistItem{Submission: *sub, StatusRaw: sub.StatusRaw})
	if merr != nil {
		return err
	}
	if qerr := s.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, body).Err(); qerr != nil {
		return err
	}
	s.log.Warn().Err(err).Str("submission_id", sub.ID).Msg("Create failed, queued for retry")
	return nil
}

// PersistWorker consumes persist_submissions_queue and retries creates.
type PersistWorker struct {
	store      submission.Store
	rdb        *redis.Client
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewPersistWorker creates a new PersistWorker writing to store.
func NewPersistWorker(store submission.Store, rdb *redis.Client, log zerolog.Logger) *PersistWorker {
	return &PersistWorker{
		store:      store,
		rdb:        rdb,
		retryDelay: 5 * time.Second,
		log:        log.With().Str("component", "persist_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *PersistWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *PersistWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.PersistSubmissionsQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	if err := w.persist(ctx, result[1]); err != nil {
		w.log.Error().Err(err).Msg("Persist error, retrying later")
		w.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, result[1])
		select {
		case <-ctx.Done():
		case <-time.After(w.retryDelay):
		}
	}
}

func (w *PersistWorker) persist(ctx context.Context, raw string) error {
	var item persistItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		// Unreadable items are dropped rather than retried forever.
		w.log.Error().Err(err).Msg("Unmarshal error")
		return nil
	}
	sub := item.Submission
	sub.StatusRaw = item.StatusRaw

	if err := w.store.Create(ctx, &sub); err != nil {
		if _, getErr := w.store.Get(ctx, sub.ID); getErr == nil {
			return nil
		}
		return err
	}
	w.log.Info().Str("submission_id", sub.ID).Msg("Queued submission persisted")
	return nil
}

// drain processes all remaining items in the queue before shutdown.
func (w *PersistWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistSubmissionsQueue).Result()
		if err != nil {
			break
		}
		if err := w.persist(ctx, result); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
