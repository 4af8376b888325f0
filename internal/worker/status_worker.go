package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/config"
	"github.com/stemsi/exstem-skills/internal/submission"
)

// StatusRefresher reads the evaluation status of one submission.
type StatusRefresher interface {
	RefreshStatus(ctx context.Context, id string) (*submission.Submission, error)
}

// StatusWorker polls the evaluation service for submissions that are due in
// the evaluation_poll_schedule sorted set. Scores are unix seconds.
type StatusWorker struct {
	rdb       *redis.Client
	refresher StatusRefresher
	interval  time.Duration
	maxAge    time.Duration
	batch     int64
	now       func() time.Time
	log       zerolog.Logger
}

// NewStatusWorker creates a new StatusWorker. The refresher is attached with
// SetRefresher when the pipeline is built after the worker.
func NewStatusWorker(rdb *redis.Client, interval, maxAge time.Duration, log zerolog.Logger) *StatusWorker {
	return &StatusWorker{
		rdb:      rdb,
		interval: interval,
		maxAge:   maxAge,
		batch:    50,
		now:      time.Now,
		log:      log.With().Str("component", "status_worker").Logger(),
	}
}

func (w *StatusWorker) SetRefresher(r StatusRefresher) {
	w.refresher = r
}

// Schedule queues a status read for id at the given time. It also records
// when polling began so the worker can give up on stuck submissions.
func (w *StatusWorker) Schedule(ctx context.Context, id string, at time.Time) error {
	pipe := w.rdb.Pipeline()
	pipe.ZAdd(ctx, config.WorkerKey.EvaluationPollSchedule, redis.Z{Score: float64(at.Unix()), Member: id})
	pipe.SetNX(ctx, config.CacheKey.SubmissionFirstSeenKey(id), w.now().Unix(), 2*w.maxAge)
	_, err := pipe.Exec(ctx)
	return err
}

// Start begins the polling loop. Call in a goroutine.
func (w *StatusWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The schedule lives in redis; nothing to drain.
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce refreshes every due submission and returns how many it claimed.
func (w *StatusWorker) PollOnce(ctx context.Context) int {
	now := w.now()
	ids, err := w.rdb.ZRangeByScore(ctx, config.WorkerKey.EvaluationPollSchedule, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: w.batch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("ZRangeByScore error")
		}
		return 0
	}

	claimed := 0
	for _, id := range ids {
		// Another instance may have claimed it between the range and here.
		n, err := w.rdb.ZRem(ctx, config.WorkerKey.EvaluationPollSchedule, id).Result()
		if err != nil || n == 0 {
			continue
		}
		claimed++
		w.refresh(ctx, id, now)
	}
	return claimed
}

func (w *StatusWorker) refresh(ctx context.Context, id string, now time.Time) {
	log := w.log.With().Str("submission_id", id).Logger()

	sub, err := w.refresher.RefreshStatus(ctx, id)
	switch {
	case errors.Is(err, submission.ErrNotFound):
		// The record may still be queued for persistence.
		log.Warn().Msg("Scheduled submission not found yet")
		w.reschedule(ctx, id, now)
		return
	case errors.Is(err, submission.ErrStatusUnavailable):
		log.Debug().Err(err).Msg("Status unavailable, will retry")
	case err != nil:
		log.Error().Err(err).Msg("Refresh error")
		if sub == nil {
			w.reschedule(ctx, id, now)
			return
		}
	}

	if sub.Status.Terminal() {
		w.rdb.Del(ctx, config.CacheKey.SubmissionFirstSeenKey(id))
		log.Debug().Str("status", string(sub.Status)).Msg("Polling finished")
		return
	}
	w.reschedule(ctx, id, now)
}

func (w *StatusWorker) reschedule(ctx context.Context, id string, now time.Time) {
	firstSeen, err := w.rdb.Get(ctx, config.CacheKey.SubmissionFirstSeenKey(id)).Int64()
	if err == nil && now.Sub(time.Unix(firstSeen, 0)) > w.maxAge {
		w.log.Warn().Str("submission_id", id).Dur("max_age", w.maxAge).Msg("Giving up on status polling")
		w.rdb.Del(ctx, config.CacheKey.SubmissionFirstSeenKey(id))
		return
	}

	next := now.Add(w.interval)
	if err := w.rdb.ZAdd(ctx, config.WorkerKey.EvaluationPollSchedule, redis.Z{Score: float64(next.Unix()), Member: id}).Err(); err != nil {
		w.log.Error().Err(err).Str("submission_id", id).Msg("Reschedule failed")
	}
}
