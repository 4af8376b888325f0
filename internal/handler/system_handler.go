package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/config"
)

const healthTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// SystemHandler reports service health, runtime figures and worker backlog.
type SystemHandler struct {
	rdb       *redis.Client
	checks    map[string]Check
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(rdb *redis.Client, checks map[string]Check, log zerolog.Logger) *SystemHandler {
	if checks == nil {
		checks = map[string]Check{}
	}
	checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	return &SystemHandler{
		rdb:       rdb,
		checks:    checks,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components"`
	Goroutines int               `json:"goroutines"`
	HeapAlloc  uint64            `json:"heap_alloc"`
	GoVersion  string            `json:"go_version"`

	// Worker backlog
	PendingPersist int64 `json:"pending_persist"`
	PendingPolls   int64 `json:"pending_polls"`
}

// Health godoc
// GET /health
// Returns 200 when every dependency answers, 503 otherwise.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	report := healthReport{
		Status:     "ok",
		Uptime:     formatDuration(time.Since(h.startTime)),
		Components: make(map[string]string, len(h.checks)),
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.log.Warn().Err(err).Str("check", name).Msg("Health check failed")
			report.Components[name] = "down"
			report.Status = "degraded"
			continue
		}
		report.Components[name] = "up"
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	report.HeapAlloc = ms.HeapAlloc

	pipe := h.rdb.Pipeline()
	persistCmd := pipe.LLen(ctx, config.WorkerKey.PersistSubmissionsQueue)
	pollCmd := pipe.ZCard(ctx, config.WorkerKey.EvaluationPollSchedule)
	if _, err := pipe.Exec(ctx); err == nil {
		report.PendingPersist, _ = persistCmd.Result()
		report.PendingPolls, _ = pollCmd.Result()
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
