package service

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mir00r/reverse-proxy/internal/repository"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// rateCellMaxIdle is how long a rate-limit cell may sit untouched before the
// janitor drops it
const rateCellMaxIdle = 30 * time.Minute

// RateCellEvicter is what the janitor needs from the rate limiter
type RateCellEvicter interface {
	Evict(maxIdle time.Duration) int
}

// Janitor runs the periodic maintenance the request plane needs but no
// request should pay for: dropping idle rate-limit cells, re-admitting
// origins that were taken out of rotation after transport failures, and
// logging a state summary.
type Janitor struct {
	cron      *cron.Cron
	repo      *repository.InMemoryBackendRepository
	breakers  *BreakerRegistry
	limiterFn func() RateCellEvicter
	cooldown  time.Duration
	logger    *logger.Logger
}

// NewJanitor creates the maintenance scheduler. limiterFn resolves the
// active rate limiter on every sweep so a live config reload is honored; it
// may return nil while rate limiting is disabled. cooldown is the interval of
// the re-admission sweep, which restores every origin unavailable at that
// moment, so a failed origin stays out of rotation for at most one cooldown;
// its breaker still gates the first request that reaches it.
func NewJanitor(
	repo *repository.InMemoryBackendRepository,
	breakers *BreakerRegistry,
	limiterFn func() RateCellEvicter,
	cooldown time.Duration,
	log *logger.Logger,
) *Janitor {
	return &Janitor{
		cron:      cron.New(),
		repo:      repo,
		breakers:  breakers,
		limiterFn: limiterFn,
		cooldown:  cooldown,
		logger:    log.JanitorLogger(),
	}
}

// Start registers the maintenance jobs and starts the scheduler
func (j *Janitor) Start() error {
	if j.limiterFn != nil {
		if _, err := j.cron.AddFunc("@every 10m", j.evictRateCells); err != nil {
			return fmt.Errorf("failed to schedule rate cell eviction: %w", err)
		}
	}

	spec := fmt.Sprintf("@every %s", j.cooldown)
	if _, err := j.cron.AddFunc(spec, j.readmitFailedOrigins); err != nil {
		return fmt.Errorf("failed to schedule origin re-admission: %w", err)
	}

	if _, err := j.cron.AddFunc("@every 1m", j.logSummary); err != nil {
		return fmt.Errorf("failed to schedule state summary: %w", err)
	}

	j.cron.Start()
	j.logger.WithField("cooldown", j.cooldown.String()).Info("Janitor started")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("Janitor stopped")
}

// evictRateCells drops rate-limit cells that have been idle too long
func (j *Janitor) evictRateCells() {
	limiter := j.limiterFn()
	if limiter == nil {
		return
	}
	if evicted := limiter.Evict(rateCellMaxIdle); evicted > 0 {
		j.logger.WithField("evicted", evicted).Info("Evicted idle rate-limit cells")
	}
}

// readmitFailedOrigins flips unavailable origins back to available so the
// next request can try them again. Their breakers still decide whether that
// request actually dials out.
func (j *Janitor) readmitFailedOrigins() {
	backends, err := j.repo.GetAll()
	if err != nil {
		j.logger.WithError(err).Error("Failed to list origins")
		return
	}

	for _, backend := range backends {
		if !backend.IsAvailable() {
			j.repo.MarkAvailable(backend.ID)
			j.logger.WithField("origin_id", backend.ID).Info("Origin re-admitted for selection")
		}
	}
}

// logSummary emits a periodic snapshot of availability and breaker state
func (j *Janitor) logSummary() {
	states := make(map[string]string)
	for id, state := range j.breakers.States() {
		states[id] = state.String()
	}

	j.logger.WithFields(map[string]interface{}{
		"origins":        j.repo.GetStats(),
		"breaker_states": states,
	}).Debug("Request-plane state summary")
}
