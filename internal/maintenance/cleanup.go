// Package maintenance purges expired password reset tokens and stale
// rate-limit rows, on a schedule and through a secret-protected endpoint.
package maintenance

import (
	"context"
	"time"

	"voyager-accounts/internal/auth"
	"voyager-accounts/internal/observability"
)

type Cleaner interface {
	CleanupStaleAuthData(ctx context.Context, limitRetention time.Duration, batchSize int, now time.Time) (auth.CleanupResult, error)
}

type Job struct {
	cleaner        Cleaner
	logger         *observability.Logger
	limitRetention time.Duration
	batchSize      int
	now            func() time.Time
}

func NewJob(cleaner Cleaner, logger *observability.Logger, limitRetention time.Duration, batchSize int) *Job {
	return &Job{
		cleaner:        cleaner,
		logger:         logger,
		limitRetention: limitRetention,
		batchSize:      batchSize,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (j *Job) Run(ctx context.Context) (auth.CleanupResult, error) {
	result, err := j.cleaner.CleanupStaleAuthData(ctx, j.limitRetention, j.batchSize, j.now())
	if err != nil {
		j.logger.Report("auth_cleanup_failed", err, nil)
		return auth.CleanupResult{}, err
	}

	j.logger.Info("auth_cleanup_completed", map[string]any{
		"cleared_reset_tokens": result.ClearedResetTokens,
		"deleted_ip_limits":    result.DeletedIPLimits,
	})
	return result, nil
}
