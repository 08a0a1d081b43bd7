package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const runTimeout = 2 * time.Minute

// Scheduler runs the cleanup job in-process on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler registers job under schedule (standard five-field syntax or a
// descriptor such as "@hourly"). Overlapping runs are skipped.
func NewScheduler(job *Job, schedule string) (*Scheduler, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		_, _ = job.Run(ctx)
	}); err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}

	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
