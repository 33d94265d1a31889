package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/metrics"
	"github.com/soundmill/soundmill-api/store"
)

// recoveryLoop periodically re-queues jobs that got stuck mid-pipeline,
// typically after a crash or restart. A job that keeps going stale runs out
// of attempts and is failed for good.
func (c *Coordinator) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.recoverStaleJobs(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RecoverStaleJobs runs one recovery sweep. Exposed so startup can reclaim
// jobs orphaned by the previous process before the first tick.
func (c *Coordinator) RecoverStaleJobs(ctx context.Context) {
	c.recoverStaleJobs(ctx)
}

func (c *Coordinator) recoverStaleJobs(ctx context.Context) {
	stale, err := c.store.GetStaleJobs(ctx, c.cfg.StaleJobThreshold)
	if err != nil {
		log.LogNoJobID("cannot list stale jobs", "err", err)
		return
	}
	for _, job := range stale {
		if job.ProcessingAttempts >= c.cfg.JobRetryLimit {
			c.events.Log(store.LogEvent{
				JobID:     job.ID,
				BatchID:   job.BatchID,
				Type:      store.EventJobCancelled,
				JobStatus: store.StatusFailed,
				Message:   fmt.Sprintf("cancelled after %d processing attempts", job.ProcessingAttempts),
			})
			c.failJob(ctx, job, "recovery", fmt.Errorf("max attempts exceeded"))
			continue
		}
		if err := c.store.IncrementAttempts(ctx, job.ID); err != nil {
			log.LogError(job.ID, "cannot increment attempts during recovery", err)
			continue
		}
		c.events.Log(store.LogEvent{
			JobID:     job.ID,
			BatchID:   job.BatchID,
			Type:      store.EventJobRecovered,
			JobStatus: store.StatusPending,
			Message:   fmt.Sprintf("stale in status %s, re-queued", job.Status),
		})
		if err := c.enqueueForSource(ctx, job); err != nil {
			log.LogError(job.ID, "cannot re-enqueue recovered job", err)
			continue
		}
		metrics.Metrics.JobsRecovered.Inc()
		log.Log(job.ID, "recovered stale job", "previous_status", job.Status, "attempts", job.ProcessingAttempts+1)
	}
}
