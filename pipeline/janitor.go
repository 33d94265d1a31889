package pipeline

import (
	"context"
	"time"

	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/metrics"
	"github.com/soundmill/soundmill-api/store"
)

const tempFileMaxAge = 24 * time.Hour

// janitorLoop owns all periodic housekeeping: hourly temp and artifact
// sweeps, a daily job log purge at 03:00, and a deep clean at midnight.
func (c *Coordinator) janitorLoop(ctx context.Context) {
	hourly := time.NewTicker(time.Hour)
	defer hourly.Stop()

	logPurge := time.NewTimer(untilNext(3, 0))
	defer logPurge.Stop()
	deepClean := time.NewTimer(untilNext(0, 0))
	defer deepClean.Stop()

	for {
		select {
		case <-hourly.C:
			c.sweepTempFiles()
			c.purgeExpiredArtifacts(ctx)
		case <-logPurge.C:
			c.purgeOldLogEvents(ctx)
			logPurge.Reset(untilNext(3, 0))
		case <-deepClean.C:
			c.deepClean(ctx)
			deepClean.Reset(untilNext(0, 0))
		case <-ctx.Done():
			return
		}
	}
}

// SweepTempFiles runs one temp sweep. Exposed so startup can clear leftovers
// from a previous run.
func (c *Coordinator) SweepTempFiles() {
	c.sweepTempFiles()
}

func (c *Coordinator) sweepTempFiles() {
	removed, freed, err := c.arena.CleanupOlderThan(tempFileMaxAge)
	if err != nil {
		log.LogNoJobID("temp cleanup failed", "err", err)
	}
	if n, b, err := c.arena.CleanupWithPressure(); err == nil {
		removed += n
		freed += b
	} else {
		log.LogNoJobID("temp pressure cleanup failed", "err", err)
	}
	if removed > 0 {
		metrics.Metrics.TempFilesSwept.Add(float64(removed))
		log.LogNoJobID("swept temp files", "removed", removed, "freed_bytes", freed)
	}
	if stats, err := c.arena.Stats(); err == nil {
		metrics.Metrics.TempArenaBytes.Set(float64(stats.TotalBytes))
	}
}

func (c *Coordinator) purgeExpiredArtifacts(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.cfg.ArtifactTTL)
	expired, err := c.store.ExpiredArtifacts(ctx, cutoff)
	if err != nil {
		log.LogNoJobID("cannot list expired artifacts", "err", err)
		return
	}
	for _, artifact := range expired {
		if err := c.objStore.Delete(ctx, artifact.AudioURL); err != nil {
			log.LogNoJobID("cannot delete expired audio artifact", "err", err, "url", artifact.AudioURL)
			continue
		}
		if artifact.VideoURL != "" {
			if err := c.objStore.Delete(ctx, artifact.VideoURL); err != nil {
				log.LogNoJobID("cannot delete expired video artifact", "err", err, "url", artifact.VideoURL)
			}
		}
		if err := c.store.DeleteArtifact(ctx, artifact.VideoHash); err != nil {
			log.LogNoJobID("cannot delete artifact row", "err", err, "video_hash", artifact.VideoHash)
			continue
		}
		metrics.Metrics.ArtifactsPurged.Inc()
	}
	if len(expired) > 0 {
		c.events.Log(store.LogEvent{
			Type:    store.EventSystemInfo,
			Message: "purged expired artifacts",
			Details: c.cfg.ArtifactTTL.String(),
		})
	}
}

func (c *Coordinator) purgeOldLogEvents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.cfg.LogEventMaxAge)
	n, err := c.store.DeleteLogEventsBefore(ctx, cutoff)
	if err != nil {
		log.LogNoJobID("cannot purge old log events", "err", err)
		return
	}
	log.LogNoJobID("purged old log events", "deleted", n)
}

// deepClean is the midnight pass: old completed jobs leave the database and
// the temp arena gets a much more aggressive sweep.
func (c *Coordinator) deepClean(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.cfg.CompletedJobTTL)
	n, err := c.store.PurgeExpiredJobs(ctx, cutoff)
	if err != nil {
		log.LogNoJobID("cannot purge expired jobs", "err", err)
	} else if n > 0 {
		log.LogNoJobID("purged expired completed jobs", "deleted", n)
	}

	removed, freed, err := c.arena.CleanupOlderThan(6 * time.Hour)
	if err != nil {
		log.LogNoJobID("deep temp cleanup failed", "err", err)
		return
	}
	if removed > 0 {
		metrics.Metrics.TempFilesSwept.Add(float64(removed))
		log.LogNoJobID("deep clean swept temp files", "removed", removed, "freed_bytes", freed)
	}
}

// untilNext returns the duration until the next wall-clock occurrence of
// hh:mm local time.
func untilNext(hour, minute int) time.Duration {
	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
