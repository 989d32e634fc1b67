package cron

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Maintenance job names.
const (
	JobCacheSweep   = "cache-sweep"
	JobRecordPrune  = "record-prune"
	JobHistoryPrune = "history-prune"
)

// ExecutorMaintenance is the part of the tool executor the maintenance jobs
// drive.
type ExecutorMaintenance interface {
	SweepCache() int
	PruneExecutions(olderThan time.Duration) int
}

// HistoryPruner deletes old execution history. A non-positive olderThan
// means the store's own retention.
type HistoryPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MaintenanceConfig wires the housekeeping jobs. An empty schedule or nil
// dependency leaves the job out.
type MaintenanceConfig struct {
	Executor             ExecutorMaintenance
	History              HistoryPruner
	CacheSweepSchedule   string
	RecordPruneSchedule  string
	RecordRetention      time.Duration
	HistoryPruneSchedule string
}

// RegisterMaintenance adds the cache sweep, record prune and history prune
// jobs to s. It returns the names of the jobs that were scheduled.
func RegisterMaintenance(s *Scheduler, cfg MaintenanceConfig) ([]string, error) {
	var jobs []Job

	if cfg.Executor != nil {
		jobs = append(jobs, Job{
			Name:     JobCacheSweep,
			Schedule: cfg.CacheSweepSchedule,
			Run: func(ctx context.Context) error {
				if n := cfg.Executor.SweepCache(); n > 0 {
					log.Debug().Int("removed", n).Msg("Swept expired cache entries")
				}
				return nil
			},
		})

		retention := cfg.RecordRetention
		if retention <= 0 {
			retention = time.Hour
		}
		jobs = append(jobs, Job{
			Name:     JobRecordPrune,
			Schedule: cfg.RecordPruneSchedule,
			Run: func(ctx context.Context) error {
				if n := cfg.Executor.PruneExecutions(retention); n > 0 {
					log.Debug().Int("removed", n).Msg("Pruned execution records")
				}
				return nil
			},
		})
	}

	if cfg.History != nil {
		jobs = append(jobs, Job{
			Name:     JobHistoryPrune,
			Schedule: cfg.HistoryPruneSchedule,
			Run: func(ctx context.Context) error {
				_, err := cfg.History.Prune(ctx, 0)
				return err
			},
		})
	}

	var scheduled []string
	for _, job := range jobs {
		ok, err := s.Add(job)
		if err != nil {
			return scheduled, err
		}
		if ok {
			scheduled = append(scheduled, job.Name)
		}
	}
	return scheduled, nil
}
