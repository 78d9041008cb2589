package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/services/jobs"
)

// Service runs the periodic maintenance tasks: the stale-job sweep that
// fails running jobs whose progress has stalled, and Badger value-log
// garbage collection.
type Service struct {
	storage    interfaces.StorageManager
	jobService *jobs.Service
	config     *common.Config
	cron       *cron.Cron
	logger     arbor.ILogger
	running    bool
}

// NewService creates the maintenance scheduler.
func NewService(storage interfaces.StorageManager, jobService *jobs.Service, config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		storage:    storage,
		jobService: jobService,
		config:     config,
		cron:       cron.New(),
		logger:     logger,
	}
}

// Start registers the cron entries and starts the scheduler.
func (s *Service) Start() error {
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	sweepSchedule := s.config.Scheduler.SweepSchedule
	if sweepSchedule == "" {
		sweepSchedule = "*/1 * * * *"
	}
	if _, err := s.cron.AddFunc(sweepSchedule, s.sweepStaleJobs); err != nil {
		return fmt.Errorf("failed to register stale-job sweep: %w", err)
	}

	gcSchedule := s.config.Scheduler.GCSchedule
	if gcSchedule == "" {
		gcSchedule = "*/10 * * * *"
	}
	if _, err := s.cron.AddFunc(gcSchedule, s.runValueLogGC); err != nil {
		return fmt.Errorf("failed to register value-log GC: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("sweep_schedule", sweepSchedule).
		Str("gc_schedule", gcSchedule).
		Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the scheduler and waits for running entries.
func (s *Service) Stop() {
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// sweepStaleJobs fails running jobs with no applied progress since the
// configured cutoff and revokes their outstanding tasks.
func (s *Service) sweepStaleJobs() {
	staleAfter := common.Duration(s.config.Jobs.StaleAfter, 10*time.Minute)
	cutoff := time.Now().Add(-staleAfter)

	ctx := context.Background()
	stale, err := s.storage.JobStorage().GetStaleRunningJobs(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Stale-job sweep query failed")
		return
	}
	if len(stale) == 0 {
		return
	}

	s.logger.Warn().Int("count", len(stale)).Msg("Stale running jobs detected")
	for _, job := range stale {
		if err := s.jobService.FailStalledJob(ctx, job); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to settle stalled job")
		}
	}
}

func (s *Service) runValueLogGC() {
	if err := s.storage.RunValueLogGC(); err != nil {
		s.logger.Warn().Err(err).Msg("Badger value-log GC failed")
		return
	}
	s.logger.Debug().Msg("Badger value-log GC completed")
}
