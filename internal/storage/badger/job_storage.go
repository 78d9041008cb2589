package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// processedTask is the dedup side record for completion callbacks.
// The key is jobID:taskID, so a replayed callback fails its insert and
// is treated as a duplicate. Cleared on counter reset.
type processedTask struct {
	Key    string `badgerhold:"key"`
	JobID  string `badgerhold:"index"`
	TaskID string
	At     time.Time
}

func processedKey(jobID, taskID string) string {
	return jobID + ":" + taskID
}

// JobStorage implements the crawl-job repository over Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.CrawlJob) error {
	if job.ID == "" {
		return faults.New(faults.KindValidation, "job ID is required")
	}
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return faults.Wrap(faults.KindValidation, err, "job %s already exists", job.ID)
		}
		return storeFault(err, "failed to create job %s", job.ID)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.CrawlJob, error) {
	var job models.CrawlJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		return nil, storeFault(err, "job %s", jobID)
	}
	return &job, nil
}

func (s *JobStorage) ListJobsForUser(ctx context.Context, userID string, filter models.JobListFilter) ([]*models.CrawlJob, int, error) {
	// Ownership filtering happens here: jobs are reachable only through
	// the caller's projects.
	var projects []models.Project
	if err := s.db.Store().Find(&projects, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return nil, 0, storeFault(err, "failed to list projects for user")
	}
	if len(projects) == 0 {
		return []*models.CrawlJob{}, 0, nil
	}

	projectIDs := make([]interface{}, 0, len(projects))
	for _, p := range projects {
		if filter.ProjectID != "" && p.ID != filter.ProjectID {
			continue
		}
		projectIDs = append(projectIDs, p.ID)
	}
	if len(projectIDs) == 0 {
		return []*models.CrawlJob{}, 0, nil
	}

	query := badgerhold.Where("ProjectID").In(projectIDs...)
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}

	total, err := s.db.Store().Count(&models.CrawlJob{}, query)
	if err != nil {
		return nil, 0, storeFault(err, "failed to count jobs")
	}

	query = query.SortBy("CreatedAt").Reverse()
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
		if filter.Page > 1 {
			query = query.Skip((filter.Page - 1) * filter.Limit)
		}
	}

	var jobs []models.CrawlJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, 0, storeFault(err, "failed to list jobs")
	}

	result := make([]*models.CrawlJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, int(total), nil
}

func (s *JobStorage) AppendTaskID(ctx context.Context, jobID, taskID string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		var job models.CrawlJob
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			return err
		}
		job.TaskIDs = append(job.TaskIDs, taskID)
		return s.db.Store().TxUpdate(txn, jobID, &job)
	})
	return storeFault(err, "failed to append task id to job %s", jobID)
}

func (s *JobStorage) GetActiveTaskIDs(ctx context.Context, jobID string) ([]string, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// Task ids already settled by a processed callback are not active.
	var processed []processedTask
	if err := s.db.Store().Find(&processed, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, storeFault(err, "failed to read processed tasks for job %s", jobID)
	}
	done := make(map[string]bool, len(processed))
	for _, p := range processed {
		done[p.TaskID] = true
	}

	active := make([]string, 0, len(job.TaskIDs))
	for _, id := range job.TaskIDs {
		if !done[id] {
			active = append(active, id)
		}
	}
	return active, nil
}

func (s *JobStorage) UpdateCounters(ctx context.Context, jobID string, deltas interfaces.CounterDeltas) (*models.CrawlJob, error) {
	var updated *models.CrawlJob
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		var job models.CrawlJob
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			return err
		}
		if err := applyDeltas(&job, deltas); err != nil {
			return err
		}
		job.Progress = job.ComputeProgress()
		if err := s.db.Store().TxUpdate(txn, jobID, &job); err != nil {
			return err
		}
		updated = &job
		return nil
	})
	if err != nil {
		if faults.KindOf(err) == faults.KindValidation {
			return nil, err
		}
		return nil, storeFault(err, "failed to update counters for job %s", jobID)
	}
	return updated, nil
}

// applyDeltas mutates counters and rejects any result that violates
// the counter bound: 0 <= completed + active + failed <= total.
func applyDeltas(job *models.CrawlJob, deltas interfaces.CounterDeltas) error {
	job.CompletedChunks += deltas.Completed
	job.ActiveChunks += deltas.Active
	job.FailedChunks += deltas.Failed
	job.DownloadedImages += deltas.Downloaded
	job.ValidImages += deltas.Valid

	if job.CompletedChunks < 0 || job.ActiveChunks < 0 || job.FailedChunks < 0 || job.DownloadedImages < 0 || job.ValidImages < 0 {
		return faults.New(faults.KindValidation, "counter delta would produce a negative counter on job %s", job.ID)
	}
	if job.TotalChunks > 0 && job.CompletedChunks+job.ActiveChunks+job.FailedChunks > job.TotalChunks {
		return faults.New(faults.KindValidation, "counter delta would exceed total chunks on job %s", job.ID)
	}
	return nil
}

func (s *JobStorage) TransitionStatus(ctx context.Context, jobID string, fromSet []models.JobStatus, to models.JobStatus, fields interfaces.TransitionFields) (*models.CrawlJob, error) {
	var updated *models.CrawlJob
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		var job models.CrawlJob
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			return err
		}

		allowed := false
		for _, from := range fromSet {
			if job.Status == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return faults.New(faults.KindBadRequest, "cannot transition job %s from %s to %s", jobID, job.Status, to)
		}

		job.Status = to
		if fields.StartedAt != nil {
			job.StartedAt = fields.StartedAt
		}
		if fields.CompletedAt != nil {
			job.CompletedAt = fields.CompletedAt
		}
		if fields.Error != nil {
			job.Error = *fields.Error
		}
		if fields.TotalChunks != nil {
			job.TotalChunks = *fields.TotalChunks
		}
		if fields.ActiveChunks != nil {
			job.ActiveChunks = *fields.ActiveChunks
		}
		if fields.Progress != nil {
			job.Progress = *fields.Progress
		}

		if err := s.db.Store().TxUpdate(txn, jobID, &job); err != nil {
			return err
		}
		updated = &job
		return nil
	})
	if err != nil {
		switch faults.KindOf(err) {
		case faults.KindBadRequest, faults.KindNotFound:
			return nil, err
		}
		return nil, storeFault(err, "failed to transition job %s", jobID)
	}
	return updated, nil
}

func (s *JobStorage) MarkTaskProcessed(ctx context.Context, jobID, taskID string) (bool, error) {
	first := false
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		record := processedTask{
			Key:    processedKey(jobID, taskID),
			JobID:  jobID,
			TaskID: taskID,
			At:     time.Now(),
		}
		if err := s.db.Store().TxInsert(txn, record.Key, &record); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				return nil
			}
			return err
		}
		first = true
		return nil
	})
	if err != nil {
		return false, storeFault(err, "failed to mark task %s processed", taskID)
	}
	return first, nil
}

func (s *JobStorage) ApplyTaskCompletion(ctx context.Context, jobID, taskID string, update interfaces.CompletionUpdate) (interfaces.CompletionOutcome, *models.CrawlJob, error) {
	outcome := interfaces.OutcomeIgnored
	var snapshot *models.CrawlJob

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		var job models.CrawlJob
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			return err
		}
		snapshot = &job

		// Completed and failed jobs accept nothing. Cancelled jobs
		// absorb late callbacks: the task id is recorded so revocation
		// accounting stays consistent, but counters never move.
		if job.Status != models.JobStatusRunning && job.Status != models.JobStatusCancelled {
			outcome = interfaces.OutcomeIgnored
			return nil
		}

		// A task id the job never dispatched is noise from a confused or
		// replaying worker. It must not enter the dedup set or move
		// counters, so the processed set stays a subset of TaskIDs.
		known := false
		for _, id := range job.TaskIDs {
			if id == taskID {
				known = true
				break
			}
		}
		if !known {
			outcome = interfaces.OutcomeIgnored
			return nil
		}

		record := processedTask{
			Key:    processedKey(jobID, taskID),
			JobID:  jobID,
			TaskID: taskID,
			At:     time.Now(),
		}
		if err := s.db.Store().TxInsert(txn, record.Key, &record); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				outcome = interfaces.OutcomeDuplicate
				return nil
			}
			return err
		}

		if job.Status == models.JobStatusCancelled {
			outcome = interfaces.OutcomeIgnored
			return nil
		}

		now := time.Now()

		if update.Success {
			for _, record := range update.Images {
				img := imageFromRecord(jobID, record, now)
				if err := s.db.Store().TxInsert(txn, img.ID, img); err != nil {
					return err
				}
			}
			downloaded := len(update.Images)
			if downloaded == 0 {
				downloaded = update.Downloaded
			}
			if err := applyDeltas(&job, interfaces.CounterDeltas{Completed: 1, Active: -1, Downloaded: downloaded}); err != nil {
				return err
			}
		} else {
			if err := applyDeltas(&job, interfaces.CounterDeltas{Failed: 1, Active: -1}); err != nil {
				return err
			}
		}

		job.Progress = job.ComputeProgress()
		job.LastProgressAt = &now
		outcome = interfaces.OutcomeApplied

		// Terminal detection: the callback that settles the last chunk
		// commits the terminal status in the same transaction.
		if job.TotalChunks > 0 && job.SettledChunks() >= job.TotalChunks {
			failedRatio := float64(job.FailedChunks) / float64(job.TotalChunks)
			if job.FailedChunks == 0 || failedRatio < update.FailureThreshold {
				job.Status = models.JobStatusCompleted
				outcome = interfaces.OutcomeCompleted
			} else {
				job.Status = models.JobStatusFailed
				job.Error = fmt.Sprintf("Chunks failed: %d of %d chunks did not complete", job.FailedChunks, job.TotalChunks)
				outcome = interfaces.OutcomeFailed
			}
			job.CompletedAt = &now
		}

		if err := s.db.Store().TxUpdate(txn, jobID, &job); err != nil {
			return err
		}
		snapshot = &job
		return nil
	})
	if err != nil {
		if faults.KindOf(err) == faults.KindValidation {
			return interfaces.OutcomeIgnored, nil, err
		}
		return interfaces.OutcomeIgnored, nil, storeFault(err, "failed to apply completion for job %s task %s", jobID, taskID)
	}
	return outcome, snapshot, nil
}

func (s *JobStorage) ResetCounters(ctx context.Context, jobID string) (*models.CrawlJob, error) {
	var updated *models.CrawlJob
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		var job models.CrawlJob
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			return err
		}
		if job.Status != models.JobStatusFailed && job.Status != models.JobStatusCancelled {
			return faults.New(faults.KindBadRequest, "cannot reset counters of job %s in status %s", jobID, job.Status)
		}

		job.ActiveChunks = 0
		job.CompletedChunks = 0
		job.FailedChunks = 0
		job.DownloadedImages = 0
		job.ValidImages = 0
		job.TotalChunks = 0
		job.Progress = 0
		job.TaskIDs = nil
		job.Error = ""
		job.StartedAt = nil
		job.CompletedAt = nil
		job.LastProgressAt = nil

		// Clear the dedup set so a retried job accepts fresh callbacks.
		if err := s.db.Store().TxDeleteMatching(txn, &processedTask{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
			return err
		}

		if err := s.db.Store().TxUpdate(txn, jobID, &job); err != nil {
			return err
		}
		updated = &job
		return nil
	})
	if err != nil {
		switch faults.KindOf(err) {
		case faults.KindBadRequest, faults.KindNotFound:
			return nil, err
		}
		return nil, storeFault(err, "failed to reset counters for job %s", jobID)
	}
	return updated, nil
}

func (s *JobStorage) CountJobsByProject(ctx context.Context, projectID string, statuses ...models.JobStatus) (int, error) {
	query := badgerhold.Where("ProjectID").Eq(projectID)
	if len(statuses) > 0 {
		values := make([]interface{}, len(statuses))
		for i, st := range statuses {
			values[i] = st
		}
		query = query.And("Status").In(values...)
	}
	count, err := s.db.Store().Count(&models.CrawlJob{}, query)
	if err != nil {
		return 0, storeFault(err, "failed to count jobs for project %s", projectID)
	}
	return int(count), nil
}

func (s *JobStorage) GetStaleRunningJobs(ctx context.Context, cutoff time.Time) ([]*models.CrawlJob, error) {
	var jobs []models.CrawlJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusRunning)); err != nil {
		return nil, storeFault(err, "failed to query running jobs")
	}

	var stale []*models.CrawlJob
	for i := range jobs {
		last := jobs[i].LastProgressAt
		if last == nil {
			last = jobs[i].StartedAt
		}
		if last != nil && last.Before(cutoff) {
			stale = append(stale, &jobs[i])
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	return stale, nil
}

func (s *JobStorage) DeleteJobsByProject(ctx context.Context, projectID string) error {
	var jobs []models.CrawlJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("ProjectID").Eq(projectID)); err != nil {
		return storeFault(err, "failed to list jobs for project %s", projectID)
	}
	for i := range jobs {
		err := s.db.Update(func(txn *badgerdb.Txn) error {
			if err := s.db.Store().TxDeleteMatching(txn, &processedTask{}, badgerhold.Where("JobID").Eq(jobs[i].ID)); err != nil {
				return err
			}
			return s.db.Store().TxDelete(txn, jobs[i].ID, &models.CrawlJob{})
		})
		if err != nil {
			return storeFault(err, "failed to delete job %s", jobs[i].ID)
		}
	}
	return nil
}

func imageFromRecord(jobID string, record models.ImageRecord, now time.Time) *models.Image {
	return &models.Image{
		ID:             common.NewImageID(),
		CrawlJobID:     jobID,
		SourceURL:      record.SourceURL,
		StorageKey:     record.StorageKey,
		Width:          record.Width,
		Height:         record.Height,
		Bytes:          record.Bytes,
		Format:         record.Format,
		ContentHash:    record.ContentHash,
		PerceptualHash: record.PerceptualHash,
		Labels:         record.Labels,
		Metadata:       record.Metadata,
		CreatedAt:      now,
	}
}
