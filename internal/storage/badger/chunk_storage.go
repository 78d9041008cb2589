package badger

import (
	"context"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// ChunkStorage implements the job-chunk repository used under the range
// decomposition.
type ChunkStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewChunkStorage creates a new ChunkStorage instance
func NewChunkStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ChunkStorage {
	return &ChunkStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ChunkStorage) CreateChunks(ctx context.Context, jobID string, chunkSize, maxImages, priority int) ([]*models.JobChunk, error) {
	if chunkSize <= 0 {
		return nil, faults.Validationf("chunk_size", "must be positive")
	}
	if maxImages <= 0 {
		return nil, faults.Validationf("max_images", "must be positive")
	}

	// Half-open contiguous ranges; the last range may be shorter so
	// that the widths sum to maxImages exactly.
	now := time.Now()
	var chunks []*models.JobChunk
	for start := 0; start < maxImages; start += chunkSize {
		end := start + chunkSize
		if end > maxImages {
			end = maxImages
		}
		chunks = append(chunks, &models.JobChunk{
			ID:         common.NewChunkID(),
			CrawlJobID: jobID,
			RangeStart: start,
			RangeEnd:   end,
			Status:     models.ChunkStatusPending,
			Priority:   priority,
			CreatedAt:  now,
		})
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		for _, chunk := range chunks {
			if err := s.db.Store().TxInsert(txn, chunk.ID, chunk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeFault(err, "failed to create chunks for job %s", jobID)
	}
	return chunks, nil
}

func (s *ChunkStorage) NextPending(ctx context.Context, jobID string) (*models.JobChunk, error) {
	var chunks []models.JobChunk
	query := badgerhold.Where("CrawlJobID").Eq(jobID).
		And("Status").Eq(models.ChunkStatusPending).
		SortBy("Priority", "RangeStart").Limit(1)
	if err := s.db.Store().Find(&chunks, query); err != nil {
		return nil, storeFault(err, "failed to query pending chunks for job %s", jobID)
	}
	if len(chunks) == 0 {
		return nil, faults.New(faults.KindNotFound, "no pending chunks for job %s", jobID)
	}
	return &chunks[0], nil
}

func (s *ChunkStorage) GetByTaskID(ctx context.Context, taskID string) (*models.JobChunk, error) {
	var chunks []models.JobChunk
	if err := s.db.Store().Find(&chunks, badgerhold.Where("TaskID").Eq(taskID).Limit(1)); err != nil {
		return nil, storeFault(err, "failed to query chunk by task %s", taskID)
	}
	if len(chunks) == 0 {
		return nil, faults.New(faults.KindNotFound, "no chunk for task %s", taskID)
	}
	return &chunks[0], nil
}

func (s *ChunkStorage) TransitionChunk(ctx context.Context, chunkID string, fromSet []models.ChunkStatus, to models.ChunkStatus, taskID, errorMessage string) (*models.JobChunk, error) {
	var updated *models.JobChunk
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		var chunk models.JobChunk
		if err := s.db.Store().TxGet(txn, chunkID, &chunk); err != nil {
			return err
		}

		allowed := false
		for _, from := range fromSet {
			if chunk.Status == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return faults.New(faults.KindBadRequest, "cannot transition chunk %s from %s to %s", chunkID, chunk.Status, to)
		}

		now := time.Now()
		chunk.Status = to
		if taskID != "" {
			chunk.TaskID = taskID
		}
		if errorMessage != "" {
			chunk.ErrorMessage = errorMessage
		}
		switch to {
		case models.ChunkStatusProcessing:
			chunk.StartedAt = &now
		case models.ChunkStatusCompleted, models.ChunkStatusFailed:
			chunk.CompletedAt = &now
		case models.ChunkStatusPending:
			// Re-queued chunk: count the retry, keep timestamps.
			chunk.RetryCount++
		}

		if err := s.db.Store().TxUpdate(txn, chunkID, &chunk); err != nil {
			return err
		}
		updated = &chunk
		return nil
	})
	if err != nil {
		switch faults.KindOf(err) {
		case faults.KindBadRequest, faults.KindNotFound:
			return nil, err
		}
		return nil, storeFault(err, "failed to transition chunk %s", chunkID)
	}
	return updated, nil
}

func (s *ChunkStorage) ProgressFor(ctx context.Context, jobID string) (*models.ChunkProgress, error) {
	var chunks []models.JobChunk
	if err := s.db.Store().Find(&chunks, badgerhold.Where("CrawlJobID").Eq(jobID)); err != nil {
		return nil, storeFault(err, "failed to list chunks for job %s", jobID)
	}

	progress := &models.ChunkProgress{Total: len(chunks)}
	for _, chunk := range chunks {
		switch chunk.Status {
		case models.ChunkStatusPending:
			progress.Pending++
		case models.ChunkStatusProcessing:
			progress.Processing++
		case models.ChunkStatusCompleted:
			progress.Completed++
		case models.ChunkStatusFailed:
			progress.Failed++
		}
	}
	return progress, nil
}

func (s *ChunkStorage) DeleteByJob(ctx context.Context, jobID string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return s.db.Store().TxDeleteMatching(txn, &models.JobChunk{}, badgerhold.Where("CrawlJobID").Eq(jobID))
	})
	return storeFault(err, "failed to delete chunks for job %s", jobID)
}
