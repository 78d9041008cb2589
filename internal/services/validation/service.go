package validation

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// Service dispatches image validation tasks and applies their results.
// Validation runs after a job's download phase; each image gets its own
// task at the requested level's rate tier.
type Service struct {
	storage    interfaces.StorageManager
	dispatcher interfaces.TaskDispatcher
	logger     arbor.ILogger
}

// NewService creates the validation service.
func NewService(storage interfaces.StorageManager, dispatcher interfaces.TaskDispatcher, logger arbor.ILogger) *Service {
	return &Service{
		storage:    storage,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// taskNameFor maps a validation level to a task name.
func taskNameFor(level models.ValidationLevel) (string, error) {
	switch level {
	case models.ValidationLevelFast:
		return models.TaskValidateFast, nil
	case models.ValidationLevelMedium:
		return models.TaskValidateMedium, nil
	case models.ValidationLevelSlow:
		return models.TaskValidateSlow, nil
	default:
		return "", faults.Validationf("level", "unsupported validation level %q", level)
	}
}

// ValidateJobImages enqueues one validation task per stored image of the
// job and returns the dispatched task ids. A job with no images is a
// BadRequest: there is nothing to validate yet.
func (s *Service) ValidateJobImages(ctx context.Context, userID, jobID string, level models.ValidationLevel) ([]string, error) {
	taskName, err := taskNameFor(level)
	if err != nil {
		return nil, err
	}

	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	project, err := s.storage.ProjectStorage().GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.UserID != userID {
		return nil, faults.New(faults.KindForbidden, "job %s does not belong to the caller", jobID)
	}

	count, err := s.storage.ImageStorage().CountByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, faults.New(faults.KindBadRequest, "job %s has no images to validate", jobID)
	}

	taskIDs := make([]string, 0, count)
	page := 1
	const pageSize = 500
	for {
		images, _, err := s.storage.ImageStorage().GetByJob(ctx, jobID, page, pageSize)
		if err != nil {
			return taskIDs, err
		}
		if len(images) == 0 {
			break
		}
		for _, image := range images {
			payload := map[string]interface{}{
				"job_id":   jobID,
				"image_id": image.ID,
				"url":      image.SourceURL,
				"level":    string(level),
			}
			if len(job.QualityFilters) > 0 {
				payload["quality_filters"] = job.QualityFilters
			}
			taskID, err := s.dispatcher.Enqueue(ctx, taskName, payload)
			if err != nil {
				return taskIDs, err
			}
			taskIDs = append(taskIDs, taskID)
		}
		if len(images) < pageSize {
			break
		}
		page++
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("level", string(level)).
		Int("dispatched", len(taskIDs)).
		Msg("Validation tasks dispatched")
	return taskIDs, nil
}

// HandleValidationResult applies one validation outcome to its image
// row and bumps the job's valid-image counter when the image passed.
// The owning job is read off the image row; validation callbacks carry
// only the image id.
func (s *Service) HandleValidationResult(ctx context.Context, imageID string, result models.ValidationResult) error {
	image, err := s.storage.ImageStorage().GetImage(ctx, imageID)
	if err != nil {
		return err
	}
	jobID := image.CrawlJobID
	alreadyValidated := image.IsValid != nil

	if err := s.storage.ImageStorage().MarkValidated(ctx, imageID, result); err != nil {
		return err
	}

	// Re-validation overwrites the verdict but never double-counts.
	if !alreadyValidated && result.IsValid && !result.IsDuplicate {
		if _, err := s.storage.JobStorage().UpdateCounters(ctx, jobID, interfaces.CounterDeltas{Valid: 1}); err != nil {
			return err
		}
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Str("image_id", imageID).
		Bool("is_valid", result.IsValid).
		Bool("is_duplicate", result.IsDuplicate).
		Msg("Validation result applied")
	return nil
}
