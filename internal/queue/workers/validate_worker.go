package workers

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/models"
	"github.com/pixcrawler/pixcrawler/internal/queue"
	"github.com/pixcrawler/pixcrawler/internal/retry"
	"github.com/pixcrawler/pixcrawler/internal/services/validation"
)

// ValidateRequest describes one image validation task.
type ValidateRequest struct {
	JobID          string
	ImageID        string
	URL            string
	Level          models.ValidationLevel
	QualityFilters map[string]interface{}
}

// ImageValidator runs one validation check at the requested level.
type ImageValidator interface {
	Validate(ctx context.Context, req ValidateRequest) (models.ValidationResult, error)
}

// ValidateWorker handles the three validation task names. The same
// handler serves all levels; the pool attaches a different rate limiter
// per task name.
type ValidateWorker struct {
	validator  ImageValidator
	validation *validation.Service
	policy     *retry.Policy
	logger     arbor.ILogger
}

// NewValidateWorker creates the validation task handler.
func NewValidateWorker(validator ImageValidator, validationService *validation.Service, policy *retry.Policy, logger arbor.ILogger) *ValidateWorker {
	return &ValidateWorker{
		validator:  validator,
		validation: validationService,
		policy:     policy,
		logger:     logger,
	}
}

// Handle processes one claimed validation task.
func (w *ValidateWorker) Handle(ctx context.Context, msg *queue.TaskMessage) error {
	req, err := validateRequestFrom(msg.Payload)
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", msg.TaskID).Msg("Malformed validation payload")
		return nil
	}

	var result models.ValidationResult
	validateErr := w.policy.Do(ctx, "validate-image", func(ctx context.Context) error {
		var opErr error
		result, opErr = w.validator.Validate(ctx, req)
		return opErr
	})
	if validateErr != nil {
		if faults.KindOf(validateErr) == faults.KindInfrastructure {
			return validateErr
		}
		// A permanently unverifiable image is marked invalid rather
		// than retried forever.
		w.logger.Warn().
			Err(validateErr).
			Str("image_id", req.ImageID).
			Msg("Validation failed permanently, marking image invalid")
		result = models.ValidationResult{IsValid: false}
	}

	if err := w.validation.HandleValidationResult(ctx, req.ImageID, result); err != nil {
		if faults.KindOf(err) == faults.KindInfrastructure {
			return err
		}
		w.logger.Error().Err(err).Str("image_id", req.ImageID).Msg("Failed to apply validation result")
	}
	return nil
}

func validateRequestFrom(payload map[string]interface{}) (ValidateRequest, error) {
	jobID, _ := payload["job_id"].(string)
	imageID, _ := payload["image_id"].(string)
	if jobID == "" || imageID == "" {
		return ValidateRequest{}, faults.Validationf("image_id", "job_id and image_id are required")
	}

	req := ValidateRequest{
		JobID:   jobID,
		ImageID: imageID,
		URL:     stringFrom(payload, "url"),
		Level:   models.ValidationLevel(stringFrom(payload, "level")),
	}
	if filters, ok := payload["quality_filters"].(map[string]interface{}); ok {
		req.QualityFilters = filters
	}
	return req, nil
}
