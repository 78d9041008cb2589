package workers

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/models"
	"github.com/pixcrawler/pixcrawler/internal/queue"
	"github.com/pixcrawler/pixcrawler/internal/retry"
	"github.com/pixcrawler/pixcrawler/internal/services/jobs"
)

// FetchRequest describes one download chunk. Keyword and Engine are set
// under the keyword-engine decomposition; Keywords, Engines, Offset and
// Count under the range decomposition.
type FetchRequest struct {
	JobID          string
	Keyword        string
	Engine         string
	Keywords       []string
	Engines        []string
	Offset         int
	Count          int
	MaxImages      int
	QualityFilters map[string]interface{}
}

// ImageFetcher runs the actual crawl for one chunk. Implementations
// classify their failures into the shared taxonomy; anything
// unclassified is treated as permanent.
type ImageFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]models.ImageRecord, error)
}

// DownloadWorker handles download tasks: it fetches the chunk's images
// with the operation-level retry and reports the result to the job
// service. Infrastructure failures propagate to the pool, which owns
// the re-queue.
type DownloadWorker struct {
	fetcher ImageFetcher
	jobs    *jobs.Service
	policy  *retry.Policy
	logger  arbor.ILogger
}

// NewDownloadWorker creates the download task handler.
func NewDownloadWorker(fetcher ImageFetcher, jobService *jobs.Service, policy *retry.Policy, logger arbor.ILogger) *DownloadWorker {
	return &DownloadWorker{
		fetcher: fetcher,
		jobs:    jobService,
		policy:  policy,
		logger:  logger,
	}
}

// Handle processes one claimed download task.
func (w *DownloadWorker) Handle(ctx context.Context, msg *queue.TaskMessage) error {
	req, err := fetchRequestFrom(msg.Payload)
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", msg.TaskID).Msg("Malformed download payload")
		return nil // unprocessable, settle the task
	}

	var images []models.ImageRecord
	fetchErr := w.policy.Do(ctx, "fetch-images", func(ctx context.Context) error {
		var opErr error
		images, opErr = w.fetcher.Fetch(ctx, req)
		return opErr
	})

	if fetchErr != nil {
		// Infrastructure goes back to the pool for a re-queue; every
		// other failure is final for this chunk and is reported as such.
		if faults.KindOf(fetchErr) == faults.KindInfrastructure {
			return fetchErr
		}
		return w.report(ctx, req.JobID, msg.TaskID, models.TaskResult{
			Failed:    true,
			Error:     fetchErr.Error(),
			ErrorKind: string(faults.KindOf(fetchErr)),
		})
	}

	return w.report(ctx, req.JobID, msg.TaskID, models.TaskResult{
		Success:    true,
		Downloaded: len(images),
		Images:     images,
	})
}

// OnExhausted settles the chunk as failed once infrastructure re-queues
// run out, so the job cannot hang on a dead dependency.
func (w *DownloadWorker) OnExhausted(ctx context.Context, msg *queue.TaskMessage, cause error) {
	jobID, _ := msg.Payload["job_id"].(string)
	if jobID == "" {
		return
	}
	if err := w.report(ctx, jobID, msg.TaskID, models.TaskResult{
		Failed:    true,
		Error:     cause.Error(),
		ErrorKind: string(faults.KindInfrastructure),
	}); err != nil {
		w.logger.Error().Err(err).Str("task_id", msg.TaskID).Msg("Failed to settle exhausted task")
	}
}

func (w *DownloadWorker) report(ctx context.Context, jobID, taskID string, result models.TaskResult) error {
	_, _, err := w.jobs.HandleTaskCompletion(ctx, jobID, taskID, result)
	if err != nil && faults.KindOf(err) == faults.KindInfrastructure {
		// Let the pool re-queue; the dedup set absorbs the replay of
		// anything that did commit.
		return err
	}
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Str("task_id", taskID).Msg("Completion report rejected")
	}
	return nil
}

func fetchRequestFrom(payload map[string]interface{}) (FetchRequest, error) {
	jobID, _ := payload["job_id"].(string)
	if jobID == "" {
		return FetchRequest{}, faults.Validationf("job_id", "is required")
	}

	req := FetchRequest{
		JobID:     jobID,
		Keyword:   stringFrom(payload, "keyword"),
		Engine:    stringFrom(payload, "engine"),
		Keywords:  stringsFrom(payload, "keywords"),
		Engines:   stringsFrom(payload, "engines"),
		Offset:    intFrom(payload, "offset"),
		Count:     intFrom(payload, "count"),
		MaxImages: intFrom(payload, "max_images"),
	}
	if filters, ok := payload["quality_filters"].(map[string]interface{}); ok {
		req.QualityFilters = filters
	}

	if req.Keyword == "" && len(req.Keywords) == 0 {
		return FetchRequest{}, faults.Validationf("keyword", "payload carries neither a keyword nor a keyword list")
	}
	return req, nil
}

func stringFrom(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

// intFrom tolerates both int and float64: payloads that crossed the
// broker's JSON round-trip carry numbers as float64.
func intFrom(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringsFrom(payload map[string]interface{}, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
