package jobs

import (
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// ChunkPlan is one dispatchable unit of a decomposed job: a task name
// and a primitive-only payload.
type ChunkPlan struct {
	TaskName string
	Payload  map[string]interface{}
}

// keywordEnginePlans decomposes a job into one chunk per
// (keyword, engine) pair. Each chunk is capped at
// ceil(max_images / total_chunks) images so the caps sum to at least
// the job's MaxImages without any pair hoarding the whole budget.
func keywordEnginePlans(job *models.CrawlJob) []ChunkPlan {
	total := len(job.Keywords) * len(job.Engines)
	if total == 0 {
		return nil
	}
	perChunk := (job.MaxImages + total - 1) / total

	plans := make([]ChunkPlan, 0, total)
	for _, keyword := range job.Keywords {
		for _, engine := range job.Engines {
			payload := map[string]interface{}{
				"job_id":     job.ID,
				"keyword":    keyword,
				"engine":     engine,
				"max_images": perChunk,
			}
			if len(job.QualityFilters) > 0 {
				payload["quality_filters"] = job.QualityFilters
			}
			plans = append(plans, ChunkPlan{TaskName: models.TaskDownload, Payload: payload})
		}
	}
	return plans
}

// rangePlan builds the dispatch payload for one stored chunk row. The
// worker spreads the half-open range across all keyword and engine
// pairs itself; the orchestrator only fixes the image budget.
func rangePlan(job *models.CrawlJob, chunk *models.JobChunk) ChunkPlan {
	payload := map[string]interface{}{
		"job_id":   job.ID,
		"chunk_id": chunk.ID,
		"offset":   chunk.RangeStart,
		"count":    chunk.Width(),
		"keywords": job.Keywords,
		"engines":  job.Engines,
	}
	if len(job.QualityFilters) > 0 {
		payload["quality_filters"] = job.QualityFilters
	}
	return ChunkPlan{TaskName: models.TaskDownload, Payload: payload}
}
