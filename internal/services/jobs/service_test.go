package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
	badgerstore "github.com/pixcrawler/pixcrawler/internal/storage/badger"
)

// fakeDispatcher records enqueued tasks and revocations in memory.
type fakeDispatcher struct {
	mu         sync.Mutex
	enqueued   []fakeTask
	revoked    []string
	failAfter  int // fail Enqueue once this many tasks were accepted, -1 disables
	enqueueErr error
	seq        int

	// hook runs after each accepted enqueue, before the service resumes.
	hook func(taskName string, payload map[string]interface{})
}

type fakeTask struct {
	taskID  string
	name    string
	payload map[string]interface{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failAfter: -1}
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, taskName string, payload map[string]interface{}) (string, error) {
	d.mu.Lock()
	if d.failAfter >= 0 && len(d.enqueued) >= d.failAfter {
		d.mu.Unlock()
		return "", d.enqueueErr
	}
	d.seq++
	taskID := fmt.Sprintf("task_%d", d.seq)
	d.enqueued = append(d.enqueued, fakeTask{taskID: taskID, name: taskName, payload: payload})
	hook := d.hook
	d.mu.Unlock()
	if hook != nil {
		hook(taskName, payload)
	}
	return taskID, nil
}

func (d *fakeDispatcher) EnqueueWithDelay(ctx context.Context, taskName string, payload map[string]interface{}, delay time.Duration) (string, error) {
	return d.Enqueue(ctx, taskName, payload)
}

func (d *fakeDispatcher) Revoke(ctx context.Context, taskID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, taskID)
	return true, nil
}

func (d *fakeDispatcher) RevokeMany(ctx context.Context, taskIDs []string) (int, error) {
	for _, taskID := range taskIDs {
		d.Revoke(ctx, taskID)
	}
	return len(taskIDs), nil
}

func (d *fakeDispatcher) tasks() []fakeTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]fakeTask(nil), d.enqueued...)
}

func (d *fakeDispatcher) revocations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.revoked...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	emitted []models.NotificationType
}

func (n *fakeNotifier) Emit(ctx context.Context, userID string, typ models.NotificationType, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emitted = append(n.emitted, typ)
}

func (n *fakeNotifier) types() []models.NotificationType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.NotificationType(nil), n.emitted...)
}

func (n *fakeNotifier) waitFor(t *testing.T, typ models.NotificationType) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, got := range n.types() {
			if got == typ {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Notification %s was not emitted", typ)
}

type fixture struct {
	service    *Service
	storage    interfaces.StorageManager
	dispatcher *fakeDispatcher
	notifier   *fakeNotifier
	config     *common.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	config := common.DefaultConfig()
	config.Storage.Badger.Path = t.TempDir()

	manager, err := badgerstore.NewManager(arbor.NewLogger(), &config.Storage.Badger)
	if err != nil {
		t.Fatalf("Failed to create storage manager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	dispatcher := newFakeDispatcher()
	notifier := &fakeNotifier{}
	service := NewService(manager, dispatcher, notifier, config, arbor.NewLogger())

	return &fixture{
		service:    service,
		storage:    manager,
		dispatcher: dispatcher,
		notifier:   notifier,
		config:     config,
	}
}

func (f *fixture) createProject(t *testing.T, userID string) *models.Project {
	t.Helper()
	project := &models.Project{
		ID:        common.NewProjectID(),
		UserID:    userID,
		Name:      "test project",
		CreatedAt: time.Now(),
	}
	if err := f.storage.ProjectStorage().CreateProject(context.Background(), project); err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}
	return project
}

func (f *fixture) createJob(t *testing.T, userID string) *models.CrawlJob {
	t.Helper()
	project := f.createProject(t, userID)
	job, err := f.service.CreateJob(context.Background(), userID, CreateJobRequest{
		ProjectID: project.ID,
		Name:      "cats",
		Keywords:  []string{"cat", "dog"},
		Engines:   []string{"google", "bing"},
		MaxImages: 100,
	})
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	return job
}

func successResult(images int) models.TaskResult {
	records := make([]models.ImageRecord, images)
	for i := range records {
		records[i] = models.ImageRecord{SourceURL: "https://example.com/i.jpg", Width: 800, Height: 600, Format: "jpeg"}
	}
	return models.TaskResult{Success: true, Downloaded: images, Images: records}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.createProject(t, "user-a")

	cases := []struct {
		name string
		req  CreateJobRequest
	}{
		{"blank keyword", CreateJobRequest{ProjectID: project.ID, Name: "x", Keywords: []string{" "}, Engines: []string{"google"}, MaxImages: 10}},
		{"unsupported engine", CreateJobRequest{ProjectID: project.ID, Name: "x", Keywords: []string{"cat"}, Engines: []string{"altavista"}, MaxImages: 10}},
		{"over cap", CreateJobRequest{ProjectID: project.ID, Name: "x", Keywords: []string{"cat"}, Engines: []string{"google"}, MaxImages: f.config.Jobs.MaxImagesCap + 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.CreateJob(ctx, "user-a", tc.req)
			require.Error(t, err)
			require.Equal(t, faults.KindValidation, faults.KindOf(err))
		})
	}

	// A foreign project is forbidden, not invalid.
	_, err := f.service.CreateJob(ctx, "user-b", CreateJobRequest{
		ProjectID: project.ID, Name: "x", Keywords: []string{"cat"}, Engines: []string{"google"}, MaxImages: 10,
	})
	require.Equal(t, faults.KindForbidden, faults.KindOf(err))
}

func TestStartJobKeywordEngineDecomposition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")

	started, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, started.Status)

	// 2 keywords x 2 engines = 4 chunks, capped at ceil(100/4) each.
	require.Equal(t, 4, started.TotalChunks)
	require.Equal(t, 4, started.ActiveChunks)
	require.Len(t, started.TaskIDs, 4)
	require.NotNil(t, started.StartedAt)

	tasks := f.dispatcher.tasks()
	require.Len(t, tasks, 4)
	seen := map[string]bool{}
	for _, task := range tasks {
		require.Equal(t, models.TaskDownload, task.name)
		require.Equal(t, job.ID, task.payload["job_id"])
		require.Equal(t, 25, task.payload["max_images"])
		seen[fmt.Sprintf("%s/%s", task.payload["keyword"], task.payload["engine"])] = true
	}
	require.Len(t, seen, 4)

	f.notifier.waitFor(t, models.NotificationJobStarted)
}

func TestStartJobIdempotentWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")

	first, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	second, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)
	require.Equal(t, first.TaskIDs, second.TaskIDs)
	require.Len(t, f.dispatcher.tasks(), 4)
}

func TestStartJobRejectsTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")

	_, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)
	_, _, err = f.service.CancelJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	_, err = f.service.StartJob(ctx, "user-a", job.ID)
	require.Error(t, err)
	require.Equal(t, faults.KindBadRequest, faults.KindOf(err))
}

func TestStartJobRangeDecomposition(t *testing.T) {
	f := newFixture(t)
	f.config.Jobs.Decomposition = "range"
	f.config.Jobs.ChunkSize = 30
	ctx := context.Background()
	job := f.createJob(t, "user-a")

	started, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	// 100 images at size 30: [0,30) [30,60) [60,90) [90,100).
	require.Equal(t, 4, started.TotalChunks)

	tasks := f.dispatcher.tasks()
	require.Len(t, tasks, 4)
	covered := 0
	for _, task := range tasks {
		covered += task.payload["count"].(int)
		require.NotEmpty(t, task.payload["chunk_id"])
	}
	require.Equal(t, 100, covered)

	// Dispatched chunk rows are processing with their task ids attached.
	progress, err := f.storage.ChunkStorage().ProgressFor(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 4, progress.Processing)

	chunk, err := f.storage.ChunkStorage().GetByTaskID(ctx, tasks[0].taskID)
	require.NoError(t, err)
	require.Equal(t, job.ID, chunk.CrawlJobID)
}

func TestStartJobDispatchFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.failAfter = 2
	f.dispatcher.enqueueErr = faults.New(faults.KindInfrastructure, "broker unavailable")
	ctx := context.Background()
	job := f.createJob(t, "user-a")

	_, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.Error(t, err)

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, got.Status)
	require.Contains(t, got.Error, "Dispatch failed")
	f.notifier.waitFor(t, models.NotificationJobFailed)
}

func TestStartJobChunkPersistenceFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.config.Jobs.Decomposition = "range"
	f.config.Jobs.ChunkSize = 50
	ctx := context.Background()
	job := f.createJob(t, "user-a")

	// Move the second chunk row out of pending between its enqueue and
	// the service's own transition. The mid-loop persistence step then
	// fails and the job must not stay running on a partial dispatch.
	calls := 0
	f.dispatcher.hook = func(name string, payload map[string]interface{}) {
		calls++
		if calls != 2 {
			return
		}
		chunkID := payload["chunk_id"].(string)
		_, err := f.storage.ChunkStorage().TransitionChunk(ctx, chunkID,
			[]models.ChunkStatus{models.ChunkStatusPending}, models.ChunkStatusFailed, "", "settled elsewhere")
		require.NoError(t, err)
	}

	_, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.Error(t, err)

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, got.Status)
	require.Contains(t, got.Error, "Dispatch failed")
	require.Equal(t, 0, got.ActiveChunks)
	f.notifier.waitFor(t, models.NotificationJobFailed)
}

func TestStartJobDispatchRateLimit(t *testing.T) {
	f := newFixture(t)
	f.config.RateLimits.DispatchPerUserPerMin = 1
	ctx := context.Background()

	first := f.createJob(t, "user-a")
	_, err := f.service.StartJob(ctx, "user-a", first.ID)
	require.NoError(t, err)

	second := f.createJob(t, "user-a")
	_, err = f.service.StartJob(ctx, "user-a", second.ID)
	require.Error(t, err)
	require.Equal(t, faults.KindRateLimited, faults.KindOf(err))
	require.Greater(t, faults.RetryAfterOf(err), time.Duration(0))

	// The limited job is untouched and can be started later.
	got, err := f.storage.JobStorage().GetJob(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, got.Status)
}

func TestHandleTaskCompletionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")

	started, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	for i, taskID := range started.TaskIDs[:3] {
		outcome, got, err := f.service.HandleTaskCompletion(ctx, job.ID, taskID, successResult(25))
		require.NoError(t, err)
		require.Equal(t, interfaces.OutcomeApplied, outcome)
		require.Equal(t, (i+1)*25, got.Progress)
	}

	outcome, got, err := f.service.HandleTaskCompletion(ctx, job.ID, started.TaskIDs[3], successResult(25))
	require.NoError(t, err)
	require.Equal(t, interfaces.OutcomeCompleted, outcome)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	require.Equal(t, 100, got.DownloadedImages)

	f.notifier.waitFor(t, models.NotificationJobCompleted)

	count, err := f.storage.ImageStorage().CountByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 100, count)
}

func TestHandleTaskCompletionDuplicateCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")
	started, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	_, _, err = f.service.HandleTaskCompletion(ctx, job.ID, started.TaskIDs[0], successResult(10))
	require.NoError(t, err)

	outcome, got, err := f.service.HandleTaskCompletion(ctx, job.ID, started.TaskIDs[0], successResult(10))
	require.NoError(t, err)
	require.Equal(t, interfaces.OutcomeDuplicate, outcome)
	require.Equal(t, 1, got.CompletedChunks)
	require.Equal(t, 10, got.DownloadedImages)
}

func TestHandleTaskCompletionIgnoresUndispatchedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")
	started, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	// A forged or mis-addressed task id never moves counters and never
	// triggers terminal detection.
	outcome, got, err := f.service.HandleTaskCompletion(ctx, job.ID, "task_forged", successResult(25))
	require.NoError(t, err)
	require.Equal(t, interfaces.OutcomeIgnored, outcome)
	require.Equal(t, models.JobStatusRunning, got.Status)
	require.Equal(t, 0, got.CompletedChunks)
	require.Equal(t, started.TotalChunks, got.ActiveChunks)

	count, err := f.storage.ImageStorage().CountByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	// Real callbacks still settle the job normally afterwards.
	for _, taskID := range started.TaskIDs {
		_, _, err := f.service.HandleTaskCompletion(ctx, job.ID, taskID, successResult(25))
		require.NoError(t, err)
	}
	final, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, final.Status)
}

func TestHandleTaskCompletionFailureRecordsKind(t *testing.T) {
	f := newFixture(t)
	f.config.Jobs.FailureThreshold = 0.01
	ctx := context.Background()
	job := f.createJob(t, "user-a")
	started, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	for _, taskID := range started.TaskIDs[:3] {
		_, _, err := f.service.HandleTaskCompletion(ctx, job.ID, taskID, successResult(5))
		require.NoError(t, err)
	}

	outcome, got, err := f.service.HandleTaskCompletion(ctx, job.ID, started.TaskIDs[3], models.TaskResult{
		Failed:    true,
		Error:     "engine rejected the query",
		ErrorKind: string(faults.KindForbidden),
	})
	require.NoError(t, err)
	require.Equal(t, interfaces.OutcomeFailed, outcome)
	require.Equal(t, models.JobStatusFailed, got.Status)
	require.Contains(t, got.Error, "Chunks failed")

	f.notifier.waitFor(t, models.NotificationJobFailed)
}

func TestCancelJobRevokesActiveTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")
	started, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	// One chunk settles before the cancel; only the rest are revoked.
	_, _, err = f.service.HandleTaskCompletion(ctx, job.ID, started.TaskIDs[0], successResult(10))
	require.NoError(t, err)

	cancelled, revoked, err := f.service.CancelJob(ctx, "user-a", job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, revoked)
	require.Equal(t, models.JobStatusCancelled, cancelled.Status)
	require.Equal(t, 0, cancelled.ActiveChunks)
	require.NotNil(t, cancelled.CompletedAt)

	f.notifier.waitFor(t, models.NotificationJobCancelled)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.dispatcher.revocations()) < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	require.ElementsMatch(t, started.TaskIDs[1:], f.dispatcher.revocations())

	// A late callback after cancellation moves nothing.
	outcome, got, err := f.service.HandleTaskCompletion(ctx, job.ID, started.TaskIDs[1], successResult(10))
	require.NoError(t, err)
	require.Equal(t, interfaces.OutcomeIgnored, outcome)
	require.Equal(t, 1, got.CompletedChunks)
	require.Equal(t, 10, got.DownloadedImages)
}

func TestCancelJobIdempotentAndGuarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")
	_, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	_, _, err = f.service.CancelJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	// Second cancel is a no-op, not an error.
	again, _, err := f.service.CancelJob(ctx, "user-a", job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCancelled, again.Status)

	// A completed job cannot be cancelled.
	other := f.createJob(t, "user-a")
	otherStarted, err := f.service.StartJob(ctx, "user-a", other.ID)
	require.NoError(t, err)
	for _, taskID := range otherStarted.TaskIDs {
		_, _, err := f.service.HandleTaskCompletion(ctx, other.ID, taskID, successResult(1))
		require.NoError(t, err)
	}
	_, _, err = f.service.CancelJob(ctx, "user-a", other.ID)
	require.Equal(t, faults.KindBadRequest, faults.KindOf(err))
}

func TestRetryJobResetsAndRedispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")
	started, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	_, _, err = f.service.HandleTaskCompletion(ctx, job.ID, started.TaskIDs[0], successResult(10))
	require.NoError(t, err)
	_, _, err = f.service.CancelJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	retried, err := f.service.RetryJob(ctx, "user-a", job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, retried.Status)
	require.Equal(t, 0, retried.CompletedChunks)
	require.Equal(t, 0, retried.DownloadedImages)
	require.Equal(t, 4, retried.TotalChunks)
	require.Len(t, retried.TaskIDs, 4)
	require.NotEqual(t, started.TaskIDs, retried.TaskIDs)

	// Fresh task ids accept callbacks again.
	outcome, _, err := f.service.HandleTaskCompletion(ctx, job.ID, retried.TaskIDs[0], successResult(10))
	require.NoError(t, err)
	require.Equal(t, interfaces.OutcomeApplied, outcome)
}

func TestRetryJobRequiresTerminalFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")

	_, err := f.service.RetryJob(ctx, "user-a", job.ID)
	require.Equal(t, faults.KindBadRequest, faults.KindOf(err))

	_, err = f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)
	_, err = f.service.RetryJob(ctx, "user-a", job.ID)
	require.Equal(t, faults.KindBadRequest, faults.KindOf(err))
}

func TestGetProgressReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")
	started, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	_, _, err = f.service.HandleTaskCompletion(ctx, job.ID, started.TaskIDs[0], successResult(25))
	require.NoError(t, err)

	report, err := f.service.GetProgress(ctx, "user-a", job.ID)
	require.NoError(t, err)
	require.Equal(t, 25, report.Progress)
	require.Equal(t, 1, report.CompletedChunks)
	require.Equal(t, 3, report.ActiveChunks)
	require.NotNil(t, report.EstimatedCompletion)

	// Ownership applies to reads too.
	_, err = f.service.GetProgress(ctx, "user-b", job.ID)
	require.Equal(t, faults.KindForbidden, faults.KindOf(err))
}

func TestFailStalledJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "user-a")
	started, err := f.service.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	got, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.service.FailStalledJob(ctx, got))

	failed, err := f.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, failed.Status)
	require.Contains(t, failed.Error, "Stalled")
	require.ElementsMatch(t, started.TaskIDs, f.dispatcher.revocations())

	// A second sweep pass on the now-settled job is a no-op.
	require.NoError(t, f.service.FailStalledJob(ctx, failed))
}
