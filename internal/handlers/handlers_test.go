package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/models"
	"github.com/pixcrawler/pixcrawler/internal/services/auth"
	jobsvc "github.com/pixcrawler/pixcrawler/internal/services/jobs"
	"github.com/pixcrawler/pixcrawler/internal/services/notify"
	"github.com/pixcrawler/pixcrawler/internal/services/validation"
	badgerstore "github.com/pixcrawler/pixcrawler/internal/storage/badger"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	next int
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, taskName string, payload map[string]interface{}) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	return fmt.Sprintf("task_%d", d.next), nil
}

func (d *fakeDispatcher) EnqueueWithDelay(ctx context.Context, taskName string, payload map[string]interface{}, delay time.Duration) (string, error) {
	return d.Enqueue(ctx, taskName, payload)
}

func (d *fakeDispatcher) Revoke(ctx context.Context, taskID string) (bool, error) {
	return true, nil
}

func (d *fakeDispatcher) RevokeMany(ctx context.Context, taskIDs []string) (int, error) {
	return len(taskIDs), nil
}

type fixture struct {
	manager     *badgerstore.Manager
	jobHandler  *JobHandler
	callback    *CallbackHandler
	jobService  *jobsvc.Service
	authService *auth.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	config := common.DefaultConfig()
	config.Storage.Badger.Path = t.TempDir()

	manager, err := badgerstore.NewManager(logger, &config.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	dispatcher := &fakeDispatcher{}
	notifier := notify.NewService(manager, logger)
	jobService := jobsvc.NewService(manager, dispatcher, notifier, config, logger)
	validationService := validation.NewService(manager, dispatcher, logger)
	authService := auth.NewService(manager.APIKeyStorage(), "shhh", logger)

	return &fixture{
		manager:     manager,
		jobHandler:  NewJobHandler(jobService, manager.ImageStorage(), logger),
		callback:    NewCallbackHandler(authService, jobService, validationService, logger),
		jobService:  jobService,
		authService: authService,
	}
}

func (f *fixture) createProject(t *testing.T, userID string) *models.Project {
	t.Helper()
	project := &models.Project{
		ID:        common.NewProjectID(),
		UserID:    userID,
		Name:      "wildlife",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, f.manager.ProjectStorage().CreateProject(context.Background(), project))
	return project
}

func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(WithUserID(r.Context(), userID))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWriteFaultStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{faults.Validationf("name", "name is required"), http.StatusUnprocessableEntity},
		{faults.New(faults.KindBadRequest, "cannot start"), http.StatusBadRequest},
		{faults.New(faults.KindUnauthorized, "missing token"), http.StatusUnauthorized},
		{faults.New(faults.KindForbidden, "not yours"), http.StatusForbidden},
		{faults.New(faults.KindNotFound, "no such job"), http.StatusNotFound},
		{faults.RateLimitedFor(30*time.Second, "slow down"), http.StatusTooManyRequests},
		{faults.New(faults.KindInfrastructure, "store down"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/api/v1/jobs", nil)
		WriteFault(rec, r, tc.err)
		require.Equal(t, tc.status, rec.Code, "kind %s", faults.KindOf(tc.err))

		body := decodeBody(t, rec)
		require.NotEmpty(t, body["request_id"])
		details := body["details"].([]interface{})
		require.Len(t, details, 1)
		detail := details[0].(map[string]interface{})
		require.Equal(t, string(faults.KindOf(tc.err)), detail["error_code"])
	}
}

func TestWriteFaultHidesInternalCauses(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/v1/jobs", nil)
	WriteFault(rec, r, faults.Wrap(faults.KindInfrastructure, fmt.Errorf("dial tcp 10.0.0.8: refused"), "badger write failed"))

	require.NotContains(t, rec.Body.String(), "10.0.0.8")
	require.Equal(t, "internal error", decodeBody(t, rec)["message"])
}

func TestWriteFaultCarriesRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/jobs/job_1/start", nil)
	WriteFault(rec, r, faults.RateLimitedFor(time.Minute, "dispatch limit reached"))

	require.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestCreateJobHandler(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "user-a")

	body := fmt.Sprintf(`{"project_id":%q,"name":"cats","keywords":["cat"],"engines":["google"],"max_images":10}`, project.ID)
	rec := httptest.NewRecorder()
	r := asUser(httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader(body)), "user-a")
	f.jobHandler.CreateJobHandler(rec, r)

	require.Equal(t, http.StatusCreated, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]interface{})
	require.Equal(t, "pending", data["status"])
	require.Equal(t, project.ID, data["project_id"])

	// Unsupported engine surfaces as a validation failure.
	body = fmt.Sprintf(`{"project_id":%q,"name":"cats","keywords":["cat"],"engines":["altavista"],"max_images":10}`, project.ID)
	rec = httptest.NewRecorder()
	r = asUser(httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader(body)), "user-a")
	f.jobHandler.CreateJobHandler(rec, r)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// A missing required field is reported by its JSON name.
	body = fmt.Sprintf(`{"project_id":%q,"name":"cats","engines":["google"],"max_images":10}`, project.ID)
	rec = httptest.NewRecorder()
	r = asUser(httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader(body)), "user-a")
	f.jobHandler.CreateJobHandler(rec, r)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), `"field":"keywords"`)

	// Malformed JSON is a bad request, not a validation failure.
	rec = httptest.NewRecorder()
	r = asUser(httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader("{nope")), "user-a")
	f.jobHandler.CreateJobHandler(rec, r)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobHandlerOwnershipAndNotFound(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "user-a")

	job, err := f.jobService.CreateJob(context.Background(), "user-a", jobsvc.CreateJobRequest{
		ProjectID: project.ID,
		Name:      "cats",
		Keywords:  []string{"cat"},
		Engines:   []string{"google"},
		MaxImages: 10,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r := asUser(httptest.NewRequest("GET", "/api/v1/jobs/"+job.ID, nil), "user-b")
	f.jobHandler.GetJobHandler(rec, r)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	r = asUser(httptest.NewRequest("GET", "/api/v1/jobs/job_missing", nil), "user-a")
	f.jobHandler.GetJobHandler(rec, r)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsHandlerMeta(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "user-a")

	for i := 0; i < 3; i++ {
		_, err := f.jobService.CreateJob(context.Background(), "user-a", jobsvc.CreateJobRequest{
			ProjectID: project.ID,
			Name:      fmt.Sprintf("job %d", i),
			Keywords:  []string{"cat"},
			Engines:   []string{"google"},
			MaxImages: 10,
		})
		require.NoError(t, err)
	}

	rec := httptest.NewRecorder()
	r := asUser(httptest.NewRequest("GET", "/api/v1/jobs?page=1&limit=2", nil), "user-a")
	f.jobHandler.ListJobsHandler(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Len(t, body["data"].([]interface{}), 2)
	meta := body["meta"].(map[string]interface{})
	require.Equal(t, float64(3), meta["total"])
	require.Equal(t, float64(2), meta["pages"])
	require.Equal(t, float64(2), meta["limit"])
}

func TestStartAndCancelHandlers(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "user-a")

	job, err := f.jobService.CreateJob(context.Background(), "user-a", jobsvc.CreateJobRequest{
		ProjectID: project.ID,
		Name:      "cats",
		Keywords:  []string{"cat", "dog"},
		Engines:   []string{"google", "bing"},
		MaxImages: 100,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r := asUser(httptest.NewRequest("POST", "/api/v1/jobs/"+job.ID+"/start", nil), "user-a")
	f.jobHandler.StartJobHandler(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeBody(t, rec)["data"].(map[string]interface{})
	require.Equal(t, "running", data["status"])
	require.Equal(t, float64(4), data["total_chunks"])
	require.Len(t, data["task_ids"].([]interface{}), 4)

	rec = httptest.NewRecorder()
	r = asUser(httptest.NewRequest("POST", "/api/v1/jobs/"+job.ID+"/cancel", nil), "user-a")
	f.jobHandler.CancelJobHandler(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	data = decodeBody(t, rec)["data"].(map[string]interface{})
	require.Equal(t, "cancelled", data["status"])
	require.Equal(t, float64(4), data["revoked_tasks"])

	// Start on a cancelled job is a bad state transition.
	rec = httptest.NewRecorder()
	r = asUser(httptest.NewRequest("POST", "/api/v1/jobs/"+job.ID+"/start", nil), "user-a")
	f.jobHandler.StartJobHandler(rec, r)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackHandlerSecret(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/tasks/callback", strings.NewReader(`{"job_id":"job_1","task_id":"task_1","result":{"success":true}}`))
	r.Header.Set(WorkerSecretHeader, "wrong")
	f.callback.TaskCallbackHandler(rec, r)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackHandlerWrongMethod(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/v1/tasks/callback", nil)
	f.callback.TaskCallbackHandler(rec, r)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	body := decodeBody(t, rec)
	require.Contains(t, body["message"], "method GET not allowed")
	require.NotEmpty(t, body["request_id"])
}

func TestCallbackHandlerSilentlyAcceptsUnknownJob(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/tasks/callback", strings.NewReader(`{"job_id":"job_missing","task_id":"task_1","result":{"success":true}}`))
	r.Header.Set(WorkerSecretHeader, "shhh")
	f.callback.TaskCallbackHandler(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]interface{})
	require.Equal(t, "accepted", data["status"])
}

func TestCallbackHandlerAppliesResult(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "user-a")
	ctx := context.Background()

	job, err := f.jobService.CreateJob(ctx, "user-a", jobsvc.CreateJobRequest{
		ProjectID: project.ID,
		Name:      "cats",
		Keywords:  []string{"cat"},
		Engines:   []string{"google"},
		MaxImages: 10,
	})
	require.NoError(t, err)
	started, err := f.jobService.StartJob(ctx, "user-a", job.ID)
	require.NoError(t, err)

	body := fmt.Sprintf(`{"job_id":%q,"task_id":%q,"result":{"success":true,"downloaded":10}}`, job.ID, started.TaskIDs[0])
	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/tasks/callback", strings.NewReader(body))
	r.Header.Set(WorkerSecretHeader, "shhh")
	f.callback.TaskCallbackHandler(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]interface{})
	require.Equal(t, "completed", data["outcome"])

	got, err := f.manager.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	require.Equal(t, 10, got.DownloadedImages)
}

func TestCallbackHandlerRejectsMissingIdentifiers(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/tasks/callback", strings.NewReader(`{"result":{"success":true}}`))
	r.Header.Set(WorkerSecretHeader, "shhh")
	f.callback.TaskCallbackHandler(rec, r)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPathSegment(t *testing.T) {
	require.Equal(t, "job_1", PathSegment("/api/v1/jobs/job_1/start", "/api/v1/jobs/", 0))
	require.Equal(t, "start", PathSegment("/api/v1/jobs/job_1/start", "/api/v1/jobs/", 1))
	require.Equal(t, "", PathSegment("/api/v1/jobs/job_1", "/api/v1/projects/", 0))
	require.Equal(t, "", PathSegment("/api/v1/jobs/", "/api/v1/jobs/", 1))
}

func TestPaginationParams(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/jobs?page=3&limit=40", nil)
	page, limit := PaginationParams(r)
	require.Equal(t, 3, page)
	require.Equal(t, 40, limit)

	r = httptest.NewRequest("GET", "/api/v1/jobs?page=-1&limit=5000", nil)
	page, limit = PaginationParams(r)
	require.Equal(t, 1, page)
	require.Equal(t, 20, limit)
}
