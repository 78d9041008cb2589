package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

func TestCreateChunksRanges(t *testing.T) {
	db := newTestDB(t)
	s := NewChunkStorage(db, arbor.NewLogger())
	ctx := context.Background()

	// 120 images at chunk size 50: [0,50) [50,100) [100,120).
	chunks, err := s.CreateChunks(ctx, "job_x", 50, 120, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	covered := 0
	for i, chunk := range chunks {
		require.Equal(t, models.ChunkStatusPending, chunk.Status)
		if i > 0 {
			require.Equal(t, chunks[i-1].RangeEnd, chunk.RangeStart)
		}
		require.Greater(t, chunk.RangeEnd, chunk.RangeStart)
		covered += chunk.Width()
	}
	require.Equal(t, 120, covered)
	require.Equal(t, 20, chunks[2].Width())
}

func TestCreateChunksRejectsBadInput(t *testing.T) {
	db := newTestDB(t)
	s := NewChunkStorage(db, arbor.NewLogger())

	_, err := s.CreateChunks(context.Background(), "job_x", 0, 100, 0)
	require.Error(t, err)
	require.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = s.CreateChunks(context.Background(), "job_x", 50, 0, 0)
	require.Error(t, err)
	require.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestNextPendingOrder(t *testing.T) {
	db := newTestDB(t)
	s := NewChunkStorage(db, arbor.NewLogger())
	ctx := context.Background()

	chunks, err := s.CreateChunks(ctx, "job_x", 50, 150, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	next, err := s.NextPending(ctx, "job_x")
	require.NoError(t, err)
	require.Equal(t, 0, next.RangeStart)

	_, err = s.TransitionChunk(ctx, next.ID,
		[]models.ChunkStatus{models.ChunkStatusPending}, models.ChunkStatusProcessing, "task_1", "")
	require.NoError(t, err)

	next, err = s.NextPending(ctx, "job_x")
	require.NoError(t, err)
	require.Equal(t, 50, next.RangeStart)
}

func TestTransitionChunkGuardAndRetryCount(t *testing.T) {
	db := newTestDB(t)
	s := NewChunkStorage(db, arbor.NewLogger())
	ctx := context.Background()

	chunks, err := s.CreateChunks(ctx, "job_x", 50, 50, 0)
	require.NoError(t, err)
	chunk := chunks[0]

	processing, err := s.TransitionChunk(ctx, chunk.ID,
		[]models.ChunkStatus{models.ChunkStatusPending}, models.ChunkStatusProcessing, "task_1", "")
	require.NoError(t, err)
	require.NotNil(t, processing.StartedAt)
	require.Equal(t, "task_1", processing.TaskID)

	// pending -> processing again fails the guard.
	_, err = s.TransitionChunk(ctx, chunk.ID,
		[]models.ChunkStatus{models.ChunkStatusPending}, models.ChunkStatusProcessing, "task_2", "")
	require.Error(t, err)
	require.Equal(t, faults.KindBadRequest, faults.KindOf(err))

	// Re-queue bumps the retry count.
	requeued, err := s.TransitionChunk(ctx, chunk.ID,
		[]models.ChunkStatus{models.ChunkStatusProcessing}, models.ChunkStatusPending, "", "")
	require.NoError(t, err)
	require.Equal(t, 1, requeued.RetryCount)

	got, err := s.GetByTaskID(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, chunk.ID, got.ID)
}

func TestChunkProgressAggregate(t *testing.T) {
	db := newTestDB(t)
	s := NewChunkStorage(db, arbor.NewLogger())
	ctx := context.Background()

	chunks, err := s.CreateChunks(ctx, "job_x", 10, 40, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	_, err = s.TransitionChunk(ctx, chunks[0].ID,
		[]models.ChunkStatus{models.ChunkStatusPending}, models.ChunkStatusProcessing, "task_1", "")
	require.NoError(t, err)
	_, err = s.TransitionChunk(ctx, chunks[0].ID,
		[]models.ChunkStatus{models.ChunkStatusProcessing}, models.ChunkStatusCompleted, "", "")
	require.NoError(t, err)
	_, err = s.TransitionChunk(ctx, chunks[1].ID,
		[]models.ChunkStatus{models.ChunkStatusPending}, models.ChunkStatusFailed, "", "engine unreachable")
	require.NoError(t, err)

	progress, err := s.ProgressFor(ctx, "job_x")
	require.NoError(t, err)
	require.Equal(t, 4, progress.Total)
	require.Equal(t, 2, progress.Pending)
	require.Equal(t, 1, progress.Completed)
	require.Equal(t, 1, progress.Failed)

	require.NoError(t, s.DeleteByJob(ctx, "job_x"))
	progress, err = s.ProgressFor(ctx, "job_x")
	require.NoError(t, err)
	require.Equal(t, 0, progress.Total)
}
