package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jamesross/flowqueue/internal/config"
	"github.com/jamesross/flowqueue/internal/job"
	"github.com/jamesross/flowqueue/internal/scripts"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Queue{Prefix: "fq", Name: "test", DefaultJobOptions: config.DefaultJobOptions{Attempts: 3}}
	q, err := New(context.Background(), rdb, cfg, scripts.New(), nil)
	require.NoError(t, err)
	return q, rdb, mr
}

func TestAddStandardJobLandsInWait(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Add(ctx, "send-email", map[string]string{"to": "a@b.com"}, job.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, j.ID)

	counts, err := q.GetJobCounts(ctx, "wait")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts["wait"])

	state, err := q.GetJobState(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, "waiting", state)
}

func TestAddDelayedJobLandsInDelayed(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Add(ctx, "send-email", nil, job.Options{Delay: 60_000})
	require.NoError(t, err)

	state, err := q.GetJobState(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, "delayed", state)
}

func TestAddPrioritizedJobLandsInPrioritized(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Add(ctx, "send-email", nil, job.Options{Priority: 5})
	require.NoError(t, err)

	state, err := q.GetJobState(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, "prioritized", state)
}

func TestAddDeduplicationReturnsExistingJobID(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Add(ctx, "dedup-job", nil, job.Options{Deduplication: &job.Deduplication{ID: "same"}})
	require.NoError(t, err)

	second, err := q.Add(ctx, "dedup-job", nil, job.Options{Deduplication: &job.Deduplication{ID: "same"}})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)

	counts, err := q.GetJobCounts(ctx, "wait")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts["wait"])
}

// Grounded on original_source/python/tests/deduplication_test.py::
// test_debounce_mode_with_replace: repeated adds under the same dedup
// id with replace=true must converge on a single job, not pile up one
// orphaned delayed job per call.
func TestAddDeduplicationReplaceUpdatesExistingJobInPlace(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	var last *job.Job
	for i := 0; i < 5; i++ {
		j, err := q.Add(ctx, "debounced", map[string]int{"n": i}, job.Options{
			Delay:         2_000,
			Deduplication: &job.Deduplication{ID: "same", Replace: true},
		})
		require.NoError(t, err)
		if last != nil {
			require.Equal(t, last.ID, j.ID)
		}
		last = j
	}

	counts, err := q.GetJobCounts(ctx, "delayed")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts["delayed"])

	got, err := q.GetJob(ctx, last.ID)
	require.NoError(t, err)
	require.Equal(t, `{"n":4}`, string(got.Data))
}

func TestPauseMovesNewJobsToPaused(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Pause(ctx))
	j, err := q.Add(ctx, "send-email", nil, job.Options{})
	require.NoError(t, err)

	state, err := q.GetJobState(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, "paused", state)

	require.NoError(t, q.Resume(ctx))
}

func TestGetJobRoundTripsStoredHash(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Add(ctx, "resize", map[string]int{"w": 100}, job.Options{})
	require.NoError(t, err)

	got, err := q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, "resize", got.Name)
}

func TestRemoveJobDeletesHashAndListing(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Add(ctx, "send-email", nil, job.Options{})
	require.NoError(t, err)

	require.NoError(t, q.RemoveJob(ctx, j.ID))

	_, err = q.GetJob(ctx, j.ID)
	require.Error(t, err)

	counts, err := q.GetJobCounts(ctx, "wait")
	require.NoError(t, err)
	require.EqualValues(t, 0, counts["wait"])
}
