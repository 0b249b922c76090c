package flow

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jamesross/flowqueue/internal/keys"
	"github.com/jamesross/flowqueue/internal/scripts"
)

func newTestFlow(t *testing.T) (*FlowProducer, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	catalog := scripts.New()
	require.NoError(t, catalog.Load(context.Background(), rdb))
	return New(rdb, "fq", catalog, nil), rdb
}

func TestAddTreeParentWaitsOnChildren(t *testing.T) {
	f, rdb := newTestFlow(t)
	ctx := context.Background()

	root := Node{
		Name:      "aggregate-results",
		QueueName: "parent-q",
		Data:      map[string]string{"step": "root"},
		Children: []Node{
			{Name: "fetch-a", QueueName: "child-q", Data: map[string]string{"x": "a"}},
			{Name: "fetch-b", QueueName: "child-q", Data: map[string]string{"x": "b"}},
		},
	}

	res, err := f.Add(ctx, root)
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	require.Len(t, res.Children, 2)

	parentKB := keys.New("fq", "parent-q")
	childKB := keys.New("fq", "child-q")

	n, err := rdb.SCard(ctx, parentKB.JobDependencies(res.Job.ID)).Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	score, err := rdb.ZScore(ctx, parentKB.WaitingChildren(), res.Job.ID).Result()
	require.NoError(t, err)
	require.NotZero(t, score)

	for _, child := range res.Children {
		pos, err := rdb.LPos(ctx, childKB.Wait(), child.Job.ID, redis.LPosArgs{}).Result()
		require.NoError(t, err)
		require.GreaterOrEqual(t, pos, int64(0))
	}
}

func TestAddTreeWithoutChildrenSkipsWaitingChildren(t *testing.T) {
	f, rdb := newTestFlow(t)
	ctx := context.Background()

	res, err := f.Add(ctx, Node{Name: "solo", QueueName: "solo-q"})
	require.NoError(t, err)
	require.Empty(t, res.Children)

	kb := keys.New("fq", "solo-q")
	n, err := rdb.ZCard(ctx, kb.WaitingChildren()).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}
