package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spectremesh/spectremerge/internal/model"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	batch := []*model.Candidate{
		{Fingerprint: "aaa", Protocol: model.ProtoSOCKS5, Host: "h1", Port: 1080},
		{Fingerprint: "bbb", Protocol: model.ProtoSOCKS5, Host: "h2", Port: 1080},
	}
	require.NoError(t, q.Enqueue(ctx, batch))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	got, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "aaa", got[0].Fingerprint)

	require.NoError(t, q.Ack(ctx, "aaa"))
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestQueue_RedeliversUnacked(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []*model.Candidate{
		{Fingerprint: "ccc", Protocol: model.ProtoHTTP, Host: "h3", Port: 3128},
	}))

	first, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1, "un-acked item must be redelivered")
}

func TestQueue_EnqueueIgnoresDuplicateFingerprint(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	c := &model.Candidate{Fingerprint: "dup", Protocol: model.ProtoHTTP, Host: "h4", Port: 80}
	require.NoError(t, q.Enqueue(ctx, []*model.Candidate{c}))
	require.NoError(t, q.Enqueue(ctx, []*model.Candidate{c}))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}
