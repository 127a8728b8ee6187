package worker

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskqueue/pkg/broker"
	"github.com/guido-cesarano/taskqueue/pkg/executor"
	"github.com/guido-cesarano/taskqueue/pkg/keys"
	"github.com/guido-cesarano/taskqueue/pkg/queue"
	"github.com/guido-cesarano/taskqueue/pkg/registry"
	"github.com/stretchr/testify/require"
)

// shCommand stands in for a real self-exec child, the same stubbing
// technique pkg/executor's own tests use.
func shCommand(script string) executor.CommandFactory {
	return func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func newFixture(t *testing.T, script string) (*broker.Broker, keys.Space, *queue.Producer, *Loop) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	b := broker.New(broker.Options{Addr: s.Addr()})
	space := keys.NewSpace("t")
	reg := registry.New()
	e := executor.NewWithCommand(b, space, reg, shCommand(script), executor.Config{
		DefaultTimeout:    2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	producer := queue.New(b, space, reg, "default")
	loop := New(b, space, e, nil, Config{
		ActiveTaskUpdateTimeoutSeconds: 60,
		ActiveTaskExpiredBatchSize:     10,
	})
	return b, space, producer, loop
}

func TestProcessQueueSuccessClearsActiveAndRecord(t *testing.T) {
	b, space, producer, loop := newFixture(t, "cat >/dev/null; exit 0")
	ctx := context.Background()

	id, err := producer.Enqueue(ctx, "pkg.mod.noop", queue.Options{Queue: "default"})
	require.NoError(t, err)

	claimed, err := loop.processQueue(ctx, "default")
	require.NoError(t, err)
	require.True(t, claimed)

	active, err := b.ZScoreExists(ctx, space.ActiveBucket("default"), id)
	require.NoError(t, err)
	require.False(t, active)

	_, err = b.Get(ctx, space.Task(id))
	require.ErrorIs(t, err, broker.ErrNotFound)

	members, err := b.SMembers(ctx, space.ActiveSet())
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestProcessQueueFailureMovesToErrorBucket(t *testing.T) {
	b, space, producer, loop := newFixture(t, "cat >/dev/null; exit 1")
	ctx := context.Background()

	id, err := producer.Enqueue(ctx, "pkg.mod.raises", queue.Options{Queue: "default"})
	require.NoError(t, err)

	claimed, err := loop.processQueue(ctx, "default")
	require.NoError(t, err)
	require.True(t, claimed)

	inError, err := b.ZScoreExists(ctx, space.ErrorBucket("default"), id)
	require.NoError(t, err)
	require.True(t, inError)

	inActive, err := b.ZScoreExists(ctx, space.ActiveBucket("default"), id)
	require.NoError(t, err)
	require.False(t, inActive)

	errorQueues, err := b.SMembers(ctx, space.ErrorSet())
	require.NoError(t, err)
	require.Contains(t, errorQueues, "default")

	// Failure leaves the record behind for inspection.
	_, err = b.Get(ctx, space.Task(id))
	require.NoError(t, err)
}

func TestProcessQueueEmptyReturnsFalse(t *testing.T) {
	_, _, _, loop := newFixture(t, "cat >/dev/null; exit 0")
	claimed, err := loop.processQueue(context.Background(), "default")
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestReclaimExpiredMovesStaleActiveBackToQueued(t *testing.T) {
	b, space, producer, loop := newFixture(t, "cat >/dev/null; sleep 5; exit 0")
	ctx := context.Background()

	id, err := producer.Enqueue(ctx, "pkg.mod.slow", queue.Options{Queue: "default"})
	require.NoError(t, err)

	// Simulate a worker that claimed the task long ago and then vanished:
	// move it to active with a stale heartbeat score.
	require.NoError(t, b.ZRem(ctx, space.QueuedBucket("default"), id))
	require.NoError(t, b.ZAdd(ctx, space.ActiveBucket("default"), broker.Now()-120, id))
	require.NoError(t, b.SAdd(ctx, space.ActiveSet(), "default"))

	loop.reclaimExpired(ctx)

	inQueued, err := b.ZScoreExists(ctx, space.QueuedBucket("default"), id)
	require.NoError(t, err)
	require.True(t, inQueued)

	inActive, err := b.ZScoreExists(ctx, space.ActiveBucket("default"), id)
	require.NoError(t, err)
	require.False(t, inActive)

	require.Contains(t, loop.queues, "default")
}

func TestReclaimExpiredLeavesFreshHeartbeatsAlone(t *testing.T) {
	b, space, producer, loop := newFixture(t, "cat >/dev/null; sleep 5; exit 0")
	ctx := context.Background()

	id, err := producer.Enqueue(ctx, "pkg.mod.slow", queue.Options{Queue: "default"})
	require.NoError(t, err)
	require.NoError(t, b.ZRem(ctx, space.QueuedBucket("default"), id))
	require.NoError(t, b.ZAdd(ctx, space.ActiveBucket("default"), broker.Now(), id))
	require.NoError(t, b.SAdd(ctx, space.ActiveSet(), "default"))

	loop.reclaimExpired(ctx)

	inActive, err := b.ZScoreExists(ctx, space.ActiveBucket("default"), id)
	require.NoError(t, err)
	require.True(t, inActive, "a fresh heartbeat must not be reclaimed")
}

func TestRunExitsPromptlyOnRequestStop(t *testing.T) {
	_, _, _, loop := newFixture(t, "cat >/dev/null; exit 0")
	loop.RequestStop()

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after RequestStop")
	}
}
