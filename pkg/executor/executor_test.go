package executor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskqueue/pkg/broker"
	"github.com/guido-cesarano/taskqueue/pkg/keys"
	"github.com/guido-cesarano/taskqueue/pkg/registry"
	"github.com/guido-cesarano/taskqueue/pkg/tasks"
	"github.com/stretchr/testify/require"
)

// shCommand stubs CommandFactory with a shell one-liner, standing in for
// the real re-exec so tests don't depend on building the module binary.
func shCommand(script string) CommandFactory {
	return func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func newTestExecutor(t *testing.T, factory CommandFactory, cfg Config) (*miniredis.Miniredis, *broker.Broker, keys.Space, *Executor) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	b := broker.New(broker.Options{Addr: s.Addr()})
	space := keys.NewSpace("t")
	e := newExecutor(b, space, registry.New(), factory, cfg)
	return s, b, space, e
}

func TestExecuteSuccessExitZero(t *testing.T) {
	_, _, _, e := newTestExecutor(t, shCommand("cat >/dev/null; exit 0"), Config{
		DefaultTimeout:    time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	})

	ok, err := e.Execute("default", &tasks.Task{ID: "abc", Func: "pkg.mod.noop"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExecuteFailureExitNonZero(t *testing.T) {
	_, _, _, e := newTestExecutor(t, shCommand("cat >/dev/null; exit 1"), Config{
		DefaultTimeout:    time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	})

	ok, err := e.Execute("default", &tasks.Task{ID: "abc", Func: "pkg.mod.raises"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExecuteHeartbeatsWhileChildRuns(t *testing.T) {
	_, b, space, e := newTestExecutor(t, shCommand("cat >/dev/null; sleep 0.3; exit 0"), Config{
		DefaultTimeout:    2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	})

	ok, err := e.Execute("default", &tasks.Task{ID: "hb-task", Func: "pkg.mod.slow"})
	require.NoError(t, err)
	require.True(t, ok)

	score, err := b.ZScoreExists(context.Background(), space.ActiveBucket("default"), "hb-task")
	require.NoError(t, err)
	require.True(t, score, "at least one heartbeat should have repriced the task in active:default")
}

func TestExecuteKillsChildPastDeadline(t *testing.T) {
	_, _, _, e := newTestExecutor(t, shCommand("cat >/dev/null; sleep 5; exit 0"), Config{
		DefaultTimeout:    100 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		KillGrace:         50 * time.Millisecond,
	})

	start := time.Now()
	ok, err := e.Execute("default", &tasks.Task{ID: "slow", Func: "pkg.mod.hangs"})
	require.NoError(t, err)
	require.False(t, ok)
	require.Less(t, time.Since(start), 2*time.Second, "executor must kill the child near its deadline, not wait for it")
}

func TestExecuteUsesTaskHardTimeoutOverDefault(t *testing.T) {
	_, _, _, e := newTestExecutor(t, shCommand("cat >/dev/null; sleep 5; exit 0"), Config{
		DefaultTimeout:    10 * time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		KillGrace:         50 * time.Millisecond,
	})

	start := time.Now()
	ok, err := e.Execute("default", &tasks.Task{ID: "slow", Func: "pkg.mod.hangs", HardTimeout: 0.1})
	require.NoError(t, err)
	require.False(t, ok)
	require.Less(t, time.Since(start), 2*time.Second)
}
