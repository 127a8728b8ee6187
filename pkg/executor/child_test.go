package executor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskqueue/pkg/broker"
	"github.com/guido-cesarano/taskqueue/pkg/keys"
	"github.com/guido-cesarano/taskqueue/pkg/registry"
	"github.com/guido-cesarano/taskqueue/pkg/tasks"
	"github.com/stretchr/testify/require"
)

func newChildFixture(t *testing.T) (*broker.Broker, keys.Space, *registry.Registry) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return broker.New(broker.Options{Addr: s.Addr()}), keys.NewSpace("t"), registry.New()
}

func encodeTask(t *testing.T, task *tasks.Task) *bytes.Reader {
	t.Helper()
	raw, err := tasks.Encode(task)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestRunChildSuccessWritesNoExecution(t *testing.T) {
	b, space, reg := newChildFixture(t)
	reg.Func("pkg.mod.noop", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
		return nil
	})

	code := RunChild(reg, b, space, time.Second, encodeTask(t, &tasks.Task{ID: "ok-1", Func: "pkg.mod.noop"}))
	require.Equal(t, ExitSuccess, code)

	exists, err := b.Get(context.Background(), space.Executions("ok-1"))
	require.ErrorIs(t, err, broker.ErrNotFound)
	require.Empty(t, exists)
}

func TestRunChildFailureAppendsExecution(t *testing.T) {
	b, space, reg := newChildFixture(t)
	reg.Func("pkg.mod.raises", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
		return errors.New("boom")
	})

	code := RunChild(reg, b, space, time.Second, encodeTask(t, &tasks.Task{ID: "fail-1", Func: "pkg.mod.raises"}))
	require.Equal(t, ExitTaskFailed, code)

	entries, err := b.LRange(context.Background(), space.Executions("fail-1"), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	exec, err := tasks.DecodeExecution([]byte(entries[0]))
	require.NoError(t, err)
	require.False(t, exec.Success)
	require.Contains(t, exec.Traceback, "boom")
}

func TestRunChildUnresolvableWritesNoExecution(t *testing.T) {
	b, space, reg := newChildFixture(t)

	code := RunChild(reg, b, space, time.Second, encodeTask(t, &tasks.Task{ID: "missing-1", Func: "pkg.mod.ghost"}))
	require.Equal(t, ExitUnresolvable, code)

	_, err := b.Get(context.Background(), space.Executions("missing-1"))
	require.ErrorIs(t, err, broker.ErrNotFound)
}

func TestRunChildTimeoutIsTreatedAsFailure(t *testing.T) {
	b, space, reg := newChildFixture(t)
	reg.Func("pkg.mod.hangs", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
		<-ctx.Done()
		return ctx.Err()
	})

	code := RunChild(reg, b, space, time.Second, encodeTask(t, &tasks.Task{ID: "hang-1", Func: "pkg.mod.hangs", HardTimeout: 0.05}))
	require.Equal(t, ExitTaskFailed, code)

	entries, err := b.LRange(context.Background(), space.Executions("hang-1"), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRunChildPanicRecovered(t *testing.T) {
	b, space, reg := newChildFixture(t)
	reg.Func("pkg.mod.panics", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
		panic("unexpected")
	})

	code := RunChild(reg, b, space, time.Second, encodeTask(t, &tasks.Task{ID: "panic-1", Func: "pkg.mod.panics"}))
	require.Equal(t, ExitTaskFailed, code)

	entries, err := b.LRange(context.Background(), space.Executions("panic-1"), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	exec, err := tasks.DecodeExecution([]byte(entries[0]))
	require.NoError(t, err)
	require.Contains(t, exec.Traceback, "unexpected")
}
