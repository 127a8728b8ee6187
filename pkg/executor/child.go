package executor

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskqueue/pkg/broker"
	"github.com/guido-cesarano/taskqueue/pkg/keys"
	"github.com/guido-cesarano/taskqueue/pkg/logger"
	"github.com/guido-cesarano/taskqueue/pkg/registry"
	"github.com/guido-cesarano/taskqueue/pkg/tasks"
)

// Exit codes the parent's Execute only needs as "zero or not", but kept
// distinct for operator-facing logs and for tests asserting which path ran.
const (
	ExitSuccess      = 0
	ExitTaskFailed   = 1
	ExitUnresolvable = 2
)

// RunChild is the executor-child entry point (spec §9 "Forking for
// isolation" reimplemented as a self-exec). It reads one task record from
// stdin, resolves it against reg, ignores SIGINT so a parent-level stop
// request never aborts in-flight work, runs the handler under a deadline,
// and on failure appends the execution record itself — mirroring the
// source's child-side conn.rpush, since here the child genuinely owns its
// own broker connection rather than sharing the parent's.
func RunChild(reg *registry.Registry, b *broker.Broker, space keys.Space, defaultTimeout time.Duration, stdin io.Reader) int {
	ignoreSIGINT()

	log := logger.Component("executor-child")

	raw, err := io.ReadAll(stdin)
	if err != nil {
		log.Error().Err(err).Msg("failed to read task from stdin")
		return ExitTaskFailed
	}

	task, err := tasks.Decode(raw)
	if err != nil {
		log.Error().Err(err).Msg("failed to decode task")
		return ExitTaskFailed
	}

	entry, err := reg.Lookup(task.Func)
	if err != nil {
		log.Error().Str("func", task.Func).Msg("unresolvable callable")
		// No execution record: nothing meaningful to report (spec §4.4/§7).
		return ExitUnresolvable
	}

	deadline := defaultTimeout
	switch {
	case task.HardTimeout > 0:
		deadline = secondsToDuration(task.HardTimeout)
	case entry.HardTimeout > 0:
		deadline = secondsToDuration(entry.HardTimeout)
	}

	execution := runHandler(entry.Handler, task, deadline)
	if execution == nil {
		return ExitSuccess
	}

	serialized, err := tasks.EncodeExecution(execution)
	if err != nil {
		log.Error().Err(err).Msg("failed to serialize execution record")
		return ExitTaskFailed
	}
	if err := b.RPush(context.Background(), space.Executions(task.ID), string(serialized)); err != nil {
		log.Error().Err(err).Msg("failed to append execution record")
	}
	return ExitTaskFailed
}

// runHandler invokes h under a deadline, recovering a panic into a failure
// execution record the same way an uncaught exception would be in the
// source. Returns nil on success.
func runHandler(h registry.Handler, task *tasks.Task, deadline time.Duration) *tasks.Execution {
	started := broker.Now()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		errCh <- h(ctx, task.Args, task.Kwargs)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		// The handler did not return by the deadline. The parent process
		// is the ultimate backstop (it kills the child outright); from the
		// child's perspective this is simply a timeout failure.
		runErr = fmt.Errorf("task exceeded hard_timeout of %s: %w", deadline, ctx.Err())
		// Give a non-cooperative handler one last chance to finish so its
		// own error (if any) can be logged, without blocking indefinitely.
		select {
		case lateErr := <-errCh:
			if lateErr != nil {
				logger.Component("executor-child").Warn().Err(lateErr).Msg("handler returned after hard timeout")
			}
		case <-time.After(100 * time.Millisecond):
		}
	}

	if runErr == nil {
		return nil
	}

	return &tasks.Execution{
		TimeStarted: started,
		TimeFailed:  broker.Now(),
		Traceback:   runErr.Error(),
		Success:     false,
	}
}

// ignoreSIGINT matches the source's signal.signal(signal.SIGINT, SIG_IGN)
// in the forked child: a parent-level graceful-stop request must never
// abort a task already in flight.
func ignoreSIGINT() {
	signal.Ignore(syscall.SIGINT)
}
