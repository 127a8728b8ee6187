// Package executor runs one task to completion in a supervised child
// process under a hard wall-clock deadline, heartbeating the parent's view
// of liveness while the child runs (spec §4.4). Go cannot fork() safely
// alongside its runtime, so isolation here is the alternative spec §9
// sanctions explicitly: a fresh child process of the same binary, the task
// JSON on its stdin. See SPEC_FULL.md §2 for the full rationale.
package executor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/guido-cesarano/taskqueue/pkg/broker"
	"github.com/guido-cesarano/taskqueue/pkg/keys"
	"github.com/guido-cesarano/taskqueue/pkg/logger"
	"github.com/guido-cesarano/taskqueue/pkg/registry"
	"github.com/guido-cesarano/taskqueue/pkg/tasks"
)

// ChildModeFlag, when present in os.Args, tells cmd/worker's main to run as
// an executor child instead of a worker loop.
const ChildModeFlag = "--taskqueue-exec-child"

// DefaultTimeout is the fallback task deadline (spec §6
// default_hard_timeout_seconds) applied when a Config leaves DefaultTimeout
// unset. Exported so cmd/worker's child entry point falls back to the exact
// same value as New/newExecutor if TASKQUEUE_DEFAULT_HARD_TIMEOUT_SECONDS is
// ever missing or unparsable.
const DefaultTimeout = 300 * time.Second

// IsChildMode reports whether args request the executor-child entry point.
func IsChildMode(args []string) bool {
	for _, a := range args {
		if a == ChildModeFlag {
			return true
		}
	}
	return false
}

// CommandFactory builds the *exec.Cmd for one task execution. The default
// (see New) re-executes the running binary with ChildModeFlag; tests inject
// a stub command so the suite does not depend on a real re-exec.
type CommandFactory func(ctx context.Context) *exec.Cmd

// Executor supervises one task at a time per call to Execute; a worker
// loop constructs a single long-lived Executor and calls Execute serially,
// matching spec §5's single-threaded parent control flow.
type Executor struct {
	broker   *broker.Broker
	space    keys.Space
	registry *registry.Registry

	command CommandFactory

	defaultTimeout    time.Duration
	heartbeatInterval time.Duration
	killGrace         time.Duration
}

// Config tunes the timers described in spec §6/§4.4.
type Config struct {
	DefaultTimeout    time.Duration // fallback when neither task nor callable specifies one
	HeartbeatInterval time.Duration // ACTIVE_TASK_UPDATE_TIMER
	KillGrace         time.Duration // backstop margin past the deadline before a forceful kill
}

// New builds an Executor whose child command re-executes the current
// binary (os.Executable) with ChildModeFlag, passing TASKQUEUE_REDIS_ADDR/
// TASKQUEUE_PREFIX/TASKQUEUE_REDIS_DB (when non-zero)/
// TASKQUEUE_DEFAULT_HARD_TIMEOUT_SECONDS through the environment so the child can build its own broker connection — trivially
// "reinitialized" because it is a fresh process (spec §4.4) — and apply the
// same configured default deadline (spec §6 default_hard_timeout_seconds)
// the parent's own kill-backstop timer uses.
func New(b *broker.Broker, space keys.Space, reg *registry.Registry, redisAddr string, redisDB int, cfg Config) (*Executor, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}

	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout == 0 {
		defaultTimeout = DefaultTimeout
	}

	env := append(os.Environ(),
		"TASKQUEUE_REDIS_ADDR="+redisAddr,
		"TASKQUEUE_PREFIX="+space.Prefix(),
		"TASKQUEUE_DEFAULT_HARD_TIMEOUT_SECONDS="+strconv.FormatFloat(defaultTimeout.Seconds(), 'f', -1, 64),
	)
	if redisDB != 0 {
		env = append(env, "TASKQUEUE_REDIS_DB="+strconv.Itoa(redisDB))
	}

	factory := func(ctx context.Context) *exec.Cmd {
		cmd := exec.CommandContext(ctx, self, ChildModeFlag)
		cmd.Env = env
		return cmd
	}

	return newExecutor(b, space, reg, factory, cfg), nil
}

// NewWithCommand builds an Executor around a caller-supplied CommandFactory,
// bypassing the self-exec lookup New performs. Exported for other packages'
// tests (pkg/worker) that need a stubbed child process without depending on
// a real re-exec binary; production code should use New.
func NewWithCommand(b *broker.Broker, space keys.Space, reg *registry.Registry, factory CommandFactory, cfg Config) *Executor {
	return newExecutor(b, space, reg, factory, cfg)
}

// newExecutor is the test seam: callers inject their own CommandFactory to
// avoid depending on a real re-exec in unit tests.
func newExecutor(b *broker.Broker, space keys.Space, reg *registry.Registry, factory CommandFactory, cfg Config) *Executor {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 2 * time.Second
	}
	return &Executor{
		broker:            b,
		space:             space,
		registry:          reg,
		command:           factory,
		defaultTimeout:    cfg.DefaultTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		killGrace:         cfg.KillGrace,
	}
}

// Execute runs task to completion on queue, returning whether it succeeded.
// A non-nil error means the executor itself could not even start the child
// process (an operational failure distinct from the task failing); it is
// never returned for a task that ran and exited non-zero.
func (e *Executor) Execute(queue string, task *tasks.Task) (bool, error) {
	log := logger.Component("executor")
	deadline := e.deadlineFor(task)

	payload, err := tasks.Encode(task)
	if err != nil {
		return false, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := e.command(runCtx)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return false, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	heartbeat := time.NewTicker(e.heartbeatInterval)
	defer heartbeat.Stop()

	killAt := time.NewTimer(deadline + e.killGrace)
	defer killAt.Stop()

	for {
		select {
		case waitErr := <-done:
			if waitErr != nil {
				log.Warn().Str("task_id", task.ID).Str("func", task.Func).
					Str("stderr", stderr.String()).Msg("task failed")
				return false, nil
			}
			return true, nil

		case <-heartbeat.C:
			// The interruptible-wait-with-periodic-heartbeat of spec §4.4,
			// implemented as a non-blocking wait polled on a short timer
			// (spec §9 Design Notes, option b) instead of a signal-based
			// alarm.
			if err := e.heartbeat(queue, task.ID); err != nil {
				log.Warn().Err(err).Str("task_id", task.ID).Msg("heartbeat failed")
			}

		case <-killAt.C:
			// Backstop for a child that ignored its own context deadline:
			// the parent is the ultimate guarantor of the hard timeout.
			log.Warn().Str("task_id", task.ID).Dur("deadline", deadline).
				Msg("task exceeded hard timeout, killing child")
			_ = cmd.Process.Kill()
			// Wait stays blocked while any grandchild still holds the
			// stdout/stderr pipes, so bound the wait by the kill grace.
			select {
			case <-done:
			case <-time.After(e.killGrace):
			}
			return false, nil
		}
	}
}

// heartbeat reprices task_id in active:<queue> to the current time, the
// liveness signal expired-task reclaim (spec §4.6) watches for.
func (e *Executor) heartbeat(queue, taskID string) error {
	return e.broker.ZAdd(context.Background(), e.space.ActiveBucket(queue), broker.Now(), taskID)
}

// deadlineFor resolves the three-level fallback of spec §4.4: the task's
// own hard_timeout, else the callable's registered default, else the
// executor's global default.
func (e *Executor) deadlineFor(task *tasks.Task) time.Duration {
	if task.HardTimeout > 0 {
		return secondsToDuration(task.HardTimeout)
	}
	if e.registry != nil {
		if entry, err := e.registry.Lookup(task.Func); err == nil && entry.HardTimeout > 0 {
			return secondsToDuration(entry.HardTimeout)
		}
	}
	return e.defaultTimeout
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
