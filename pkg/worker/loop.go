// Package worker is the parent-process control loop of spec §4.5–§4.7: claim
// one task per queue via zpoppush, run it through an executor.Executor,
// reconcile its outcome, periodically reclaim expired active tasks, and stop
// cleanly on SIGINT/SIGTERM. Modeled on the teacher's cmd/worker/main.go
// consumer loop (claim -> process -> ack), generalized from its fixed
// Redis-list BRPOP to the sorted-set zpoppush protocol this system uses.
package worker

import (
	"context"
	"math/rand"

	"github.com/guido-cesarano/taskqueue/pkg/broker"
	"github.com/guido-cesarano/taskqueue/pkg/executor"
	"github.com/guido-cesarano/taskqueue/pkg/keys"
	"github.com/guido-cesarano/taskqueue/pkg/logger"
	"github.com/guido-cesarano/taskqueue/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// Config mirrors the relevant slice of config.Config a Loop needs. Kept
// separate from that package so pkg/worker does not import pkg/config.
type Config struct {
	ActiveTaskUpdateTimeoutSeconds float64
	ActiveTaskExpiredBatchSize     int64
}

// Loop is the single-threaded consumer of spec §5: one instance per worker
// process, processing one task at a time, the same concurrency model the
// teacher's worker main loop uses.
type Loop struct {
	broker  *broker.Broker
	space   keys.Space
	exec    *executor.Executor
	metrics *Metrics
	cfg     Config

	stop chan struct{}

	queues map[string]struct{}
}

// New builds a Loop. metrics may be nil, in which case instrumentation is a
// no-op (useful in tests that don't want to register a Prometheus registry).
func New(b *broker.Broker, space keys.Space, exec *executor.Executor, metrics *Metrics, cfg Config) *Loop {
	if cfg.ActiveTaskUpdateTimeoutSeconds <= 0 {
		cfg.ActiveTaskUpdateTimeoutSeconds = 60
	}
	if cfg.ActiveTaskExpiredBatchSize <= 0 {
		cfg.ActiveTaskExpiredBatchSize = 10
	}
	return &Loop{
		broker:  b,
		space:   space,
		exec:    exec,
		metrics: metrics,
		cfg:     cfg,
		stop:    make(chan struct{}),
		queues:  make(map[string]struct{}),
	}
}

// RequestStop asks Run to exit, the cooperative shutdown of spec §4.7: the
// current pass stops before its next queue (skipping the remaining queues
// and the reclaim step), and no in-flight task is aborted. Safe to call more
// than once.
func (l *Loop) RequestStop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

func (l *Loop) stopping() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// Run subscribes to the activity channel, seeds the known-nonempty queue set
// from the broker's queue-status index, and repeatedly runs a pass over
// every known queue until RequestStop is called. It returns when the loop
// has shut down cleanly.
func (l *Loop) Run(ctx context.Context) error {
	log := logger.Component("worker")

	pubsub := l.broker.Subscribe(ctx, l.space.Activity())
	defer pubsub.Close()
	msgs := pubsub.Channel()

	seeded, err := l.broker.SMembers(ctx, l.space.QueuedSet())
	if err != nil {
		return err
	}
	for _, q := range seeded {
		l.queues[q] = struct{}{}
	}

	for {
		if l.stopping() {
			log.Info().Msg("stop requested, shutting down")
			return nil
		}

		if len(l.queues) == 0 {
			// Nothing known to be nonempty: block on activity or stop,
			// mirroring the source's blocking select.select() when idle.
			select {
			case m, ok := <-msgs:
				if ok {
					l.queues[m.Payload] = struct{}{}
				}
			case <-l.stop:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		// Drain any pending activity notifications without blocking (the
		// source's non-blocking select.select([], [], [], 0) check) before
		// running a pass, so a burst of enqueues collapses into one pass
		// instead of one pass per notification.
		drainActivity(msgs, l.queues)

		l.runPass(ctx)
	}
}

// drainActivity absorbs every message already buffered on msgs without
// blocking, adding each announced queue to queues.
func drainActivity(msgs <-chan *redis.Message, queues map[string]struct{}) {
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return
			}
			queues[m.Payload] = struct{}{}
		default:
			return
		}
	}
}

// runPass visits every known queue in random order (spec §4.5 step 1,
// avoiding starvation of queues later in a fixed iteration order), dropping
// a queue from the known set once a claim attempt finds it empty, then
// reclaims expired active tasks once the pass completes.
func (l *Loop) runPass(ctx context.Context) {
	log := logger.Component("worker")

	order := make([]string, 0, len(l.queues))
	for q := range l.queues {
		order = append(order, q)
	}
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, queue := range order {
		if l.stopping() {
			return
		}

		claimed, err := l.processQueue(ctx, queue)
		if err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("queue processing failed")
			continue
		}
		if !claimed {
			delete(l.queues, queue)
		}
	}

	if l.stopping() {
		return
	}
	l.reclaimExpired(ctx)
}

// processQueue claims at most one task from queue, runs it, and reconciles
// the result, returning whether a task was actually claimed (spec §4.5 steps
// 2–5).
func (l *Loop) processQueue(ctx context.Context, queue string) (bool, error) {
	log := logger.Component("worker")

	now := broker.Now()
	ids, err := l.broker.ZPopPush(ctx, l.space.QueuedBucket(queue), l.space.ActiveBucket(queue), 1, nil, now,
		&broker.OnSuccess{SrcSet: l.space.QueuedSet(), DstSet: l.space.ActiveSet(), Queue: queue})
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}
	id := ids[0]

	raw, err := l.broker.Get(ctx, l.space.Task(id))
	if err != nil {
		if err == broker.ErrNotFound {
			// Orphaned active entry with no backing record (spec §7): leave
			// it in active:<queue>; reclaimExpired will eventually move it
			// back to queued, where it is claimed, found missing and logged
			// again, once per reclaim timeout, until an operator removes it.
			log.Warn().Str("queue", queue).Str("task_id", id).Msg("claimed task has no record")
			return true, nil
		}
		return true, err
	}

	task, err := tasks.Decode([]byte(raw))
	if err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("corrupt task record")
		return true, l.reconcile(ctx, queue, id, task, false)
	}

	success, err := l.exec.Execute(queue, task)
	if err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("executor could not run task")
		return true, l.reconcile(ctx, queue, id, task, false)
	}

	if err := l.reconcile(ctx, queue, id, task, success); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("failed to reconcile task outcome")
	}
	l.metrics.recordResult(queue, success, broker.Now()-now)
	return true, nil
}

// reconcile applies spec §4.5 step 5: on success, remove the task from
// active and delete its record unless a unique task's identity still lives
// in queued/error; on failure, move it to the error bucket/set instead.
func (l *Loop) reconcile(ctx context.Context, queue, id string, task *tasks.Task, success bool) error {
	activeBucket := l.space.ActiveBucket(queue)

	if success {
		if err := l.broker.ZRem(ctx, activeBucket, id); err != nil {
			return err
		}
		if task != nil && task.Unique {
			if _, err := l.broker.DeleteIfNotInZSets(ctx, l.space.Task(id), id,
				[]string{l.space.QueuedBucket(queue), l.space.ErrorBucket(queue)}); err != nil {
				return err
			}
		} else {
			if err := l.broker.Del(ctx, l.space.Task(id)); err != nil {
				return err
			}
		}
		return l.broker.SRemIfNotExists(ctx, l.space.ActiveSet(), queue, activeBucket)
	}

	if err := l.broker.RemoveFromActiveAndMarkError(ctx, activeBucket, l.space.ErrorBucket(queue),
		l.space.ErrorSet(), id, queue, broker.Now()); err != nil {
		return err
	}
	return l.broker.SRemIfNotExists(ctx, l.space.ActiveSet(), queue, activeBucket)
}

// reclaimExpired scans every queue with entries in active and moves back to
// queued any whose heartbeat score is older than the update timeout (spec
// §4.6). A queue that yields reclaimed IDs is both re-added to this worker's
// own known-queue set and re-announced on the activity channel, closing the
// race spec §7 calls out where a purely pub/sub-driven peer would otherwise
// stay idle until its own reclaim pass happens to run.
func (l *Loop) reclaimExpired(ctx context.Context) {
	log := logger.Component("worker")

	active, err := l.broker.SMembers(ctx, l.space.ActiveSet())
	if err != nil {
		log.Error().Err(err).Msg("failed to list active queues for reclaim")
		return
	}

	cutoff := broker.Now() - l.cfg.ActiveTaskUpdateTimeoutSeconds
	now := broker.Now()

	for _, queue := range active {
		ids, err := l.broker.ZPopPush(ctx, l.space.ActiveBucket(queue), l.space.QueuedBucket(queue),
			l.cfg.ActiveTaskExpiredBatchSize, &cutoff, now,
			&broker.OnSuccess{SrcSet: l.space.ActiveSet(), DstSet: l.space.QueuedSet(), Queue: queue})
		if err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("reclaim failed")
			continue
		}
		if len(ids) == 0 {
			continue
		}

		log.Warn().Str("queue", queue).Int("count", len(ids)).Msg("reclaimed expired active tasks")
		l.metrics.recordReclaim(queue, len(ids))
		l.queues[queue] = struct{}{}
		if err := l.broker.Publish(ctx, l.space.Activity(), queue); err != nil {
			log.Warn().Err(err).Str("queue", queue).Msg("failed to republish reclaimed queue")
		}
	}
}

// RefreshDepthMetrics samples per-queue sorted-set cardinalities into the
// taskqueue_queue_depth gauge served on /metrics. Run does not call it, and
// neither does cmd/worker; the gauge holds no samples until a caller does.
func (l *Loop) RefreshDepthMetrics(ctx context.Context, queues []string) {
	if l.metrics == nil {
		return
	}
	for _, q := range queues {
		if n, err := l.broker.ZCard(ctx, l.space.QueuedBucket(q)); err == nil {
			l.metrics.setDepth(q, "queued", n)
		}
		if n, err := l.broker.ZCard(ctx, l.space.ActiveBucket(q)); err == nil {
			l.metrics.setDepth(q, "active", n)
		}
		if n, err := l.broker.ZCard(ctx, l.space.ErrorBucket(q)); err == nil {
			l.metrics.setDepth(q, "error", n)
		}
	}
}
