// Package queue is the producer-side contract of spec §4.3/§6: enqueue(func,
// args?, kwargs?, queue?, hard_timeout?, unique?), plus the supplemented
// recurring-enqueue convenience the teacher's pkg/queue.Client offered
// (Schedule/StartCronScheduler), carried forward in scheduler.go.
package queue

import (
	"context"

	"github.com/guido-cesarano/taskqueue/pkg/broker"
	"github.com/guido-cesarano/taskqueue/pkg/keys"
	"github.com/guido-cesarano/taskqueue/pkg/logger"
	"github.com/guido-cesarano/taskqueue/pkg/registry"
	"github.com/guido-cesarano/taskqueue/pkg/tasks"
)

// Producer is the enqueue-side handle onto the broker. Workers and HTTP
// front ends alike construct one against the same Space/Broker a worker
// loop uses, so both sides agree on key layout.
type Producer struct {
	broker       *broker.Broker
	space        keys.Space
	registry     *registry.Registry
	defaultQueue string
}

// New returns a Producer. registry may be nil — callers that never rely on
// a registered callable's declared defaults (queue/hard_timeout/unique) can
// pass every option explicitly instead.
func New(b *broker.Broker, space keys.Space, reg *registry.Registry, defaultQueue string) *Producer {
	if defaultQueue == "" {
		defaultQueue = "default"
	}
	return &Producer{broker: b, space: space, registry: reg, defaultQueue: defaultQueue}
}

// Options overrides the registered callable's declared defaults for a
// single enqueue call, mirroring delay()'s explicit keyword arguments in
// the source.
type Options struct {
	Args        []interface{}
	Kwargs      map[string]interface{}
	Queue       string
	HardTimeout float64
	Unique      *bool // nil means "use the callable's declared default, else false"
}

// Enqueue derives the task ID (random, or content hash for unique tasks),
// writes the task record, and announces the queue on the activity channel
// (spec §4.3). It returns the task ID; a nil error only indicates the
// broker acknowledged the writes, not that the task will succeed.
func (p *Producer) Enqueue(ctx context.Context, fn string, opts Options) (string, error) {
	queue, hardTimeout, unique := p.resolveDefaults(fn, opts)

	var id string
	var err error
	if unique {
		id, err = keys.NewUniqueID(fn, opts.Args, opts.Kwargs)
	} else {
		id, err = keys.NewRandomID()
	}
	if err != nil {
		return "", err
	}

	now := broker.Now()
	task := &tasks.Task{
		ID:             id,
		Func:           fn,
		Args:           opts.Args,
		Kwargs:         opts.Kwargs,
		TimeLastQueued: now,
		Unique:         unique,
		HardTimeout:    hardTimeout,
	}
	record, err := tasks.Encode(task)
	if err != nil {
		return "", err
	}

	taskKey := p.space.Task(id)

	if unique {
		// A unique task already claimed (active) or failed (error) on this
		// queue collapses onto the existing instance: only the record's
		// time_last_queued changes, and the status buckets are left alone
		// (spec §8 round-trip property 3).
		pending, err := p.alreadyPending(ctx, queue, id)
		if err != nil {
			return "", err
		}
		if pending {
			return id, p.broker.Set(ctx, taskKey, string(record))
		}
	}

	err = p.broker.Enqueue(ctx, broker.EnqueueWrite{
		QueuedSet:    p.space.QueuedSet(),
		QueuedBucket: p.space.QueuedBucket(queue),
		TaskKey:      taskKey,
		Record:       string(record),
		Activity:     p.space.Activity(),
		Queue:        queue,
		TaskID:       id,
		EnqueuedAt:   now,
	})
	if err != nil {
		logger.Component("queue").Error().Err(err).Str("func", fn).Msg("enqueue failed")
		return "", err
	}
	return id, nil
}

// alreadyPending reports whether id is currently sitting in queue's active
// or error bucket (it being in the queued bucket is harmless to re-write).
func (p *Producer) alreadyPending(ctx context.Context, queue, id string) (bool, error) {
	inActive, err := p.broker.ZScoreExists(ctx, p.space.ActiveBucket(queue), id)
	if err != nil || inActive {
		return inActive, err
	}
	return p.broker.ZScoreExists(ctx, p.space.ErrorBucket(queue), id)
}

func (p *Producer) resolveDefaults(fn string, opts Options) (queue string, hardTimeout float64, unique bool) {
	var entry registry.Entry
	if p.registry != nil {
		entry, _ = p.registry.Lookup(fn)
	}

	queue = opts.Queue
	if queue == "" {
		queue = entry.Queue
	}
	if queue == "" {
		queue = p.defaultQueue
	}

	hardTimeout = opts.HardTimeout
	if hardTimeout == 0 {
		hardTimeout = entry.HardTimeout
	}

	if opts.Unique != nil {
		unique = *opts.Unique
	} else {
		unique = entry.Unique
	}
	return queue, hardTimeout, unique
}
