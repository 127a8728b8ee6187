// Package main provides a benchmark tool that measures enqueue and
// drain throughput against a running worker fleet.
//
// Usage:
//
//	go run ./benchmark -tasks 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/taskqueue/pkg/broker"
	"github.com/guido-cesarano/taskqueue/pkg/keys"
	"github.com/guido-cesarano/taskqueue/pkg/queue"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to enqueue")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	prefix := flag.String("prefix", "t", "Key prefix")
	queueName := flag.String("queue", "benchmark", "Queue to target")
	flag.Parse()

	b := broker.New(broker.Options{Addr: *redisAddr})
	defer b.Close()
	space := keys.NewSpace(*prefix)
	producer := queue.New(b, space, nil, *queueName)
	ctx := context.Background()

	fmt.Printf("Task Queue Benchmark\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				_, err := producer.Enqueue(ctx, "examples.noop", queue.Options{
					Args:  []interface{}{float64(workerID), float64(j)},
					Queue: *queueName,
				})
				if err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("Enqueued %d tasks in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("Waiting for all tasks to drain from queued+active...\n")
	startProcess := time.Now()

	for {
		queued, _ := b.ZCard(ctx, space.QueuedBucket(*queueName))
		active, _ := b.ZCard(ctx, space.ActiveBucket(*queueName))
		remaining := queued + active

		if remaining == 0 {
			break
		}

		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d tasks\n", remaining)
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\nAll tasks drained in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(*numTasks)/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(*numTasks)/totalTime.Seconds())
}
