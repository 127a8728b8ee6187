// Package main implements the producer-side HTTP surface: enqueue a task,
// schedule a recurring one, and inspect queue depth/contents (spec §6
// "Producer HTTP surface", supplemented from the teacher's cmd/server).
//
// API Endpoints:
//
//	POST /enqueue  - enqueue one task
//	POST /schedule - register a recurring cron enqueue
//	GET  /stats    - queued/active/error cardinality per known queue
//	GET  /tasks    - inspect up to 50 task IDs in a queue's status bucket
//
// Usage:
//
//	go run ./cmd/enqueue --config worker.toml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskqueue/pkg/broker"
	"github.com/guido-cesarano/taskqueue/pkg/config"
	"github.com/guido-cesarano/taskqueue/pkg/keys"
	"github.com/guido-cesarano/taskqueue/pkg/logger"
	"github.com/guido-cesarano/taskqueue/pkg/queue"
	"github.com/spf13/cobra"
)

// authMiddleware enforces API-key authentication when requiredKey is set,
// carried forward from the teacher's cmd/server verbatim in spirit: no key
// configured means dev-mode, open access.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// enableCORS adds permissive CORS headers and short-circuits preflight
// requests, ahead of auth so OPTIONS never fails the key check.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-API-Key, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// withRequestID stamps every response with a correlation ID, generated
// fresh per request unless the caller already supplied one — the one use
// this binary has for google/uuid, a dependency the core protocol itself
// never needs (task IDs are content hashes or crypto/rand, not UUIDs).
func withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next(w, r)
	}
}

func chain(h http.HandlerFunc, apiKey string) http.HandlerFunc {
	return enableCORS(withRequestID(authMiddleware(h, apiKey)))
}

type server struct {
	producer  *queue.Producer
	broker    *broker.Broker
	space     keys.Space
	scheduler *queue.Scheduler
}

func (s *server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Func        string                 `json:"func"`
		Args        []interface{}          `json:"args"`
		Kwargs      map[string]interface{} `json:"kwargs"`
		Queue       string                 `json:"queue"`
		HardTimeout float64                `json:"hard_timeout"`
		Unique      *bool                  `json:"unique"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Func == "" {
		http.Error(w, "func is required", http.StatusBadRequest)
		return
	}

	id, err := s.producer.Enqueue(r.Context(), req.Func, queue.Options{
		Args:        req.Args,
		Kwargs:      req.Kwargs,
		Queue:       req.Queue,
		HardTimeout: req.HardTimeout,
		Unique:      req.Unique,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Spec        string                 `json:"spec"`
		Func        string                 `json:"func"`
		Args        []interface{}          `json:"args"`
		Kwargs      map[string]interface{} `json:"kwargs"`
		Queue       string                 `json:"queue"`
		HardTimeout float64                `json:"hard_timeout"`
		Unique      *bool                  `json:"unique"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.scheduler.Schedule(s.producer, req.Spec, req.Func, queue.Options{
		Args:        req.Args,
		Kwargs:      req.Kwargs,
		Queue:       req.Queue,
		HardTimeout: req.HardTimeout,
		Unique:      req.Unique,
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid cron spec: %v", err), http.StatusBadRequest)
		return
	}

	fmt.Fprintf(w, "scheduled with entry id %d\n", id)
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	queues, err := s.broker.SMembers(ctx, s.space.QueuedSet())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	activeQueues, err := s.broker.SMembers(ctx, s.space.ActiveSet())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	errorQueues, err := s.broker.SMembers(ctx, s.space.ErrorSet())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	seen := map[string]struct{}{}
	for _, qs := range [][]string{queues, activeQueues, errorQueues} {
		for _, q := range qs {
			seen[q] = struct{}{}
		}
	}

	type depth struct {
		Queued int64 `json:"queued"`
		Active int64 `json:"active"`
		Error  int64 `json:"error"`
	}
	out := make(map[string]depth, len(seen))
	for q := range seen {
		qd, _ := s.broker.ZCard(ctx, s.space.QueuedBucket(q))
		ad, _ := s.broker.ZCard(ctx, s.space.ActiveBucket(q))
		ed, _ := s.broker.ZCard(ctx, s.space.ErrorBucket(q))
		out[q] = depth{Queued: qd, Active: ad, Error: ed}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	queueName := r.URL.Query().Get("queue")
	if queueName == "" {
		http.Error(w, "missing queue parameter", http.StatusBadRequest)
		return
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "queued"
	}

	var bucket string
	switch status {
	case "queued":
		bucket = s.space.QueuedBucket(queueName)
	case "active":
		bucket = s.space.ActiveBucket(queueName)
	case "error":
		bucket = s.space.ErrorBucket(queueName)
	default:
		http.Error(w, "status must be queued, active, or error", http.StatusBadRequest)
		return
	}

	entries, err := s.broker.ZRangeWithScores(r.Context(), bucket, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type entry struct {
		ID    string  `json:"id"`
		Score float64 `json:"score"`
	}
	out := make([]entry, 0, len(entries))
	for _, z := range entries {
		id, _ := z.Member.(string)
		out = append(out, entry{ID: id, Score: z.Score})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func setupRouter(s *server, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/enqueue", chain(s.enqueueHandler, apiKey))
	mux.HandleFunc("/schedule", chain(s.scheduleHandler, apiKey))
	mux.HandleFunc("/stats", chain(s.statsHandler, apiKey))
	mux.HandleFunc("/tasks", chain(s.tasksHandler, apiKey))
	return mux
}

func main() {
	var configPath, addr string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Run the producer HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, addr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&addr, "addr", ":8081", "HTTP listen address")

	if err := cmd.Execute(); err != nil {
		logger.Log.Fatal().Err(err).Msg("enqueue server exited with error")
	}
}

func run(configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	b := broker.New(broker.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer b.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = b.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	space := keys.NewSpace(cfg.Prefix)
	producer := queue.New(b, space, nil, cfg.DefaultQueue)

	scheduler := queue.NewScheduler()
	scheduler.Start()
	defer scheduler.Stop()

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logger.Log.Warn().Msg("API_KEY not set, authentication disabled")
	} else {
		logger.Log.Info().Msg("API authentication enabled")
	}

	s := &server{producer: producer, broker: b, space: space, scheduler: scheduler}
	mux := setupRouter(s, apiKey)

	logger.Log.Info().Str("addr", addr).Msg("enqueue server listening")
	return http.ListenAndServe(addr, mux)
}
