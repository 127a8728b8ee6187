// Package main implements the worker process: it either runs the
// long-lived consumer loop of pkg/worker, or — when launched with
// executor.ChildModeFlag — executes exactly one task read from stdin and
// exits (spec §9's self-exec alternative to fork()).
//
// Usage:
//
//	go run ./cmd/worker --config worker.toml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/guido-cesarano/taskqueue/pkg/broker"
	"github.com/guido-cesarano/taskqueue/pkg/config"
	"github.com/guido-cesarano/taskqueue/pkg/executor"
	"github.com/guido-cesarano/taskqueue/pkg/keys"
	"github.com/guido-cesarano/taskqueue/pkg/logger"
	"github.com/guido-cesarano/taskqueue/pkg/registry"
	"github.com/guido-cesarano/taskqueue/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	// The self-exec child path is checked before any flag parsing: the
	// parent launches it with exactly one argument, ChildModeFlag, and
	// everything else travels through the environment (spec §9).
	if executor.IsChildMode(os.Args) {
		os.Exit(runChild())
	}

	var configPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the task queue worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")

	if err := cmd.Execute(); err != nil {
		logger.Log.Fatal().Err(err).Msg("worker exited with error")
	}
}

func runChild() int {
	env := envBrokerOptions()
	b := broker.New(env.opts)
	defer b.Close()

	return executor.RunChild(registeredCallables(), b, keys.NewSpace(env.prefix), env.defaultTimeout, os.Stdin)
}

type childEnv struct {
	opts           broker.Options
	prefix         string
	defaultTimeout time.Duration
}

func envBrokerOptions() childEnv {
	addr := os.Getenv("TASKQUEUE_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := os.Getenv("TASKQUEUE_PREFIX")
	db := 0
	if v := os.Getenv("TASKQUEUE_REDIS_DB"); v != "" {
		fmt.Sscanf(v, "%d", &db)
	}
	defaultTimeout := executor.DefaultTimeout
	if v := os.Getenv("TASKQUEUE_DEFAULT_HARD_TIMEOUT_SECONDS"); v != "" {
		var seconds float64
		if _, err := fmt.Sscanf(v, "%g", &seconds); err == nil && seconds > 0 {
			defaultTimeout = secondsToDuration(seconds)
		} else {
			logger.Log.Warn().Str("value", v).Msg("ignoring unparsable TASKQUEUE_DEFAULT_HARD_TIMEOUT_SECONDS, using default")
		}
	}
	return childEnv{opts: broker.Options{Addr: addr, DB: db}, prefix: prefix, defaultTimeout: defaultTimeout}
}

func runWorker(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := registeredCallables()
	space := keys.NewSpace(cfg.Prefix)
	b := broker.New(broker.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer b.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = b.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	exec, err := executor.New(b, space, reg, cfg.RedisAddr, cfg.RedisDB, executor.Config{
		DefaultTimeout:    secondsToDuration(cfg.DefaultHardTimeoutSeconds),
		HeartbeatInterval: secondsToDuration(cfg.ActiveTaskUpdateTimerSeconds),
	})
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	promReg := prometheus.NewRegistry()
	metrics := worker.NewMetrics(promReg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer server.Close()

	loop := worker.New(b, space, exec, metrics, worker.Config{
		ActiveTaskUpdateTimeoutSeconds: cfg.ActiveTaskUpdateTimeoutSeconds,
		ActiveTaskExpiredBatchSize:     cfg.ActiveTaskExpiredBatchSize,
	})
	stopListening := worker.InstallSignalHandlers(loop)
	defer stopListening()

	logger.Log.Info().Strs("callables", reg.Names()).Msg("worker starting")
	return loop.Run(context.Background())
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
