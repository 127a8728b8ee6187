package worker

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/guido-cesarano/taskqueue/pkg/logger"
)

// InstallSignalHandlers arranges for SIGINT/SIGTERM to call l.RequestStop
// instead of terminating the process outright (spec §4.7): any task already
// claimed runs to completion, the rest of the current pass is skipped, and
// Run returns.
// Returns a func that stops listening, for tests and for cmd/worker's
// orderly teardown.
func InstallSignalHandlers(l *Loop) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			logger.Component("worker").Info().Str("signal", sig.String()).Msg("received shutdown signal")
			l.RequestStop()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
