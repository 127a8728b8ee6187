package main

import (
	"context"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskqueue/pkg/logger"
	"github.com/guido-cesarano/taskqueue/pkg/registry"
)

// registeredCallables is the name->handler table this worker binary
// supports (spec §9 "Dynamic callable dispatch" reimplemented as an
// explicit registry). Both the long-running worker loop and the self-exec
// child build an identical registry from this one function, so a task
// enqueued against either path resolves the same way.
func registeredCallables() *registry.Registry {
	reg := registry.New()

	reg.Func("examples.noop", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
		return nil
	})

	reg.Register("examples.sleep", registry.Entry{
		HardTimeout: 30,
		Handler: func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
			seconds := 1.0
			if len(args) > 0 {
				if f, ok := args[0].(float64); ok {
					seconds = f
				}
			}
			select {
			case <-time.After(time.Duration(seconds * float64(time.Second))):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	reg.Func("examples.fail", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
		return fmt.Errorf("examples.fail: deliberate failure")
	})

	reg.Register("examples.report", registry.Entry{
		Unique: true,
		Handler: func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
			logger.Component("examples.report").Info().Interface("args", args).Interface("kwargs", kwargs).Msg("generating report")
			return nil
		},
	})

	return reg
}
