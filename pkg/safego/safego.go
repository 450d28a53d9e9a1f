// Package safego keeps background goroutines from taking the gateway down.
package safego

import (
	"go.uber.org/zap"
)

// Go runs fn on a new goroutine and swallows any panic, logging it with the
// task name and a stack trace. Cache sweeps, stream pumps and background
// cache refreshes all go through here; a panic in one request's stream must
// never kill the process.
func Go(logger *zap.Logger, task string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Recovered panic in background task",
					zap.String("task", task),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
