// Package errors turns fatal conditions in long-running commands into a
// single exit code.
package errors

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/migadu/sift/logger"
)

// OperationError names the operation that failed.
type OperationError struct {
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Exit codes reported by ErrorHandler.
const (
	ExitRuntime = 1
	ExitConfig  = 2
)

// ErrorHandler records the first fatal error. Later ones are logged but
// do not change the exit code.
type ErrorHandler struct {
	exitChannel chan int
	once        sync.Once
	last        error
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) signal(code int, err error) {
	eh.once.Do(func() {
		eh.last = err
		eh.exitChannel <- code
	})
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	opErr := &OperationError{Operation: operation, Err: err}
	logger.Error("Fatal error", "operation", operation, "error", err)
	eh.signal(ExitRuntime, opErr)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.signal(ExitConfig, err)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.signal(ExitConfig, fmt.Errorf("%s: %w", field, err))
}

// WaitForExit blocks until an error has been reported and returns its
// exit code.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

// WaitForExitWithTimeout is WaitForExit with an upper bound. The boolean
// is false when nothing was reported in time.
func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Err returns the error behind the exit code. Call it after WaitForExit.
func (eh *ErrorHandler) Err() error {
	return eh.last
}
