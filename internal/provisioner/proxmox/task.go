package proxmox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Default task wait bounds.
const (
	DefaultTaskPollInterval = 5 * time.Second
	DefaultTaskTimeout      = 5 * time.Minute
)

// ErrTaskTimeout is returned when a task does not finish within the waiter's ceiling.
var ErrTaskTimeout = errors.New("task did not finish in time")

// TaskError is a task that finished with a non-OK exit status.
type TaskError struct {
	UPID       string
	ExitStatus string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.UPID, e.ExitStatus)
}

// ParseUPID returns the node a task runs on.
// Format: UPID:node:pid:pstart:starttime:type:id:user:
func ParseUPID(upid string) (string, error) {
	parts := strings.Split(upid, ":")
	if len(parts) < 3 || parts[0] != "UPID" || parts[1] == "" {
		return "", fmt.Errorf("invalid UPID %q", upid)
	}
	return parts[1], nil
}

// taskStatusGetter is the part of the client the waiter needs.
type taskStatusGetter interface {
	TaskStatus(ctx context.Context, node, upid string) (*TaskStatus, error)
}

// TaskWaiter polls asynchronous tasks at a fixed interval with a hard ceiling.
type TaskWaiter struct {
	client       taskStatusGetter
	PollInterval time.Duration
	Timeout      time.Duration
	logger       *slog.Logger
}

// NewTaskWaiter creates a waiter. Zero durations take the defaults.
func NewTaskWaiter(client taskStatusGetter, pollInterval, timeout time.Duration, logger *slog.Logger) *TaskWaiter {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultTaskPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &TaskWaiter{
		client:       client,
		PollInterval: pollInterval,
		Timeout:      timeout,
		logger:       logger,
	}
}

// Wait blocks until the task stops. It returns nil for an OK exit status,
// a *TaskError for a failed task, and ErrTaskTimeout once the ceiling passes.
// Transient status lookup errors are retried until the ceiling.
func (w *TaskWaiter) Wait(ctx context.Context, upid string) error {
	node, err := ParseUPID(upid)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		status, err := w.client.TaskStatus(waitCtx, node, upid)
		switch {
		case err != nil:
			lastErr = err
			w.logger.Debug("task status lookup failed", "upid", upid, "error", err)
		case status.Status == "stopped":
			if taskSucceeded(status.ExitStatus) {
				return nil
			}
			return &TaskError{UPID: upid, ExitStatus: status.ExitStatus}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if lastErr != nil {
				return fmt.Errorf("%w after %s (last error: %v)", ErrTaskTimeout, w.Timeout, lastErr)
			}
			return fmt.Errorf("%w after %s", ErrTaskTimeout, w.Timeout)
		case <-ticker.C:
		}
	}
}

// taskSucceeded treats "OK" and "WARNINGS: n" as success, like the Proxmox UI.
func taskSucceeded(exitStatus string) bool {
	return exitStatus == "OK" || strings.HasPrefix(exitStatus, "WARNINGS")
}
