package reliability

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// TaskHandle is the return value of Spawn: Cancel stops the task's context
// and Wait blocks until the task's goroutine has returned.
type TaskHandle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel requests the task stop by cancelling its context.
func (h *TaskHandle) Cancel() {
	h.cancel()
}

// Wait blocks until the task has returned.
func (h *TaskHandle) Wait() {
	<-h.done
}

// Name returns the task's registered name.
func (h *TaskHandle) Name() string {
	return h.name
}

// TaskMonitor adopts every long-lived background goroutine in the process.
// No goroutine doing meaningful work should be started with a naked `go`
// statement once the service has started — spawning it here guarantees a
// panic is logged with a stack trace instead of silently killing the
// process, and gives the shutdown path something to cancel and wait on.
type TaskMonitor struct {
	log zerolog.Logger

	mu     sync.Mutex
	tasks  []*TaskHandle
	closed bool
}

// NewTaskMonitor constructs a TaskMonitor that logs faults against log.
func NewTaskMonitor(log zerolog.Logger) *TaskMonitor {
	return &TaskMonitor{log: log}
}

// OnErrorFunc is invoked when a spawned task's body returns a non-nil error
// or panics. If nil, the error is only logged.
type OnErrorFunc func(name string, err error)

// Spawn starts body in a new goroutine under a context derived from ctx,
// registers it with the monitor, and returns a handle for cancellation and
// shutdown synchronization. A panic inside body is recovered, converted to
// an error, logged with the task name and stack trace, and routed to
// onError if provided; cancellation (ctx.Err() != nil when body returns) is
// never treated as a fault.
func (m *TaskMonitor) Spawn(ctx context.Context, name string, body func(context.Context) error, onError OnErrorFunc) *TaskHandle {
	taskCtx, cancel := context.WithCancel(ctx)
	handle := &TaskHandle{name: name, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		close(handle.done)
		return handle
	}
	m.tasks = append(m.tasks, handle)
	m.mu.Unlock()

	go func() {
		defer close(handle.done)
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in task %q: %v", name, r)
				m.log.Error().
					Str("task", name).
					Str("stack", string(debug.Stack())).
					Msg(err.Error())
				if onError != nil {
					onError(name, err)
				}
			}
		}()

		if err := body(taskCtx); err != nil {
			if taskCtx.Err() != nil {
				// Cancellation in flight; not a fault.
				return
			}
			m.log.Error().Str("task", name).Err(err).Msg("background task exited with error")
			if onError != nil {
				onError(name, err)
			}
		}
	}()

	return handle
}

// StopAll cancels every registered task and waits for all of them to
// return. Further Spawn calls after StopAll are accepted but return an
// already-cancelled handle.
func (m *TaskMonitor) StopAll() {
	m.mu.Lock()
	m.closed = true
	tasks := make([]*TaskHandle, len(m.tasks))
	copy(tasks, m.tasks)
	m.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	for _, t := range tasks {
		t.Wait()
	}
}
