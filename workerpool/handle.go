package workerpool

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/taskloom/poolmgr/clock"
	"github.com/taskloom/poolmgr/protocol"
)

// WorkerState is the lifecycle stage of a WorkerHandle.
type WorkerState int

const (
	StateStarting WorkerState = iota
	StateReady
	StateExited
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// WorkerHandle is one live (or just-exited) child process. Every field
// documented as actor-owned is touched only from inside Dispatcher.run;
// outbound and exited are the only pieces of state safe to use from
// other goroutines, by construction of Go channel semantics.
type WorkerHandle struct {
	PID           int
	PoolName      string
	Script        string
	Args          []string
	MemoryLimitMB int

	// SpawnedAt is stamped by the dispatcher's clock.Clock at spawn
	// time (initial or restart), so stats consumers can tell a
	// freshly-restarted worker from one that has been running a while.
	SpawnedAt time.Time

	// RunningTasks and State are mutated exclusively by the dispatcher
	// actor goroutine; see workerpool/dispatcher.go.
	RunningTasks int
	State        WorkerState

	// wantExit is set by the actor right before it sends TERMINATE, so
	// the exit handler can tell an expected shutdown from a crash.
	wantExit bool

	cmd      *exec.Cmd
	outbound chan protocol.Task
	stdin    io.WriteCloser

	// exited is closed once by waitLoop the moment the process has
	// been reaped, independent of the dispatcher actor's own event
	// processing. Control.Shutdown waits on this directly so it does
	// not depend on the actor getting around to handling the exit.
	exited chan struct{}
}

// workerEvent is what a WorkerHandle's background goroutines report
// back to the dispatcher's single inbound channel.
type workerEvent struct {
	worker *WorkerHandle
	reply  *protocol.Reply
	exited bool
	err    error
}

// spawnWorkerHandle starts script as a child process wired for the
// parent/child protocol, and launches its writer/reader/waiter
// goroutines. The returned handle is in StateStarting; the caller
// (the dispatcher actor) is responsible for sending the initial INIT
// task.
func spawnWorkerHandle(script string, args []string, poolName string, memoryLimitMB int, events chan<- workerEvent, logger *zap.Logger, clk clock.Clock) (*WorkerHandle, error) {
	fullArgs := append([]string{fmt.Sprintf("--memory-limit-mb=%d", memoryLimitMB), "--gc-hint"}, args...)
	cmd := exec.Command(script, fullArgs...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("workerpool: stdin pipe for %s: %w", script, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("workerpool: stdout pipe for %s: %w", script, err)
	}
	cmd.Stderr = &zapWriter{logger: logger, script: script}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("workerpool: spawn %s: %w", script, err)
	}

	h := &WorkerHandle{
		PID:           cmd.Process.Pid,
		PoolName:      poolName,
		Script:        script,
		Args:          args,
		MemoryLimitMB: memoryLimitMB,
		SpawnedAt:     clk.Now(),
		State:         StateStarting,
		cmd:           cmd,
		outbound:      make(chan protocol.Task, 8),
		stdin:         stdin,
		exited:        make(chan struct{}),
	}

	go h.writeLoop(logger)
	go h.readLoop(stdout, events, logger)
	go h.waitLoop(events)

	return h, nil
}

// writeLoop drains outbound into the encoder until the channel is
// closed by the dispatcher (worker removal) or the pipe breaks.
func (h *WorkerHandle) writeLoop(logger *zap.Logger) {
	enc := protocol.NewEncoder(h.stdin)
	for task := range h.outbound {
		if err := enc.SendTask(task); err != nil {
			logger.Debug("write to worker failed", zap.Int("pid", h.PID), zap.Error(err))
			return
		}
	}
}

// readLoop decodes replies until the child closes stdout (process
// exited or crashed), forwarding each to the dispatcher's inbound
// channel. It never touches actor-owned fields directly.
func (h *WorkerHandle) readLoop(r io.Reader, events chan<- workerEvent, logger *zap.Logger) {
	dec := protocol.NewDecoder(r)
	for {
		reply, err := dec.NextReply()
		if err != nil {
			return
		}
		events <- workerEvent{worker: h, reply: &reply}
	}
}

// waitLoop blocks on the child's exit and reports it exactly once. It
// runs after readLoop's underlying pipe has already gone away (or
// will shortly), so the dispatcher always sees the exit event.
func (h *WorkerHandle) waitLoop(events chan<- workerEvent) {
	err := h.cmd.Wait()
	close(h.exited)
	events <- workerEvent{worker: h, exited: true, err: err}
}

// exitCodeOf extracts a process exit code from the error cmd.Wait()
// returns, treating a nil error (clean exit 0) and any non-ExitError
// failure (e.g. the binary was never found) distinctly from a
// nonzero exit.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// send enqueues task on the handle's writer channel. Never called
// after the handle has been removed from the dispatcher's indices.
func (h *WorkerHandle) send(task protocol.Task) {
	h.outbound <- task
}

// close shuts down the writer goroutine; called once the handle is
// fully retired from the dispatcher's state.
func (h *WorkerHandle) close() {
	close(h.outbound)
}

// zapWriter adapts a zap.Logger to io.Writer so it can be used as an
// exec.Cmd's Stderr, tagging every line with the worker's script path.
type zapWriter struct {
	logger *zap.Logger
	script string
}

func (w *zapWriter) Write(p []byte) (int, error) {
	w.logger.Warn("worker stderr", zap.String("script", w.script), zap.ByteString("line", p))
	return len(p), nil
}
