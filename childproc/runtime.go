// Package childproc is the library a child worker program imports to
// speak the parent/child protocol correctly. It owns the read-eval-reply
// loop; callers only implement Workload.
package childproc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/taskloom/poolmgr/protocol"
	"github.com/taskloom/poolmgr/rlimit"
)

// Workload is the interface an example (or user) child program
// implements. Init runs once per process, before the first WORK
// message is served; a nil Init is fine for stateless workloads.
type Workload interface {
	Init(ctx context.Context) error
	Work(ctx context.Context, data json.RawMessage) (json.RawMessage, error)
}

// Options configures Serve. Stdin/Stdout default to os.Stdin/os.Stdout;
// tests substitute pipes.
type Options struct {
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
	Limiter       rlimit.Limiter
	MemoryLimitMB int
}

// ParseMemoryFlags extracts the --memory-limit-mb=<n> and --gc-hint
// flags this manager always passes to a spawned child, without pulling
// in a flag-parsing dependency the rest of argv might need for its own
// purposes (an example workload still gets its own positional args).
func ParseMemoryFlags(args []string) (memoryLimitMB int, gcHint bool, rest []string) {
	const memoryFlagPrefix = "--memory-limit-mb="
	for _, a := range args {
		switch {
		case a == "--gc-hint":
			gcHint = true
		case strings.HasPrefix(a, memoryFlagPrefix):
			memoryLimitMB, _ = strconv.Atoi(strings.TrimPrefix(a, memoryFlagPrefix))
		default:
			rest = append(rest, a)
		}
	}
	return memoryLimitMB, gcHint, rest
}

// Serve runs the child-side protocol loop until stdin is closed (the
// parent's writer goroutine dies) or a TERMINATE message is received,
// in which case Serve calls os.Exit(0) directly per the protocol
// ("exit the process immediately... without replying").
func Serve(ctx context.Context, w Workload, opts Options) error {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Limiter == nil {
		opts.Limiter = rlimit.Default()
	}

	logger := log.New(opts.Stderr, "childproc: ", log.LstdFlags)
	if err := opts.Limiter.Apply(opts.MemoryLimitMB); err != nil {
		logger.Printf("memory limit not applied: %v", err)
	}

	dec := protocol.NewDecoder(opts.Stdin)
	enc := protocol.NewEncoder(opts.Stdout)
	seen := make(map[string]bool)

	for {
		task, err := dec.NextTask()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("childproc: decode task: %w", err)
		}

		if task.ID != "" && seen[task.ID] {
			logger.Printf("duplicate id %q ignored", task.ID)
			continue
		}

		switch task.Type {
		case protocol.Init:
			if w != nil {
				if err := w.Init(ctx); err != nil {
					_ = enc.SendReply(protocol.ErrorReply(task.ID, err.Error()))
					seen[task.ID] = true
					continue
				}
			}
			seen[task.ID] = true
			if err := enc.SendReply(protocol.InitDoneReply(task.ID, os.Getpid())); err != nil {
				return fmt.Errorf("childproc: send init_done: %w", err)
			}

		case protocol.Work:
			seen[task.ID] = true
			reply := runWork(ctx, w, task)
			if err := enc.SendReply(reply); err != nil {
				return fmt.Errorf("childproc: send reply: %w", err)
			}

		case protocol.Terminate:
			os.Exit(0)

		default:
			logger.Printf("unknown message type %q ignored", task.Type)
		}
	}
}

// runWork invokes the workload, recovering a panic into an ERROR reply
// so a single bad task never leaves the id unanswered.
func runWork(ctx context.Context, w Workload, task protocol.Task) (reply protocol.Reply) {
	defer func() {
		if r := recover(); r != nil {
			reply = protocol.ErrorReply(task.ID, fmt.Sprintf("panic: %v", r))
		}
	}()

	result, err := w.Work(ctx, task.Data)
	if err != nil {
		return protocol.ErrorReply(task.ID, err.Error())
	}
	return protocol.WorkDoneReply(task.ID, result)
}

// MaybeFreeMemory calls debug.FreeOSMemory when gcHint is set, per
// spec section 9: "the child MAY request resource release after a
// task; the protocol does not require it."
func MaybeFreeMemory(gcHint bool) {
	if gcHint {
		debug.FreeOSMemory()
	}
}
