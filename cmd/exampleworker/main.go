// Command exampleworker is a spawnable child process demonstrating
// the childproc protocol. Its first positional argument selects a
// workload: echo, cpuburn, or memalloc.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/taskloom/poolmgr/childproc"
)

func main() {
	memoryLimitMB, gcHint, rest := childproc.ParseMemoryFlags(os.Args[1:])

	kind := "echo"
	if len(rest) > 0 {
		kind = rest[0]
	}

	var workload childproc.Workload
	switch kind {
	case "echo":
		workload = echoWorkload{gcHint: gcHint}
	case "cpuburn":
		workload = cpuBurnWorkload{gcHint: gcHint}
	case "memalloc":
		workload = memAllocWorkload{gcHint: gcHint}
	default:
		fmt.Fprintf(os.Stderr, "exampleworker: unknown workload %q\n", kind)
		os.Exit(1)
	}

	opts := childproc.Options{MemoryLimitMB: memoryLimitMB}
	if err := childproc.Serve(context.Background(), workload, opts); err != nil {
		fmt.Fprintf(os.Stderr, "exampleworker: %v\n", err)
		os.Exit(1)
	}
}
