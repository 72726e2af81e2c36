//go:build unix

package rlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// POSIXAddressSpace enforces the ceiling via RLIMIT_AS, the closest
// POSIX equivalent to a heap ceiling: it bounds the process's total
// virtual address space rather than just the Go heap, which is the
// same tradeoff spec section 9 accepts when it prescribes RLIMIT_AS
// as the generalization of --max-old-space-size.
type POSIXAddressSpace struct{}

func (POSIXAddressSpace) Apply(memoryLimitMB int) error {
	if memoryLimitMB <= 0 {
		return nil
	}
	bytes := uint64(memoryLimitMB) * 1024 * 1024
	limit := unix.Rlimit{Cur: bytes, Max: bytes}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &limit); err != nil {
		return fmt.Errorf("rlimit: setrlimit RLIMIT_AS to %dMB: %w", memoryLimitMB, err)
	}
	return nil
}

func defaultLimiter() Limiter {
	return POSIXAddressSpace{}
}
