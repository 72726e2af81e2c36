//go:build !unix

package rlimit

func defaultLimiter() Limiter {
	return NoOp{}
}
