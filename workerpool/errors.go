package workerpool

import "errors"

// Sentinel errors of the workerpool package. Only ErrShuttingDown is
// ever returned to a caller; the others tag log lines or supply the
// text of a synthetic reply. Asynchronous failures (a worker crashing mid-task, a probe failing)
// never reach a caller as a Go error — they surface as a synthetic
// protocol.Reply through the task's Callback, or are logged and
// swallowed, per the propagation policy documented alongside each
// operation below.
var (
	// ErrConfigInvalid flags a PoolConfig entry missing PoolName or
	// WorkerScript; InitPools skips that entry and continues the batch.
	ErrConfigInvalid = errors.New("workerpool: invalid pool config")

	// ErrConfigMissing is logged (never returned) when InitPools is
	// called with zero configs.
	ErrConfigMissing = errors.New("workerpool: no pool configuration supplied")

	// ErrWorkerReportedError tags the warning logged when a child sends
	// its own ERROR reply, as opposed to a crash.
	ErrWorkerReportedError = errors.New("workerpool: worker reported an error")

	// ErrWorkerCrashed marks a Callback invocation synthesized because
	// the owning worker exited abnormally before replying.
	ErrWorkerCrashed = errors.New("worker exited unexpectedly")

	// ErrProbeFailure is logged at debug level when GetStats cannot
	// sample a worker's resource usage; that worker is omitted from
	// the result, never surfaced to the caller as an error.
	ErrProbeFailure = errors.New("workerpool: resource probe failed")

	// ErrShuttingDown rejects submissions made after a terminate-all
	// (Shutdown, or Terminate with an empty pool name) until InitPools
	// is called again: SubmitOneShotTask returns it, SubmitPoolTask
	// reports its text in SubmitResult.Message.
	ErrShuttingDown = errors.New("workerpool: dispatcher is shutting down")
)
