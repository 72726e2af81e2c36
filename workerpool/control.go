package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/taskloom/poolmgr/clock"
	"github.com/taskloom/poolmgr/idgen"
	"github.com/taskloom/poolmgr/metrics"
	"github.com/taskloom/poolmgr/probe"
	"github.com/taskloom/poolmgr/protocol"
)

// Control is the public façade over a Dispatcher. Every method here
// round-trips through the dispatcher's command channel; none of them
// block on anything the actor itself waits on, so submission stays
// fast regardless of how busy workers are.
type Control struct {
	d       *Dispatcher
	prober  probe.Prober
	logger  *zap.Logger
	metrics *metrics.Metrics

	statsStop chan struct{}
}

// Option configures NewControl.
type Option func(*controlConfig)

type controlConfig struct {
	idgen   idgen.Generator
	clock   clock.Clock
	prober  probe.Prober
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// WithIDGenerator overrides the default UUID-based id generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(c *controlConfig) { c.idgen = g }
}

// WithClock overrides the default real-time clock, letting tests
// control the SpawnedAt timestamp a WorkerHandle records on spawn or
// restart without racing the wall clock.
func WithClock(c clock.Clock) Option {
	return func(cc *controlConfig) { cc.clock = c }
}

// WithProber overrides the default gopsutil-based resource prober.
func WithProber(p probe.Prober) Option {
	return func(c *controlConfig) { c.prober = p }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *controlConfig) { c.logger = l }
}

// WithMetrics registers m's collectors as the destination for task
// completion/failure counters, per-worker running-task gauges, and
// restart counts. Omitted by default so tests and simple embeddings
// never need a Prometheus registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *controlConfig) { c.metrics = m }
}

// NewControl builds a Control with its own dispatcher actor goroutine
// already running. InitPools must be called before any task
// submission will find a pool to dispatch into.
func NewControl(opts ...Option) *Control {
	cfg := controlConfig{
		idgen:  idgen.UUIDGenerator{},
		clock:  clock.Real{},
		prober: probe.GopsutilProber{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Control{
		prober:  cfg.prober,
		logger:  cfg.logger,
		metrics: cfg.metrics,
	}
	var onRestart func(string)
	if cfg.metrics != nil {
		onRestart = func(pool string) { cfg.metrics.WorkerRestarts.WithLabelValues(pool).Inc() }
	}
	c.d = newDispatcher(cfg.idgen, cfg.clock, cfg.logger, onRestart)
	return c
}

// wrapCallback records task completion/failure metrics (when enabled)
// before forwarding the reply to the caller's own callback.
func (c *Control) wrapCallback(poolName string, cb Callback) Callback {
	if c.metrics == nil || cb == nil {
		return cb
	}
	return func(reply protocol.Reply) {
		if reply.OK {
			c.metrics.TasksCompleted.WithLabelValues(poolName).Inc()
		} else {
			c.metrics.TasksFailed.WithLabelValues(poolName, string(reply.Type)).Inc()
		}
		cb(reply)
	}
}

// InitPools spawns every configured pool's workers. Safe to call more
// than once; a repeated pool name replaces the prior entry in the
// registry (the old workers are not terminated automatically — callers
// doing a live config reload should Terminate the old pool name first).
func (c *Control) InitPools(configs []PoolConfig) error {
	reply := make(chan error, 1)
	c.d.cmds <- cmdInitPools{configs: configs, reply: reply}
	return <-reply
}

// SubmitPoolTask enqueues data against poolName, invoking cb exactly
// once with the eventual reply. ctx bounds only the synchronous
// hand-off to the dispatcher actor, never the task's execution time.
func (c *Control) SubmitPoolTask(ctx context.Context, data json.RawMessage, cb Callback, poolName string) (SubmitResult, error) {
	reply := make(chan SubmitResult, 1)
	select {
	case c.d.cmds <- cmdSubmitPoolTask{data: data, cb: c.wrapCallback(poolName, cb), poolName: poolName, reply: reply}:
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

// SubmitOneShotTask spawns a dedicated worker for a single task,
// terminating it once the reply has been delivered. memoryLimitMB of
// 0 uses the package default.
func (c *Control) SubmitOneShotTask(ctx context.Context, script string, data json.RawMessage, cb Callback, memoryLimitMB int) error {
	reply := make(chan error, 1)
	cmd := cmdSubmitOneShot{script: script, data: data, cb: c.wrapCallback(oneShotPoolName, cb), memoryLimitMB: memoryLimitMB, reply: reply}
	select {
	case c.d.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats concurrently samples resource usage for every worker in
// poolName ("" for all pools), skipping any worker whose probe fails.
func (c *Control) GetStats(ctx context.Context, poolName string) (Stats, error) {
	reply := make(chan snapshotResult, 1)
	select {
	case c.d.cmds <- cmdSnapshot{poolName: poolName, reply: reply}:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	var snap snapshotResult
	select {
	case snap = <-reply:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	stats := gatherStats(ctx, snap.workers, c.prober, c.logger)
	stats.PendingTasks = snap.pendingTasks
	return stats, nil
}

// Terminate sends TERMINATE to every worker in poolName ("" for all
// pools) and returns immediately; it does not wait for the processes
// to exit. Use Shutdown to block until they have.
func (c *Control) Terminate(ctx context.Context, poolName string) error {
	reply := make(chan []*WorkerHandle, 1)
	select {
	case c.d.cmds <- cmdTerminate{poolName: poolName, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates every pool and blocks, bounded by ctx, until
// every worker handle that was live at the time of the call has
// exited. It is the one caller in this system that needs Terminate to
// actually wait.
func (c *Control) Shutdown(ctx context.Context) error {
	reply := make(chan []*WorkerHandle, 1)
	select {
	case c.d.cmds <- cmdTerminate{poolName: "", reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	var targets []*WorkerHandle
	select {
	case targets = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var result *multierror.Error
	for _, w := range targets {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-w.exited:
			case <-ctx.Done():
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("workerpool: shutdown timed out waiting for pid %d: %w", w.PID, ctx.Err()))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if c.statsStop != nil {
		close(c.statsStop)
		c.statsStop = nil
	}
	return result.ErrorOrNil()
}

// InstallSignalHandlers returns a context derived from parent that is
// canceled on SIGINT or SIGTERM, mirroring the buffered-signal-channel
// plus cancel-on-receipt goroutine shape a daemon's main package uses
// to trigger its own graceful shutdown. It does not call Shutdown
// itself — the caller decides what else (an HTTP listener, in
// particular) needs to stop first.
func (c *Control) InstallSignalHandlers(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// StartStatsLoop starts a background ticker that logs one structured
// line per worker every interval, via GetStats(""). A non-positive
// interval disables the loop (the zero value of Control never starts
// one). Call Shutdown, or cancel ctx, to stop it.
func (c *Control) StartStatsLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.statsStop = make(chan struct{})
	stop := c.statsStop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats, err := c.GetStats(ctx, "")
				if err != nil {
					continue
				}
				for _, w := range stats.Workers {
					c.logger.Info("worker stats",
						zap.String("poolName", w.PoolName),
						zap.Int("pid", w.PID),
						zap.Int("runningTasks", w.RunningTasks),
						zap.Time("spawnedAt", w.SpawnedAt),
						zap.Float64("cpuPercent", w.Stats.CPUPercent),
						zap.Uint64("memoryBytes", w.Stats.MemoryBytes),
					)
					if c.metrics != nil {
						c.metrics.PoolRunningTasks.WithLabelValues(w.PoolName, strconv.Itoa(w.PID)).Set(float64(w.RunningTasks))
					}
				}
				if c.metrics != nil {
					c.metrics.PoolPendingTasks.Set(float64(stats.PendingTasks))
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

