package workerpool

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskloom/poolmgr/clock"
	"github.com/taskloom/poolmgr/idgen"
	"github.com/taskloom/poolmgr/protocol"
)

// Callback receives the final protocol.Reply for a submitted task,
// whether it came from the child itself (WORK_DONE/ERROR) or was
// synthesized by the dispatcher (worker crash, vanished pool).
type Callback func(protocol.Reply)

// SubmitResult is the synchronous acknowledgment SubmitPoolTask
// returns; the task's actual outcome arrives later via Callback.
type SubmitResult struct {
	OK      bool
	Message string
}

type pendingTask struct {
	task protocol.Task
	cb   Callback
}

// poolEntry keeps a pool's own PoolConfig alongside its members so a
// crash-restart can spawn a replacement with the exact same
// (Script, Args, MemoryLimitMB) the pool was configured with.
type poolEntry struct {
	config PoolConfig
	order  []*WorkerHandle // insertion order, for deterministic least-loaded tie-breaking
}

// Dispatcher is the single actor goroutine owning every mutable piece
// of pool state. All of its exported behavior is reached through
// Control; nothing here is safe to call concurrently except via the
// command channel.
type Dispatcher struct {
	idgen  idgen.Generator
	clock  clock.Clock
	logger *zap.Logger

	pools       map[string]*poolEntry
	allWorkers  map[*WorkerHandle]struct{}
	pending     []pendingTask
	callbacks   map[string]Callback
	owners      map[string]*WorkerHandle
	workerTasks map[*WorkerHandle]map[string]struct{}

	cmds   chan any
	events chan workerEvent

	// stopped is set once a terminate-all (poolName == "") has been
	// requested; further submissions are rejected with ErrShuttingDown
	// rather than queued behind pools that will never serve them.
	stopped bool

	// onRestart, if set, is invoked (outside the actor, in its own
	// goroutine) every time a crashed pool worker is replaced, purely
	// for metrics observation.
	onRestart func(poolName string)
}

func newDispatcher(gen idgen.Generator, clk clock.Clock, logger *zap.Logger, onRestart func(string)) *Dispatcher {
	d := &Dispatcher{
		idgen:       gen,
		clock:       clk,
		logger:      logger,
		pools:       make(map[string]*poolEntry),
		allWorkers:  make(map[*WorkerHandle]struct{}),
		callbacks:   make(map[string]Callback),
		owners:      make(map[string]*WorkerHandle),
		workerTasks: make(map[*WorkerHandle]map[string]struct{}),
		cmds:        make(chan any),
		events:      make(chan workerEvent, 64),
		onRestart:   onRestart,
	}
	go d.run()
	return d
}

// --- command envelopes -----------------------------------------------

type cmdInitPools struct {
	configs []PoolConfig
	reply   chan error
}

type cmdSubmitPoolTask struct {
	data     json.RawMessage
	cb       Callback
	poolName string
	reply    chan SubmitResult
}

type cmdSubmitOneShot struct {
	script        string
	args          []string
	data          json.RawMessage
	cb            Callback
	memoryLimitMB int
	reply         chan error
}

type cmdTerminate struct {
	poolName string
	reply    chan []*WorkerHandle // handles TERMINATE was sent to, for Shutdown's wait
}

type workerSnapshot struct {
	PoolName     string
	PID          int
	RunningTasks int
	SpawnedAt    time.Time
	handle       *WorkerHandle
}

type snapshotResult struct {
	workers      []workerSnapshot
	pendingTasks int
}

type cmdSnapshot struct {
	poolName string
	reply    chan snapshotResult
}

// run is the actor loop. Every field above is touched only here.
func (d *Dispatcher) run() {
	for {
		select {
		case raw := <-d.cmds:
			d.handleCommand(raw)
		case ev := <-d.events:
			d.handleEvent(ev)
		}
	}
}

func (d *Dispatcher) handleCommand(raw any) {
	switch cmd := raw.(type) {
	case cmdInitPools:
		cmd.reply <- d.initPools(cmd.configs)
	case cmdSubmitPoolTask:
		cmd.reply <- d.submitPoolTask(cmd.data, cmd.cb, cmd.poolName)
	case cmdSubmitOneShot:
		cmd.reply <- d.submitOneShot(cmd.script, cmd.args, cmd.data, cmd.cb, cmd.memoryLimitMB)
	case cmdTerminate:
		cmd.reply <- d.terminate(cmd.poolName)
	case cmdSnapshot:
		cmd.reply <- d.snapshot(cmd.poolName)
	default:
		d.logger.Error("unknown dispatcher command", zap.Any("cmd", raw))
	}
}

func (d *Dispatcher) initPools(configs []PoolConfig) error {
	if len(configs) == 0 {
		d.logger.Warn("InitPools called with no pool configuration", zap.Error(ErrConfigMissing))
		return nil
	}
	d.stopped = false
	for _, raw := range configs {
		if !raw.valid() {
			d.logger.Warn("skipping invalid pool config", zap.String("poolName", raw.PoolName), zap.Error(ErrConfigInvalid))
			continue
		}
		cfg := raw.withDefaults()
		entry := &poolEntry{config: cfg}
		for i := 0; i < cfg.WorkerCount; i++ {
			h, err := d.spawn(cfg.WorkerScript, cfg.WorkerArgs, cfg.PoolName, cfg.WorkerMemoryLimitMB)
			if err != nil {
				d.logger.Error("failed to spawn pool worker", zap.String("poolName", cfg.PoolName), zap.Error(err))
				continue
			}
			entry.order = append(entry.order, h)
			d.allWorkers[h] = struct{}{}
			h.send(protocol.Task{ID: d.idgen.NewID(), Type: protocol.Init})
		}
		d.pools[cfg.PoolName] = entry
	}
	return nil
}

func (d *Dispatcher) spawn(script string, args []string, poolName string, memoryLimitMB int) (*WorkerHandle, error) {
	return spawnWorkerHandle(script, args, poolName, memoryLimitMB, d.events, d.logger, d.clock)
}

func (d *Dispatcher) submitPoolTask(data json.RawMessage, cb Callback, poolName string) SubmitResult {
	if d.stopped {
		return SubmitResult{OK: false, Message: ErrShuttingDown.Error()}
	}
	if _, ok := d.pools[poolName]; !ok {
		return SubmitResult{OK: false, Message: fmt.Sprintf("worker pool %s does not exist", poolName)}
	}
	task := protocol.Task{ID: d.idgen.NewID(), Type: protocol.Work, Data: data, PoolName: poolName}
	d.pending = append(d.pending, pendingTask{task: task, cb: cb})
	d.processNextTask()
	return SubmitResult{OK: true}
}

// processNextTask dispatches at most one queued task per call, per
// the drain-on-demand policy: called again by the completion handler,
// never looped internally.
func (d *Dispatcher) processNextTask() {
	if len(d.pending) == 0 {
		return
	}
	head := d.pending[0]

	entry, ok := d.pools[head.task.PoolName]
	if !ok {
		d.pending = d.pending[1:]
		d.resolveSynthetic(head, "worker pool disappeared before dispatch")
		return
	}
	if len(entry.order) == 0 {
		return
	}

	worker := leastLoaded(entry.order)
	d.pending = d.pending[1:]

	d.callbacks[head.task.ID] = head.cb
	d.owners[head.task.ID] = worker
	if d.workerTasks[worker] == nil {
		d.workerTasks[worker] = make(map[string]struct{})
	}
	d.workerTasks[worker][head.task.ID] = struct{}{}

	worker.send(head.task)
	worker.RunningTasks++
}

// leastLoaded picks the member with the smallest RunningTasks, ties
// broken by order (the slice's own insertion order).
func leastLoaded(order []*WorkerHandle) *WorkerHandle {
	best := order[0]
	for _, w := range order[1:] {
		if w.RunningTasks < best.RunningTasks {
			best = w
		}
	}
	return best
}

// resolveSynthetic invokes a pending task's callback with a synthetic
// ERROR reply without ever having dispatched it to a worker.
func (d *Dispatcher) resolveSynthetic(p pendingTask, message string) {
	reply := protocol.ErrorReply(p.task.ID, message)
	if p.cb != nil {
		go p.cb(reply)
	}
}

func (d *Dispatcher) submitOneShot(script string, args []string, data json.RawMessage, cb Callback, memoryLimitMB int) error {
	if d.stopped {
		return ErrShuttingDown
	}
	if memoryLimitMB == 0 {
		memoryLimitMB = defaultOneShotMemoryLimitMB
	}
	worker, err := d.spawn(script, args, oneShotPoolName, memoryLimitMB)
	if err != nil {
		return fmt.Errorf("workerpool: spawn one-shot worker: %w", err)
	}
	worker.State = StateReady
	d.allWorkers[worker] = struct{}{}

	id := d.idgen.NewID()
	d.callbacks[id] = cb
	d.owners[id] = worker
	d.workerTasks[worker] = map[string]struct{}{id: {}}

	worker.send(protocol.Task{ID: id, Type: protocol.Work, Data: data})
	worker.RunningTasks++
	return nil
}

func (d *Dispatcher) terminate(poolName string) []*WorkerHandle {
	var targets []*WorkerHandle
	if poolName == "" {
		d.stopped = true
		for w := range d.allWorkers {
			targets = append(targets, w)
		}
	} else if entry, ok := d.pools[poolName]; ok {
		targets = append(targets, entry.order...)
	}
	for _, w := range targets {
		w.wantExit = true
		w.send(protocol.Task{ID: d.idgen.NewID(), Type: protocol.Terminate})
	}
	return targets
}

func (d *Dispatcher) snapshot(poolName string) snapshotResult {
	var out []workerSnapshot
	for w := range d.allWorkers {
		if poolName != "" && w.PoolName != poolName {
			continue
		}
		out = append(out, workerSnapshot{PoolName: w.PoolName, PID: w.PID, RunningTasks: w.RunningTasks, SpawnedAt: w.SpawnedAt, handle: w})
	}
	return snapshotResult{workers: out, pendingTasks: len(d.pending)}
}

// handleEvent processes a reply or exit notification from one of the
// worker handles' background goroutines.
func (d *Dispatcher) handleEvent(ev workerEvent) {
	if ev.exited {
		d.handleExit(ev.worker, ev.err)
		return
	}
	d.handleReply(ev.worker, *ev.reply)
}

func (d *Dispatcher) handleReply(worker *WorkerHandle, reply protocol.Reply) {
	switch reply.Type {
	case protocol.InitDone:
		worker.State = StateReady
		d.logger.Debug("worker ready", zap.Int("pid", worker.PID))
	case protocol.WorkDone:
		d.completeTask(worker, reply)
		d.processNextTask()
	case protocol.Error:
		d.logger.Warn("worker reported task error", zap.Int("pid", worker.PID), zap.String("taskID", reply.ID), zap.Error(ErrWorkerReportedError))
		d.completeTask(worker, reply)
		d.processNextTask()
	}
}

func (d *Dispatcher) completeTask(worker *WorkerHandle, reply protocol.Reply) {
	if worker.RunningTasks > 0 {
		worker.RunningTasks--
	}
	delete(d.owners, reply.ID)
	if tasks := d.workerTasks[worker]; tasks != nil {
		delete(tasks, reply.ID)
	}
	cb, ok := d.callbacks[reply.ID]
	if !ok {
		return
	}
	delete(d.callbacks, reply.ID)
	go cb(reply)

	if worker.PoolName == oneShotPoolName {
		worker.wantExit = true
		worker.send(protocol.Task{ID: d.idgen.NewID(), Type: protocol.Terminate})
	}
}

func (d *Dispatcher) handleExit(worker *WorkerHandle, err error) {
	worker.State = StateExited
	delete(d.allWorkers, worker)
	if entry, ok := d.pools[worker.PoolName]; ok {
		entry.order = removeHandle(entry.order, worker)
	}

	exitCode := exitCodeOf(err)
	expected := worker.wantExit && exitCode == 0
	if expected {
		d.logger.Info("worker exited", zap.Int("pid", worker.PID), zap.String("poolName", worker.PoolName))
	} else {
		d.logger.Warn("worker exited unexpectedly", zap.Int("pid", worker.PID), zap.String("poolName", worker.PoolName), zap.Int("exitCode", exitCode), zap.Error(err))
	}

	for id := range d.workerTasks[worker] {
		if cb, ok := d.callbacks[id]; ok && !expected {
			reply := protocol.ErrorReply(id, ErrWorkerCrashed.Error())
			go cb(reply)
		}
		delete(d.callbacks, id)
		delete(d.owners, id)
	}
	delete(d.workerTasks, worker)
	worker.close()

	if !expected && worker.PoolName != oneShotPoolName {
		if entry, ok := d.pools[worker.PoolName]; ok {
			replacement, spawnErr := d.spawn(entry.config.WorkerScript, entry.config.WorkerArgs, entry.config.PoolName, entry.config.WorkerMemoryLimitMB)
			if spawnErr != nil {
				d.logger.Error("failed to restart crashed worker", zap.String("poolName", worker.PoolName), zap.Error(spawnErr))
				return
			}
			entry.order = append(entry.order, replacement)
			d.allWorkers[replacement] = struct{}{}
			replacement.send(protocol.Task{ID: d.idgen.NewID(), Type: protocol.Init})
			if d.onRestart != nil {
				go d.onRestart(worker.PoolName)
			}
		}
	}
}

func removeHandle(order []*WorkerHandle, target *WorkerHandle) []*WorkerHandle {
	for i, w := range order {
		if w == target {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
