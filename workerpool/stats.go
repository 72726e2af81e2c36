package workerpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskloom/poolmgr/probe"
)

// WorkerStat is one worker's resource snapshot, as returned by
// Control.GetStats.
type WorkerStat struct {
	PoolName     string
	PID          int
	RunningTasks int
	SpawnedAt    time.Time
	Stats        probe.Sample
}

// Stats is the aggregate result of a GetStats call.
type Stats struct {
	Workers []WorkerStat
	// PendingTasks is the number of tasks queued dispatcher-wide but
	// not yet assigned to a worker, regardless of poolName.
	PendingTasks int
}

// gatherStats probes every worker in snapshots concurrently via
// sampler, logging and skipping (never failing the whole call) any
// worker whose probe fails.
func gatherStats(ctx context.Context, snapshots []workerSnapshot, sampler probe.Prober, logger *zap.Logger) Stats {
	results := make([]*WorkerStat, len(snapshots))
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	for i, snap := range snapshots {
		i, snap := i, snap
		g.Go(func() error {
			sample, err := sampler.Sample(snap.PID)
			if err != nil {
				logger.Debug("resource probe failed", zap.Int("pid", snap.PID), zap.Error(ErrProbeFailure), zap.NamedError("cause", err))
				return nil
			}
			mu.Lock()
			results[i] = &WorkerStat{PoolName: snap.PoolName, PID: snap.PID, RunningTasks: snap.RunningTasks, SpawnedAt: snap.SpawnedAt, Stats: sample}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := Stats{}
	for _, r := range results {
		if r != nil {
			out.Workers = append(out.Workers, *r)
		}
	}
	return out
}
