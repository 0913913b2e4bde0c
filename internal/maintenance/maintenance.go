package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/offbit/flowtrace/internal/config"
	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/logging"
	"github.com/offbit/flowtrace/internal/metrics"
)

// Runner owns the background storage upkeep loops: retention sweeps,
// partition pre-creation and rollup refresh. All work runs off the request
// path; a failed pass is logged and retried on the next tick.
type Runner struct {
	store     *db.Store
	logger    *logging.Logger
	retention config.RetentionConfig
	rollup    config.RollupConfig

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates a maintenance runner; call Start to launch its loops.
func New(store *db.Store, logger *logging.Logger, retention config.RetentionConfig, rollup config.RollupConfig) *Runner {
	return &Runner{
		store:     store,
		logger:    logger.WithComponent("maintenance"),
		retention: retention,
		rollup:    rollup,
		done:      make(chan struct{}),
	}
}

// Start launches the sweep and refresh loops.
func (r *Runner) Start() {
	r.wg.Add(2)
	go r.sweepLoop()
	go r.rollupLoop()
}

// Stop terminates the loops. In-flight passes finish first.
func (r *Runner) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *Runner) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.retention.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.done:
			return
		}
	}
}

func (r *Runner) rollupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.rollup.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Refresh()
		case <-r.done:
			return
		}
	}
}

// Sweep runs one retention pass: upcoming partitions are pre-created, then
// partitions entirely past the horizon are dropped.
func (r *Runner) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now()
	if err := r.store.EnsurePartitions(ctx, now); err != nil {
		r.logger.Error("partition pre-creation failed", err, nil)
	}

	cutoff := now.Add(-r.retention.Horizon)
	dropped, err := r.store.DropExpiredPartitions(ctx, cutoff)
	if err != nil {
		metrics.RecordRetentionSweep("error", dropped)
		r.logger.Error("retention sweep failed", err, map[string]interface{}{
			"cutoff": cutoff.Format(time.RFC3339),
		})
		return
	}
	metrics.RecordRetentionSweep("ok", dropped)
	if dropped > 0 {
		r.logger.Info("retention sweep dropped expired partitions", map[string]interface{}{
			"dropped": dropped, "cutoff": cutoff.Format(time.RFC3339),
		})
	}
}

// Refresh runs one rollup pass, advancing the aggregate tables to the start
// of the current bucket.
func (r *Runner) Refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := r.store.RefreshRollups(ctx, time.Now()); err != nil {
		metrics.RecordRollupRefresh("error")
		r.logger.Error("rollup refresh failed", err, nil)
		return
	}
	metrics.RecordRollupRefresh("ok")
}
