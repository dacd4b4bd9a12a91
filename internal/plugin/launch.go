package plugin

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/offloadrt/device-plugin/internal/driver"
	"github.com/offloadrt/device-plugin/internal/metrics"
)

// RunTargetTeamRegion launches the kernel with geometry derived from the
// device limits, the kernel's own thread limit, the caller's requested
// teams/threadLimit, and the loop trip count hint. The call is synchronous:
// it returns once the kernel finished or the driver reported an error.
//
// Each argument is a pointer-sized slot; the device call receives an array
// of pointers to those slots, not the values.
func (r *Registry) RunTargetTeamRegion(id int32, kid KernelID, args []driver.Devptr, teams, threadLimit int32, tripCount uint64) error {
	d, err := r.bind(id)
	if err != nil {
		return err
	}
	k, err := r.kernel(kid)
	if err != nil {
		return err
	}

	threads := r.threadsPerBlock(d, k, threadLimit)
	blocks := r.blocksPerGrid(d, teams, tripCount, threads)

	r.log.Debug("launching kernel",
		zap.Int32("device", id),
		zap.String("kernel", k.fn.Name()),
		zap.Stringer("exec_mode", k.mode),
		zap.Int32("blocks", blocks),
		zap.Int32("threads", threads))

	start := time.Now()
	if err := d.ctx.Launch(k.fn, driver.Dim(int(blocks)), driver.Dim(int(threads)), 0, args); err != nil {
		r.log.Error("kernel launch failed",
			zap.Int32("device", id),
			zap.String("kernel", k.fn.Name()),
			zap.Error(err))
		return fmt.Errorf("launching kernel %q on device %d: %w", k.fn.Name(), id, err)
	}
	if err := d.ctx.Synchronize(); err != nil {
		return fmt.Errorf("waiting for kernel %q on device %d: %w", k.fn.Name(), id, err)
	}

	metrics.KernelLaunchDuration.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	metrics.KernelLaunches.WithLabelValues(k.mode.String()).Inc()
	return nil
}

// RunTargetRegion is the sequential-equivalent convenience launch: one team,
// default thread count, no trip count hint.
func (r *Registry) RunTargetRegion(id int32, kid KernelID, args []driver.Devptr) error {
	return r.RunTargetTeamRegion(id, kid, args, 1, 0, 0)
}

// threadsPerBlock resolves the block size: the requested limit or the
// device default, plus a coordinator warp in generic mode, capped by the
// device-wide limit first and the kernel's own limit second, so a stricter
// kernel limit always wins.
func (r *Registry) threadsPerBlock(d *deviceState, k *kernelRecord, threadLimit int32) int32 {
	threads := threadLimit
	if threads <= 0 {
		threads = d.numThreads
	}

	if k.mode == ExecModeGeneric {
		threads += d.warpSize
	}

	if threads > d.threadsPerBlock {
		threads = d.threadsPerBlock
		r.log.Debug("threads per block capped at device limit",
			zap.Int32("device", d.id),
			zap.Int32("limit", d.threadsPerBlock))
	}

	if kernelLimit, err := k.fn.MaxThreadsPerBlock(); err != nil {
		if !errors.Is(err, driver.ErrNotSupported) {
			r.log.Warn("kernel thread limit query failed",
				zap.Int32("device", d.id),
				zap.String("kernel", k.fn.Name()),
				zap.Error(err))
		}
	} else if int32(kernelLimit) < threads {
		threads = int32(kernelLimit)
		r.log.Debug("threads per block capped at kernel limit",
			zap.Int32("device", d.id),
			zap.Int32("limit", threads))
	}

	return threads
}

// blocksPerGrid resolves the grid size. With no requested team count the
// trip count sizes the grid (ceil division by the block size) unless an
// environment team override is active; explicit requests are clamped to the
// device grid limit.
func (r *Registry) blocksPerGrid(d *deviceState, teams int32, tripCount uint64, threads int32) int32 {
	switch {
	case teams <= 0:
		if tripCount > 0 && r.env.NumTeams < 0 {
			blocks := int32((tripCount-1)/uint64(threads)) + 1
			r.log.Debug("sizing grid from loop trip count",
				zap.Int32("device", d.id),
				zap.Uint64("trip_count", tripCount),
				zap.Int32("blocks", blocks))
			return blocks
		}
		return d.numTeams
	case teams > d.blocksPerGrid:
		r.log.Debug("capping teams at device grid limit",
			zap.Int32("device", d.id),
			zap.Int32("requested", teams),
			zap.Int32("limit", d.blocksPerGrid))
		return d.blocksPerGrid
	default:
		return teams
	}
}
