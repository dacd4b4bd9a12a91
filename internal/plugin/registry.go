// Package plugin is the device-side execution engine: per-device lifecycle,
// binary loading and symbol binding, host/device memory transfers, and the
// kernel launch geometry cascade. It is purely reactive; the host offload
// dispatcher owns scheduling and data mapping. Calls targeting the same
// device must be serialized by the caller.
package plugin

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/offloadrt/device-plugin/internal/config"
	"github.com/offloadrt/device-plugin/internal/driver"
	"github.com/offloadrt/device-plugin/internal/image"
)

const (
	hardTeamLimit     = 1 << 16
	hardThreadLimit   = 1024
	defaultNumTeams   = 128
	defaultNumThreads = 1024
	defaultWarpSize   = 32

	execModeSuffix = "_exec_mode"
)

var (
	ErrBadDeviceID    = errors.New("plugin: device id out of range")
	ErrNotInitialized = errors.New("plugin: device not initialized")
	ErrBadKernel      = errors.New("plugin: invalid kernel handle")
)

// Registry owns per-device contexts, loaded modules, entry tables, and the
// kernel arena. It is explicitly constructed and torn down with Shutdown.
type Registry struct {
	log *zap.Logger
	drv driver.Driver
	env config.Env

	devices []*deviceState
	kernels []kernelRecord
}

// deviceState holds one device's context and cached limits. limits are
// populated by InitDevice.
type deviceState struct {
	id  int32
	dev driver.Device
	ctx driver.Context

	modules    []driver.Module
	entries    []Entry
	allocSizes map[driver.Devptr]int64 // feeds the device memory gauge

	threadsPerBlock int32 // device-wide thread limit, hard-clamped
	blocksPerGrid   int32 // device-wide team limit, hard- and env-clamped
	warpSize        int32
	numTeams        int32 // default team count
	numThreads      int32 // default thread count
}

// Limits is the launch-relevant device state, exposed for inspection.
type Limits struct {
	ThreadsPerBlock   int32
	BlocksPerGrid     int32
	WarpSize          int32
	DefaultNumTeams   int32
	DefaultNumThreads int32
}

// New enumerates devices through drv. Driver or enumeration failure yields a
// registry with zero devices, not an error; callers check DeviceCount.
func New(drv driver.Driver, env config.Env, log *zap.Logger) *Registry {
	r := &Registry{
		log: log.Named("plugin"),
		drv: drv,
		env: env,
	}

	if err := drv.Init(); err != nil {
		r.log.Warn("driver initialization failed", zap.Error(err))
		return r
	}
	count, err := drv.DeviceCount()
	if err != nil {
		r.log.Warn("device enumeration failed", zap.Error(err))
		return r
	}
	if count == 0 {
		r.log.Info("no offload devices present")
		return r
	}
	for i := 0; i < count; i++ {
		r.devices = append(r.devices, &deviceState{id: int32(i)})
	}
	r.log.Info("devices enumerated",
		zap.String("driver", drv.Name()),
		zap.Int("count", count))
	return r
}

// DeviceCount returns the number of devices found at construction. Zero is
// a valid state.
func (r *Registry) DeviceCount() int32 {
	return int32(len(r.devices))
}

// IsValidImage reports whether img targets an architecture this plugin can
// load.
func (r *Registry) IsValidImage(img []byte) bool {
	return image.IsValid(img)
}

// InitDevice creates the device's blocking-sync context and discovers its
// hardware limits. Limit-query failure degrades to documented defaults;
// only handle or context errors fail the call.
func (r *Registry) InitDevice(id int32) error {
	d, err := r.device(id)
	if err != nil {
		return err
	}

	dev, err := r.drv.Device(int(id))
	if err != nil {
		return fmt.Errorf("acquiring device %d: %w", id, err)
	}
	ctx, err := dev.CreateContext(driver.CtxSchedBlockingSync)
	if err != nil {
		return fmt.Errorf("creating context for device %d: %w", id, err)
	}
	d.dev = dev
	d.ctx = ctx

	props, err := dev.Properties()
	if err != nil {
		r.log.Warn("device limit query failed, using defaults",
			zap.Int32("device", id),
			zap.Error(err))
		d.blocksPerGrid = defaultNumTeams
		d.threadsPerBlock = defaultNumThreads
		d.warpSize = defaultWarpSize
	} else {
		d.blocksPerGrid = clampLimit(r.log, id, "blocks per grid", int32(props.MaxGridDimX), hardTeamLimit)
		// Threads only along the x axis.
		d.threadsPerBlock = clampLimit(r.log, id, "threads per block", int32(props.MaxBlockDimX), hardThreadLimit)
		d.warpSize = int32(props.WarpSize)
		if d.warpSize <= 0 {
			r.log.Warn("device reported no warp size, using default", zap.Int32("device", id))
			d.warpSize = defaultWarpSize
		}
	}

	if r.env.TeamLimit > 0 && d.blocksPerGrid > r.env.TeamLimit {
		d.blocksPerGrid = r.env.TeamLimit
		r.log.Debug("capping blocks per grid to environment team limit",
			zap.Int32("device", id),
			zap.Int32("limit", r.env.TeamLimit))
	}

	if r.env.NumTeams > 0 {
		d.numTeams = r.env.NumTeams
	} else {
		d.numTeams = defaultNumTeams
	}
	if d.numTeams > d.blocksPerGrid {
		d.numTeams = d.blocksPerGrid
	}

	d.numThreads = defaultNumThreads
	if d.numThreads > d.threadsPerBlock {
		d.numThreads = d.threadsPerBlock
	}

	r.log.Info("device initialized",
		zap.Int32("device", id),
		zap.Int32("blocks_per_grid", d.blocksPerGrid),
		zap.Int32("threads_per_block", d.threadsPerBlock),
		zap.Int32("warp_size", d.warpSize),
		zap.Int32("default_teams", d.numTeams),
		zap.Int32("default_threads", d.numThreads))
	return nil
}

func clampLimit(log *zap.Logger, id int32, what string, v, hard int32) int32 {
	if v > hard {
		log.Debug("device limit exceeds hard limit, capping",
			zap.Int32("device", id),
			zap.String("limit", what),
			zap.Int32("device_value", v),
			zap.Int32("hard_limit", hard))
		return hard
	}
	return v
}

// Limits reports the cached limits of an initialized device.
func (r *Registry) Limits(id int32) (Limits, error) {
	d, err := r.device(id)
	if err != nil {
		return Limits{}, err
	}
	if d.ctx == nil {
		return Limits{}, fmt.Errorf("device %d: %w", id, ErrNotInitialized)
	}
	return Limits{
		ThreadsPerBlock:   d.threadsPerBlock,
		BlocksPerGrid:     d.blocksPerGrid,
		WarpSize:          d.warpSize,
		DefaultNumTeams:   d.numTeams,
		DefaultNumThreads: d.numThreads,
	}, nil
}

// HasEntry reports whether hostAddr is present in the device's entry table.
func (r *Registry) HasEntry(id int32, hostAddr uint64) bool {
	d, err := r.device(id)
	if err != nil {
		return false
	}
	return d.hasEntry(hostAddr)
}

// Entries returns a view over the device's current entry table. The view is
// valid until the next LoadBinary or Shutdown.
func (r *Registry) Entries(id int32) ([]Entry, error) {
	d, err := r.device(id)
	if err != nil {
		return nil, err
	}
	return d.entries, nil
}

// Shutdown unloads all modules and destroys all contexts, best effort. It
// returns the collected diagnostics instead of failing midway; teardown has
// no caller to report to otherwise.
func (r *Registry) Shutdown() []error {
	var errs []error
	for _, d := range r.devices {
		if d.ctx == nil {
			continue
		}
		if err := d.ctx.SetCurrent(); err != nil {
			errs = append(errs, fmt.Errorf("device %d: binding context for teardown: %w", d.id, err))
			continue
		}
		for _, m := range d.modules {
			if err := m.Unload(); err != nil {
				r.log.Warn("module unload failed during teardown",
					zap.Int32("device", d.id),
					zap.Error(err))
				errs = append(errs, fmt.Errorf("device %d: %w", d.id, err))
			}
		}
		d.modules = nil
		if err := d.ctx.Destroy(); err != nil {
			r.log.Warn("context destroy failed during teardown",
				zap.Int32("device", d.id),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("device %d: %w", d.id, err))
		}
		d.ctx = nil
		d.clearEntries()
	}
	r.kernels = nil
	return errs
}

func (r *Registry) device(id int32) (*deviceState, error) {
	if id < 0 || int(id) >= len(r.devices) {
		return nil, fmt.Errorf("device %d: %w", id, ErrBadDeviceID)
	}
	return r.devices[id], nil
}

// bind rebinds the calling thread to the device's context. Every per-device
// operation goes through here first; the active context is global state in
// the driver, so the binding must precede any driver work.
func (r *Registry) bind(id int32) (*deviceState, error) {
	d, err := r.device(id)
	if err != nil {
		return nil, err
	}
	if d.ctx == nil {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotInitialized)
	}
	if err := d.ctx.SetCurrent(); err != nil {
		return nil, fmt.Errorf("binding context for device %d: %w", id, err)
	}
	return d, nil
}

func (r *Registry) kernel(id KernelID) (*kernelRecord, error) {
	if id < 0 || int(id) >= len(r.kernels) {
		return nil, fmt.Errorf("kernel %d: %w", id, ErrBadKernel)
	}
	return &r.kernels[id], nil
}
