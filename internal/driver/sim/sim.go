// Package sim is a CPU-backed implementation of the driver interfaces. It is
// the fallback when the binary is built without CUDA support and the test
// double for the plugin core. Device memory is a flat fake address space,
// modules are JSON descriptors, and kernels either record their launch or run
// one of a small set of builtin ops.
package sim

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/offloadrt/device-plugin/internal/driver"
)

const (
	heapBase  = 0x10000
	heapAlign = 256
)

// Driver simulates an accelerator driver on the CPU.
type Driver struct {
	log *zap.Logger

	mu       sync.Mutex
	inited   bool
	devices  []*device
	current  *context
	nextAddr driver.Devptr
	allocs   map[driver.Devptr][]byte

	liveModules int
	lastLaunch  *LaunchRecord

	// Failure injection for tests of the degraded paths.
	FailProperties bool
	FailAttribute  bool
	FailLaunch     bool
	FailAlloc      bool
}

// LaunchRecord captures the geometry of the most recent kernel launch.
type LaunchRecord struct {
	Kernel    string
	Grid      driver.Dim3
	Block     driver.Dim3
	SharedMem int
	Args      []driver.Devptr
}

// New creates a simulated driver exposing deviceCount devices.
func New(log *zap.Logger, deviceCount int) *Driver {
	d := &Driver{
		log:      log.Named("sim"),
		nextAddr: heapBase,
		allocs:   make(map[driver.Devptr][]byte),
	}
	for i := 0; i < deviceCount; i++ {
		d.devices = append(d.devices, &device{drv: d, ordinal: i, props: defaultProperties(i)})
	}
	return d
}

func defaultProperties(ordinal int) driver.Properties {
	return driver.Properties{
		Name:               fmt.Sprintf("SimDevice-%d", ordinal),
		TotalMemory:        8 << 30,
		MaxGridDimX:        2147483647,
		MaxBlockDimX:       1024,
		MaxThreadsPerBlock: 1024,
		WarpSize:           32,
	}
}

func (d *Driver) Name() string { return "sim" }

func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inited = true
	return nil
}

func (d *Driver) DeviceCount() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inited {
		return 0, fmt.Errorf("sim: driver not initialized")
	}
	return len(d.devices), nil
}

func (d *Driver) Device(id int) (driver.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 0 || id >= len(d.devices) {
		return nil, fmt.Errorf("sim: device %d: %w", id, driver.ErrNoDevice)
	}
	return d.devices[id], nil
}

// SetProperties overrides the advertised hardware limits of one device.
func (d *Driver) SetProperties(id int, p driver.Properties) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[id].props = p
}

// LastLaunch reports the most recent launch, if any.
func (d *Driver) LastLaunch() (LaunchRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastLaunch == nil {
		return LaunchRecord{}, false
	}
	return *d.lastLaunch, true
}

// LiveModules reports how many loaded modules have not been unloaded.
func (d *Driver) LiveModules() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveModules
}

// Allocations reports the number of live device allocations.
func (d *Driver) Allocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}

// allocLocked reserves size bytes in the fake address space.
func (d *Driver) allocLocked(size int64) (driver.Devptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("sim: invalid allocation size %d", size)
	}
	ptr := d.nextAddr
	d.allocs[ptr] = make([]byte, size)
	step := (driver.Devptr(size) + heapAlign - 1) &^ driver.Devptr(heapAlign-1)
	d.nextAddr += step
	return ptr, nil
}

// resolveLocked maps ptr to the backing bytes of the allocation containing
// [ptr, ptr+size).
func (d *Driver) resolveLocked(ptr driver.Devptr, size int64) ([]byte, error) {
	for base, buf := range d.allocs {
		if ptr >= base && ptr+driver.Devptr(size) <= base+driver.Devptr(len(buf)) {
			off := ptr - base
			return buf[off : off+driver.Devptr(size)], nil
		}
	}
	return nil, fmt.Errorf("sim: address %#x+%d outside any allocation", uint64(ptr), size)
}

type device struct {
	drv     *Driver
	ordinal int
	props   driver.Properties
}

func (dev *device) CreateContext(flags driver.CtxFlags) (driver.Context, error) {
	_ = flags // the simulator is always synchronous
	return &context{drv: dev.drv, dev: dev}, nil
}

func (dev *device) Properties() (driver.Properties, error) {
	dev.drv.mu.Lock()
	defer dev.drv.mu.Unlock()
	if dev.drv.FailProperties {
		return driver.Properties{}, fmt.Errorf("sim: property query failed")
	}
	return dev.props, nil
}

type context struct {
	drv       *Driver
	dev       *device
	destroyed bool
}

func (c *context) SetCurrent() error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("sim: context already destroyed")
	}
	c.drv.current = c
	return nil
}

// requireCurrentLocked enforces the rebind-before-use discipline the real
// driver API demands.
func (c *context) requireCurrentLocked() error {
	if c.destroyed {
		return fmt.Errorf("sim: context already destroyed")
	}
	if c.drv.current != c {
		return fmt.Errorf("sim: context is not current")
	}
	return nil
}

func (c *context) Synchronize() error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	return c.requireCurrentLocked()
}

func (c *context) Destroy() error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("sim: context already destroyed")
	}
	c.destroyed = true
	if c.drv.current == c {
		c.drv.current = nil
	}
	return nil
}

func (c *context) MemAlloc(size int64) (driver.Devptr, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if err := c.requireCurrentLocked(); err != nil {
		return 0, err
	}
	if c.drv.FailAlloc {
		return 0, fmt.Errorf("sim: out of device memory")
	}
	return c.drv.allocLocked(size)
}

func (c *context) MemFree(ptr driver.Devptr) error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if err := c.requireCurrentLocked(); err != nil {
		return err
	}
	if _, ok := c.drv.allocs[ptr]; !ok {
		return fmt.Errorf("sim: free of unknown address %#x", uint64(ptr))
	}
	delete(c.drv.allocs, ptr)
	return nil
}

func (c *context) MemcpyHtoD(dst driver.Devptr, src []byte) error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if err := c.requireCurrentLocked(); err != nil {
		return err
	}
	buf, err := c.drv.resolveLocked(dst, int64(len(src)))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (c *context) MemcpyDtoH(dst []byte, src driver.Devptr) error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if err := c.requireCurrentLocked(); err != nil {
		return err
	}
	buf, err := c.drv.resolveLocked(src, int64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func (c *context) Launch(fn driver.Function, grid, block driver.Dim3, sharedMem int, args []driver.Devptr) error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if err := c.requireCurrentLocked(); err != nil {
		return err
	}
	if c.drv.FailLaunch {
		return fmt.Errorf("sim: launch failed")
	}
	f, ok := fn.(*function)
	if !ok {
		return fmt.Errorf("sim: foreign function handle %T", fn)
	}
	if f.mod.unloaded {
		return fmt.Errorf("sim: kernel %q: module unloaded", f.name)
	}
	c.drv.lastLaunch = &LaunchRecord{
		Kernel:    f.name,
		Grid:      grid,
		Block:     block,
		SharedMem: sharedMem,
		Args:      append([]driver.Devptr(nil), args...),
	}
	if f.builtin == "" {
		return nil
	}
	impl, ok := builtins[f.builtin]
	if !ok {
		return fmt.Errorf("sim: kernel %q: unknown builtin %q", f.name, f.builtin)
	}
	c.drv.log.Debug("executing builtin kernel",
		zap.String("kernel", f.name),
		zap.String("builtin", f.builtin),
		zap.Int("blocks", grid.X),
		zap.Int("threads", block.X))
	return impl(c, grid, block, args)
}
