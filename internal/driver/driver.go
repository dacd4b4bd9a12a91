// Package driver abstracts the accelerator driver API used by the offload
// plugin. Implementations exist for NVIDIA CUDA (build tag "cuda") and for a
// CPU-backed simulator used as fallback and in tests.
//
// The "current context" is process-global state inside each implementation,
// mirroring the CUDA driver API: memory and launch operations act on whatever
// context was last passed to SetCurrent.
package driver

import "errors"

// Devptr is an address in the device address space. Pointer-sized kernel
// arguments (including by-value scalars) travel as Devptr slots.
type Devptr uint64

// Dim3 describes a launch dimension triple.
type Dim3 struct {
	X, Y, Z int
}

// Dim returns a 1-D dimension, the only shape the dispatcher uses.
func Dim(x int) Dim3 {
	return Dim3{X: x, Y: 1, Z: 1}
}

// CtxFlags selects the context scheduling policy.
type CtxFlags int

const (
	CtxSchedAuto CtxFlags = iota
	// CtxSchedBlockingSync makes Synchronize block the calling thread until
	// outstanding device work completes.
	CtxSchedBlockingSync
)

// Properties holds the hardware limits queried at device init.
type Properties struct {
	Name               string
	TotalMemory        int64
	MaxGridDimX        int
	MaxBlockDimX       int
	MaxThreadsPerBlock int
	WarpSize           int
}

var (
	// ErrSymbolNotFound is returned by Module.Global and Module.Function
	// when the named symbol does not exist in the loaded module.
	ErrSymbolNotFound = errors.New("driver: symbol not found")
	// ErrNotSupported is returned for queries the implementation or the
	// hardware cannot answer, e.g. a kernel attribute lookup.
	ErrNotSupported = errors.New("driver: not supported")
	// ErrNoDevice is returned for device ordinals outside the enumerated range.
	ErrNoDevice = errors.New("driver: no such device")
)

// Driver is the entry point of a driver implementation.
type Driver interface {
	Name() string
	Init() error
	DeviceCount() (int, error)
	Device(id int) (Device, error)
}

// Device is an enumerated accelerator.
type Device interface {
	CreateContext(flags CtxFlags) (Context, error)
	Properties() (Properties, error)
}

// Context is an execution environment bound to a device. All operations
// except SetCurrent require the context to be the current one.
type Context interface {
	SetCurrent() error
	Synchronize() error
	Destroy() error

	LoadModule(image []byte) (Module, error)

	MemAlloc(size int64) (Devptr, error)
	MemFree(ptr Devptr) error
	MemcpyHtoD(dst Devptr, src []byte) error
	MemcpyDtoH(dst []byte, src Devptr) error

	Launch(fn Function, grid, block Dim3, sharedMem int, args []Devptr) error
}

// Module is a device image loaded into a context.
type Module interface {
	Unload() error
	// Global resolves a device global variable to its address and size.
	Global(name string) (Devptr, int64, error)
	Function(name string) (Function, error)
}

// Function is a kernel handle resolved from a module.
type Function interface {
	Name() string
	// MaxThreadsPerBlock reports the kernel-specific thread limit, which can
	// be stricter than the device-wide one. ErrNotSupported when the
	// attribute cannot be queried.
	MaxThreadsPerBlock() (int, error)
}
