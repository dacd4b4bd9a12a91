//go:build cuda

// Package cuda binds the driver interfaces to libcuda. Forward declarations
// keep the package compilable without CUDA headers; the linker needs libcuda
// when the cuda build tag is on.
package cuda

/*
#cgo LDFLAGS: -lcuda

#include <stddef.h>
#include <stdlib.h>

typedef int CUresult;
typedef int CUdevice;
typedef void* CUcontext;
typedef void* CUmodule;
typedef void* CUfunction;
typedef void* CUstream;
typedef unsigned long long CUdeviceptr;

#define CUDA_SUCCESS 0
#define CUDA_ERROR_NOT_FOUND 500

#define CU_CTX_SCHED_BLOCKING_SYNC 0x04

#define CU_DEVICE_ATTRIBUTE_MAX_THREADS_PER_BLOCK 1
#define CU_DEVICE_ATTRIBUTE_MAX_BLOCK_DIM_X 2
#define CU_DEVICE_ATTRIBUTE_MAX_GRID_DIM_X 5
#define CU_DEVICE_ATTRIBUTE_WARP_SIZE 10
#define CU_FUNC_ATTRIBUTE_MAX_THREADS_PER_BLOCK 0

extern CUresult cuInit(unsigned int flags);
extern CUresult cuGetErrorString(CUresult err, const char** str);
extern CUresult cuDeviceGetCount(int* count);
extern CUresult cuDeviceGet(CUdevice* dev, int ordinal);
extern CUresult cuDeviceGetName(char* name, int len, CUdevice dev);
extern CUresult cuDeviceTotalMem_v2(size_t* bytes, CUdevice dev);
extern CUresult cuDeviceGetAttribute(int* out, int attrib, CUdevice dev);
extern CUresult cuCtxCreate_v2(CUcontext* ctx, unsigned int flags, CUdevice dev);
extern CUresult cuCtxSetCurrent(CUcontext ctx);
extern CUresult cuCtxDestroy_v2(CUcontext ctx);
extern CUresult cuCtxSynchronize(void);
extern CUresult cuModuleLoadDataEx(CUmodule* mod, const void* image, unsigned int numOptions, int* options, void** optionValues);
extern CUresult cuModuleUnload(CUmodule mod);
extern CUresult cuModuleGetGlobal_v2(CUdeviceptr* ptr, size_t* bytes, CUmodule mod, const char* name);
extern CUresult cuModuleGetFunction(CUfunction* fn, CUmodule mod, const char* name);
extern CUresult cuFuncGetAttribute(int* out, int attrib, CUfunction fn);
extern CUresult cuMemAlloc_v2(CUdeviceptr* ptr, size_t bytes);
extern CUresult cuMemFree_v2(CUdeviceptr ptr);
extern CUresult cuMemcpyHtoD_v2(CUdeviceptr dst, const void* src, size_t bytes);
extern CUresult cuMemcpyDtoH_v2(void* dst, CUdeviceptr src, size_t bytes);
extern CUresult cuLaunchKernel(CUfunction fn,
	unsigned int gridX, unsigned int gridY, unsigned int gridZ,
	unsigned int blockX, unsigned int blockY, unsigned int blockZ,
	unsigned int sharedMemBytes, CUstream stream,
	void** kernelParams, void** extra);
*/
import "C"

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/offloadrt/device-plugin/internal/driver"
)

const ptrSize = unsafe.Sizeof(unsafe.Pointer(nil))

// Driver talks to libcuda.
type Driver struct {
	log *zap.Logger
}

// New creates the CUDA driver binding. Init must be called before use.
func New(log *zap.Logger) *Driver {
	return &Driver{log: log.Named("cuda")}
}

func (d *Driver) Name() string { return "cuda" }

func (d *Driver) Init() error {
	return result(C.cuInit(0), "cuInit")
}

func (d *Driver) DeviceCount() (int, error) {
	var n C.int
	if err := result(C.cuDeviceGetCount(&n), "cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (d *Driver) Device(id int) (driver.Device, error) {
	var h C.CUdevice
	if err := result(C.cuDeviceGet(&h, C.int(id)), "cuDeviceGet"); err != nil {
		return nil, fmt.Errorf("device %d: %w", id, err)
	}
	return &device{drv: d, handle: h}, nil
}

type device struct {
	drv    *Driver
	handle C.CUdevice
}

func (dev *device) CreateContext(flags driver.CtxFlags) (driver.Context, error) {
	var cf C.uint
	if flags == driver.CtxSchedBlockingSync {
		cf = C.CU_CTX_SCHED_BLOCKING_SYNC
	}
	var ctx C.CUcontext
	if err := result(C.cuCtxCreate_v2(&ctx, cf, dev.handle), "cuCtxCreate"); err != nil {
		return nil, err
	}
	return &context{drv: dev.drv, handle: ctx}, nil
}

func (dev *device) Properties() (driver.Properties, error) {
	var p driver.Properties

	buf := make([]C.char, 256)
	if err := result(C.cuDeviceGetName(&buf[0], C.int(len(buf)), dev.handle), "cuDeviceGetName"); err != nil {
		return p, err
	}
	p.Name = C.GoString(&buf[0])

	var bytes C.size_t
	if err := result(C.cuDeviceTotalMem_v2(&bytes, dev.handle), "cuDeviceTotalMem"); err != nil {
		return p, err
	}
	p.TotalMemory = int64(bytes)

	for _, q := range []struct {
		attr C.int
		dst  *int
	}{
		{C.CU_DEVICE_ATTRIBUTE_MAX_GRID_DIM_X, &p.MaxGridDimX},
		{C.CU_DEVICE_ATTRIBUTE_MAX_BLOCK_DIM_X, &p.MaxBlockDimX},
		{C.CU_DEVICE_ATTRIBUTE_MAX_THREADS_PER_BLOCK, &p.MaxThreadsPerBlock},
		{C.CU_DEVICE_ATTRIBUTE_WARP_SIZE, &p.WarpSize},
	} {
		var v C.int
		if err := result(C.cuDeviceGetAttribute(&v, q.attr, dev.handle), "cuDeviceGetAttribute"); err != nil {
			return p, err
		}
		*q.dst = int(v)
	}
	return p, nil
}

type context struct {
	drv    *Driver
	handle C.CUcontext
}

func (c *context) SetCurrent() error {
	return result(C.cuCtxSetCurrent(c.handle), "cuCtxSetCurrent")
}

func (c *context) Synchronize() error {
	return result(C.cuCtxSynchronize(), "cuCtxSynchronize")
}

func (c *context) Destroy() error {
	return result(C.cuCtxDestroy_v2(c.handle), "cuCtxDestroy")
}

func (c *context) LoadModule(image []byte) (driver.Module, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("cuda: empty module image")
	}
	blob := C.CBytes(image)
	defer C.free(blob)
	var mod C.CUmodule
	if err := result(C.cuModuleLoadDataEx(&mod, blob, 0, nil, nil), "cuModuleLoadDataEx"); err != nil {
		return nil, err
	}
	return &module{drv: c.drv, handle: mod}, nil
}

func (c *context) MemAlloc(size int64) (driver.Devptr, error) {
	var ptr C.CUdeviceptr
	if err := result(C.cuMemAlloc_v2(&ptr, C.size_t(size)), "cuMemAlloc"); err != nil {
		return 0, err
	}
	return driver.Devptr(ptr), nil
}

func (c *context) MemFree(ptr driver.Devptr) error {
	return result(C.cuMemFree_v2(C.CUdeviceptr(ptr)), "cuMemFree")
}

func (c *context) MemcpyHtoD(dst driver.Devptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return result(C.cuMemcpyHtoD_v2(C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))), "cuMemcpyHtoD")
}

func (c *context) MemcpyDtoH(dst []byte, src driver.Devptr) error {
	if len(dst) == 0 {
		return nil
	}
	return result(C.cuMemcpyDtoH_v2(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst))), "cuMemcpyDtoH")
}

func (c *context) Launch(fn driver.Function, grid, block driver.Dim3, sharedMem int, args []driver.Devptr) error {
	f, ok := fn.(*function)
	if !ok {
		return fmt.Errorf("cuda: foreign function handle %T", fn)
	}

	// The kernel receives an array of pointers to pointer-sized argument
	// slots. Both arrays live in C memory to satisfy cgo pointer rules.
	var params *unsafe.Pointer
	if len(args) > 0 {
		slots := C.malloc(C.size_t(len(args)) * 8)
		defer C.free(slots)
		table := C.malloc(C.size_t(len(args)) * C.size_t(ptrSize))
		defer C.free(table)
		for i, a := range args {
			slot := (*C.ulonglong)(unsafe.Pointer(uintptr(slots) + uintptr(i)*8))
			*slot = C.ulonglong(a)
			cell := (*unsafe.Pointer)(unsafe.Pointer(uintptr(table) + uintptr(i)*ptrSize))
			*cell = unsafe.Pointer(slot)
		}
		params = (*unsafe.Pointer)(table)
	}

	return result(C.cuLaunchKernel(f.handle,
		C.uint(grid.X), C.uint(grid.Y), C.uint(grid.Z),
		C.uint(block.X), C.uint(block.Y), C.uint(block.Z),
		C.uint(sharedMem), nil, params, nil), "cuLaunchKernel")
}

type module struct {
	drv    *Driver
	handle C.CUmodule
}

func (m *module) Unload() error {
	return result(C.cuModuleUnload(m.handle), "cuModuleUnload")
}

func (m *module) Global(name string) (driver.Devptr, int64, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var ptr C.CUdeviceptr
	var size C.size_t
	if err := result(C.cuModuleGetGlobal_v2(&ptr, &size, m.handle, cname), "cuModuleGetGlobal"); err != nil {
		return 0, 0, fmt.Errorf("global %q: %w", name, err)
	}
	return driver.Devptr(ptr), int64(size), nil
}

func (m *module) Function(name string) (driver.Function, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var fn C.CUfunction
	if err := result(C.cuModuleGetFunction(&fn, m.handle, cname), "cuModuleGetFunction"); err != nil {
		return nil, fmt.Errorf("function %q: %w", name, err)
	}
	return &function{drv: m.drv, name: name, handle: fn}, nil
}

type function struct {
	drv    *Driver
	name   string
	handle C.CUfunction
}

func (f *function) Name() string { return f.name }

func (f *function) MaxThreadsPerBlock() (int, error) {
	var v C.int
	if err := result(C.cuFuncGetAttribute(&v, C.CU_FUNC_ATTRIBUTE_MAX_THREADS_PER_BLOCK, f.handle), "cuFuncGetAttribute"); err != nil {
		return 0, fmt.Errorf("%w: %v", driver.ErrNotSupported, err)
	}
	return int(v), nil
}

func result(code C.CUresult, op string) error {
	if code == C.CUDA_SUCCESS {
		return nil
	}
	if code == C.CUDA_ERROR_NOT_FOUND {
		return fmt.Errorf("%s: %w", op, driver.ErrSymbolNotFound)
	}
	var msg *C.char
	if C.cuGetErrorString(code, &msg) == C.CUDA_SUCCESS && msg != nil {
		return fmt.Errorf("%s: %s (%d)", op, C.GoString(msg), int(code))
	}
	return fmt.Errorf("%s: CUDA error %d", op, int(code))
}
