package sim

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/offloadrt/device-plugin/internal/driver"
)

// ModuleSpec is the JSON document the simulator accepts as a device image.
type ModuleSpec struct {
	Globals []GlobalSpec `json:"globals,omitempty"`
	Kernels []KernelSpec `json:"kernels,omitempty"`
}

// GlobalSpec declares a device global variable. Data, when present, is the
// initial contents and may be shorter than Size.
type GlobalSpec struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Data []byte `json:"data,omitempty"`
}

// KernelSpec declares a kernel. ExecMode, when set, materializes a one-byte
// "<name>_exec_mode" global alongside the function, the way device compilers
// emit it. Builtin names one of the simulator's executable ops; kernels
// without one only record their launch.
type KernelSpec struct {
	Name       string `json:"name"`
	Builtin    string `json:"builtin,omitempty"`
	ExecMode   *int8  `json:"execMode,omitempty"`
	MaxThreads *int   `json:"maxThreads,omitempty"`
}

// Encode serializes the spec into image bytes accepted by LoadModule.
func (s ModuleSpec) Encode() ([]byte, error) {
	return json.Marshal(s)
}

type globalSlot struct {
	ptr  driver.Devptr
	size int64
}

type module struct {
	ctx      *context
	globals  map[string]globalSlot
	funcs    map[string]*function
	unloaded bool
}

type function struct {
	drv        *Driver
	mod        *module
	name       string
	builtin    string
	maxThreads *int
}

func (c *context) LoadModule(image []byte) (driver.Module, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if err := c.requireCurrentLocked(); err != nil {
		return nil, err
	}

	var spec ModuleSpec
	if err := json.Unmarshal(image, &spec); err != nil {
		return nil, fmt.Errorf("sim: bad module image: %w", err)
	}

	m := &module{
		ctx:     c,
		globals: make(map[string]globalSlot),
		funcs:   make(map[string]*function),
	}
	for _, g := range spec.Globals {
		if err := m.addGlobalLocked(g.Name, g.Size, g.Data); err != nil {
			return nil, err
		}
	}
	for _, k := range spec.Kernels {
		m.funcs[k.Name] = &function{
			drv:        c.drv,
			mod:        m,
			name:       k.Name,
			builtin:    k.Builtin,
			maxThreads: k.MaxThreads,
		}
		if k.ExecMode != nil {
			mode := byte(*k.ExecMode)
			if err := m.addGlobalLocked(k.Name+"_exec_mode", 1, []byte{mode}); err != nil {
				return nil, err
			}
		}
	}
	c.drv.liveModules++
	return m, nil
}

func (m *module) addGlobalLocked(name string, size int64, data []byte) error {
	if int64(len(data)) > size {
		return fmt.Errorf("sim: global %q: %d data bytes exceed declared size %d", name, len(data), size)
	}
	ptr, err := m.ctx.drv.allocLocked(size)
	if err != nil {
		return fmt.Errorf("sim: global %q: %w", name, err)
	}
	buf, err := m.ctx.drv.resolveLocked(ptr, size)
	if err != nil {
		return err
	}
	copy(buf, data)
	m.globals[name] = globalSlot{ptr: ptr, size: size}
	return nil
}

func (m *module) Unload() error {
	m.ctx.drv.mu.Lock()
	defer m.ctx.drv.mu.Unlock()
	if m.unloaded {
		return fmt.Errorf("sim: module already unloaded")
	}
	for _, g := range m.globals {
		delete(m.ctx.drv.allocs, g.ptr)
	}
	m.unloaded = true
	m.ctx.drv.liveModules--
	return nil
}

func (m *module) Global(name string) (driver.Devptr, int64, error) {
	m.ctx.drv.mu.Lock()
	defer m.ctx.drv.mu.Unlock()
	if m.unloaded {
		return 0, 0, fmt.Errorf("sim: module unloaded")
	}
	g, ok := m.globals[name]
	if !ok {
		return 0, 0, fmt.Errorf("global %q: %w", name, driver.ErrSymbolNotFound)
	}
	return g.ptr, g.size, nil
}

func (m *module) Function(name string) (driver.Function, error) {
	m.ctx.drv.mu.Lock()
	defer m.ctx.drv.mu.Unlock()
	if m.unloaded {
		return nil, fmt.Errorf("sim: module unloaded")
	}
	f, ok := m.funcs[name]
	if !ok {
		return nil, fmt.Errorf("function %q: %w", name, driver.ErrSymbolNotFound)
	}
	return f, nil
}

func (f *function) Name() string { return f.name }

func (f *function) MaxThreadsPerBlock() (int, error) {
	f.drv.mu.Lock()
	defer f.drv.mu.Unlock()
	if f.drv.FailAttribute || f.maxThreads == nil {
		return 0, driver.ErrNotSupported
	}
	return *f.maxThreads, nil
}
