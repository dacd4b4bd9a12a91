package plugin

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/offloadrt/device-plugin/internal/driver"
	"github.com/offloadrt/device-plugin/internal/image"
	"github.com/offloadrt/device-plugin/internal/metrics"
)

// LoadBinary loads img into the device and resolves every host-declared
// entry against the module's symbols. The entry table is rebuilt, never
// appended: the previous load's entries are discarded first and stay
// discarded if this load fails. On failure the module is unloaded and
// kernel records created during the load are dropped; the returned view is
// valid until the next LoadBinary or Shutdown.
func (r *Registry) LoadBinary(id int32, img *image.Image) ([]Entry, error) {
	d, err := r.bind(id)
	if err != nil {
		return nil, err
	}

	d.clearEntries()

	mod, err := d.ctx.LoadModule(img.Bytes)
	if err != nil {
		metrics.BinaryLoads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("loading module on device %d: %w", id, err)
	}
	r.log.Debug("module loaded",
		zap.Int32("device", id),
		zap.Int("image_bytes", len(img.Bytes)),
		zap.Int("host_entries", len(img.Entries)))

	arenaMark := len(r.kernels)
	entries, err := r.resolveEntries(d, mod, img.Entries)
	if err != nil {
		// Roll back everything this load created.
		r.kernels = r.kernels[:arenaMark]
		if uerr := mod.Unload(); uerr != nil {
			r.log.Warn("unloading module after failed load",
				zap.Int32("device", id),
				zap.Error(uerr))
		}
		metrics.BinaryLoads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("device %d: %w", id, err)
	}

	d.modules = append(d.modules, mod)
	d.entries = entries
	metrics.BinaryLoads.WithLabelValues("ok").Inc()
	return d.entries, nil
}

// resolveEntries binds each host descriptor to a device symbol, in original
// order. Any per-entry failure aborts the whole load.
func (r *Registry) resolveEntries(d *deviceState, mod driver.Module, descs []image.Descriptor) ([]Entry, error) {
	entries := make([]Entry, 0, len(descs))
	for _, e := range descs {
		switch {
		case e.HostAddr == 0:
			// The host declared nothing to bind against; pass the entry
			// through untouched.
			r.log.Debug("passing through unresolved entry",
				zap.Int32("device", d.id),
				zap.Int64("size", e.Size))
			entries = append(entries, Entry{
				Name:   e.Name,
				Kind:   EntryGlobal,
				Size:   e.Size,
				Kernel: InvalidKernel,
			})

		case e.Size != 0:
			ptr, size, err := mod.Global(e.Name)
			if err != nil {
				return nil, fmt.Errorf("binding global %q: %w", e.Name, err)
			}
			if size != e.Size {
				return nil, fmt.Errorf("binding global %q: size mismatch (device %d, host %d)", e.Name, size, e.Size)
			}
			r.log.Debug("entry bound to device global",
				zap.Int32("device", d.id),
				zap.String("name", e.Name),
				zap.Uint64("addr", uint64(ptr)))
			entries = append(entries, Entry{
				Name:       e.Name,
				Kind:       EntryGlobal,
				HostAddr:   e.HostAddr,
				DeviceAddr: ptr,
				Size:       size,
				Kernel:     InvalidKernel,
			})

		default:
			fn, err := mod.Function(e.Name)
			if err != nil {
				return nil, fmt.Errorf("binding kernel %q: %w", e.Name, err)
			}
			mode, err := r.readExecMode(d, mod, e.Name)
			if err != nil {
				return nil, err
			}
			kid := KernelID(len(r.kernels))
			r.kernels = append(r.kernels, kernelRecord{fn: fn, mode: mode})
			r.log.Debug("entry bound to kernel",
				zap.Int32("device", d.id),
				zap.String("name", e.Name),
				zap.Stringer("exec_mode", mode),
				zap.Int32("kernel", int32(kid)))
			entries = append(entries, Entry{
				Name:     e.Name,
				Kind:     EntryKernel,
				HostAddr: e.HostAddr,
				Kernel:   kid,
			})
		}
	}
	return entries, nil
}

// readExecMode reads the kernel's companion "<name>_exec_mode" symbol. A
// missing symbol defaults to generic mode; a present symbol must be exactly
// one byte holding 0 or 1.
func (r *Registry) readExecMode(d *deviceState, mod driver.Module, name string) (ExecMode, error) {
	ptr, size, err := mod.Global(name + execModeSuffix)
	if err != nil {
		r.log.Debug("exec mode symbol missing, defaulting to generic",
			zap.Int32("device", d.id),
			zap.String("kernel", name))
		return ExecModeGeneric, nil
	}
	if size != 1 {
		return 0, fmt.Errorf("kernel %q: exec mode symbol has size %d, want 1", name, size)
	}
	var buf [1]byte
	if err := d.ctx.MemcpyDtoH(buf[:], ptr); err != nil {
		return 0, fmt.Errorf("kernel %q: reading exec mode: %w", name, err)
	}
	mode := ExecMode(int8(buf[0]))
	if mode != ExecModeSPMD && mode != ExecModeGeneric {
		return 0, fmt.Errorf("kernel %q: invalid exec mode value %d", name, int8(buf[0]))
	}
	return mode, nil
}
