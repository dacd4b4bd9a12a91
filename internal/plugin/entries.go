package plugin

import "github.com/offloadrt/device-plugin/internal/driver"

// EntryKind discriminates offload entries. The wire encoding (size zero
// means function) stays in the loader; in-memory entries carry an explicit
// tag.
type EntryKind int

const (
	EntryGlobal EntryKind = iota
	EntryKernel
)

func (k EntryKind) String() string {
	switch k {
	case EntryGlobal:
		return "global"
	case EntryKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// KernelID indexes the registry's kernel arena. IDs stay valid until
// Shutdown, across binary reloads.
type KernelID int32

// InvalidKernel marks entries that are not kernel functions.
const InvalidKernel KernelID = -1

// Entry is one resolved offload entry. For globals DeviceAddr and Size are
// meaningful; for kernels only Kernel is. Entries with HostAddr zero passed
// through the loader unresolved.
type Entry struct {
	Name       string
	Kind       EntryKind
	HostAddr   uint64
	DeviceAddr driver.Devptr
	Size       int64
	Kernel     KernelID
}

// ExecMode is the kernel execution mode read from the companion
// "<kernel>_exec_mode" device symbol.
type ExecMode int8

const (
	// ExecModeSPMD runs user code uniformly on all threads.
	ExecModeSPMD ExecMode = 0
	// ExecModeGeneric reserves one warp for a coordinating thread group.
	// The default when the companion symbol is missing.
	ExecModeGeneric ExecMode = 1
)

func (m ExecMode) String() string {
	switch m {
	case ExecModeSPMD:
		return "spmd"
	case ExecModeGeneric:
		return "generic"
	default:
		return "invalid"
	}
}

// kernelRecord lives in the registry arena for the life of the registry, so
// handed-out KernelIDs stay stable.
type kernelRecord struct {
	fn   driver.Function
	mode ExecMode
}

// addEntry appends to the device's entry table. Duplicate names are not
// de-duplicated; the caller contract excludes them.
func (d *deviceState) addEntry(e Entry) {
	d.entries = append(d.entries, e)
}

// hasEntry scans for a host address. Linear, entry counts are
// compile-unit sized.
func (d *deviceState) hasEntry(hostAddr uint64) bool {
	for i := range d.entries {
		if d.entries[i].HostAddr == hostAddr {
			return true
		}
	}
	return false
}

// clearEntries empties the table ahead of a reload, keeping the storage.
func (d *deviceState) clearEntries() {
	d.entries = d.entries[:0]
}
