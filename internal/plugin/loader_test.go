package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offloadrt/device-plugin/internal/driver"
	"github.com/offloadrt/device-plugin/internal/driver/sim"
	"github.com/offloadrt/device-plugin/internal/image"
)

func TestLoadBinary(t *testing.T) {
	spmd := int8(0)

	t.Run("binds globals and kernels", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 1)
		require.NoError(t, reg.InitDevice(0))

		img := &image.Image{
			Bytes: encodeModule(t, sim.ModuleSpec{
				Globals: []sim.GlobalSpec{{Name: "counter", Size: 8}},
				Kernels: []sim.KernelSpec{{Name: "k", ExecMode: &spmd}},
			}),
			Entries: []image.Descriptor{
				{Name: "counter", HostAddr: 0x100, Size: 8},
				{Name: "k", HostAddr: 0x200},
			},
		}
		entries, err := reg.LoadBinary(0, img)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, EntryGlobal, entries[0].Kind)
		assert.Equal(t, "counter", entries[0].Name)
		assert.NotZero(t, entries[0].DeviceAddr)
		assert.Equal(t, int64(8), entries[0].Size)
		assert.Equal(t, InvalidKernel, entries[0].Kernel)

		assert.Equal(t, EntryKernel, entries[1].Kind)
		assert.Equal(t, "k", entries[1].Name)
		require.GreaterOrEqual(t, int32(entries[1].Kernel), int32(0))
		assert.Equal(t, ExecModeSPMD, reg.kernels[entries[1].Kernel].mode)
	})

	t.Run("missing exec mode defaults to generic", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 1)
		require.NoError(t, reg.InitDevice(0))

		entries := loadKernelImage(t, reg, "k", nil)
		assert.Equal(t, ExecModeGeneric, reg.kernels[entries[0].Kernel].mode)
	})

	t.Run("invalid exec mode value fails the load", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 1)
		require.NoError(t, reg.InitDevice(0))

		img := &image.Image{
			Bytes: encodeModule(t, sim.ModuleSpec{
				Globals: []sim.GlobalSpec{{Name: "k_exec_mode", Size: 1, Data: []byte{2}}},
				Kernels: []sim.KernelSpec{{Name: "k"}},
			}),
			Entries: []image.Descriptor{{Name: "k", HostAddr: 0x10}},
		}
		_, err := reg.LoadBinary(0, img)
		assert.ErrorContains(t, err, "invalid exec mode")
	})

	t.Run("exec mode symbol of wrong size fails the load", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 1)
		require.NoError(t, reg.InitDevice(0))

		img := &image.Image{
			Bytes: encodeModule(t, sim.ModuleSpec{
				Globals: []sim.GlobalSpec{{Name: "k_exec_mode", Size: 2}},
				Kernels: []sim.KernelSpec{{Name: "k"}},
			}),
			Entries: []image.Descriptor{{Name: "k", HostAddr: 0x10}},
		}
		_, err := reg.LoadBinary(0, img)
		assert.ErrorContains(t, err, "size 2, want 1")
	})

	t.Run("global size mismatch fails the load", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 1)
		require.NoError(t, reg.InitDevice(0))

		img := &image.Image{
			Bytes: encodeModule(t, sim.ModuleSpec{
				Globals: []sim.GlobalSpec{{Name: "gv", Size: 16}},
			}),
			Entries: []image.Descriptor{{Name: "gv", HostAddr: 0x100, Size: 8}},
		}
		_, err := reg.LoadBinary(0, img)
		assert.ErrorContains(t, err, "size mismatch")
	})

	t.Run("missing global symbol fails the load", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 1)
		require.NoError(t, reg.InitDevice(0))

		img := &image.Image{
			Bytes:   encodeModule(t, sim.ModuleSpec{}),
			Entries: []image.Descriptor{{Name: "gv", HostAddr: 0x100, Size: 8}},
		}
		_, err := reg.LoadBinary(0, img)
		assert.ErrorIs(t, err, driver.ErrSymbolNotFound)
	})

	t.Run("missing kernel symbol fails the load", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 1)
		require.NoError(t, reg.InitDevice(0))

		img := &image.Image{
			Bytes:   encodeModule(t, sim.ModuleSpec{}),
			Entries: []image.Descriptor{{Name: "k", HostAddr: 0x10}},
		}
		_, err := reg.LoadBinary(0, img)
		assert.ErrorIs(t, err, driver.ErrSymbolNotFound)
	})

	t.Run("null host address passes through unresolved", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 1)
		require.NoError(t, reg.InitDevice(0))

		img := &image.Image{
			Bytes:   encodeModule(t, sim.ModuleSpec{}),
			Entries: []image.Descriptor{{Name: "orphan", HostAddr: 0, Size: 8}},
		}
		entries, err := reg.LoadBinary(0, img)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "orphan", entries[0].Name)
		assert.Zero(t, entries[0].DeviceAddr)
		assert.Equal(t, int64(8), entries[0].Size)
	})

	t.Run("failed load rolls back and clears the table", func(t *testing.T) {
		reg, drv := newTestRegistry(t, 1)
		require.NoError(t, reg.InitDevice(0))

		loadKernelImage(t, reg, "good", nil)
		kernelsBefore := len(reg.kernels)
		modulesBefore := drv.LiveModules()

		img := &image.Image{
			Bytes: encodeModule(t, sim.ModuleSpec{
				Kernels: []sim.KernelSpec{{Name: "bad"}},
			}),
			Entries: []image.Descriptor{
				{Name: "bad", HostAddr: 0x10},
				{Name: "missing", HostAddr: 0x20},
			},
		}
		_, err := reg.LoadBinary(0, img)
		require.Error(t, err)

		// The failing load's module and kernels are gone; the table is
		// cleared, not rolled back to the previous binary.
		assert.Equal(t, kernelsBefore, len(reg.kernels))
		assert.Equal(t, modulesBefore, drv.LiveModules())
		entries, err := reg.Entries(0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("reload rebuilds the table", func(t *testing.T) {
		reg, _ := newTestRegistry(t, 1)
		require.NoError(t, reg.InitDevice(0))

		img := &image.Image{
			Bytes: encodeModule(t, sim.ModuleSpec{
				Globals: []sim.GlobalSpec{{Name: "gv", Size: 4}},
				Kernels: []sim.KernelSpec{{Name: "k", ExecMode: &spmd}},
			}),
			Entries: []image.Descriptor{
				{Name: "gv", HostAddr: 0x100, Size: 4},
				{Name: "k", HostAddr: 0x200},
			},
		}
		first, err := reg.LoadBinary(0, img)
		require.NoError(t, err)
		second, err := reg.LoadBinary(0, img)
		require.NoError(t, err)

		// Same content as a single load: old entries fully discarded.
		require.Len(t, second, len(first))
		for i := range second {
			assert.Equal(t, first[i].Name, second[i].Name)
			assert.Equal(t, first[i].Kind, second[i].Kind)
			assert.Equal(t, first[i].HostAddr, second[i].HostAddr)
		}
		// Kernel handles from the earlier load stay usable.
		assert.Equal(t, ExecModeSPMD, reg.kernels[first[1].Kernel].mode)
	})
}

func TestHasEntry(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	require.NoError(t, reg.InitDevice(0))
	loadKernelImage(t, reg, "k", nil)

	assert.True(t, reg.HasEntry(0, 0x10))
	assert.False(t, reg.HasEntry(0, 0xdead))
	assert.False(t, reg.HasEntry(7, 0x10))
}
