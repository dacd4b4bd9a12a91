package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offloadrt/device-plugin/internal/config"
	"github.com/offloadrt/device-plugin/internal/driver"
	"github.com/offloadrt/device-plugin/internal/driver/sim"
	"github.com/offloadrt/device-plugin/internal/image"
)

// fakeFn satisfies driver.Function for the pure geometry tests.
type fakeFn struct {
	name  string
	limit int
	err   error
}

func (f fakeFn) Name() string { return f.name }

func (f fakeFn) MaxThreadsPerBlock() (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.limit, nil
}

func testDeviceState() *deviceState {
	return &deviceState{
		id:              0,
		threadsPerBlock: 1024,
		blocksPerGrid:   1 << 16,
		warpSize:        32,
		numTeams:        128,
		numThreads:      1024,
	}
}

func TestThreadsPerBlock(t *testing.T) {
	r := &Registry{log: zap.NewNop(), env: config.DefaultEnv()}
	d := testDeviceState()

	tests := []struct {
		name        string
		mode        ExecMode
		kernelLimit int
		kernelErr   error
		threadLimit int32
		want        int32
	}{
		{
			name:      "spmd uses requested limit",
			mode:      ExecModeSPMD,
			kernelErr: driver.ErrNotSupported,
			// limit below everything passes through untouched
			threadLimit: 64,
			want:        64,
		},
		{
			name:        "zero request falls back to device default",
			mode:        ExecModeSPMD,
			kernelErr:   driver.ErrNotSupported,
			threadLimit: 0,
			want:        1024,
		},
		{
			name:        "generic adds a coordinator warp",
			mode:        ExecModeGeneric,
			kernelErr:   driver.ErrNotSupported,
			threadLimit: 100,
			want:        132,
		},
		{
			name:        "device limit caps the warp addition",
			mode:        ExecModeGeneric,
			kernelErr:   driver.ErrNotSupported,
			threadLimit: 1024,
			want:        1024,
		},
		{
			name:        "kernel limit wins when stricter",
			mode:        ExecModeSPMD,
			kernelLimit: 256,
			threadLimit: 512,
			want:        256,
		},
		{
			name:        "kernel limit ignored when looser",
			mode:        ExecModeSPMD,
			kernelLimit: 2048,
			threadLimit: 512,
			want:        512,
		},
		{
			name:        "kernel cap applies after device cap",
			mode:        ExecModeGeneric,
			kernelLimit: 768,
			threadLimit: 1024,
			want:        768,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := &kernelRecord{
				fn:   fakeFn{name: "k", limit: tt.kernelLimit, err: tt.kernelErr},
				mode: tt.mode,
			}
			assert.Equal(t, tt.want, r.threadsPerBlock(d, k, tt.threadLimit))
		})
	}
}

func TestBlocksPerGrid(t *testing.T) {
	d := testDeviceState()

	tests := []struct {
		name      string
		envTeams  int32
		teams     int32
		tripCount uint64
		threads   int32
		want      int32
	}{
		{
			name:      "explicit request honored",
			envTeams:  -1,
			teams:     42,
			tripCount: 0,
			threads:   1024,
			want:      42,
		},
		{
			name:      "request clamped to grid limit",
			envTeams:  -1,
			teams:     100000,
			tripCount: 0,
			threads:   1024,
			want:      1 << 16,
		},
		{
			name:      "no request no trip count uses default teams",
			envTeams:  -1,
			teams:     0,
			tripCount: 0,
			threads:   1024,
			want:      128,
		},
		{
			name:      "trip count sizes the grid",
			envTeams:  -1,
			teams:     -1,
			tripCount: 10000,
			threads:   1024,
			want:      10,
		},
		{
			name:      "trip count divides exactly",
			envTeams:  -1,
			teams:     0,
			tripCount: 2048,
			threads:   1024,
			want:      2,
		},
		{
			name:      "single iteration still gets a team",
			envTeams:  -1,
			teams:     0,
			tripCount: 1,
			threads:   1024,
			want:      1,
		},
		{
			name:      "env team override suppresses trip sizing",
			envTeams:  128,
			teams:     0,
			tripCount: 10000,
			threads:   1024,
			want:      128,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Registry{log: zap.NewNop(), env: config.Env{TeamLimit: -1, NumTeams: tt.envTeams}}
			dd := *d
			if tt.envTeams > 0 {
				dd.numTeams = tt.envTeams
			}
			assert.Equal(t, tt.want, r.blocksPerGrid(&dd, tt.teams, tt.tripCount, tt.threads))
		})
	}
}

func TestRunTargetTeamRegion_Geometry(t *testing.T) {
	reg, drv := newTestRegistry(t, 1)
	require.NoError(t, reg.InitDevice(0))

	spmd := int8(0)
	generic := int8(1)
	kernelMax := 256
	img := &image.Image{
		Bytes: encodeModule(t, sim.ModuleSpec{
			Kernels: []sim.KernelSpec{
				{Name: "k_spmd", ExecMode: &spmd},
				{Name: "k_generic", ExecMode: &generic},
				{Name: "k_capped", ExecMode: &spmd, MaxThreads: &kernelMax},
			},
		}),
		Entries: []image.Descriptor{
			{Name: "k_spmd", HostAddr: 0x10},
			{Name: "k_generic", HostAddr: 0x20},
			{Name: "k_capped", HostAddr: 0x30},
		},
	}
	entries, err := reg.LoadBinary(0, img)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	launch := func(e Entry, teams, threadLimit int32, trip uint64) sim.LaunchRecord {
		t.Helper()
		require.NoError(t, reg.RunTargetTeamRegion(0, e.Kernel, nil, teams, threadLimit, trip))
		rec, ok := drv.LastLaunch()
		require.True(t, ok)
		return rec
	}

	t.Run("defaults", func(t *testing.T) {
		rec := launch(entries[0], 0, 0, 0)
		assert.Equal(t, 128, rec.Grid.X)
		assert.Equal(t, 1024, rec.Block.X)
		assert.Equal(t, 0, rec.SharedMem)
	})

	t.Run("generic gets the coordinator warp", func(t *testing.T) {
		rec := launch(entries[1], 4, 100, 0)
		assert.Equal(t, 4, rec.Grid.X)
		assert.Equal(t, 132, rec.Block.X)
	})

	t.Run("kernel attribute caps threads", func(t *testing.T) {
		rec := launch(entries[2], 4, 512, 0)
		assert.Equal(t, 256, rec.Block.X)
	})

	t.Run("teams clamped to grid limit", func(t *testing.T) {
		rec := launch(entries[0], 1<<20, 0, 0)
		assert.Equal(t, 1<<16, rec.Grid.X)
	})

	t.Run("trip count sizes the grid", func(t *testing.T) {
		rec := launch(entries[0], 0, 0, 10000)
		assert.Equal(t, 10, rec.Grid.X)
	})

	t.Run("single-team convenience launch", func(t *testing.T) {
		require.NoError(t, reg.RunTargetRegion(0, entries[0].Kernel, nil))
		rec, ok := drv.LastLaunch()
		require.True(t, ok)
		assert.Equal(t, 1, rec.Grid.X)
		assert.Equal(t, 1024, rec.Block.X)
	})
}

func TestRunTargetTeamRegion_Errors(t *testing.T) {
	reg, drv := newTestRegistry(t, 1)
	require.NoError(t, reg.InitDevice(0))

	entries := loadKernelImage(t, reg, "k", nil)

	t.Run("launch failure surfaces", func(t *testing.T) {
		drv.FailLaunch = true
		defer func() { drv.FailLaunch = false }()
		err := reg.RunTargetTeamRegion(0, entries[0].Kernel, nil, 1, 0, 0)
		assert.Error(t, err)
	})

	t.Run("bad kernel handle", func(t *testing.T) {
		err := reg.RunTargetTeamRegion(0, KernelID(99), nil, 1, 0, 0)
		assert.ErrorIs(t, err, ErrBadKernel)
	})

	t.Run("uninitialized device", func(t *testing.T) {
		reg2, _ := newTestRegistry(t, 1)
		err := reg2.RunTargetTeamRegion(0, entries[0].Kernel, nil, 1, 0, 0)
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}
