package main

import (
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/offloadrt/device-plugin/internal/config"
	"github.com/offloadrt/device-plugin/internal/driver"
	"github.com/offloadrt/device-plugin/internal/driver/sim"
	"github.com/offloadrt/device-plugin/internal/image"
	"github.com/offloadrt/device-plugin/internal/plugin"
)

// benchHostAddr stands in for the host-side kernel symbol the compiler would
// normally provide.
const benchHostAddr = 0x1000

// runBench drives the full offload path against the simulator: load a
// vector-add kernel, move data down, launch, move the result back, and check
// it against a host-side computation.
func runBench(log *zap.Logger, n int) error {
	if n <= 0 {
		return fmt.Errorf("bench: element count must be positive, got %d", n)
	}

	drv := sim.New(log, 1)
	reg := plugin.New(drv, config.DefaultEnv(), log)
	defer shutdown(reg, log)
	if err := reg.InitDevice(0); err != nil {
		return err
	}

	mode := int8(0)
	bin, err := sim.ModuleSpec{
		Kernels: []sim.KernelSpec{{Name: "vecadd", Builtin: "vecadd", ExecMode: &mode}},
	}.Encode()
	if err != nil {
		return err
	}
	entries, err := reg.LoadBinary(0, &image.Image{
		Bytes: bin,
		Entries: []image.Descriptor{
			{Name: "vecadd", HostAddr: benchHostAddr},
		},
	})
	if err != nil {
		return err
	}
	kid := entries[0].Kernel

	a := make([]float32, n)
	b := make([]float32, n)
	for i := range a {
		a[i] = rand.Float32()
		b[i] = rand.Float32()
	}

	size := int64(n) * 4
	da, err := reg.DataAlloc(0, size)
	if err != nil {
		return err
	}
	db, err := reg.DataAlloc(0, size)
	if err != nil {
		return err
	}
	dout, err := reg.DataAlloc(0, size)
	if err != nil {
		return err
	}
	if err := reg.DataSubmit(0, da, sim.PackFloat32(a)); err != nil {
		return err
	}
	if err := reg.DataSubmit(0, db, sim.PackFloat32(b)); err != nil {
		return err
	}

	args := []driver.Devptr{da, db, dout, driver.Devptr(n)}
	start := time.Now()
	if err := reg.RunTargetTeamRegion(0, kid, args, 0, 0, uint64(n)); err != nil {
		return err
	}
	elapsed := time.Since(start)

	out := make([]byte, size)
	if err := reg.DataRetrieve(0, out, dout); err != nil {
		return err
	}
	for _, ptr := range []driver.Devptr{da, db, dout} {
		if err := reg.DataDelete(0, ptr); err != nil {
			return err
		}
	}

	got := toFloat64(sim.UnpackFloat32(out))
	want := toFloat64(a)
	floats.Add(want, toFloat64(b))
	if !floats.EqualApprox(want, got, 1e-6) {
		return fmt.Errorf("bench: device result diverges from host computation")
	}

	log.Info("bench complete",
		zap.Int("elements", n),
		zap.Duration("kernel_time", elapsed))
	fmt.Printf("vecadd of %d elements verified in %s\n", n, elapsed)
	return nil
}

func toFloat64(src []float32) []float64 {
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}
