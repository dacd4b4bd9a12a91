package sim

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/offloadrt/device-plugin/internal/driver"
)

// builtinFunc executes a builtin kernel over the fake address space. The
// driver mutex is held by the caller.
type builtinFunc func(c *context, grid, block driver.Dim3, args []driver.Devptr) error

var builtins = map[string]builtinFunc{
	"noop":   noopKernel,
	"vecadd": vecaddKernel,
	"saxpy":  saxpyKernel,
}

func noopKernel(*context, driver.Dim3, driver.Dim3, []driver.Devptr) error {
	return nil
}

// vecaddKernel computes out[i] = a[i] + b[i]. Args: a, b, out, n (scalar).
func vecaddKernel(c *context, _, _ driver.Dim3, args []driver.Devptr) error {
	if len(args) != 4 {
		return fmt.Errorf("sim: vecadd expects 4 args, got %d", len(args))
	}
	n := int64(args[3])
	a, err := c.drv.resolveLocked(args[0], n*4)
	if err != nil {
		return err
	}
	b, err := c.drv.resolveLocked(args[1], n*4)
	if err != nil {
		return err
	}
	out, err := c.drv.resolveLocked(args[2], n*4)
	if err != nil {
		return err
	}
	for i := int64(0); i < n; i++ {
		v := f32At(a, i) + f32At(b, i)
		putF32At(out, i, v)
	}
	return nil
}

// saxpyKernel computes y[i] += a * x[i]. Args: x, y, a (float32 bits as
// scalar), n (scalar).
func saxpyKernel(c *context, _, _ driver.Dim3, args []driver.Devptr) error {
	if len(args) != 4 {
		return fmt.Errorf("sim: saxpy expects 4 args, got %d", len(args))
	}
	alpha := math.Float32frombits(uint32(args[2]))
	n := int64(args[3])
	x, err := c.drv.resolveLocked(args[0], n*4)
	if err != nil {
		return err
	}
	y, err := c.drv.resolveLocked(args[1], n*4)
	if err != nil {
		return err
	}
	for i := int64(0); i < n; i++ {
		putF32At(y, i, f32At(y, i)+alpha*f32At(x, i))
	}
	return nil
}

func f32At(buf []byte, i int64) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
}

func putF32At(buf []byte, i int64, v float32) {
	binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
}

// PackFloat32 converts values to the little-endian byte layout device
// buffers use.
func PackFloat32(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// UnpackFloat32 is the inverse of PackFloat32.
func UnpackFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
