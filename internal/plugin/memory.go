package plugin

import (
	"fmt"

	"github.com/offloadrt/device-plugin/internal/driver"
	"github.com/offloadrt/device-plugin/internal/metrics"
)

// DataAlloc allocates size bytes on the device. No bookkeeping beyond the
// memory gauge: sizes are the caller's contract.
func (r *Registry) DataAlloc(id int32, size int64) (driver.Devptr, error) {
	d, err := r.bind(id)
	if err != nil {
		return 0, err
	}
	ptr, err := d.ctx.MemAlloc(size)
	if err != nil {
		return 0, fmt.Errorf("allocating %d bytes on device %d: %w", size, id, err)
	}
	if d.allocSizes == nil {
		d.allocSizes = make(map[driver.Devptr]int64)
	}
	d.allocSizes[ptr] = size
	metrics.DeviceMemoryBytes.Add(float64(size))
	return ptr, nil
}

// DataSubmit copies src to the device at dst. The transfer size is
// len(src); no bounds check against the underlying allocation is performed.
func (r *Registry) DataSubmit(id int32, dst driver.Devptr, src []byte) error {
	d, err := r.bind(id)
	if err != nil {
		return err
	}
	if err := d.ctx.MemcpyHtoD(dst, src); err != nil {
		return fmt.Errorf("copying %d bytes to device %d: %w", len(src), id, err)
	}
	metrics.DataTransferBytes.WithLabelValues("htod").Add(float64(len(src)))
	return nil
}

// DataRetrieve copies len(dst) bytes from the device at src into dst.
func (r *Registry) DataRetrieve(id int32, dst []byte, src driver.Devptr) error {
	d, err := r.bind(id)
	if err != nil {
		return err
	}
	if err := d.ctx.MemcpyDtoH(dst, src); err != nil {
		return fmt.Errorf("copying %d bytes from device %d: %w", len(dst), id, err)
	}
	metrics.DataTransferBytes.WithLabelValues("dtoh").Add(float64(len(dst)))
	return nil
}

// DataDelete frees a device allocation.
func (r *Registry) DataDelete(id int32, ptr driver.Devptr) error {
	d, err := r.bind(id)
	if err != nil {
		return err
	}
	if err := d.ctx.MemFree(ptr); err != nil {
		return fmt.Errorf("freeing device %d memory: %w", id, err)
	}
	if size, ok := d.allocSizes[ptr]; ok {
		metrics.DeviceMemoryBytes.Sub(float64(size))
		delete(d.allocSizes, ptr)
	}
	return nil
}
