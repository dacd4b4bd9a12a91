package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_kernel_launches_total",
		Help: "The total number of kernel launches by execution mode",
	}, []string{"exec_mode"})

	KernelLaunchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offload_kernel_launch_duration_ms",
		Help:    "Duration of synchronous kernel launches in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 18), // 10us to ~22min
	})

	BinaryLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_binary_loads_total",
		Help: "The total number of device binary loads by result",
	}, []string{"result"})

	DataTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_data_transfer_bytes_total",
		Help: "Bytes copied between host and device by direction",
	}, []string{"direction"})

	DeviceMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offload_device_memory_bytes",
		Help: "Device memory currently held by plugin allocations",
	})
)
