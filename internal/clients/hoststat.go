package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"

	logx "periodicd/pkg/logx"
)

// HostSample is one reading of host resource usage.
type HostSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedPct    float64 `json:"mem_used_percent"`
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	Load1         float64 `json:"load1"`
}

// HostStat samples CPU, memory and load average and exports them as gauges.
type HostStat struct {
	log logx.Logger

	cpu  prometheus.Gauge
	mem  prometheus.Gauge
	load prometheus.Gauge

	mu   sync.Mutex
	last HostSample
}

func newHostStat(deps Deps) *HostStat {
	h := &HostStat{log: deps.Log.With(logx.String("comp", "hoststat"))}
	if deps.Metrics != nil {
		h.cpu = registerGauge(deps.Metrics, prometheus.GaugeOpts{
			Name: "periodicd_host_cpu_percent", Help: "Host CPU utilisation since the previous sample.",
		}, deps.Log)
		h.mem = registerGauge(deps.Metrics, prometheus.GaugeOpts{
			Name: "periodicd_host_memory_used_percent", Help: "Host memory in use.",
		}, deps.Log)
		h.load = registerGauge(deps.Metrics, prometheus.GaugeOpts{
			Name: "periodicd_host_load1", Help: "One-minute load average.",
		}, deps.Log)
	}
	return h
}

// Sample reads the host counters once. Partial readings are kept; failures
// are joined into the returned error.
func (h *HostStat) Sample(ctx context.Context) error {
	var (
		s    HostSample
		errs []error
	)
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("mem: %w", err))
	} else {
		s.MemUsedPct = vm.UsedPercent
		s.MemUsedBytes = vm.Used
		s.MemTotalBytes = vm.Total
	}
	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load: %w", err))
	} else {
		s.Load1 = avg.Load1
	}

	if h.cpu != nil {
		h.cpu.Set(s.CPUPercent)
		h.mem.Set(s.MemUsedPct)
		h.load.Set(s.Load1)
	}
	h.mu.Lock()
	h.last = s
	h.mu.Unlock()

	h.log.Debug("host sampled",
		logx.Float64("cpu_pct", s.CPUPercent),
		logx.Float64("mem_pct", s.MemUsedPct),
		logx.Float64("load1", s.Load1),
	)
	return errors.Join(errs...)
}

func (h *HostStat) Last() HostSample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
