package engine

import (
	"expvar"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	monitorCPUPercent  = expvar.NewFloat("lsmstore.system_cpu_usage_percent")
	monitorMemPercent  = expvar.NewFloat("lsmstore.system_mem_usage_percent")
	monitorDiskPercent = expvar.NewFloat("lsmstore.system_disk_usage_percent")
)

// selfMonitorLoop periodically samples host CPU, memory and disk usage for
// the data directory, publishing them via expvar. It is entirely optional
// and only runs when SelfMonitoringEnabled is set.
func (e *Engine) selfMonitorLoop() {
	interval := e.opts.SelfMonitoringInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Sample slightly under the tick interval so the measurement
			// finishes before the next tick fires.
			sample := interval - 200*time.Millisecond
			if sample <= 0 {
				sample = interval
			}
			if pcts, err := cpu.Percent(sample, false); err == nil && len(pcts) > 0 {
				monitorCPUPercent.Set(pcts[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				monitorMemPercent.Set(vm.UsedPercent)
			}
			if du, err := disk.Usage(e.opts.DataDir); err == nil {
				monitorDiskPercent.Set(du.UsedPercent)
			}
		case <-e.stopMonitor:
			return
		}
	}
}
