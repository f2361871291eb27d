package monitor

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

const gpuQueryTimeout = 400 * time.Millisecond

// systemCollector reads host metrics through gopsutil. Each sub-metric is
// best-effort: a failed read degrades to a zero value for that field and
// never fails the whole sample.
type systemCollector struct {
	diskPath string

	prevSent uint64
	prevRecv uint64
	primed   bool
}

func newSystemCollector(diskPath string) *systemCollector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &systemCollector{diskPath: diskPath}
}

func (c *systemCollector) collect(ctx context.Context, now time.Time) Snapshot {
	snap := Snapshot{Timestamp: now}

	if totals, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(totals) > 0 {
		snap.CPUPercent = totals[0]
	}
	if cores, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
		snap.PerCorePercent = cores
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsed = vm.Used
		snap.MemoryTotal = vm.Total
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		snap.SwapPercent = swap.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		snap.DiskPercent = usage.UsedPercent
		snap.DiskUsed = usage.Used
		snap.DiskTotal = usage.Total
	}
	if counters, err := gnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		sent, recv := counters[0].BytesSent, counters[0].BytesRecv
		if c.primed {
			if sent >= c.prevSent {
				snap.NetworkSentDelta = sent - c.prevSent
			}
			if recv >= c.prevRecv {
				snap.NetworkRecvDelta = recv - c.prevRecv
			}
		}
		c.prevSent, c.prevRecv = sent, recv
		c.primed = true
	}

	// GPU and temperature reads can stall on broken drivers; run them
	// concurrently and join before the snapshot commits.
	gpuCh := make(chan []GPUReading, 1)
	tempCh := make(chan []TemperatureReading, 1)
	go func() { gpuCh <- queryGPUs(ctx) }()
	go func() { tempCh <- queryTemperatures(ctx) }()
	snap.GPUs = <-gpuCh
	snap.Temperatures = <-tempCh

	return snap
}

// queryGPUs shells out to nvidia-smi with a short deadline. Hosts without
// the tool report no readings.
func queryGPUs(ctx context.Context) []GPUReading {
	ctx, cancel := context.WithTimeout(ctx, gpuQueryTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,utilization.gpu,memory.used,memory.total,temperature.gpu",
		"--format=csv,noheader,nounits").Output()
	if err != nil || len(out) == 0 {
		return nil
	}
	var gpus []GPUReading
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		parts := strings.Split(sc.Text(), ",")
		if len(parts) < 5 {
			continue
		}
		gpus = append(gpus, GPUReading{
			Name:           strings.TrimSpace(parts[0]),
			UtilizationPct: parseFloat(parts[1]),
			MemoryUsedMB:   parseFloat(parts[2]),
			MemoryTotalMB:  parseFloat(parts[3]),
			TemperatureC:   parseFloat(parts[4]),
		})
	}
	return gpus
}

func queryTemperatures(ctx context.Context) []TemperatureReading {
	sensors, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(sensors) == 0 {
		return nil
	}
	var temps []TemperatureReading
	for _, s := range sensors {
		if s.Temperature == 0 {
			continue
		}
		temps = append(temps, TemperatureReading{Sensor: s.SensorKey, Celsius: s.Temperature})
	}
	return temps
}

// listProcesses enumerates the OS process table once. Unreadable fields
// on individual processes are skipped, not fatal.
func listProcesses(ctx context.Context, now time.Time) ([]ProcessRecord, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]ProcessRecord, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		rec := ProcessRecord{
			PID:      p.Pid,
			Name:     name,
			LastSeen: now,
		}
		if exe, err := p.ExeWithContext(ctx); err == nil {
			rec.ExePath = exe
		}
		if statuses, err := p.StatusWithContext(ctx); err == nil && len(statuses) > 0 {
			rec.Status = statuses[0]
		}
		if pct, err := p.CPUPercentWithContext(ctx); err == nil {
			rec.CPUPercent = pct
		}
		if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
			rec.MemoryPercent = float64(pct)
		}
		if threads, err := p.NumThreadsWithContext(ctx); err == nil {
			rec.Threads = threads
		}
		if counters, err := p.IOCountersWithContext(ctx); err == nil && counters != nil {
			rec.IOReadBytes = counters.ReadBytes
			rec.IOWriteBytes = counters.WriteBytes
		}
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			rec.ParentPID = ppid
		}
		rec.Tags = classify(rec)
		records = append(records, rec)
	}
	return records, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
