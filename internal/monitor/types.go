package monitor

import "time"

// GPUReading is one GPU device sample. Empty on hosts without a
// supported GPU; collection failures degrade to an empty slice.
type GPUReading struct {
	Name           string  `json:"name"`
	UtilizationPct float64 `json:"utilizationPct"`
	MemoryUsedMB   float64 `json:"memoryUsedMb"`
	MemoryTotalMB  float64 `json:"memoryTotalMb"`
	TemperatureC   float64 `json:"temperatureC"`
}

// TemperatureReading is a single thermal sensor sample.
type TemperatureReading struct {
	Sensor  string  `json:"sensor"`
	Celsius float64 `json:"celsius"`
}

// Snapshot is one immutable point-in-time capture of system resources.
// Produced exactly once per sampling tick and never mutated afterwards.
type Snapshot struct {
	Timestamp        time.Time            `json:"timestamp"`
	CPUPercent       float64              `json:"cpuPercent"`
	PerCorePercent   []float64            `json:"perCorePercent,omitempty"`
	MemoryPercent    float64              `json:"memoryPercent"`
	MemoryUsed       uint64               `json:"memoryUsed"`
	MemoryTotal      uint64               `json:"memoryTotal"`
	DiskPercent      float64              `json:"diskPercent"`
	DiskUsed         uint64               `json:"diskUsed"`
	DiskTotal        uint64               `json:"diskTotal"`
	SwapPercent      float64              `json:"swapPercent"`
	NetworkSentDelta uint64               `json:"networkSentDelta"`
	NetworkRecvDelta uint64               `json:"networkRecvDelta"`
	ProcessCount     int                  `json:"processCount"`
	GPUs             []GPUReading         `json:"gpus,omitempty"`
	Temperatures     []TemperatureReading `json:"temperatures,omitempty"`
}

// ProcessRecord is one observation of a running process. Records are
// replaced, not mutated, on every tick the pid is still observed.
type ProcessRecord struct {
	PID           int32     `json:"pid"`
	Name          string    `json:"name"`
	ExePath       string    `json:"exePath,omitempty"`
	Status        string    `json:"status"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	Threads       int32     `json:"threads"`
	IOReadBytes   uint64    `json:"ioReadBytes"`
	IOWriteBytes  uint64    `json:"ioWriteBytes"`
	ParentPID     int32     `json:"parentPid,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
}

// HasTag reports whether the record carries the given categorization tag.
func (r ProcessRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// PeakMetrics tracks the maximum values observed since startup.
type PeakMetrics struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	DiskPercent   float64   `json:"diskPercent"`
	GPUPercent    float64   `json:"gpuPercent"`
	TemperatureC  float64   `json:"temperatureC"`
	Since         time.Time `json:"since"`
}

// Thresholds configures when a metric reading is recorded as critical.
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// DefaultThresholds mirror the stock alerting configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{CPUPercent: 90, MemoryPercent: 90, DiskPercent: 95}
}
