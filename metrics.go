package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

//---------------- System Metrics & Token Expansion ----------------
// Sampling failures never surface as errors: a measurement that cannot be
// read simply renders as "N/A" in the text that references it.

type metricsProvider struct {
	haveTemp bool
	tempC    float64

	haveUsage bool
	usagePct  float64

	haveMem          bool
	memUsed, memFree uint64 // MiB

	haveGPUTemp bool
	gpuTempC    float64

	haveGPUUsage bool
	gpuUsagePct  float64

	prevIdle, prevTotal float64
	prevValid           bool
}

func newMetricsProvider() *metricsProvider {
	return &metricsProvider{}
}

// update takes one sample of everything. CPU usage is a delta against the
// previous sample; when no previous sample exists and a value is needed
// immediately (single-frame runs), blockingInitial takes a short 60ms pause
// to obtain one.
func (m *metricsProvider) update(blockingInitial bool) {
	if t, ok := readCPUTemp(); ok {
		m.haveTemp = true
		m.tempC = t
	}
	if t, ok := readGPUTemp(); ok {
		m.haveGPUTemp = true
		m.gpuTempC = t
	}
	if u, ok := readGPUUsage(); ok {
		m.haveGPUUsage = true
		m.gpuUsagePct = u
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.haveMem = true
		m.memUsed = vm.Used / (1 << 20)
		m.memFree = vm.Available / (1 << 20)
	}

	idle, total, err := readCPUTotals()
	if err != nil {
		return
	}
	if !m.prevValid {
		if blockingInitial {
			time.Sleep(60 * time.Millisecond)
			idle2, total2, err := readCPUTotals()
			if err == nil && total2 > total {
				m.setUsage(idle2-idle, total2-total)
				idle, total = idle2, total2
			}
		}
		m.prevIdle, m.prevTotal, m.prevValid = idle, total, true
		return
	}
	m.setUsage(idle-m.prevIdle, total-m.prevTotal)
	m.prevIdle, m.prevTotal = idle, total
}

func (m *metricsProvider) setUsage(dIdle, dTotal float64) {
	if dTotal <= 0 {
		return
	}
	used := (dTotal - dIdle) * 100 / dTotal
	if used < 0 {
		used = 0
	}
	if used > 100 {
		used = 100
	}
	m.usagePct = used
	m.haveUsage = true
}

func readCPUTotals() (idle, total float64, err error) {
	times, err := cpu.Times(false)
	if err != nil {
		return 0, 0, err
	}
	if len(times) == 0 {
		return 0, 0, fmt.Errorf("no cpu times reported")
	}
	t := times[0]
	idle = t.Idle + t.Iowait
	total = t.User + t.Nice + t.System + idle + t.Irq + t.Softirq + t.Steal
	return idle, total, nil
}

// readCPUTemp picks the hottest sensor reading, matching what the panel is
// expected to show for a single "CPU" figure on multi-zone boards.
func readCPUTemp() (float64, bool) {
	temps, err := host.SensorsTemperatures()
	if err != nil {
		return 0, false
	}
	best, found := 0.0, false
	for _, t := range temps {
		if t.Temperature <= 0 {
			continue
		}
		if !found || t.Temperature > best {
			best, found = t.Temperature, true
		}
	}
	return best, found
}

func readGPUTemp() (float64, bool) {
	temps, err := host.SensorsTemperatures()
	if err != nil {
		return 0, false
	}
	best, found := 0.0, false
	for _, t := range temps {
		if !strings.Contains(strings.ToLower(t.SensorKey), "gpu") || t.Temperature <= 0 {
			continue
		}
		if !found || t.Temperature > best {
			best, found = t.Temperature, true
		}
	}
	return best, found
}

// readGPUUsage reads the busy percentage the DRM driver exposes through
// sysfs (amdgpu and several ARM SoC drivers publish gpu_busy_percent).
func readGPUUsage() (float64, bool) {
	paths, err := filepath.Glob("/sys/class/drm/card*/device/gpu_busy_percent")
	if err != nil || len(paths) == 0 {
		return 0, false
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil || v < 0 {
			continue
		}
		if v > 100 {
			v = 100
		}
		return v, true
	}
	return 0, false
}

// lookup resolves one token name to its rendered value. ok=false means the
// token is unknown and must pass through literally; known-but-unavailable
// values render as "N/A".
func (m *metricsProvider) lookup(name string) (string, bool) {
	switch name {
	case "CPU_TEMP":
		if m == nil || !m.haveTemp {
			return "N/A", true
		}
		return formatTemp(m.tempC), true
	case "CPU_USAGE":
		if m == nil || !m.haveUsage {
			return "N/A", true
		}
		return fmt.Sprintf("%d%%", clampInt(int(m.usagePct+0.5), 0, 100)), true
	case "GPU_TEMP":
		if m == nil || !m.haveGPUTemp {
			return "N/A", true
		}
		return formatTemp(m.gpuTempC), true
	case "GPU_USAGE":
		if m == nil || !m.haveGPUUsage {
			return "N/A", true
		}
		return fmt.Sprintf("%d%%", clampInt(int(m.gpuUsagePct+0.5), 0, 100)), true
	case "MEM_USED":
		if m == nil || !m.haveMem {
			return "N/A", true
		}
		return fmt.Sprintf("%dMiB", m.memUsed), true
	case "MEM_FREE":
		if m == nil || !m.haveMem {
			return "N/A", true
		}
		return fmt.Sprintf("%dMiB", m.memFree), true
	case "TIME":
		return time.Now().Format("15:04:05"), true
	case "DATE":
		return time.Now().Format("2006-01-02"), true
	}
	return "", false
}

// formatTemp prints whole degrees when the fraction is zero, otherwise one
// decimal: "42°C" or "42.5°C".
func formatTemp(c float64) string {
	tenths := int(c*10 + 0.5)
	if tenths%10 == 0 {
		return fmt.Sprintf("%d°C", tenths/10)
	}
	return fmt.Sprintf("%d.%d°C", tenths/10, tenths%10)
}

// expandTokens replaces %NAME% markers using the metrics provider. Unknown
// markers pass through literally.
func expandTokens(in string, m *metricsProvider) string {
	var out strings.Builder
	for i := 0; i < len(in); {
		if in[i] == '%' {
			if end := strings.IndexByte(in[i+1:], '%'); end >= 0 {
				name := strings.ToUpper(in[i+1 : i+1+end])
				if repl, ok := m.lookup(name); ok {
					out.WriteString(repl)
					i += end + 2
					continue
				}
			}
		}
		out.WriteByte(in[i])
		i++
	}
	return out.String()
}
