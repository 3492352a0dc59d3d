package api

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ProcessStats is the resource snapshot included in /api/stats.
type ProcessStats struct {
	CPULoad1    float64 `json:"cpu_load_1"`
	CPULoad5    float64 `json:"cpu_load_5"`
	CPULoad15   float64 `json:"cpu_load_15"`
	CPUCores    int     `json:"cpu_cores"`
	MemUsedMB   float64 `json:"mem_used_mb"`
	MemTotalMB  float64 `json:"mem_total_mb"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	Goroutines  int     `json:"goroutines"`
	UptimeSec   int64   `json:"uptime_sec"`
}

// CollectProcessStats reads runtime counters and, on Linux, load average
// and memory from /proc. Missing /proc files leave those fields zero.
func CollectProcessStats(start time.Time) ProcessStats {
	s := ProcessStats{
		CPUCores:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  int64(time.Since(start).Seconds()),
	}

	if b, err := os.ReadFile("/proc/loadavg"); err == nil {
		s.CPULoad1, s.CPULoad5, s.CPULoad15 = parseLoadAvg(string(b))
	}

	if f, err := os.Open("/proc/meminfo"); err == nil {
		total, available := parseMemInfo(bufio.NewScanner(f))
		f.Close()
		if total > 0 {
			s.MemTotalMB = float64(total) / 1024
			s.MemUsedMB = float64(total-available) / 1024
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024
	s.SysMB = float64(ms.Sys) / 1024 / 1024
	s.GCRuns = ms.NumGC
	return s
}

func parseLoadAvg(line string) (l1, l5, l15 float64) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, 0, 0
	}
	l1, _ = strconv.ParseFloat(fields[0], 64)
	l5, _ = strconv.ParseFloat(fields[1], 64)
	l15, _ = strconv.ParseFloat(fields[2], 64)
	return l1, l5, l15
}

// parseMemInfo returns MemTotal and MemAvailable in kB.
func parseMemInfo(sc *bufio.Scanner) (total, available uint64) {
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	return total, available
}
