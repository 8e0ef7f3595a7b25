// Package sysinfo collects host and process statistics for the status command.
package sysinfo

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	log "github.com/sirupsen/logrus"
)

// Stats is a point-in-time snapshot of host and process state.
type Stats struct {
	NumCPU      int       `json:"num_cpu"`
	GoRoutines  int       `json:"go_routines"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryAlloc uint64    `json:"memory_alloc"`
	MemorySys   uint64    `json:"memory_sys"`
	Timestamp   time.Time `json:"timestamp"`
}

// Collect gathers current statistics. CPU usage is sampled over 200ms.
func Collect() *Stats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var usage float64
	percentages, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		log.Warnf("CPU usage sampling failed: %v", err)
	} else if len(percentages) > 0 {
		usage = percentages[0]
	}

	return &Stats{
		NumCPU:      runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		CPUUsage:    usage,
		MemoryAlloc: memStats.Alloc,
		MemorySys:   memStats.Sys,
		Timestamp:   time.Now(),
	}
}

// FormatBytes renders a byte count in human readable units.
func FormatBytes(bytes uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d Bytes", bytes)
	}
}
