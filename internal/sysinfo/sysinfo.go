// Package sysinfo collects host statistics for the status command.
package sysinfo

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is a point-in-time snapshot of host resource usage.
type Stats struct {
	Hostname   string
	OS         string
	Arch       string
	Uptime     time.Duration
	CPUUsage   float64
	MemTotal   uint64
	MemUsed    uint64
	MemUsage   float64
	DiskPath   string
	DiskTotal  uint64
	DiskUsed   uint64
	DiskFree   uint64
	DiskUsage  float64
	Goroutines int
}

// Collect gathers host stats. Individual probe failures leave the
// corresponding fields zeroed rather than failing the whole snapshot.
func Collect() Stats {
	hostname, _ := os.Hostname()

	s := Stats{
		Hostname:   hostname,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		DiskPath:   "/",
		Goroutines: runtime.NumGoroutine(),
	}

	if uptime, err := host.Uptime(); err == nil {
		s.Uptime = time.Duration(uptime) * time.Second
	}

	if cpuPercent, err := cpu.Percent(time.Second, false); err == nil && len(cpuPercent) > 0 {
		s.CPUUsage = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		s.MemTotal = memInfo.Total
		s.MemUsed = memInfo.Used
		s.MemUsage = memInfo.UsedPercent
	}

	if diskInfo, err := disk.Usage("/"); err == nil {
		s.DiskTotal = diskInfo.Total
		s.DiskUsed = diskInfo.Used
		s.DiskFree = diskInfo.Free
		s.DiskUsage = diskInfo.UsedPercent
	}

	return s
}

// Summary renders the stats as a chat-friendly multi-line report.
func (s Stats) Summary() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Host: %s (%s/%s)\n", s.Hostname, s.OS, s.Arch)
	if s.Uptime > 0 {
		fmt.Fprintf(&b, "Uptime: %s\n", formatUptime(s.Uptime))
	}
	fmt.Fprintf(&b, "CPU: %.1f%%\n", s.CPUUsage)
	fmt.Fprintf(&b, "Memory: %s / %s (%.1f%%)\n", formatBytes(s.MemUsed), formatBytes(s.MemTotal), s.MemUsage)
	fmt.Fprintf(&b, "Disk %s: %s free of %s (%.1f%% used)", s.DiskPath, formatBytes(s.DiskFree), formatBytes(s.DiskTotal), s.DiskUsage)

	return b.String()
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
