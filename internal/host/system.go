// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package host collects system facts the agents attach to their
// registration and heartbeats.
package host

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// MemoryInfo holds system memory statistics.
type MemoryInfo struct {
	TotalBytes     uint64
	FreeBytes      uint64
	AvailableBytes uint64
}

// GetMemoryInfo reads and parses /proc/meminfo.
func GetMemoryInfo() (*MemoryInfo, error) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info := &MemoryInfo{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		// Field format: "Key: VALUE kB"
		val, _ := strconv.ParseUint(fields[1], 10, 64)
		valBytes := val * 1024

		switch fields[0] {
		case "MemTotal:":
			info.TotalBytes = valBytes
		case "MemFree:":
			info.FreeBytes = valBytes
		case "MemAvailable:":
			info.AvailableBytes = valBytes
		}
	}

	// Fallback for Available if not present (older kernels)
	if info.AvailableBytes == 0 {
		info.AvailableBytes = info.FreeBytes
	}

	return info, nil
}

// UptimeSeconds reads the first field of /proc/uptime.
func UptimeSeconds() (float64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, nil
	}
	return strconv.ParseFloat(fields[0], 64)
}

// LoadAvg returns the 1-minute load average from /proc/loadavg.
func LoadAvg() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, nil
	}
	return strconv.ParseFloat(fields[0], 64)
}

// Info describes the machine for registration.
type Info struct {
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	Kernel       string `json:"kernel,omitempty"`
	Architecture string `json:"architecture"`
	OSInfo       string `json:"os_info"`
}

// Collect gathers the host description. Failures degrade to partial
// info rather than erroring; a heartbeat with less detail still beats
// no heartbeat.
func Collect() Info {
	info := Info{
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
	if hn, err := os.Hostname(); err == nil {
		info.Hostname = hn
	}
	info.Kernel = kernelRelease()

	info.OSInfo = osRelease()
	if info.OSInfo == "" {
		info.OSInfo = info.Platform
		if info.Kernel != "" {
			info.OSInfo += " " + info.Kernel
		}
		info.OSInfo += " (" + info.Architecture + ")"
	}
	return info
}

// osRelease builds a distribution string from /etc/os-release.
func osRelease() string {
	file, err := os.Open("/etc/os-release")
	if err != nil {
		return ""
	}
	defer file.Close()

	var name, version string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "NAME="):
			name = strings.Trim(strings.TrimPrefix(line, "NAME="), `"`)
		case strings.HasPrefix(line, "VERSION_ID="):
			version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
		}
	}
	if name == "" {
		return ""
	}
	out := name
	if version != "" {
		out += " " + version
	}
	return out + " (" + runtime.GOARCH + ")"
}

// Metrics is the snapshot shipped with each heartbeat.
type Metrics struct {
	Load1         float64 `json:"load_1,omitempty"`
	MemTotalBytes uint64  `json:"mem_total_bytes,omitempty"`
	MemFreeBytes  uint64  `json:"mem_free_bytes,omitempty"`
	DiskTotal     uint64  `json:"disk_total_bytes,omitempty"`
	DiskFree      uint64  `json:"disk_free_bytes,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
}

// CollectMetrics snapshots load, memory, root-disk and uptime. Each
// reading is independent; missing sources are left zero.
func CollectMetrics() Metrics {
	var m Metrics
	if load, err := LoadAvg(); err == nil {
		m.Load1 = load
	}
	if mem, err := GetMemoryInfo(); err == nil {
		m.MemTotalBytes = mem.TotalBytes
		m.MemFreeBytes = mem.AvailableBytes
	}
	if total, free, err := DiskUsage("/"); err == nil {
		m.DiskTotal = total
		m.DiskFree = free
	}
	if up, err := UptimeSeconds(); err == nil {
		m.UptimeSeconds = up
	}
	return m
}

// Map renders the snapshot for a JSON heartbeat payload.
func (m Metrics) Map() map[string]any {
	out := map[string]any{}
	if m.Load1 > 0 {
		out["load_1"] = m.Load1
	}
	if m.MemTotalBytes > 0 {
		out["mem_total_bytes"] = m.MemTotalBytes
		out["mem_free_bytes"] = m.MemFreeBytes
	}
	if m.DiskTotal > 0 {
		out["disk_total_bytes"] = m.DiskTotal
		out["disk_free_bytes"] = m.DiskFree
	}
	if m.UptimeSeconds > 0 {
		out["uptime_seconds"] = m.UptimeSeconds
	}
	return out
}
