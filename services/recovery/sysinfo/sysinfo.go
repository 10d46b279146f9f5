// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sysinfo snapshots host and process state for diagnostics
// reports. Collection never fails: anything unreadable is reported as
// absent rather than erroring, because the snapshot is gathered exactly
// when things are already going wrong.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// processStart approximates process start for uptime reporting.
var processStart = time.Now()

// envPrefixes are the variable prefixes included in the env summary.
var envPrefixes = []string{"FABLEWOOD_", "OTEL_"}

// redactMarkers flag env names whose values must never leave the process.
var redactMarkers = []string{"TOKEN", "SECRET", "KEY", "PASSWORD", "CREDENTIAL", "HEADERS"}

// MemoryStats is the process memory summary, in megabytes.
type MemoryStats struct {
	// AllocMB is live heap memory.
	AllocMB uint64 `json:"alloc_mb"`

	// TotalAllocMB is cumulative heap allocation.
	TotalAllocMB uint64 `json:"total_alloc_mb"`

	// SysMB is memory obtained from the OS.
	SysMB uint64 `json:"sys_mb"`

	// GCRuns is the number of completed GC cycles.
	GCRuns uint32 `json:"gc_runs"`
}

// DiskStats is free and total space for the data directory, in megabytes.
type DiskStats struct {
	FreeMB  int64 `json:"free_mb"`
	TotalMB int64 `json:"total_mb"`
}

// InterfaceInfo summarizes one network interface.
type InterfaceInfo struct {
	Name  string   `json:"name"`
	Up    bool     `json:"up"`
	Addrs []string `json:"addrs,omitempty"`
}

// Snapshot is one collection of host and process state.
type Snapshot struct {
	CollectedAt time.Time     `json:"collected_at"`
	Hostname    string        `json:"hostname,omitempty"`
	PID         int           `json:"pid"`
	Uptime      time.Duration `json:"uptime"`

	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	CPUs       int    `json:"cpus"`
	Goroutines int    `json:"goroutines"`

	Memory MemoryStats `json:"memory"`

	// Env holds FABLEWOOD_* and OTEL_* variables, secret-looking values
	// redacted. EnvCount is the full environment size.
	Env      []string `json:"env,omitempty"`
	EnvCount int      `json:"env_count"`

	// DataDir and Disk describe the data directory's filesystem. Disk is
	// nil when the directory is not statable.
	DataDir string     `json:"data_dir,omitempty"`
	Disk    *DiskStats `json:"disk,omitempty"`

	Interfaces []InterfaceInfo `json:"interfaces,omitempty"`
}

// Collector gathers snapshots. The zero value works; fields exist so
// tests can script the host boundary.
type Collector struct {
	// DataDir is the directory whose filesystem is measured.
	DataDir string

	statfs     func(path string, stat *unix.Statfs_t) error
	hostname   func() (string, error)
	interfaces func() ([]net.Interface, error)
	environ    func() []string
	now        func() time.Time
}

// NewCollector creates a collector measuring the given data directory.
func NewCollector(dataDir string) *Collector {
	return &Collector{DataDir: dataDir}
}

// Collect gathers a snapshot of the current host and process state.
func (c *Collector) Collect() Snapshot {
	now := c.nowFunc()()

	snap := Snapshot{
		CollectedAt: now,
		PID:         os.Getpid(),
		Uptime:      now.Sub(processStart),
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUs:        runtime.NumCPU(),
		Goroutines:  runtime.NumGoroutine(),
		DataDir:     c.DataDir,
	}

	if host, err := c.hostnameFunc()(); err == nil {
		snap.Hostname = host
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.Memory = MemoryStats{
		AllocMB:      mem.Alloc / (1024 * 1024),
		TotalAllocMB: mem.TotalAlloc / (1024 * 1024),
		SysMB:        mem.Sys / (1024 * 1024),
		GCRuns:       mem.NumGC,
	}

	env := c.environFunc()()
	snap.EnvCount = len(env)
	snap.Env = summarizeEnv(env)

	if c.DataDir != "" {
		if disk, err := c.diskStats(c.DataDir); err == nil {
			snap.Disk = &disk
		}
	}

	if ifaces, err := c.interfacesFunc()(); err == nil {
		snap.Interfaces = summarizeInterfaces(ifaces)
	}

	return snap
}

// Collect gathers a snapshot with a default collector.
func Collect(dataDir string) Snapshot {
	return NewCollector(dataDir).Collect()
}

func (c *Collector) diskStats(path string) (DiskStats, error) {
	var stat unix.Statfs_t
	if err := c.statfsFunc()(path, &stat); err != nil {
		return DiskStats{}, err
	}
	return DiskStats{
		FreeMB:  int64(stat.Bavail) * int64(stat.Bsize) / (1024 * 1024),
		TotalMB: int64(stat.Blocks) * int64(stat.Bsize) / (1024 * 1024),
	}, nil
}

// summarizeEnv returns the allowlisted variables in sorted order, values
// redacted when the name suggests a secret.
func summarizeEnv(environ []string) []string {
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		match := false
		for _, prefix := range envPrefixes {
			if strings.HasPrefix(name, prefix) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if secretName(name) {
			out = append(out, name+"=[redacted]")
			continue
		}
		out = append(out, kv)
	}
	sort.Strings(out)
	return out
}

func secretName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range redactMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

func summarizeInterfaces(ifaces []net.Interface) []InterfaceInfo {
	out := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		info := InterfaceInfo{
			Name: iface.Name,
			Up:   iface.Flags&net.FlagUp != 0,
		}
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				info.Addrs = append(info.Addrs, addr.String())
			}
		}
		out = append(out, info)
	}
	return out
}

func (c *Collector) statfsFunc() func(string, *unix.Statfs_t) error {
	if c.statfs != nil {
		return c.statfs
	}
	return unix.Statfs
}

func (c *Collector) hostnameFunc() func() (string, error) {
	if c.hostname != nil {
		return c.hostname
	}
	return os.Hostname
}

func (c *Collector) interfacesFunc() func() ([]net.Interface, error) {
	if c.interfaces != nil {
		return c.interfaces
	}
	return net.Interfaces
}

func (c *Collector) environFunc() func() []string {
	if c.environ != nil {
		return c.environ
	}
	return os.Environ
}

func (c *Collector) nowFunc() func() time.Time {
	if c.now != nil {
		return c.now
	}
	return time.Now
}
