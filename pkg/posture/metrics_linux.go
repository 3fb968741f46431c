//go:build linux

package posture

import (
	"golang.org/x/sys/unix"
)

const loadShift = 1 << 16

func collectMemory(m *SystemMetrics) error {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	m.MemoryTotalBytes = uint64(si.Totalram) * unit
	m.MemoryFreeBytes = uint64(si.Freeram) * unit
	m.UptimeSeconds = int64(si.Uptime)
	m.Load1 = float64(si.Loads[0]) / loadShift
	m.Load5 = float64(si.Loads[1]) / loadShift
	m.Load15 = float64(si.Loads[2]) / loadShift
	return nil
}

func collectDisk(m *SystemMetrics) error {
	var st unix.Statfs_t
	if err := unix.Statfs(m.DiskPath, &st); err != nil {
		return err
	}
	bsize := uint64(st.Bsize)
	m.DiskTotalBytes = uint64(st.Blocks) * bsize
	m.DiskFreeBytes = uint64(st.Bavail) * bsize
	return nil
}
