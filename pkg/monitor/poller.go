package monitor

import (
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"
)

// swappable for tests
var (
	ListPIDs = func() ([]int32, error) {
		return process.Pids()
	}
	ListPartitions = func() ([]disk.PartitionStat, error) {
		return disk.Partitions(false)
	}
)

// pollProcesses scans processes that appear after the monitor started.
func (m *Monitor) pollProcesses() {
	pids, err := ListPIDs()
	if err != nil {
		logger.Error("could not list processes", slog.String("error", err.Error()))
	}
	for _, pid := range pids {
		m.knownPIDs[pid] = true
	}

	ticker := time.NewTicker(m.conf.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop.Done():
			return
		case <-ticker.C:
			m.checkProcesses()
		}
	}
}

func (m *Monitor) checkProcesses() {
	pids, err := ListPIDs()
	if err != nil {
		logger.Error("could not list processes", slog.String("error", err.Error()))
		return
	}
	current := make(map[int32]bool, len(pids))
	for _, pid := range pids {
		current[pid] = true
		if m.knownPIDs[pid] {
			continue
		}
		if !m.limiter.Allow() {
			logger.Warn("event storm, process start discarded", slog.Int("pid", int(pid)))
			continue
		}
		logger.Debug("new process", slog.Int("pid", int(pid)))
		event := deferredEvent{kind: eventProcess, pid: pid}
		if !m.deferEvent(event) {
			m.dispatch(event)
		}
	}
	m.knownPIDs = current
}

// pollDevices scans mountpoints that appear after the monitor started,
// typically removable media.
func (m *Monitor) pollDevices() {
	partitions, err := ListPartitions()
	if err != nil {
		logger.Error("could not list partitions", slog.String("error", err.Error()))
	}
	for _, partition := range partitions {
		m.knownMounts[partition.Mountpoint] = true
	}

	ticker := time.NewTicker(m.conf.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop.Done():
			return
		case <-ticker.C:
			m.checkDevices()
		}
	}
}

func (m *Monitor) checkDevices() {
	partitions, err := ListPartitions()
	if err != nil {
		logger.Error("could not list partitions", slog.String("error", err.Error()))
		return
	}
	current := make(map[string]bool, len(partitions))
	for _, partition := range partitions {
		current[partition.Mountpoint] = true
		if m.knownMounts[partition.Mountpoint] {
			continue
		}
		logger.Info("device attached",
			slog.String("device", partition.Device),
			slog.String("mountpoint", partition.Mountpoint),
			slog.String("fstype", partition.Fstype),
		)
		event := deferredEvent{kind: eventDevice, deviceID: partition.Device, mountpoint: partition.Mountpoint}
		if !m.deferEvent(event) {
			m.dispatch(event)
		}
	}
	m.knownMounts = current
}
