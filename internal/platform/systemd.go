//go:build linux

package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/coreos/go-systemd/v22/daemon"

	"fleetkeeper/pkg/logging"
)

// SystemdAdapter wraps POSIXAdapter's process handling with sd_notify
// readiness/stopping signals so a systemd unit with Type=notify tracks the
// agent's actual lifecycle instead of guessing from fork timing.
type SystemdAdapter struct {
	*POSIXAdapter
	log *logging.Logger
}

func NewSystemdAdapter(log *logging.Logger) *SystemdAdapter {
	if log == nil {
		log = logging.Nop()
	}
	return &SystemdAdapter{POSIXAdapter: NewPOSIXAdapter(log), log: log.With("platform.systemd")}
}

func (a *SystemdAdapter) Name() string { return "linux-systemd" }

func (a *SystemdAdapter) NotifyReady() error {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		return err
	}
	if !sent {
		a.log.Debug("sd_notify unsupported in this environment, ignoring")
	}
	return nil
}

func (a *SystemdAdapter) NotifyStopping() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

const cgroupRoot = "/sys/fs/cgroup"

// ApplyResourceLimits moves pid into a per-component cgroup v2 leaf under
// the agent's subtree and writes cpu.max / memory.max. If the cgroup
// hierarchy is not writable (no delegation), limits are skipped rather
// than half-applied.
func (a *SystemdAdapter) ApplyResourceLimits(pid int, limits ResourceLimits) error {
	if limits.CPUs <= 0 && limits.MemoryKB <= 0 {
		return nil
	}
	dir := filepath.Join(cgroupRoot, "fleetkeeper", fmt.Sprintf("comp-%d", pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.log.Debug("cgroup subtree not writable, skipping resource limits for pid=%d: %v", pid, err)
		return nil
	}
	if limits.CPUs > 0 {
		quota := int64(limits.CPUs * 100000)
		if err := os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(fmt.Sprintf("%d 100000", quota)), 0o644); err != nil {
			return fmt.Errorf("platform: write cpu.max for pid %d: %w", pid, err)
		}
	}
	if limits.MemoryKB > 0 {
		if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(strconv.FormatInt(limits.MemoryKB*1024, 10)), 0o644); err != nil {
			return fmt.Errorf("platform: write memory.max for pid %d: %w", pid, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("platform: move pid %d into cgroup: %w", pid, err)
	}
	return nil
}
