//go:build !windows

package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"fleetkeeper/pkg/logging"
)

// POSIXAdapter runs components as process group leaders using fork/exec
// and delivers signals to the whole group via a negative PID, the same
// approach commonly used to supervise subprocesses that may themselves
// fork children needing a single coordinated signal.
type POSIXAdapter struct {
	log *logging.Logger
}

// NewPOSIXAdapter returns an Adapter usable on any POSIX-compliant kernel
// with no service-manager integration (NotifyReady/NotifyStopping are
// no-ops). Linux builds wanting sd_notify integration should use
// NewSystemdAdapter instead.
func NewPOSIXAdapter(log *logging.Logger) *POSIXAdapter {
	if log == nil {
		log = logging.Nop()
	}
	return &POSIXAdapter{log: log.With("platform.posix")}
}

func (a *POSIXAdapter) Name() string { return "posix" }

func (a *POSIXAdapter) NotifyReady() error    { return nil }
func (a *POSIXAdapter) NotifyStopping() error { return nil }

func (a *POSIXAdapter) SetPermissions(path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}

func (a *POSIXAdapter) ResolveUser(name string) (int, int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("platform: resolve user %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("platform: non-numeric uid %q for %q", u.Uid, name)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("platform: non-numeric gid %q for %q", u.Gid, name)
	}
	return uid, gid, nil
}

// ApplyResourceLimits is best-effort on plain POSIX: without cgroup
// delegation there is no portable way to bound a whole process group, so
// limits are logged and skipped rather than half-applied.
func (a *POSIXAdapter) ApplyResourceLimits(pid int, limits ResourceLimits) error {
	if limits.CPUs > 0 || limits.MemoryKB > 0 {
		a.log.Debug("resource limits requested for pid=%d (cpus=%v memoryKB=%d) but not supported without cgroups, skipping", pid, limits.CPUs, limits.MemoryKB)
	}
	return nil
}

func (a *POSIXAdapter) Start(ctx context.Context, spec StartSpec) (ProcessHandle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("platform: empty command")
	}
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("platform: start %v: %w", spec.Command, err)
	}
	a.log.Debug("started component process pid=%d cmd=%v", cmd.Process.Pid, spec.Command)
	return &posixHandle{cmd: cmd}, nil
}

type posixHandle struct {
	cmd     *exec.Cmd
	waitMu  sync.Mutex
	waited  bool
	result  ExitResult
	waitErr error
}

func (h *posixHandle) PID() int { return h.cmd.Process.Pid }

func (h *posixHandle) Wait() (ExitResult, error) {
	h.waitMu.Lock()
	defer h.waitMu.Unlock()
	if h.waited {
		return h.result, h.waitErr
	}
	err := h.cmd.Wait()
	h.waited = true
	if err == nil {
		h.result = ExitResult{ExitCode: 0}
		return h.result, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		h.result = ExitResult{
			ExitCode: exitErr.ExitCode(),
			Signaled: exitErr.ExitCode() == -1,
		}
		return h.result, nil
	}
	h.waitErr = err
	return h.result, err
}

func (h *posixHandle) Signal(sig Signal) error {
	return syscall.Kill(-h.cmd.Process.Pid, toUnixSignal(sig))
}

func (h *posixHandle) Kill() error {
	return syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
}

func toUnixSignal(s Signal) syscall.Signal {
	switch s {
	case SignalTerm:
		return syscall.SIGTERM
	case SignalKill:
		return syscall.SIGKILL
	case SignalHup:
		return syscall.SIGHUP
	case SignalInt:
		return syscall.SIGINT
	default:
		return syscall.SIGTERM
	}
}
