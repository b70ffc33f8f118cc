//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot     = "/sys/fs/cgroup"
	laminarPrefix  = "laminar"
	cgroupPeriod   = 100000 // cpu.max period in microseconds (100ms)
	cleanupDelay   = 50 * time.Millisecond
	cleanupRetries = 10
)

var _ Isolator = (*LinuxIsolator)(nil)

// LinuxIsolator confines task processes with cgroups v2 resource limits
// and PID/network namespaces. Each wrapped process gets its own cgroup
// under cgroupBase, created on Wrap and torn down by the cleanup func.
type LinuxIsolator struct {
	cgroupBase string
	caps       IsolatorCaps
}

// NewLinuxIsolator probes the unified cgroup hierarchy and prepares the
// base cgroup. It fails when the host is not running cgroups v2.
func NewLinuxIsolator() (*LinuxIsolator, error) {
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}

	available := parseControllers(string(data))

	base := filepath.Join(cgroupRoot, laminarPrefix)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup base %s: %w", base, err)
	}
	if err := enableControllers(base, available); err != nil {
		return nil, fmt.Errorf("enable cgroup controllers: %w", err)
	}

	return &LinuxIsolator{cgroupBase: base, caps: buildCaps(available)}, nil
}

func (l *LinuxIsolator) Capabilities() IsolatorCaps {
	return l.caps
}

// Wrap places cmd in a fresh per-run cgroup and namespace set. Callers
// must run the returned *exec.Cmd, not the original, and must invoke the
// cleanup func once the process is done regardless of outcome.
func (l *LinuxIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cgPath := filepath.Join(l.cgroupBase, uuid.New().String())
	if err := os.Mkdir(cgPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cgroup %s: %w", cgPath, err)
	}

	// Until armed, any error path below tears the cgroup back down and
	// releases the directory FD.
	cgFD := -1
	armed := false
	defer func() {
		if !armed {
			if cgFD >= 0 {
				syscall.Close(cgFD)
			}
			destroyCgroup(cgPath)
		}
	}()

	if err := l.applyLimits(cgPath, limits); err != nil {
		return nil, nil, err
	}

	// The kernel takes the target cgroup as a directory FD via
	// SysProcAttr.CgroupFD, so the child starts inside it atomically.
	var err error
	cgFD, err = syscall.Open(cgPath, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open cgroup fd: %w", err)
	}

	execCtx := ctx
	var timeoutCancel context.CancelFunc
	if limits.Timeout > 0 {
		execCtx, timeoutCancel = context.WithTimeout(ctx, limits.Timeout)
	}

	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr

	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = 5 * time.Second

	var cloneflags uintptr
	if l.caps.CanIsolatePID {
		cloneflags |= syscall.CLONE_NEWPID
	}
	if !limits.AllowNetwork && l.caps.CanLimitNetwork {
		cloneflags |= syscall.CLONE_NEWNET
	}

	wrapped.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    cgFD,
		Cloneflags:  cloneflags,
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			syscall.Close(cgFD)
			if timeoutCancel != nil {
				timeoutCancel()
			}
			destroyCgroup(cgPath)
		})
	}

	armed = true
	return wrapped, cleanup, nil
}

// applyLimits writes the requested limits into the cgroup's control files,
// skipping limits the host has no controller for.
func (l *LinuxIsolator) applyLimits(cgPath string, limits ResourceLimits) error {
	if limits.MaxMemoryBytes > 0 && l.caps.CanLimitMemory {
		val := strconv.FormatInt(limits.MaxMemoryBytes, 10)
		if err := writeControl(cgPath, "memory.max", val); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
		// A memory cap with swap enabled is not a cap at all; the
		// process just spills into swap instead of hitting the OOM killer.
		_ = writeControl(cgPath, "memory.swap.max", "0")
	}

	if limits.MaxCPUPercent > 0 && l.caps.CanLimitCPU {
		if err := writeControl(cgPath, "cpu.max", formatCPUMax(limits.MaxCPUPercent)); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}

	return nil
}

func writeControl(cgPath, file, value string) error {
	return os.WriteFile(filepath.Join(cgPath, file), []byte(value), 0o644)
}

// formatCPUMax renders a CPU percentage as the cgroups v2 "QUOTA PERIOD"
// pair expected by cpu.max. Out-of-range values mean unlimited.
func formatCPUMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cgroupPeriod)
	}
	return fmt.Sprintf("%d %d", cgroupPeriod*percent/100, cgroupPeriod)
}

// destroyCgroup kills everything still inside the cgroup and removes its
// directory. rmdir only succeeds on an empty cgroup and the kernel reaps
// killed members asynchronously, so removal is retried briefly.
func destroyCgroup(cgPath string) {
	killPath := filepath.Join(cgPath, "cgroup.kill")
	if err := os.WriteFile(killPath, []byte("1"), 0o644); err != nil {
		// cgroup.kill needs Linux 5.14; fall back to signaling members.
		killCgroupMembers(cgPath)
	}
	for range cleanupRetries {
		if err := os.Remove(cgPath); err == nil {
			return
		}
		time.Sleep(cleanupDelay)
	}
	slog.Warn("isolation: failed to remove cgroup after retries", "path", cgPath)
}

// killCgroupMembers SIGKILLs every PID listed in the cgroup's procs file.
func killCgroupMembers(cgPath string) {
	procsPath := filepath.Join(cgPath, "cgroup.procs")
	f, err := os.Open(procsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			slog.Warn("isolation: failed to kill process in cgroup", "pid", pid, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("isolation: error reading cgroup.procs", "path", procsPath, "error", err)
	}
}

// parseControllers splits the contents of a cgroup.controllers file into
// a set of controller names.
func parseControllers(data string) map[string]bool {
	m := make(map[string]bool)
	for _, c := range strings.Fields(strings.TrimSpace(data)) {
		m[c] = true
	}
	return m
}

// buildCaps derives the capability set from the available controllers.
// Network isolation rides on CLONE_NEWNET rather than a controller, so it
// is always on. Mount namespaces are not wired up yet, so filesystem
// isolation stays off.
func buildCaps(controllers map[string]bool) IsolatorCaps {
	return IsolatorCaps{
		CanLimitMemory:  controllers["memory"],
		CanLimitCPU:     controllers["cpu"],
		CanLimitNetwork: true,
		CanIsolateFS:    false,
		CanIsolatePID:   controllers["pids"],
	}
}

// enableControllers delegates the controllers we use to child cgroups via
// the base cgroup's subtree_control file.
func enableControllers(basePath string, controllers map[string]bool) error {
	var enable []string
	for _, c := range []string{"memory", "cpu", "pids"} {
		if controllers[c] {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	controlPath := filepath.Join(basePath, "cgroup.subtree_control")
	return os.WriteFile(controlPath, []byte(strings.Join(enable, " ")), 0o644)
}
