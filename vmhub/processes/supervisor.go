// Package processes starts, signals and reaps QEMU emulator processes and
// allocates the host ports their SSH forwards listen on.
package processes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	defaultBinary      = "qemu-system-x86_64"
	defaultMemoryMB    = 8192
	defaultCPUs        = 6
	defaultStopTimeout = 2 * time.Second
	consoleBufferSize  = 1000

	// How long to wait for the kernel to reap a process after SIGKILL.
	killReapTimeout = 5 * time.Second
	pollInterval    = 50 * time.Millisecond
)

// Profile is the fixed resource profile every instance is launched with.
type Profile struct {
	Binary   string // emulator executable, looked up in PATH
	MemoryMB int
	CPUs     int
}

// Config holds configuration options for the Supervisor.
type Config struct {
	Profile     Profile
	StopTimeout time.Duration // Optional, defaults to 2s
	Logger      *slog.Logger  // Optional, defaults to slog.Default()
}

// Supervisor owns the emulator processes it starts. It reaps its children so
// that a pid is never reported alive after the process exited.
type Supervisor struct {
	profile     Profile
	stopTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	children map[int]*managedProcess // keyed by pid
	wg       sync.WaitGroup
}

// NewSupervisor creates a Supervisor, filling in defaults for unset fields.
func NewSupervisor(config Config) *Supervisor {
	profile := config.Profile
	if profile.Binary == "" {
		profile.Binary = defaultBinary
	}
	if profile.MemoryMB <= 0 {
		profile.MemoryMB = defaultMemoryMB
	}
	if profile.CPUs <= 0 {
		profile.CPUs = defaultCPUs
	}
	stopTimeout := config.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		profile:     profile,
		stopTimeout: stopTimeout,
		logger:      logger.With("component", "Supervisor"),
		children:    make(map[int]*managedProcess),
	}
}

// BuildArgs returns the emulator arguments for an instance. The result depends
// only on the profile and the two parameters.
func (s *Supervisor) BuildArgs(diskImagePath string, sshPort uint16) []string {
	return []string{
		"-m", strconv.Itoa(s.profile.MemoryMB),
		"-smp", strconv.Itoa(s.profile.CPUs),
		"-drive", driveArg(diskImagePath),
		"-boot", "d",
		"-vga", "virtio",
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:22", sshPort),
		"-device", "e1000,netdev=net0",
	}
}

// Start launches the emulator for diskImagePath with the guest's port 22
// forwarded from sshPort on the host. The process runs in its own process
// group so it outlives a restart of the controller.
func (s *Supervisor) Start(diskImagePath string, sshPort uint16) (Handle, error) {
	binary, err := exec.LookPath(s.profile.Binary)
	if err != nil {
		return Handle{}, &SpawnError{Binary: s.profile.Binary, Reason: "executable not found", Err: err}
	}

	args := s.BuildArgs(diskImagePath, sshPort)
	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Handle{}, &SpawnError{Binary: binary, Reason: "stdout pipe", Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		return Handle{}, &SpawnError{Binary: binary, Reason: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		s.logger.Error("Failed to start emulator", "error", err, "command", cmd.String())
		return Handle{}, &SpawnError{Binary: binary, Reason: err.Error(), Err: err}
	}

	mp := &managedProcess{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		logBuffer: NewLogBuffer(consoleBufferSize),
		done:      make(chan struct{}),
		state:     StateRunning,
	}

	s.mu.Lock()
	s.children[mp.pid] = mp
	s.mu.Unlock()

	s.logger.Info("Emulator started", "pid", mp.pid, "sshPort", sshPort, "disk", diskImagePath, "command", cmd.String())

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.capture(&pipes, mp, "stdout", stdoutPipe)
	go s.capture(&pipes, mp, "stderr", stderrPipe)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Wait must not be called before the pipe readers are done.
		pipes.Wait()
		err := cmd.Wait()
		mp.mu.Lock()
		mp.exitErr = err
		if !mp.state.Terminal() {
			mp.state = StateStopped
		}
		mp.mu.Unlock()
		close(mp.done)
		s.logger.Info("Emulator exited", "pid", mp.pid, "exitError", err)
	}()

	return Handle{PID: mp.pid, StartedAt: time.Now()}, nil
}

func (s *Supervisor) capture(wg *sync.WaitGroup, mp *managedProcess, source string, r io.ReadCloser) {
	defer wg.Done()
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		mp.logBuffer.AddEntry(source, line, mp.pid)
		if source == "stderr" {
			s.logger.Warn("Emulator stderr", "pid", mp.pid, "output", line)
		} else {
			s.logger.Debug("Emulator stdout", "pid", mp.pid, "output", line)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("Error reading emulator output", "pid", mp.pid, "source", source, "error", err)
	}
}

func (s *Supervisor) child(pid int) *managedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[pid]
}

// Alive reports whether pid refers to a live emulator for diskImagePath.
// Children of this Supervisor are answered from their reaping state. Any other
// pid is probed with signal 0 and, where /proc is available, its command line
// must carry the -drive argument for diskImagePath, so a recycled pid is not
// mistaken for an emulator. An empty diskImagePath skips the command line check.
func (s *Supervisor) Alive(pid int, diskImagePath string) bool {
	if pid <= 0 {
		return false
	}
	if mp := s.child(pid); mp != nil {
		return !mp.exited()
	}
	if !processExists(pid) {
		return false
	}
	return diskImagePath == "" || runsDisk(pid, diskImagePath)
}

func processExists(pid int) bool {
	err := unix.Kill(pid, 0)
	// EPERM means the process exists but belongs to someone else.
	return err == nil || errors.Is(err, unix.EPERM)
}

func runsDisk(pid int, diskImagePath string) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		if _, statErr := os.Stat("/proc/self"); statErr != nil {
			// No procfs; trust the pid.
			return true
		}
		return false
	}
	want := driveArg(diskImagePath)
	for _, arg := range strings.Split(string(data), "\x00") {
		if arg == want {
			return true
		}
	}
	return false
}

func driveArg(diskImagePath string) string {
	return fmt.Sprintf("file=%s", diskImagePath)
}

// Stop terminates pid: SIGTERM, a wait of up to timeout, then SIGKILL if the
// process is still alive. A process that is already gone is a success. If
// SIGTERM cannot be delivered for any other reason a *TerminationError is
// returned and no SIGKILL is attempted. Cancelling ctx cuts the graceful wait
// short. A zero timeout uses the Supervisor's default.
func (s *Supervisor) Stop(ctx context.Context, pid int, timeout time.Duration) (StopResult, error) {
	start := time.Now()
	if timeout <= 0 {
		timeout = s.stopTimeout
	}
	if pid <= 0 {
		return StopResult{State: StateStopped, AlreadyExited: true}, nil
	}

	mp := s.child(pid)
	if mp != nil && mp.exited() {
		s.forget(pid)
		return StopResult{State: StateStopped, AlreadyExited: true, Duration: time.Since(start)}, nil
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			s.logger.Info("Process already exited", "pid", pid)
			return StopResult{State: StateStopped, AlreadyExited: true, Duration: time.Since(start)}, nil
		}
		s.logger.Error("Failed to send SIGTERM", "pid", pid, "error", err)
		return StopResult{State: StateRunning}, &TerminationError{PID: pid, Signal: "SIGTERM", Cause: err}
	}
	if mp != nil {
		mp.setState(StateStopping)
	}

	if s.waitExit(ctx, pid, mp, timeout) {
		s.logger.Info("Process exited after SIGTERM", "pid", pid)
		s.forget(pid)
		return StopResult{State: StateStopped, Duration: time.Since(start)}, nil
	}

	s.logger.Warn("Process did not exit gracefully, sending SIGKILL", "pid", pid, "timeout", timeout)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			s.forget(pid)
			return StopResult{State: StateStopped, Duration: time.Since(start)}, nil
		}
		s.logger.Error("Failed to send SIGKILL", "pid", pid, "error", err)
		return StopResult{State: StateStopping}, &TerminationError{PID: pid, Signal: "SIGKILL", Cause: err}
	}
	if mp != nil {
		mp.setState(StateForceKilled)
	}

	if !s.waitExit(context.Background(), pid, mp, killReapTimeout) {
		s.logger.Warn("Process still present after SIGKILL", "pid", pid)
	}
	s.forget(pid)
	return StopResult{State: StateForceKilled, Duration: time.Since(start)}, nil
}

// waitExit waits for pid to exit. Children are awaited through their reaper;
// other processes are polled.
func (s *Supervisor) waitExit(ctx context.Context, pid int, mp *managedProcess, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if mp != nil {
		select {
		case <-mp.done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return mp.exited()
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !processExists(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return !processExists(pid)
		case <-ctx.Done():
			return !processExists(pid)
		}
	}
}

// Forget drops the tracking state and captured output of a child that has
// exited. Running children and unknown pids are left alone.
func (s *Supervisor) Forget(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mp := s.children[pid]; mp != nil && mp.exited() {
		delete(s.children, pid)
	}
}

func (s *Supervisor) forget(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, pid)
}

// State returns the tracked state of a child process. Processes not started
// by this Supervisor report StateNotStarted.
func (s *Supervisor) State(pid int) ProcessState {
	if mp := s.child(pid); mp != nil {
		return mp.getState()
	}
	return StateNotStarted
}

// Logs returns console lines of a child process newer than afterID. Processes
// not started by this Supervisor have no captured output.
func (s *Supervisor) Logs(pid int, afterID int64) []ConsoleEntry {
	if mp := s.child(pid); mp != nil {
		return mp.logBuffer.GetEntriesFromID(afterID)
	}
	return []ConsoleEntry{}
}

// wait blocks until the output readers and reapers of all started children
// have returned. It does not stop any process.
func (s *Supervisor) wait() {
	s.wg.Wait()
}
