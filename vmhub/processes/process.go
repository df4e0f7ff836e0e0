package processes

import (
	"os/exec"
	"sync"
	"time"
)

// ConsoleEntry is a single line of emulator output.
type ConsoleEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer is a bounded buffer of the most recent console lines.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []ConsoleEntry
	capacity int
	nextID   int64
}

// NewLogBuffer creates a log buffer holding at most capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries:  make([]ConsoleEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// AddEntry appends a line, evicting the oldest entry when full.
func (lb *LogBuffer) AddEntry(source, message string, pid int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	entry := ConsoleEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
		PID:       pid,
	}
	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)
	lb.nextID++
}

// GetEntriesFromID returns all entries with an ID greater than fromID.
func (lb *LogBuffer) GetEntriesFromID(fromID int64) []ConsoleEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]ConsoleEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// GetLatestID returns the ID of the most recent entry, or 0.
func (lb *LogBuffer) GetLatestID() int64 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if len(lb.entries) == 0 {
		return 0
	}
	return lb.entries[len(lb.entries)-1].ID
}

// ProcessState is the lifecycle state of one emulator process.
type ProcessState int

const (
	StateNotStarted ProcessState = iota
	StateRunning
	StateStopping
	// StateStopped means the process exited, on its own or after SIGTERM.
	StateStopped
	// StateForceKilled means the process ignored SIGTERM and was sent SIGKILL.
	StateForceKilled
)

// String returns a string representation of the ProcessState.
func (ps ProcessState) String() string {
	switch ps {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateForceKilled:
		return "ForceKilled"
	default:
		return "InvalidState"
	}
}

// Terminal reports whether no further transitions are possible.
func (ps ProcessState) Terminal() bool {
	return ps == StateStopped || ps == StateForceKilled
}

// StopResult describes how Stop ended.
type StopResult struct {
	State         ProcessState
	AlreadyExited bool // the process was gone before any signal was needed
	Duration      time.Duration
}

// Outcome is a short label for metrics and logs.
func (r StopResult) Outcome() string {
	switch {
	case r.AlreadyExited:
		return "already_exited"
	case r.State == StateForceKilled:
		return "force_killed"
	default:
		return "stopped"
	}
}

// Handle identifies a started emulator process. Only the pid leaves the
// Supervisor; the exec.Cmd stays owned by it.
type Handle struct {
	PID       int
	StartedAt time.Time
}

// managedProcess is a child started by this Supervisor.
type managedProcess struct {
	cmd       *exec.Cmd
	pid       int
	logBuffer *LogBuffer
	done      chan struct{} // closed once the process has been reaped

	mu      sync.Mutex
	state   ProcessState
	exitErr error
}

func (mp *managedProcess) setState(state ProcessState) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.state.Terminal() {
		return
	}
	mp.state = state
}

func (mp *managedProcess) getState() ProcessState {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.state
}

func (mp *managedProcess) exited() bool {
	select {
	case <-mp.done:
		return true
	default:
		return false
	}
}
