// Package lifecycle launches, lists, deletes and recovers VM instances. It is
// the only package that coordinates the registry, the port allocator and the
// process supervisor; the HTTP layer talks to nothing else.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/vmhub/vmhub/audit"
	"github.com/tomyedwab/vmhub/vmhub/metrics"
	"github.com/tomyedwab/vmhub/vmhub/processes"
	"github.com/tomyedwab/vmhub/vmhub/registry"
)

const (
	DefaultInstanceType = "t2.micro"
	DefaultRegion       = "us-east-1"
)

const resultSkipped = "skipped"

// Store persists instance records. *registry.Registry implements it.
type Store interface {
	Put(rec registry.InstanceRecord) error
	Get(id string) (*registry.InstanceRecord, error)
	List() (*registry.Listing, error)
	Delete(id string) (*registry.InstanceRecord, error)
}

// Supervisor starts and stops emulator processes.
type Supervisor interface {
	Start(diskImagePath string, sshPort uint16) (processes.Handle, error)
	Stop(ctx context.Context, pid int, timeout time.Duration) (processes.StopResult, error)
	Alive(pid int, diskImagePath string) bool
	Logs(pid int, afterID int64) []processes.ConsoleEntry
	Forget(pid int)
}

// PortAllocator hands out SSH forwarding ports.
type PortAllocator interface {
	AllocatePort(inUse map[int]bool) (port int, attempts int, err error)
	ReleasePort(port int)
}

// EventRecorder stores lifecycle events. Failures are logged and otherwise
// ignored.
type EventRecorder interface {
	LogEvent(eventType audit.EventType, rec registry.InstanceRecord, detail string) error
}

// Config holds the dependencies and settings of a Manager.
type Config struct {
	ImageDir    string // directory holding per-instance disk images
	BaseImage   string // image copied for every new instance
	StopTimeout time.Duration

	Registry   Store
	Supervisor Supervisor
	Ports      PortAllocator

	Events  EventRecorder           // Optional
	Metrics metrics.Collector       // Optional, defaults to a no-op collector
	Health  processes.HealthChecker // Optional, Status skips the SSH probe without it
	Logger  *slog.Logger            // Optional, defaults to slog.Default()
}

// LaunchRequest describes a new instance.
type LaunchRequest struct {
	Name         string
	InstanceType string
	Region       string
}

// LaunchResult is a launched instance and the message reported to the caller.
type LaunchResult struct {
	Record  registry.InstanceRecord
	Message string
}

// InstanceStatus is a record with the result of probing the guest.
type InstanceStatus struct {
	Record             registry.InstanceRecord
	SSHReady           bool
	HostKeyFingerprint string
}

// RecoverySummary counts the outcome of RecoverAll.
type RecoverySummary struct {
	Restarted int
	Adopted   int
	Failed    int
	Corrupt   int
	Skipped   int // deleted while recovery was running
}

// Manager orchestrates instance lifecycles.
type Manager struct {
	imageDir    string
	baseImage   string
	stopTimeout time.Duration

	registry   Store
	supervisor Supervisor
	ports      PortAllocator
	events     EventRecorder
	metrics    metrics.Collector
	health     processes.HealthChecker
	logger     *slog.Logger

	ids   *keyedLocks
	names *keyedLocks
}

// NewManager creates a Manager. Registry, Supervisor and Ports are required.
func NewManager(config Config) (*Manager, error) {
	if config.Registry == nil || config.Supervisor == nil || config.Ports == nil {
		return nil, errors.New("lifecycle: registry, supervisor and port allocator are required")
	}
	if config.ImageDir == "" || config.BaseImage == "" {
		return nil, errors.New("lifecycle: image directory and base image are required")
	}
	collector := config.Metrics
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		imageDir:    config.ImageDir,
		baseImage:   config.BaseImage,
		stopTimeout: config.StopTimeout,
		registry:    config.Registry,
		supervisor:  config.Supervisor,
		ports:       config.Ports,
		events:      config.Events,
		metrics:     collector,
		health:      config.Health,
		logger:      logger.With("component", "LifecycleManager"),
		ids:         newKeyedLocks(),
		names:       newKeyedLocks(),
	}, nil
}

// DiskPath returns the disk image path of the instance called name.
func (m *Manager) DiskPath(name string) string {
	return filepath.Join(m.imageDir, name+imageExt)
}

// Launch copies the base image, allocates an SSH port, starts the emulator
// and persists the new record. Nothing is left behind when a step fails.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (result *LaunchResult, err error) {
	if req.InstanceType == "" {
		req.InstanceType = DefaultInstanceType
	}
	if req.Region == "" {
		req.Region = DefaultRegion
	}

	defer func() {
		if err != nil {
			m.metrics.Launch(metrics.ResultFailure)
			m.recordEvent(audit.EventLaunchFailed, registry.InstanceRecord{Name: req.Name}, err.Error())
			m.logger.Error("Launch failed", "name", req.Name, "error", err)
		}
	}()

	if !ValidName(req.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, req.Name)
	}

	unlock := m.names.Lock(req.Name)
	defer unlock()

	listing, err := m.registry.List()
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	inUse := make(map[int]bool, len(listing.Records))
	for _, rec := range listing.Records {
		if rec.Name == req.Name {
			return nil, fmt.Errorf("%w: %q is instance %s", ErrNameInUse, req.Name, rec.ID)
		}
		inUse[int(rec.SSHPort)] = true
	}
	m.logCorrupt(listing.Corrupt)

	disk := m.DiskPath(req.Name)
	if err := copyImage(m.baseImage, disk); err != nil {
		return nil, err
	}

	port, attempts, err := m.ports.AllocatePort(inUse)
	m.metrics.PortAllocationAttempts(attempts)
	if err != nil {
		m.removeImage(disk)
		return nil, fmt.Errorf("allocate ssh port: %w", err)
	}

	handle, err := m.supervisor.Start(disk, uint16(port))
	if err != nil {
		m.ports.ReleasePort(port)
		m.removeImage(disk)
		return nil, fmt.Errorf("start emulator: %w", err)
	}

	rec := registry.InstanceRecord{
		ID:      uuid.New().String(),
		Name:    req.Name,
		SSHPort: uint16(port),
		PID:     handle.PID,
		Status:  registry.StatusRunning,
	}
	if err := m.registry.Put(rec); err != nil {
		if _, stopErr := m.supervisor.Stop(ctx, handle.PID, m.stopTimeout); stopErr != nil {
			m.logger.Error("Failed to stop unpersisted emulator", "pid", handle.PID, "error", stopErr)
		}
		m.ports.ReleasePort(port)
		m.removeImage(disk)
		return nil, fmt.Errorf("persist instance record: %w", err)
	}

	m.metrics.Launch(metrics.ResultSuccess)
	m.recordEvent(audit.EventLaunch, rec, fmt.Sprintf("instance_type=%s region=%s", req.InstanceType, req.Region))
	m.logger.Info("Instance launched", "instanceID", rec.ID, "name", rec.Name, "sshPort", rec.SSHPort, "pid", rec.PID,
		"instanceType", req.InstanceType, "region", req.Region)

	return &LaunchResult{
		Record:  rec,
		Message: fmt.Sprintf("VM launch request received for %s in %s", req.Name, req.Region),
	}, nil
}

// List returns every registered instance with its status set from a liveness
// probe of its pid. The probe result is not persisted.
func (m *Manager) List(ctx context.Context) ([]registry.InstanceRecord, error) {
	listing, err := m.registry.List()
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	m.logCorrupt(listing.Corrupt)

	for i := range listing.Records {
		listing.Records[i].Status = m.probe(listing.Records[i])
	}
	m.metrics.Instances(len(listing.Records))
	return listing.Records, nil
}

// Get returns one instance with its probed status.
func (m *Manager) Get(ctx context.Context, id string) (*registry.InstanceRecord, error) {
	rec, err := m.get(id)
	if err != nil {
		return nil, err
	}
	rec.Status = m.probe(*rec)
	return rec, nil
}

// Status returns an instance together with a probe of its guest SSH server.
// A guest that does not answer is reported, not returned as an error.
func (m *Manager) Status(ctx context.Context, id string) (*InstanceStatus, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	status := &InstanceStatus{Record: *rec}
	if !rec.Running() || m.health == nil {
		return status, nil
	}
	guest, err := m.health.Check(ctx, rec.SSHPort)
	if err != nil {
		m.logger.Debug("Guest SSH not ready", "instanceID", id, "sshPort", rec.SSHPort, "error", err)
		return status, nil
	}
	status.SSHReady = guest.Reachable
	status.HostKeyFingerprint = guest.HostKeyFingerprint
	return status, nil
}

// Logs returns the captured console output of an instance newer than afterID.
// Instances adopted from an earlier controller have none.
func (m *Manager) Logs(ctx context.Context, id string, afterID int64) ([]processes.ConsoleEntry, error) {
	rec, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return m.supervisor.Logs(rec.PID, afterID), nil
}

// Delete stops the instance's emulator, removes its record and then its disk
// image. The record is kept when the emulator could not be stopped. Failure to
// remove the disk image is logged only.
func (m *Manager) Delete(ctx context.Context, id string) (err error) {
	unlock := m.ids.Lock(id)
	defer unlock()

	var rec *registry.InstanceRecord
	defer func() {
		if err == nil {
			m.metrics.Delete(metrics.ResultSuccess)
			return
		}
		if errors.Is(err, ErrNotFound) {
			return
		}
		m.metrics.Delete(metrics.ResultFailure)
		failed := registry.InstanceRecord{ID: id}
		if rec != nil {
			failed = *rec
		}
		m.recordEvent(audit.EventDeleteFailed, failed, err.Error())
		m.logger.Error("Delete failed", "instanceID", id, "error", err)
	}()

	rec, err = m.get(id)
	var corrupt *registry.CorruptRecordError
	if errors.As(err, &corrupt) {
		// No pid can be read from the record, so there is nothing to stop.
		m.logger.Warn("Removing corrupt instance record", "instanceID", id, "error", err)
		if _, err := m.registry.Delete(id); err != nil {
			return fmt.Errorf("remove instance record: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	disk := m.DiskPath(rec.Name)
	if m.supervisor.Alive(rec.PID, disk) {
		result, err := m.supervisor.Stop(ctx, rec.PID, m.stopTimeout)
		if err != nil {
			return fmt.Errorf("stop emulator: %w", err)
		}
		m.metrics.StopDuration(result.Outcome(), result.Duration)
		m.logger.Info("Emulator stopped", "instanceID", id, "pid", rec.PID, "outcome", result.Outcome(), "duration", result.Duration)
	} else {
		m.logger.Info("Emulator not running, skipping stop", "instanceID", id, "pid", rec.PID)
	}

	if _, err := m.registry.Delete(id); err != nil {
		return fmt.Errorf("remove instance record: %w", err)
	}
	m.supervisor.Forget(rec.PID)
	m.ports.ReleasePort(int(rec.SSHPort))
	m.removeImage(disk)

	m.recordEvent(audit.EventDelete, *rec, "")
	m.logger.Info("Instance deleted", "instanceID", id, "name", rec.Name)
	return nil
}

// RecoverAll brings every registered instance back after a controller restart.
// An instance whose emulator is still running is adopted; any other is
// restarted with its recorded disk and port. A failure is recorded on the
// instance and does not stop the remaining ones. Only failing to read the
// registry is returned as an error.
func (m *Manager) RecoverAll(ctx context.Context) (RecoverySummary, error) {
	var summary RecoverySummary

	listing, err := m.registry.List()
	if err != nil {
		return summary, fmt.Errorf("read registry: %w", err)
	}
	summary.Corrupt = len(listing.Corrupt)
	m.logCorrupt(listing.Corrupt)

	for _, rec := range listing.Records {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		switch m.recoverOne(ctx, rec) {
		case metrics.ResultAdopted:
			summary.Adopted++
		case metrics.ResultSuccess:
			summary.Restarted++
		case resultSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
	m.metrics.Instances(len(listing.Records))

	m.logger.Info("Recovery finished", "restarted", summary.Restarted, "adopted", summary.Adopted,
		"failed", summary.Failed, "corrupt", summary.Corrupt, "skipped", summary.Skipped)
	return summary, nil
}

func (m *Manager) recoverOne(ctx context.Context, listed registry.InstanceRecord) string {
	unlock := m.ids.Lock(listed.ID)
	defer unlock()

	// The listing predates the lock; a Delete may have run in between.
	current, err := m.registry.Get(listed.ID)
	if err != nil {
		m.metrics.Recovery(metrics.ResultFailure)
		m.recordEvent(audit.EventRecoverFailed, listed, err.Error())
		m.logger.Error("Failed to re-read instance record", "instanceID", listed.ID, "error", err)
		return metrics.ResultFailure
	}
	if current == nil {
		m.logger.Info("Instance deleted during recovery, skipping", "instanceID", listed.ID)
		return resultSkipped
	}
	rec := *current

	disk := m.DiskPath(rec.Name)

	if m.supervisor.Alive(rec.PID, disk) {
		if !rec.Running() {
			rec.Status = registry.StatusRunning
			if err := m.registry.Put(rec); err != nil {
				m.logger.Error("Failed to update adopted instance", "instanceID", rec.ID, "error", err)
			}
		}
		m.metrics.Recovery(metrics.ResultAdopted)
		m.recordEvent(audit.EventAdopt, rec, "")
		m.logger.Info("Adopted running emulator", "instanceID", rec.ID, "pid", rec.PID, "sshPort", rec.SSHPort)
		return metrics.ResultAdopted
	}

	handle, err := m.supervisor.Start(disk, rec.SSHPort)
	if err != nil {
		m.recoveryFailed(rec, fmt.Errorf("start emulator: %w", err))
		return metrics.ResultFailure
	}

	previousPID := rec.PID
	rec.PID = handle.PID
	rec.Status = registry.StatusRunning
	if err := m.registry.Put(rec); err != nil {
		if _, stopErr := m.supervisor.Stop(ctx, handle.PID, m.stopTimeout); stopErr != nil {
			m.logger.Error("Failed to stop unpersisted emulator", "pid", handle.PID, "error", stopErr)
		}
		rec.PID = previousPID
		m.recoveryFailed(rec, fmt.Errorf("persist instance record: %w", err))
		return metrics.ResultFailure
	}

	m.metrics.Recovery(metrics.ResultSuccess)
	m.recordEvent(audit.EventRecover, rec, fmt.Sprintf("previous_pid=%d", previousPID))
	m.logger.Info("Instance recovered", "instanceID", rec.ID, "pid", rec.PID, "previousPid", previousPID, "sshPort", rec.SSHPort)
	return metrics.ResultSuccess
}

// recoveryFailed marks the instance stopped so that list output does not
// claim a pid that belongs to nothing. The port stays with the instance.
func (m *Manager) recoveryFailed(rec registry.InstanceRecord, cause error) {
	m.metrics.Recovery(metrics.ResultFailure)
	m.recordEvent(audit.EventRecoverFailed, rec, cause.Error())
	m.logger.Error("Failed to recover instance", "instanceID", rec.ID, "name", rec.Name, "sshPort", rec.SSHPort, "error", cause)

	rec.PID = 0
	rec.Status = registry.StatusStopped
	if err := m.registry.Put(rec); err != nil {
		m.logger.Error("Failed to mark instance stopped", "instanceID", rec.ID, "error", err)
	}
}

func (m *Manager) get(id string) (*registry.InstanceRecord, error) {
	rec, err := m.registry.Get(id)
	if errors.Is(err, registry.ErrInvalidID) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read instance record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (m *Manager) probe(rec registry.InstanceRecord) registry.Status {
	if m.supervisor.Alive(rec.PID, m.DiskPath(rec.Name)) {
		return registry.StatusRunning
	}
	return registry.StatusStopped
}

func (m *Manager) removeImage(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("Failed to remove disk image", "path", path, "error", err)
	}
}

func (m *Manager) recordEvent(eventType audit.EventType, rec registry.InstanceRecord, detail string) {
	if m.events == nil {
		return
	}
	if err := m.events.LogEvent(eventType, rec, detail); err != nil {
		m.logger.Warn("Failed to record audit event", "eventType", eventType, "instanceID", rec.ID, "error", err)
	}
}

func (m *Manager) logCorrupt(corrupt []*registry.CorruptRecordError) {
	for _, c := range corrupt {
		m.logger.Warn("Skipping corrupt instance record", "path", c.Path, "error", c.Err)
	}
}
