package registry

// Status describes whether an instance's emulator process is believed to be running.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// InstanceRecord is the persisted metadata of one VM instance.
// It is always written as a whole; there are no partial updates.
type InstanceRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	SSHPort uint16 `json:"ssh_port"`
	PID     int    `json:"pid"`
	Status  Status `json:"status,omitempty"`
}

// Running reports whether the record claims a live emulator process.
// Records written before the status field existed only carry a pid.
func (r InstanceRecord) Running() bool {
	if r.Status == "" {
		return r.PID > 0
	}
	return r.Status == StatusRunning && r.PID > 0
}
