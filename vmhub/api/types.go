// Package api defines the JSON bodies exchanged between the vmhub server and
// its clients.
package api

// LaunchVMRequest is the body of POST /launch-vm.
type LaunchVMRequest struct {
	Name         string `json:"name"`
	InstanceType string `json:"instance_type,omitempty"`
	Region       string `json:"region,omitempty"`
}

// LaunchVMResponse is returned by POST /launch-vm. Only Success and Message
// are set on failure.
type LaunchVMResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	InstanceID string `json:"instance_id,omitempty"`
	SSHPort    uint16 `json:"ssh_port,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// DeleteVMRequest is the body of DELETE /delete-vm.
type DeleteVMRequest struct {
	ID string `json:"id"`
}

// VMStatusResponse is returned by GET /vm-status.
type VMStatusResponse struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	SSHPort            uint16 `json:"ssh_port"`
	PID                int    `json:"pid"`
	Status             string `json:"status"`
	SSHReady           bool   `json:"ssh_ready"`
	HostKeyFingerprint string `json:"host_key_fingerprint,omitempty"`
}

// Messages returned by DELETE /delete-vm as plain text.
const (
	DeleteSuccessMessage  = "VM successfully terminated and removed"
	DeleteNotFoundMessage = "VM not found"
)
