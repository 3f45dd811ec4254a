package domain

import "time"

// WorkspaceStatus represents the lifecycle state of a workspace.
type WorkspaceStatus string

const (
	WorkspaceStatusStarting WorkspaceStatus = "starting"
	WorkspaceStatusReady    WorkspaceStatus = "ready"
	WorkspaceStatusError    WorkspaceStatus = "error"
	WorkspaceStatusStopped  WorkspaceStatus = "stopped"
)

// WorkspaceDescriptor is the externally visible record for a workspace:
// a project folder plus its attached worker process. Owned exclusively by
// the workspace manager; pid and port are set together while a worker is
// attached and cleared together when it exits.
type WorkspaceDescriptor struct {
	ID            string          `json:"id"`
	Path          string          `json:"path"`
	Name          string          `json:"name,omitempty"`
	Status        WorkspaceStatus `json:"status"`
	ProxyPath     string          `json:"proxy_path"`
	BinaryID      string          `json:"binary_id"`
	BinaryLabel   string          `json:"binary_label"`
	BinaryVersion string          `json:"binary_version,omitempty"`
	PID           *int            `json:"pid,omitempty"`
	Port          *int            `json:"port,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Running reports whether the descriptor currently has an attached worker.
func (d *WorkspaceDescriptor) Running() bool {
	return d.PID != nil
}

// LaunchSpec describes a worker process to start for a workspace.
type LaunchSpec struct {
	WorkspaceID string
	Folder      string
	BinaryPath  string
	Environment map[string]string
	// OnExit is invoked exactly once when the launched process exits,
	// after the supervisor has dropped its handle. For a requested stop
	// the callback completes before Stop returns.
	OnExit func(ProcessExit)
}

// LaunchResult is returned by a successful launch.
type LaunchResult struct {
	PID  int
	Port int
}

// ProcessExit describes how a worker process ended.
type ProcessExit struct {
	WorkspaceID string
	Code        int
	// Requested is true when the exit was caused by a caller-initiated
	// stop rather than the process dying on its own.
	Requested bool
}

// WorkerOutput is a chunk of captured worker process output. Offsets are
// total-bytes-written cursors; callers pass the previous offsets back to
// read only new output. Output survives the process so crash diagnostics
// stay readable until the workspace is deleted.
type WorkerOutput struct {
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	StdoutOffset int64  `json:"stdout_offset"`
	StderrOffset int64  `json:"stderr_offset"`
}
