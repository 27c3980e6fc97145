// Package quiltapi defines the stable request/response shapes of the
// daemon's external interface (§6): the container lifecycle and task
// RPCs, expressed as plain JSON-tagged structs rather than a wire
// format, since the gRPC/HTTP service shells that carry them are
// themselves out of scope for the core.
package quiltapi

// ResourceLimits mirrors store.ResourceLimits at the API boundary so
// callers never need to import the internal store package.
type ResourceLimits struct {
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	CPUWeight   int64 `json:"cpu_weight,omitempty"`
	CPUQuotaUs  int64 `json:"cpu_quota_us,omitempty"`
	CPUPeriodUs int64 `json:"cpu_period_us,omitempty"`
	PIDsLimit   int64 `json:"pids_limit,omitempty"`
}

// NamespaceFlags mirrors store.NamespaceFlags at the API boundary.
type NamespaceFlags struct {
	PID   bool `json:"pid"`
	Mount bool `json:"mount"`
	UTS   bool `json:"uts"`
	IPC   bool `json:"ipc"`
	Net   bool `json:"net"`
}

// CreateRequest is the Create(...) shape from §6.
type CreateRequest struct {
	ID            string            `json:"id,omitempty"`
	ImagePath     string            `json:"image_path"`
	Argv          []string          `json:"argv"`
	Env           map[string]string `json:"env,omitempty"`
	WorkDir       string            `json:"workdir,omitempty"`
	Limits        ResourceLimits    `json:"resource_limits,omitempty"`
	Namespaces    NamespaceFlags    `json:"namespace_flags,omitempty"`
	SetupCommands []string          `json:"setup_commands,omitempty"`
	AutoStart     bool              `json:"auto_start,omitempty"`
}

// CreateResponse carries the assigned container id.
type CreateResponse struct {
	ContainerID string `json:"container_id"`
}

// StopRequest carries a grace period for Stop(id, grace_seconds). The
// daemon's stop handler does not decode a request body, so GraceSeconds
// has no effect: every stop uses the daemon's configured stop grace.
type StopRequest struct {
	GraceSeconds int `json:"grace_seconds,omitempty"`
}

// RemoveRequest carries the force flag for Remove(id, force). The
// daemon's remove handler does not decode a request body, so Force has
// no effect: Remove always stops the container with the daemon's
// configured stop grace first.
type RemoveRequest struct {
	Force bool `json:"force,omitempty"`
}

// ExecRequest is the Exec(...) shape from §6.
type ExecRequest struct {
	Argv          []string          `json:"argv"`
	WorkDir       string            `json:"workdir,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	CaptureOutput bool              `json:"capture_output"`
}

// ExecResponse carries the outcome of a synchronous exec.
type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Status is the status schema from §6: id, state, pid, exit_code,
// ip_address, created_at, started_at, exited_at, rootfs_path.
// Timestamps are Unix seconds.
type Status struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	PID        int    `json:"pid,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	RootfsPath string `json:"rootfs_path"`
	CreatedAt  int64  `json:"created_at"`
	StartedAt  int64  `json:"started_at,omitempty"`
	ExitedAt   int64  `json:"exited_at,omitempty"`
	FailMsg    string `json:"fail_message,omitempty"`
}

// ListFilter restricts List(filter?) to a single state; empty means all.
type ListFilter struct {
	State string `json:"state,omitempty"`
}

// LaunchTaskRequest is the LaunchTask(...) shape from §6.
type LaunchTaskRequest struct {
	Argv          []string `json:"argv"`
	TimeoutSecs   int      `json:"timeout_seconds,omitempty"`
}

// LaunchTaskResponse carries the assigned task id.
type LaunchTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatus mirrors an AsyncTask row at the API boundary.
type TaskStatus struct {
	ID          string   `json:"id"`
	ContainerID string   `json:"container_id"`
	Command     []string `json:"command"`
	Status      string   `json:"status"`
	CreatedAt   int64    `json:"created_at"`
	StartedAt   int64    `json:"started_at,omitempty"`
	CompletedAt int64    `json:"completed_at,omitempty"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	Stdout      string   `json:"stdout,omitempty"`
	Stderr      string   `json:"stderr,omitempty"`
	ErrorMsg    string   `json:"error_message,omitempty"`
}

// TasksPageSize is the fixed number of rows ListTasksRequest.Page
// selects at a time: page 0 is the newest TasksPageSize rows, page 1 the
// next TasksPageSize, and so on. There is no opaque cursor format to
// preserve, so a page number is all the API needs.
const TasksPageSize = 50

// ListTasksRequest is the ListTasks(container_id, status_filter?, page)
// shape from §6.
type ListTasksRequest struct {
	StatusFilter string `json:"status_filter,omitempty"`
	Page         int    `json:"page,omitempty"`
}

// GetLogsResponse carries the captured output from a container's
// in-memory log ring for GetLogs(id); there is no request body beyond
// the container id already carried in the URL query, the same shape
// Get(id) uses.
type GetLogsResponse struct {
	Logs string `json:"logs"`
}

// GetStatsResponse carries a handful of cgroup usage figures for
// GetStats(id): memory_current_bytes, memory_peak_bytes, pids_current.
// Keys mirror whatever the host's cgroup controllers exposed, so a v1
// host without memory.peak simply omits it.
type GetStatsResponse struct {
	Stats map[string]string `json:"stats"`
}

// ErrorResponse is the body written for any non-2xx daemon response.
// Kind mirrors quilterr.Kind so clients can tell error categories apart
// across the wire boundary without importing the internal package.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
