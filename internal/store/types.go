package store

import "time"

// ContainerState is one of the allowed lifecycle states from the data
// model: Created, Starting, Running, Exited(code), Failed(msg).
type ContainerState string

const (
	StateCreated  ContainerState = "created"
	StateStarting ContainerState = "starting"
	StateRunning  ContainerState = "running"
	StateExited   ContainerState = "exited"
	StateFailed   ContainerState = "failed"
)

// allowedTransitions encodes the state graph from §3: Created->Starting->
// Running->Exited|Failed; Starting->Failed; any->Failed.
var allowedTransitions = map[ContainerState]map[ContainerState]bool{
	StateCreated:  {StateStarting: true, StateFailed: true},
	StateStarting: {StateRunning: true, StateFailed: true},
	StateRunning:  {StateExited: true, StateFailed: true},
	StateExited:   {},
	StateFailed:   {},
}

// CanTransition reports whether moving from 'from' to 'to' is legal.
// Transitioning to Failed is always legal except from a terminal state,
// and a state transitioning to itself is never legal (transitions must be
// real state changes).
func CanTransition(from, to ContainerState) bool {
	if from == to {
		return false
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether s is a terminal container state.
func IsTerminal(s ContainerState) bool {
	return s == StateExited || s == StateFailed
}

// NamespaceFlags toggles which namespaces a container's process gets.
type NamespaceFlags struct {
	PID   bool
	Mount bool
	UTS   bool
	IPC   bool
	Net   bool
}

// ResourceLimits are the cgroup-enforced ceilings requested for a
// container. Zero values mean "use the runtime's default".
type ResourceLimits struct {
	MemoryBytes  int64
	CPUWeight    int64
	CPUQuotaUs   int64
	CPUPeriodUs  int64
	PIDsLimit    int64
}

// ContainerConfig is the immutable-after-create configuration of a
// container.
type ContainerConfig struct {
	ImagePath      string
	Argv           []string
	Env            map[string]string
	WorkDir        string
	Limits         ResourceLimits
	Namespaces     NamespaceFlags
	SetupCommands  []string
}

// Container is the central durable entity owned exclusively by the store.
type Container struct {
	ID        string
	Config    ContainerConfig
	State     ContainerState
	ExitCode  *int
	FailMsg   string

	PID        int
	RootfsPath string
	IPAddress  string

	CreatedAt time.Time
	StartedAt *time.Time
	ExitedAt  *time.Time
}

// NetworkAllocation is one-to-one with a Container when networking is on.
type NetworkAllocation struct {
	ContainerID     string
	IPAddress       string
	BridgeName      string
	VethHost        string
	VethContainer   string
	SetupCompleted  bool
	CleanupPending  bool
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether a task status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// AsyncTask is an exec request targeting a Running container.
type AsyncTask struct {
	ID          string
	ContainerID string
	Command     []string
	Status      TaskStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExitCode    *int
	Stdout      string
	Stderr      string
	ErrorMsg    string
	TimeoutSecs int
}

type ResourceKind string

const (
	ResourceRootfs  ResourceKind = "rootfs"
	ResourceNetwork ResourceKind = "network"
	ResourceCgroup  ResourceKind = "cgroup"
	ResourceMounts  ResourceKind = "mounts"
)

type CleanupStatus string

const (
	CleanupPending    CleanupStatus = "pending"
	CleanupInProgress CleanupStatus = "in_progress"
	CleanupCompleted  CleanupStatus = "completed"
	CleanupFailed     CleanupStatus = "failed"
)

// CleanupTask is a pending reclamation unit dispatched by the cleanup
// service to the resource manager.
type CleanupTask struct {
	ID            int64
	ContainerID   string
	ResourceKind  ResourceKind
	ResourcePath  string
	Status        CleanupStatus
	CreatedAt     time.Time
	CompletedAt   *time.Time
	ErrorMsg      string
}
