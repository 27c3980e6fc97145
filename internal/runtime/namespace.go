package runtime

import (
	"encoding/json"
	"os"
	"os/exec"
	"syscall"

	"github.com/banksean/quilt/internal/store"
	"golang.org/x/sys/unix"
)

// ReexecInitArg is argv[1] the daemon binary recognizes as "you are the
// container init, not the daemon" — the same self-reexec trick used
// throughout the container-runtime corpus (libcontainer's DefaultCreateCommand,
// runc's nsenter package) since Go has no raw fork(2) that could jump
// straight into a child without re-running through main().
const ReexecInitArg = "__quilt_init__"

// childSpec is the protocol passed to the re-exec'd init process entirely
// through the environment, since argv is reserved for the self-reexec
// marker and the container id.
type childSpec struct {
	RootfsPath    string            `json:"rootfs_path"`
	Argv          []string          `json:"argv"`
	Env           map[string]string `json:"env"`
	WorkDir       string            `json:"workdir"`
	SetupCommands []string          `json:"setup_commands"`
	Hostname      string            `json:"hostname"`
	Net           bool              `json:"net"`
	ReadinessPath string            `json:"readiness_path"`
}

const childSpecEnvVar = "QUILT_CHILD_SPEC"

// cloneFlags translates the requested namespace set into the Cloneflags
// bitmask start(2) hands to clone(2). PID/mount/net/uts/ipc map one to one
// onto CLONE_NEWPID/NEWNS/NEWNET/NEWUTS/NEWIPC.
func cloneFlags(ns store.NamespaceFlags) uintptr {
	var flags uintptr
	if ns.PID {
		flags |= unix.CLONE_NEWPID
	}
	if ns.Mount {
		flags |= unix.CLONE_NEWNS
	}
	if ns.Net {
		flags |= unix.CLONE_NEWNET
	}
	if ns.UTS {
		flags |= unix.CLONE_NEWUTS
	}
	if ns.IPC {
		flags |= unix.CLONE_NEWIPC
	}
	return flags
}

// buildChildCommand constructs (but does not start) the re-exec'd init
// process. The namespace set lives entirely in SysProcAttr.Cloneflags;
// everything the child needs to set up the container is serialized into
// the childSpec env var rather than passed as argv, keeping `ps` output on
// the host from leaking the full command line of every container.
func buildChildCommand(containerID string, cfg store.ContainerConfig, rootfsPath, readinessPath string) (*exec.Cmd, error) {
	spec := childSpec{
		RootfsPath:    rootfsPath,
		Argv:          cfg.Argv,
		Env:           cfg.Env,
		WorkDir:       cfg.WorkDir,
		SetupCommands: cfg.SetupCommands,
		Hostname:      containerID,
		Net:           cfg.Namespaces.Net,
		ReadinessPath: readinessPath,
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	self, err := os.Executable()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(self, ReexecInitArg, containerID)
	cmd.Env = append(os.Environ(), childSpecEnvVar+"="+string(payload))
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags(cfg.Namespaces),
		Pdeathsig:  syscall.SIGKILL,
	}
	cmd.Stdin = nil
	return cmd, nil
}
