package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/banksean/quilt/internal/readiness"
)

// RunInit is the body of the re-exec'd container init: it runs as the
// actual first process inside whatever namespaces buildChildCommand asked
// clone(2) for. It is never called directly by daemon code — cmd/quiltd's
// main dispatches to it the moment it notices os.Args[1] == ReexecInitArg,
// before anything else in the daemon initializes, matching the pattern the
// corpus's namespace-exec code (self-reexec via os.Args[0]) uses to avoid
// requiring a raw fork(2) that Go's runtime does not expose safely.
func RunInit(containerID string) error {
	raw := os.Getenv(childSpecEnvVar)
	if raw == "" {
		return fmt.Errorf("quilt init: missing %s", childSpecEnvVar)
	}
	var spec childSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return fmt.Errorf("quilt init: decode spec: %w", err)
	}

	if spec.Net {
		if err := bringUpLoopback(); err != nil {
			return fmt.Errorf("quilt init: loopback: %w", err)
		}
	}

	if err := mountContainerFilesystems(spec.RootfsPath); err != nil {
		return fmt.Errorf("quilt init: mounts: %w", err)
	}

	if spec.Hostname != "" {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			return fmt.Errorf("quilt init: sethostname: %w", err)
		}
	}

	if err := unix.Chroot(spec.RootfsPath); err != nil {
		return fmt.Errorf("quilt init: chroot: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("quilt init: chdir /: %w", err)
	}

	env := envMapToSlice(spec.Env)

	for _, setupCmd := range spec.SetupCommands {
		cmd := exec.Command("/bin/sh", "-c", setupCmd)
		cmd.Env = env
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("quilt init: setup command %q: %w", setupCmd, err)
		}
	}

	if spec.WorkDir != "" {
		if err := unix.Chdir(spec.WorkDir); err != nil {
			return fmt.Errorf("quilt init: chdir workdir: %w", err)
		}
	}

	// Own pid as the parent will verify it: inside a fresh PID namespace
	// this process is always pid 1 by kernel construction, so there is no
	// host-comparable pid to report. Outside one, getpid is still the
	// same process the parent forked.
	ownPID := os.Getpid()
	if err := readiness.SignalReady(spec.ReadinessPath, ownPID); err != nil {
		return fmt.Errorf("quilt init: signal ready: %w", err)
	}

	if len(spec.Argv) == 0 {
		return fmt.Errorf("quilt init: empty argv")
	}
	argv0, err := resolveExecutable(spec.Argv[0], spec.Env["PATH"])
	if err != nil {
		return fmt.Errorf("quilt init: resolve %q: %w", spec.Argv[0], err)
	}

	return unix.Exec(argv0, spec.Argv, env)
}

func bringUpLoopback() error {
	// Equivalent to `ip link set lo up`, done from inside the already-
	// unshared net namespace (CLONE_NEWNET took effect before this
	// process's own code started running).
	cmd := exec.Command("ip", "link", "set", "lo", "up")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func mountContainerFilesystems(rootfsPath string) error {
	mounts := []struct {
		source, target, fstype string
		flags                  uintptr
	}{
		{"proc", "proc", "proc", 0},
		{"sysfs", "sys", "sysfs", 0},
		{"devpts", "dev/pts", "devpts", 0},
	}
	for _, m := range mounts {
		target := filepath.Join(rootfsPath, m.target)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		if err := unix.Mount(m.source, target, m.fstype, m.flags, ""); err != nil {
			// sysfs/devpts frequently fail under nested or unprivileged
			// execution; proc is the one mount user commands actually
			// depend on, so only that failure is fatal.
			if m.target == "proc" {
				return err
			}
		}
	}
	return nil
}

func envMapToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func resolveExecutable(argv0, path string) (string, error) {
	if strings.Contains(argv0, "/") {
		return argv0, nil
	}
	if path == "" {
		path = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	for _, dir := range strings.Split(path, ":") {
		candidate := filepath.Join(dir, argv0)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable %q not found in PATH", argv0)
}
