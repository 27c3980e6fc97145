package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/banksean/quilt/internal/store"
)

func TestCloneFlagsMapsEachNamespace(t *testing.T) {
	cases := []struct {
		name string
		ns   store.NamespaceFlags
		want uintptr
	}{
		{"none", store.NamespaceFlags{}, 0},
		{"pid", store.NamespaceFlags{PID: true}, unix.CLONE_NEWPID},
		{"all", store.NamespaceFlags{PID: true, Mount: true, Net: true, UTS: true, IPC: true},
			unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWNET | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := cloneFlags(c.ns); got != c.want {
				t.Errorf("cloneFlags(%+v) = %#x, want %#x", c.ns, got, c.want)
			}
		})
	}
}

func TestBuildChildCommandSerializesSpecIntoEnv(t *testing.T) {
	cfg := store.ContainerConfig{
		Argv:       []string{"/bin/sh", "-c", "true"},
		Env:        map[string]string{"FOO": "bar"},
		WorkDir:    "/app",
		Namespaces: store.NamespaceFlags{PID: true, Net: true},
	}
	cmd, err := buildChildCommand("c1", cfg, "/var/lib/quilt/containers/c1", "/tmp/quilt-readiness/c1.ready")
	if err != nil {
		t.Fatalf("buildChildCommand: %v", err)
	}
	if cmd.Args[1] != ReexecInitArg {
		t.Errorf("Args[1] = %s, want %s", cmd.Args[1], ReexecInitArg)
	}
	if cmd.Args[2] != "c1" {
		t.Errorf("Args[2] = %s, want container id", cmd.Args[2])
	}

	found := false
	for _, kv := range cmd.Env {
		if len(kv) > len(childSpecEnvVar) && kv[:len(childSpecEnvVar)] == childSpecEnvVar {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s to be set in child environment", childSpecEnvVar)
	}

	if cmd.SysProcAttr.Cloneflags&unix.CLONE_NEWPID == 0 {
		t.Error("expected CLONE_NEWPID in Cloneflags")
	}
	if cmd.SysProcAttr.Cloneflags&unix.CLONE_NEWNET == 0 {
		t.Error("expected CLONE_NEWNET in Cloneflags")
	}
}

func TestResolveExecutableAbsolutePath(t *testing.T) {
	got, err := resolveExecutable("/bin/true", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/bin/true" {
		t.Errorf("got %s", got)
	}
}

func TestResolveExecutableSearchesPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "mytool")
	os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755)

	got, err := resolveExecutable("mytool", dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != bin {
		t.Errorf("got %s, want %s", got, bin)
	}
}

func TestResolveExecutableNotFound(t *testing.T) {
	_, err := resolveExecutable("does-not-exist-anywhere", t.TempDir())
	if err == nil {
		t.Fatal("expected an error for a missing executable")
	}
}
