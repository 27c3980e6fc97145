package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFixBrokenBinaryFallsBackToScriptWhenNoHostCandidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "echo")

	if err := fixBrokenBinary(path, "echo", []string{"/nonexistent/echo"}); err != nil {
		t.Fatalf("fixBrokenBinary: %v", err)
	}

	if !isExecutable(path) {
		t.Fatalf("repaired echo binary is not executable")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "#!/bin/sh") {
		t.Errorf("expected a shell-script fallback, got: %s", data)
	}
}

func TestFixBrokenBinaryUnknownNameIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mystery")
	if err := fixBrokenBinary(path, "mystery", []string{"/nonexistent/mystery"}); err != nil {
		t.Fatalf("unknown binary repair should be a warning, not an error: %v", err)
	}
}

func TestCreateMinimalShellBinaryIsExecutableScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sh")

	if err := createMinimalShellBinary(path); err != nil {
		t.Fatalf("createMinimalShellBinary: %v", err)
	}
	if !isExecutable(path) {
		t.Fatal("minimal shell is not executable")
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"$1" = "-c"`) {
		t.Errorf("minimal shell missing -c dispatch: %s", data)
	}
}

func TestCreateEchoLsCatScriptsAreExecutable(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]func(string) error{
		"echo": createEchoScript,
		"ls":   createLsScript,
		"cat":  createCatScript,
	}
	for name, fn := range cases {
		path := filepath.Join(dir, name)
		if err := fn(path); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !isExecutable(path) {
			t.Errorf("%s: not executable", name)
		}
	}
}

func TestSetupLibraryDirectoriesCreatesExpectedDirs(t *testing.T) {
	dir := t.TempDir()
	if err := setupLibraryDirectories(dir); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"lib", "lib64", "lib/x86_64-linux-gnu"} {
		if info, err := os.Stat(filepath.Join(dir, want)); err != nil || !info.IsDir() {
			t.Errorf("missing library dir %s", want)
		}
	}
}

func TestIsBrokenSymlinkDetectsDanglingLink(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	os.Symlink(filepath.Join(dir, "does-not-exist"), link)

	if !isBrokenSymlink(link) {
		t.Error("expected dangling symlink to be detected as broken")
	}

	real := filepath.Join(dir, "real")
	os.WriteFile(real, []byte("x"), 0o644)
	if isBrokenSymlink(real) {
		t.Error("regular file should not be reported as a broken symlink")
	}
}

func TestVerifyContainerShellNeverFailsOnMissingShell(t *testing.T) {
	dir := t.TempDir()
	if err := verifyContainerShell(dir); err != nil {
		t.Fatalf("verifyContainerShell must be best-effort: %v", err)
	}
}

func TestPrepareRootfsExtractsAndRepairs(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "image.tar.gz")
	writeTestImage(t, image)

	layers := filepath.Join(dir, "layers")
	containers := filepath.Join(dir, "containers")

	rootfsPath, err := prepareRootfs(image, layers, containers, "c1")
	if err != nil {
		t.Fatalf("prepareRootfs: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rootfsPath, "bin", "sh")); err != nil {
		t.Errorf("expected a repaired /bin/sh in rootfs: %v", err)
	}

	// A second container from the same image must reuse the extracted
	// layer rather than re-extracting it.
	rootfsPath2, err := prepareRootfs(image, layers, containers, "c2")
	if err != nil {
		t.Fatalf("prepareRootfs (second container): %v", err)
	}
	if rootfsPath == rootfsPath2 {
		t.Error("each container must get its own rootfs directory")
	}
}
