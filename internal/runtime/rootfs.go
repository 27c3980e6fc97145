package runtime

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/banksean/quilt/internal/quilterr"
)

// essentialBinary is one binary the rootfs must end up with a working copy
// of, plus the host paths worth trying in order.
type essentialBinary struct {
	name      string
	hostPaths []string
}

var essentialBinaries = []essentialBinary{
	{"sh", []string{"/bin/sh", "/bin/bash", "/usr/bin/sh"}},
	{"echo", []string{"/bin/echo", "/usr/bin/echo"}},
	{"ls", []string{"/bin/ls", "/usr/bin/ls"}},
	{"cat", []string{"/bin/cat", "/usr/bin/cat"}},
}

var essentialLibraries = []struct{ host, rel string }{
	{"/lib/x86_64-linux-gnu/libc.so.6", "lib/x86_64-linux-gnu/libc.so.6"},
	{"/lib64/ld-linux-x86-64.so.2", "lib64/ld-linux-x86-64.so.2"},
	{"/lib/x86_64-linux-gnu/libtinfo.so.6", "lib/x86_64-linux-gnu/libtinfo.so.6"},
	{"/lib/x86_64-linux-gnu/libdl.so.2", "lib/x86_64-linux-gnu/libdl.so.2"},
}

// prepareRootfs extracts imagePath (a gzipped tar) once into a
// content-addressed layer directory under layersBase, then gives the
// container its own copy-on-write directory by hard-copying that layer —
// the cheapest overlay a pure-Go implementation can offer without a real
// union filesystem driver. Subsequent containers sharing the same image
// skip re-extraction.
func prepareRootfs(imagePath, layersBase, containerRootfsBase, containerID string) (string, error) {
	layerDir, err := extractLayer(imagePath, layersBase)
	if err != nil {
		return "", err
	}

	rootfsPath := filepath.Join(containerRootfsBase, containerID)
	if err := copyTree(layerDir, rootfsPath); err != nil {
		return "", quilterr.New(quilterr.RootfsSetup, "rootfs.prepare", err)
	}

	if err := fixContainerBinaries(rootfsPath); err != nil {
		return "", err
	}
	return rootfsPath, nil
}

// extractLayer unpacks imagePath into a directory keyed by the SHA-256
// digest of the tarball's bytes, which gives every container created from
// the same image content a shared, already-extracted layer.
func extractLayer(imagePath, layersBase string) (string, error) {
	src, err := os.Open(imagePath)
	if err != nil {
		return "", quilterr.New(quilterr.Validation, "rootfs.extractLayer", err)
	}
	h := sha256.New()
	_, err = io.Copy(h, src)
	src.Close()
	if err != nil {
		return "", quilterr.New(quilterr.RootfsSetup, "rootfs.extractLayer", err)
	}
	layerDir := filepath.Join(layersBase, hex.EncodeToString(h.Sum(nil)))

	if info, err := os.Stat(layerDir); err == nil && info.IsDir() {
		return layerDir, nil
	}

	if err := os.MkdirAll(layerDir, 0o755); err != nil {
		return "", quilterr.New(quilterr.RootfsSetup, "rootfs.extractLayer", err)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return "", quilterr.New(quilterr.Validation, "rootfs.extractLayer", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", quilterr.New(quilterr.Validation, "rootfs.extractLayer", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", quilterr.New(quilterr.RootfsSetup, "rootfs.extractLayer", err)
		}
		target := filepath.Join(layerDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			os.MkdirAll(target, os.FileMode(hdr.Mode))
		case tar.TypeReg:
			os.MkdirAll(filepath.Dir(target), 0o755)
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return "", quilterr.New(quilterr.RootfsSetup, "rootfs.extractLayer", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return "", quilterr.New(quilterr.RootfsSetup, "rootfs.extractLayer", err)
			}
			out.Close()
		case tar.TypeSymlink:
			os.MkdirAll(filepath.Dir(target), 0o755)
			os.Symlink(hdr.Linkname, target)
		}
	}
	return layerDir, nil
}

// copyTree gives the container its own writable copy of the shared layer.
// Shelling out to cp favors a real cp invocation (clone-on-write on
// filesystems that support it) over a hand-rolled walk.
func copyTree(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	cmd := exec.Command("cp", "-a", src, dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return quilterr.New(quilterr.RootfsSetup, "rootfs.copyTree",
			&execOutputError{cmd: strings.Join(cmd.Args, " "), out: string(out), err: err})
	}
	return nil
}

type execOutputError struct {
	cmd, out string
	err      error
}

func (e *execOutputError) Error() string {
	return e.cmd + ": " + e.err.Error() + ": " + e.out
}
func (e *execOutputError) Unwrap() error { return e.err }

// fixContainerBinaries is the binary-repair pass: after extraction, many
// Nix-built or distro-minimal images ship /bin/sh and friends as symlinks
// into store paths that don't exist inside the container's rootfs. This
// walks the essential set and repairs whatever is missing or broken.
func fixContainerBinaries(rootfsPath string) error {
	if err := setupLibraryDirectories(rootfsPath); err != nil {
		slog.Warn("rootfs: failed to create library directories", "err", err)
	}

	for _, b := range essentialBinaries {
		path := filepath.Join(rootfsPath, "bin", b.name)
		switch {
		case !fileExists(path):
			slog.Debug("rootfs: missing essential binary", "binary", b.name)
			if err := fixBrokenBinary(path, b.name, b.hostPaths); err != nil {
				return err
			}
		case isBrokenSymlink(path):
			slog.Warn("rootfs: broken symlink for essential binary", "binary", b.name, "path", path)
			if err := fixBrokenBinary(path, b.name, b.hostPaths); err != nil {
				return err
			}
		case !isExecutable(path):
			slog.Warn("rootfs: binary exists but is not executable", "binary", b.name)
			if err := fixBrokenBinary(path, b.name, b.hostPaths); err != nil {
				return err
			}
		}
	}

	copyEssentialLibraries(rootfsPath)
	return verifyContainerShell(rootfsPath)
}

func setupLibraryDirectories(rootfsPath string) error {
	for _, dir := range []string{"lib", "lib64", "lib/x86_64-linux-gnu"} {
		if err := os.MkdirAll(filepath.Join(rootfsPath, dir), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func copyEssentialLibraries(rootfsPath string) {
	for _, lib := range essentialLibraries {
		if !fileExists(lib.host) {
			continue
		}
		dst := filepath.Join(rootfsPath, lib.rel)
		os.MkdirAll(filepath.Dir(dst), 0o755)
		if err := copyFile(lib.host, dst); err != nil {
			slog.Warn("rootfs: failed to copy essential library", "lib", lib.host, "err", err)
		}
	}
}

// fixBrokenBinary removes whatever is at containerBinaryPath (if anything)
// and tries each host candidate in order; the first one that is a regular,
// executable, non-Nix-linked binary is copied in. If none qualify it falls
// back to a synthesized replacement.
func fixBrokenBinary(containerBinaryPath, binaryName string, hostPaths []string) error {
	if fileExists(containerBinaryPath) {
		os.Remove(containerBinaryPath)
	}

	for _, hostPath := range hostPaths {
		if !fileExists(hostPath) || !isExecutable(hostPath) {
			continue
		}
		if isNixLinkedBinary(hostPath) {
			slog.Debug("rootfs: skipping nix-linked binary", "path", hostPath)
			continue
		}
		if err := copyFile(hostPath, containerBinaryPath); err != nil {
			slog.Warn("rootfs: failed to copy host binary", "host", hostPath, "err", err)
			continue
		}
		os.Chmod(containerBinaryPath, 0o755)
		slog.Debug("rootfs: repaired binary by copying host binary", "binary", binaryName, "from", hostPath)
		return nil
	}

	if binaryName == "sh" {
		return createRobustShell(containerBinaryPath)
	}
	switch binaryName {
	case "echo":
		return createEchoScript(containerBinaryPath)
	case "ls":
		return createLsScript(containerBinaryPath)
	case "cat":
		return createCatScript(containerBinaryPath)
	default:
		slog.Warn("rootfs: cannot repair unknown binary", "binary", binaryName)
		return nil
	}
}

// createRobustShell tries to copy a working host shell (again skipping
// Nix-linked ones) before falling back to the script-subset shell.
func createRobustShell(shellPath string) error {
	for _, candidate := range []string{"/bin/sh", "/bin/bash"} {
		if fileExists(candidate) && isExecutable(candidate) && !isNixLinkedBinary(candidate) {
			if err := copyFile(candidate, shellPath); err == nil {
				os.Chmod(shellPath, 0o755)
				slog.Debug("rootfs: created shell by copying host shell", "from", candidate)
				return nil
			}
		}
	}
	return createMinimalShellBinary(shellPath)
}

// createMinimalShellBinary writes the script-subset shell described in
// §4.1: single-command exec, ';'-separated lists, quoted echo, pwd. A real
// static C shell is not attempted here — this daemon has no reason to
// shell out to a C compiler on the host, and the script subset already
// satisfies "/bin/sh -c <cmd> always resolves".
func createMinimalShellBinary(shellPath string) error {
	const script = `#!/bin/sh
# minimal shell: -c "<cmd>[;<cmd>...]"
if [ "$1" = "-c" ]; then
	shift
	cmd="$*"
	IFS=';'
	for part in $cmd; do
		set -- $part
		case "$1" in
		echo)
			shift
			printf '%s\n' "$*"
			;;
		pwd)
			pwd
			;;
		'')
			;;
		*)
			"$@"
			;;
		esac
	done
	exit 0
fi
echo "minimal shell ready (use -c for command execution)"
`
	return writeExecutableScript(shellPath, script)
}

func createEchoScript(path string) error {
	return writeExecutableScript(path, "#!/bin/sh\nprintf '%s\\n' \"$*\"\n")
}

func createLsScript(path string) error {
	const script = `#!/bin/sh
for arg in "$@"; do
	if [ -d "$arg" ]; then
		for f in "$arg"/*; do
			[ -e "$f" ] && printf '%s\n' "${f##*/}"
		done
	elif [ -f "$arg" ]; then
		printf '%s\n' "$arg"
	else
		for f in ./*; do
			[ -e "$f" ] && printf '%s\n' "${f##*/}"
		done
		break
	fi
done
`
	return writeExecutableScript(path, script)
}

func createCatScript(path string) error {
	const script = `#!/bin/sh
for file in "$@"; do
	if [ -f "$file" ]; then
		while IFS= read -r line; do
			printf '%s\n' "$line"
		done <"$file"
	else
		printf 'cat: %s: No such file or directory\n' "$file" >&2
	fi
done
`
	return writeExecutableScript(path, script)
}

func writeExecutableScript(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return quilterr.New(quilterr.RootfsSetup, "rootfs.writeExecutableScript", err)
	}
	return os.Chmod(path, 0o755)
}

// verifyContainerShell is a last sanity check; it never fails the build,
// it only logs, matching the original's "missing shell is a warning, not
// an abort" stance.
func verifyContainerShell(rootfsPath string) error {
	shellPath := filepath.Join(rootfsPath, "bin", "sh")
	if !fileExists(shellPath) {
		slog.Warn("rootfs: no shell present after repair pass")
		return nil
	}
	if !isExecutable(shellPath) {
		slog.Warn("rootfs: shell exists but is not executable")
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && !info.IsDir()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&0o111 != 0
}

func isBrokenSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr != nil
}

// isNixLinkedBinary guards against copying in a host binary whose
// interpreter/rpath points at a /nix/store path that won't exist inside
// the container rootfs — such a binary would just be another broken
// binary once copied.
func isNixLinkedBinary(path string) bool {
	out, err := exec.Command("ldd", path).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "/nix/store")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
