package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/banksean/quilt/pkg/quiltapi"
)

type ExecCmd struct {
	ID          string   `arg:"" help:"ID of the running container"`
	Argv        []string `arg:"" optional:"" passthrough:"" help:"command to run inside the container; omit with -it for a shell session"`
	Env         []string `help:"environment variables as KEY=VALUE, repeatable"`
	WorkDir     string   `help:"working directory for the command"`
	Interactive bool     `short:"i" help:"open an interactive shell session against the container"`
	TTY         bool     `short:"t" help:"accepted together with -i as -it; the session is line-based either way"`
}

func (c *ExecCmd) Run(cctx *Context) error {
	env := map[string]string{}
	for _, kv := range c.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --env value %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}

	if c.Interactive {
		return c.runInteractive(cctx, env)
	}

	if len(c.Argv) == 0 {
		return fmt.Errorf("a command is required unless -it is given")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, err := cctx.client.Exec(ctx, c.ID, quiltapi.ExecRequest{
		Argv: c.Argv, Env: env, WorkDir: c.WorkDir, CaptureOutput: true,
	})
	if err != nil {
		return err
	}
	fmt.Print(resp.Stdout)
	fmt.Fprint(os.Stderr, resp.Stderr)
	if resp.ExitCode != 0 {
		os.Exit(resp.ExitCode)
	}
	return nil
}

// runInteractive is a line-at-a-time shell session, not a true attached
// pty: the daemon's Exec RPC is request/response, so there is no
// underlying stream to forward raw terminal bytes across. Each line the
// operator enters becomes its own synchronous "sh -c <line>" call, and
// its stdout/stderr are printed back before the next prompt. term's raw
// mode and line editor make that feel like a shell even though every
// line is its own round trip.
func (c *ExecCmd) runInteractive(cctx *Context, env map[string]string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("exec -it requires an interactive terminal on stdin")
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("failed to set raw terminal mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	rw := stdinStdout{}
	t := term.NewTerminal(rw, fmt.Sprintf("%s$ ", c.ID))

	for {
		line, err := t.ReadLine()
		if err == io.EOF {
			fmt.Fprint(rw, "\r\n")
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == "exit" {
			return nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		resp, err := cctx.client.Exec(ctx, c.ID, quiltapi.ExecRequest{
			Argv:          []string{"sh", "-c", line},
			Env:           env,
			WorkDir:       c.WorkDir,
			CaptureOutput: true,
		})
		cancel()
		if err != nil {
			fmt.Fprintf(rw, "%s\r\n", err)
			continue
		}
		writeCRLF(rw, resp.Stdout)
		writeCRLF(rw, resp.Stderr)
		if resp.ExitCode != 0 {
			fmt.Fprintf(rw, "exit status %d\r\n", resp.ExitCode)
		}
	}
}

// writeCRLF prints s to rw with every newline translated to \r\n, since
// the terminal is in raw mode and the kernel no longer does that for us.
func writeCRLF(rw io.Writer, s string) {
	if s == "" {
		return
	}
	fmt.Fprint(rw, strings.ReplaceAll(s, "\n", "\r\n"))
}

// stdinStdout adapts the process's stdin/stdout into the io.ReadWriter
// term.NewTerminal wants.
type stdinStdout struct{}

func (stdinStdout) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdinStdout) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
