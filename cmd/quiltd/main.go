package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/banksean/quilt/internal/config"
	"github.com/banksean/quilt/internal/daemon"
	"github.com/banksean/quilt/internal/runtime"
	"github.com/banksean/quilt/internal/telemetry"
	"github.com/banksean/quilt/internal/version"
	"github.com/banksean/quilt/pkg/quiltclient"
)

// CLI is quiltd's own command surface: almost everything it does is
// "be the daemon", but status/stop/restart let an operator manage it
// without a separate client binary.
type CLI struct {
	config.Config `yaml:",inline"`

	Action string `arg:"" optional:"" default:"start" enum:"start,stop,restart,status" help:"start, stop, restart, or report status of the daemon"`

	Version VersionCmd `cmd:"" help:"print version information"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := version.Get()
	fmt.Printf("commit=%s branch=%s built=%s\n", info.GitCommit, info.GitBranch, info.BuildTime)
	return nil
}

func main() {
	var cli CLI

	// The daemon binary doubles as the re-exec'd container init: when
	// invoked as "quiltd __quilt_init__ <container-id>" it never reaches
	// kong.Parse's normal command dispatch; namespace.go always launches
	// it this way, before any namespace or cgroup setup is visible to it.
	if len(os.Args) > 1 && os.Args[1] == runtime.ReexecInitArg {
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "quilt init: missing container id")
			os.Exit(1)
		}
		if err := runtime.RunInit(os.Args[2]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	kctx := kong.Parse(&cli,
		kong.Configuration(kongyaml.Loader, "/etc/quiltd/config.yaml", "~/.quiltd.yaml"),
		kong.Description("Run the quilt container runtime daemon."))

	if kctx.Command() == "version" {
		kctx.FatalIfErrorf(kctx.Run())
		return
	}

	initLogging(cli.Config)

	switch cli.Action {
	case "start":
		kctx.FatalIfErrorf(runStart(cli.Config))
	case "stop":
		kctx.FatalIfErrorf(runStop(cli.Config))
	case "restart":
		kctx.FatalIfErrorf(runRestart(cli.Config))
	case "status":
		fallthrough
	default:
		kctx.FatalIfErrorf(runStatus(cli.Config))
	}
}

// initLogging points the default slog logger at a rotating file using
// lumberjack so a long-running daemon doesn't grow the file without
// bound.
func initLogging(cfg config.Config) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})))
}

func runStart(cfg config.Config) error {
	ctx := context.Background()
	client := quiltclient.New(cfg.SocketPath)
	if err := client.Ping(ctx); err == nil {
		fmt.Println("daemon is already running")
		return nil
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTLPEndpoint, "quiltd")
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry(ctx)

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}
	defer d.Close()

	return d.ServeUnix(ctx)
}

func runStop(cfg config.Config) error {
	client := quiltclient.New(cfg.SocketPath)
	if err := client.Ping(context.Background()); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	if err := client.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Println("daemon stopped")
	return nil
}

func runStatus(cfg config.Config) error {
	client := quiltclient.New(cfg.SocketPath)
	if err := client.Ping(context.Background()); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	fmt.Println("daemon is running")
	return nil
}

func runRestart(cfg config.Config) error {
	client := quiltclient.New(cfg.SocketPath)
	if err := client.Ping(context.Background()); err == nil {
		if err := client.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("failed to stop daemon: %w", err)
		}
		fmt.Println("daemon stopped")
	}

	cmd := exec.Command(os.Args[0], "start")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if quiltclient.SocketReachable(cfg.SocketPath, 100*time.Millisecond) {
			fmt.Println("daemon restarted successfully")
			return nil
		}
	}
	return fmt.Errorf("daemon failed to restart")
}
