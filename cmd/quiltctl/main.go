package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	kongcompletion "github.com/jotaen/kong-completion"

	"github.com/banksean/quilt/pkg/quiltclient"
)

// Context is handed to every subcommand's Run, carrying the socket path
// and client connection a subcommand needs without each one dialing its
// own.
type Context struct {
	SocketPath string
	client     *quiltclient.Client
}

type CLI struct {
	SocketPath string `default:"/var/run/quiltd.sock" placeholder:"<socket-path>" help:"unix socket of the quiltd daemon to talk to"`
	LogLevel   string `default:"warn" placeholder:"<debug|info|warn|error>" help:"the logging level"`

	Create  CreateCmd  `cmd:"" help:"create a container from an image without starting it"`
	Start   StartCmd   `cmd:"" help:"start a created container"`
	Stop    StopCmd    `cmd:"" help:"stop a running container"`
	Rm      RmCmd      `cmd:"" help:"remove a container and its resources"`
	Ls      LsCmd      `cmd:"" help:"list containers"`
	Get     GetCmd     `cmd:"" help:"print the status of one container"`
	Exec    ExecCmd    `cmd:"" help:"run a command inside a running container"`
	Logs    LogsCmd    `cmd:"" help:"print a container's captured stdout/stderr"`
	Stats   StatsCmd   `cmd:"" help:"print a running container's cgroup usage figures"`
	Task    TaskCmd    `cmd:"" help:"launch, inspect, list, or cancel an async task"`
	Version VersionCmd `cmd:"" help:"print version information"`

	Completion kongcompletion.Cmd `cmd:"" help:"print shell completion scripts"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Configuration(kong.JSON, ".quiltctl.json", "~/.quiltctl.json"),
		kong.Description("Drive the quilt container runtime daemon."))
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	cli.initSlog()

	runErr := kctx.Run(&Context{
		SocketPath: cli.SocketPath,
		client:     quiltclient.New(cli.SocketPath),
	})
	kctx.FatalIfErrorf(runErr)
}
