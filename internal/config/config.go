// Package config is the daemon-wide settings struct and its defaults.
// cmd/quiltd owns the actual kong/kong-yaml flag-and-file parsing (the
// way cmd/sand's CLI struct does); this package is just the resulting
// plain-data Config plus the defaults every subsystem falls back to.
package config

import "time"

// Config is the complete set of knobs the daemon accepts, loadable from
// a YAML file via kong-yaml or from flags/environment via kong. The
// default: tags are the canonical defaults; Default() below just gives
// non-CLI callers (tests, embedders) the same values without going
// through kong.Parse.
type Config struct {
	SocketPath string `yaml:"socket_path" default:"/var/run/quiltd.sock" help:"unix socket the daemon listens on"`
	DBPath     string `yaml:"db_path" default:"/var/lib/quilt/quilt.db" help:"path to the SQLite state database"`

	LayersBase string `yaml:"layers_base" default:"/var/lib/quilt/layers" help:"content-addressed image layer cache directory"`
	RootfsBase string `yaml:"rootfs_base" default:"/tmp/quilt-containers" help:"per-container rootfs directory"`
	NsenterBin string `yaml:"nsenter_bin" default:"nsenter" help:"path to the nsenter binary"`

	BridgeName string `yaml:"bridge_name" default:"quilt0" help:"shared host bridge for container networking"`
	BridgeIP   string `yaml:"bridge_ip" default:"10.42.0.1" help:"bridge gateway address"`
	SubnetMask string `yaml:"subnet_mask" default:"16" help:"CIDR mask bits for the container subnet"`
	PoolStart  uint32 `yaml:"pool_start" default:"2" help:"first allocatable IP pool octet"`
	PoolEnd    uint32 `yaml:"pool_end" default:"254" help:"last allocatable IP pool octet"`

	ReadinessMarkerDir string        `yaml:"readiness_marker_dir" default:"/tmp/quilt-readiness" help:"directory for readiness rendezvous files"`
	ReadinessTimeout   time.Duration `yaml:"readiness_timeout" default:"5s" help:"how long to wait for a container to signal ready"`
	StopGrace          time.Duration `yaml:"stop_grace" default:"5s" help:"how long to wait after SIGTERM before SIGKILL"`

	CleanupWorkerInterval time.Duration `yaml:"cleanup_worker_interval" default:"2s" help:"how often the cleanup worker drains pending tasks"`
	OrphanSweepInterval   time.Duration `yaml:"orphan_sweep_interval" default:"30s" help:"how often the orphan sweep looks for unreclaimed containers"`

	TaskRetention     time.Duration `yaml:"task_retention" default:"24h" help:"how long to keep terminal async task rows"`
	TaskSweepInterval time.Duration `yaml:"task_sweep_interval" default:"1h" help:"how often the task retention sweep runs"`

	LogFile  string `yaml:"log_file" default:"/var/log/quiltd/quiltd.log" help:"path to the daemon's log file"`
	LogLevel string `yaml:"log_level" default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level"`

	OTLPEndpoint string `yaml:"otlp_endpoint" help:"OTLP/gRPC collector endpoint for tracing; tracing is disabled when empty"`
}

// Default returns the configuration the daemon runs with when nothing
// overrides it, matching the filesystem layout and network defaults
// named in §6.
func Default() Config {
	return Config{
		SocketPath: "/var/run/quiltd.sock",
		DBPath:     "/var/lib/quilt/quilt.db",

		LayersBase: "/var/lib/quilt/layers",
		RootfsBase: "/tmp/quilt-containers",
		NsenterBin: "nsenter",

		BridgeName: "quilt0",
		BridgeIP:   "10.42.0.1",
		SubnetMask: "16",
		PoolStart:  2,
		PoolEnd:    254,

		ReadinessMarkerDir: "/tmp/quilt-readiness",
		ReadinessTimeout:   5 * time.Second,
		StopGrace:          5 * time.Second,

		CleanupWorkerInterval: 2 * time.Second,
		OrphanSweepInterval:   30 * time.Second,

		TaskRetention:     24 * time.Hour,
		TaskSweepInterval: time.Hour,

		LogFile:  "/var/log/quiltd/quiltd.log",
		LogLevel: "info",
	}
}
