package models

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Backend selection values.
const (
	BackendIftop    = "iftop"
	BackendBpftrace = "bpftrace"
)

const DefaultExportThreshold = 1024 * 1024 // 1 MiB

// Config holds the agent's lifetime controls. Values come from an optional
// YAML config file, IPTRAFFIC_* environment variables and command line
// flags, in increasing order of precedence.
type Config struct {
	Backend         string // "iftop" or "bpftrace"
	Interface       string // required for the iftop backend
	Duration        int    // total run time in seconds, 0 runs forever
	SampleInterval  int    // sampling window length in seconds
	ListenPort      int    // metrics endpoint port, 0 disables the endpoint
	GeoIPDB         string // path to a GeoLite2/GeoIP2 City database
	ExportThreshold uint64 // minimum cumulative bytes before an IP is exported
	BpftraceScript  string // custom bpftrace script path, empty uses the embedded one
	LogDir          string
}

// LoadConfig parses flags, merges the config file and environment and
// validates the result. Errors here are fatal: nothing has been started yet.
func LoadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("ip-traffic-agent", flag.ContinueOnError)

	configPath := fs.String("config", "", "path to YAML config file")
	backend := fs.String("backend", "", "traffic backend: iftop or bpftrace")
	iface := fs.String("iface", "", "interface to monitor (iftop backend)")
	duration := fs.Int("duration", -1, "run time in seconds, 0 runs forever")
	interval := fs.Int("sample-interval", -1, "sampling window in seconds")
	port := fs.Int("port", -1, "metrics endpoint port, 0 disables it")
	geoDB := fs.String("geoip-db", "", "GeoIP2 City database path")
	threshold := fs.Int64("threshold", -1, "export threshold in bytes")
	script := fs.String("bpftrace-script", "", "custom bpftrace script path")
	logDir := fs.String("log-dir", "", "log directory")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("backend", BackendIftop)
	v.SetDefault("iface", "")
	v.SetDefault("duration", 30)
	v.SetDefault("sample_interval", 2)
	v.SetDefault("port", 0)
	v.SetDefault("geoip_db", "")
	v.SetDefault("export_threshold", DefaultExportThreshold)
	v.SetDefault("bpftrace_script", "")
	v.SetDefault("log_dir", "./logs")

	v.SetEnvPrefix("IPTRAFFIC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if *configPath != "" {
		v.SetConfigFile(*configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", *configPath, err)
		}
	}

	cfg := &Config{
		Backend:         v.GetString("backend"),
		Interface:       v.GetString("iface"),
		Duration:        v.GetInt("duration"),
		SampleInterval:  v.GetInt("sample_interval"),
		ListenPort:      v.GetInt("port"),
		GeoIPDB:         v.GetString("geoip_db"),
		ExportThreshold: v.GetUint64("export_threshold"),
		BpftraceScript:  v.GetString("bpftrace_script"),
		LogDir:          v.GetString("log_dir"),
	}

	// Flags beat file and environment.
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *iface != "" {
		cfg.Interface = *iface
	}
	if *duration >= 0 {
		cfg.Duration = *duration
	}
	if *interval >= 0 {
		cfg.SampleInterval = *interval
	}
	if *port >= 0 {
		cfg.ListenPort = *port
	}
	if *geoDB != "" {
		cfg.GeoIPDB = *geoDB
	}
	if *threshold >= 0 {
		cfg.ExportThreshold = uint64(*threshold)
	}
	if *script != "" {
		cfg.BpftraceScript = *script
	}
	if *logDir != "" {
		cfg.LogDir = *logDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the agent cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case BackendIftop:
		c.Backend = BackendIftop
		if c.Interface == "" {
			return fmt.Errorf("the iftop backend requires an interface (-iface)")
		}
	case BackendBpftrace:
		c.Backend = BackendBpftrace
	default:
		return fmt.Errorf("unknown backend %q, want %s or %s", c.Backend, BackendIftop, BackendBpftrace)
	}

	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %d", c.SampleInterval)
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must be zero or positive, got %d", c.Duration)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.ListenPort)
	}
	if c.GeoIPDB != "" {
		if _, err := os.Stat(c.GeoIPDB); err != nil {
			return fmt.Errorf("geoip database %s: %w", c.GeoIPDB, err)
		}
	}
	if c.BpftraceScript != "" {
		if _, err := os.Stat(c.BpftraceScript); err != nil {
			return fmt.Errorf("bpftrace script %s: %w", c.BpftraceScript, err)
		}
	}
	return nil
}
