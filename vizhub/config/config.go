// Package config loads the hub configuration. Values come from defaults, then
// an optional YAML file, then the environment, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tomyedwab/vizhub/vizhub/catalog"
	"github.com/tomyedwab/vizhub/vizhub/compute"
	"github.com/tomyedwab/vizhub/vizhub/types"
)

// Environment variables read by the hub.
const (
	// SearchPathEnv lists app search roots when search_path is unset. It is
	// re-read on every discovery.
	SearchPathEnv = "JUPYTER_PATH"
	// BackendEnv selects the compute backend when backend is unset.
	BackendEnv = "JUVIZ_CONFIGURATION"

	ListenEnv   = "VIZHUB_LISTEN"
	BasePathEnv = "VIZHUB_BASE_PATH"
	StateDirEnv = "VIZHUB_STATE_DIR"
	TokenDirEnv = "VIZHUB_TOKEN_DIR"
)

// Config is the full hub configuration.
type Config struct {
	Listen          string                   `yaml:"listen"`
	BasePath        string                   `yaml:"base_path"`
	SearchPath      string                   `yaml:"search_path"`
	StrictDiscovery bool                     `yaml:"strict_discovery"`
	Backend         string                   `yaml:"backend"`
	Shell           string                   `yaml:"shell"`
	TokenDir        string                   `yaml:"token_dir"`
	StateDir        string                   `yaml:"state_dir"`
	StopGracePeriod time.Duration            `yaml:"stop_grace_period"`
	LogBufferSize   int                      `yaml:"log_buffer_size"`
	Audit           bool                     `yaml:"audit"`
	AuditRetention  time.Duration            `yaml:"audit_retention"` // 0 keeps events forever
	User            string                   `yaml:"user"`
	HomeDirectory   string                   `yaml:"home_directory"`
	Accounts        []types.AccountPartition `yaml:"accounts"`
	Slurm           compute.SlurmConfig      `yaml:"slurm"`
	Local           compute.LocalConfig      `yaml:"local"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Listen:          ":8888",
		BasePath:        "/",
		StrictDiscovery: true,
		Shell:           "/bin/sh",
		StateDir:        "~/.vizhub",
		StopGracePeriod: 10 * time.Second,
		LogBufferSize:   1000,
		Audit:           true,
		AuditRetention:  30 * 24 * time.Hour,
	}
}

// Load builds a Config from defaults, the YAML file at path (if any) and the
// environment. Flags are applied separately with ApplyFlags.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, types.ConfigurationError("read config file", path, err)
		}
		if err := Decode(bytes.NewReader(data), &cfg); err != nil {
			return cfg, types.ConfigurationError("parse config file", path, err)
		}
	}
	applyEnv(&cfg, getenv)
	return cfg, nil
}

// Decode reads YAML into cfg, keeping values the document does not set.
// Unknown keys are an error.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(ListenEnv); v != "" {
		cfg.Listen = v
	}
	if v := getenv(BasePathEnv); v != "" {
		cfg.BasePath = v
	}
	if v := getenv(StateDirEnv); v != "" {
		cfg.StateDir = v
	}
	if v := getenv(TokenDirEnv); v != "" {
		cfg.TokenDir = v
	}
	if cfg.Backend == "" {
		cfg.Backend = getenv(BackendEnv)
	}
	if cfg.Backend == "" {
		cfg.Backend = "stub"
	}
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP("config", "c", "", "Path to a YAML configuration file")
	fs.String("listen", d.Listen, "Address the HTTP server listens on")
	fs.String("base-path", d.BasePath, "Base path of the host application")
	fs.String("search-path", "", "App search roots, "+string(os.PathListSeparator)+"-separated (default $"+SearchPathEnv+")")
	fs.Bool("lenient", false, "Skip invalid apps during discovery instead of failing")
	fs.String("backend", "", "Compute backend: slurm, local or stub (default $"+BackendEnv+")")
	fs.String("shell", d.Shell, "Shell used to run app commands")
	fs.String("token-dir", "", "Directory for auth token and log files (default system temp dir)")
	fs.String("state-dir", d.StateDir, "Directory for the audit and job databases")
	fs.Duration("stop-grace-period", d.StopGracePeriod, "Time between SIGINT and SIGKILL when stopping an instance")
	fs.Bool("no-audit", false, "Disable the audit trail")
	fs.Duration("audit-retention", d.AuditRetention, "Delete audit events older than this (0 keeps them)")
}

// ApplyFlags overrides cfg with every flag that was set on the command line.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetString(name)
		}
	}
	str("listen", &cfg.Listen)
	str("base-path", &cfg.BasePath)
	str("search-path", &cfg.SearchPath)
	str("backend", &cfg.Backend)
	str("shell", &cfg.Shell)
	str("token-dir", &cfg.TokenDir)
	str("state-dir", &cfg.StateDir)
	if err == nil && fs.Changed("stop-grace-period") {
		cfg.StopGracePeriod, err = fs.GetDuration("stop-grace-period")
	}
	if err == nil && fs.Changed("audit-retention") {
		cfg.AuditRetention, err = fs.GetDuration("audit-retention")
	}
	if err == nil && fs.Changed("lenient") {
		var lenient bool
		lenient, err = fs.GetBool("lenient")
		cfg.StrictDiscovery = !lenient
	}
	if err == nil && fs.Changed("no-audit") {
		var noAudit bool
		noAudit, err = fs.GetBool("no-audit")
		cfg.Audit = !noAudit
	}
	return err
}

// Validate checks the configuration and expands "~/" in directories.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return types.ConfigurationError("validate config", "listen", errors.New("address is required"))
	}
	if c.StopGracePeriod <= 0 {
		return types.ConfigurationError("validate config", "stop_grace_period", fmt.Errorf("must be positive, got %s", c.StopGracePeriod))
	}
	if c.LogBufferSize <= 0 {
		return types.ConfigurationError("validate config", "log_buffer_size", fmt.Errorf("must be positive, got %d", c.LogBufferSize))
	}
	if c.Shell == "" {
		return types.ConfigurationError("validate config", "shell", errors.New("shell is required"))
	}
	if c.AuditRetention < 0 {
		return types.ConfigurationError("validate config", "audit_retention", fmt.Errorf("must not be negative, got %s", c.AuditRetention))
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return types.ConfigurationError("validate config", "state_dir", errors.New("state directory is required"))
	}
	var err error
	if c.StateDir, err = expandHome(c.StateDir); err != nil {
		return types.ConfigurationError("validate config", "state_dir", err)
	}
	if c.TokenDir, err = expandHome(c.TokenDir); err != nil {
		return types.ConfigurationError("validate config", "token_dir", err)
	}
	return nil
}

// SearchPaths returns a function yielding the app search roots. With no
// search_path configured, the environment is consulted on each call so
// changes to JUPYTER_PATH are picked up without a restart.
func (c *Config) SearchPaths(getenv func(string) string) func() []string {
	if c.SearchPath != "" {
		paths := catalog.SearchPaths(c.SearchPath)
		return func() []string { return append([]string(nil), paths...) }
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	return func() []string { return catalog.SearchPaths(getenv(SearchPathEnv)) }
}

// ComputeConfig is the part of the configuration handed to the backend.
func (c *Config) ComputeConfig() compute.Config {
	return compute.Config{
		User:          c.User,
		HomeDirectory: c.HomeDirectory,
		Accounts:      c.Accounts,
		StateDir:      c.StateDir,
		Slurm:         c.Slurm,
		Local:         c.Local,
	}
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
