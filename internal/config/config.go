// Package config resolves the process's runtime configuration from CLI
// flags, environment variables, an optional .env file, and built-in
// defaults, merging them with CLI > env > file > defaults precedence
// (spec §6 "Environment variables recognized by configuration merging").
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
)

// ConfigError is returned when required configuration is missing or
// invalid (spec §7 taxonomy — fatal at startup).
type ConfigError struct{ Message string }

func (e *ConfigError) Error() string { return e.Message }

// TunnelMode mirrors tunnel.Mode without importing the tunnel package,
// keeping config free of a dependency on the subsystem it configures.
type TunnelMode string

const (
	TunnelModeQuick TunnelMode = "quick"
	TunnelModeNamed TunnelMode = "named"
)

// Config is the fully merged, validated runtime configuration.
type Config struct {
	APIToken  string
	Port      int
	AuthRequired bool

	ExternalSource string
	Shell          string
	Cwd            string
	Model          string
	PermissionMode string

	TunnelMode     TunnelMode
	TunnelBinary   string
	TunnelHostname string
	TunnelName     string

	// AgentBinary is the path to the agent subprocess binary (spec §1:
	// "we consume a streaming-event interface and a --resume flag";
	// the binary identity itself is not enumerated among the spec's
	// recognized environment variables, so it carries its own default).
	AgentBinary string
}

// defaults returns the built-in baseline, lowest-precedence layer.
func defaults() Config {
	return Config{
		Port:           8080,
		AuthRequired:   true,
		Shell:          "/bin/bash",
		PermissionMode: "ask",
		TunnelMode:     TunnelModeQuick,
		TunnelBinary:   "cloudflared",
		AgentBinary:    "claude",
	}
}

// fromEnv reads the recognized environment variables into a sparse
// Config — only fields actually present in the environment are set, so
// mergo.Merge only overrides what was actually provided.
func fromEnv() Config {
	var c Config
	c.APIToken = os.Getenv("RELAY_API_TOKEN")
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	c.ExternalSource = os.Getenv("RELAY_EXTERNAL_SOURCE")
	c.Shell = os.Getenv("RELAY_SHELL")
	c.Cwd = os.Getenv("RELAY_CWD")
	c.Model = os.Getenv("RELAY_MODEL")
	c.PermissionMode = os.Getenv("RELAY_PERMISSION_MODE")
	if v := os.Getenv("RELAY_TUNNEL_MODE"); v != "" {
		c.TunnelMode = TunnelMode(v)
	}
	c.TunnelBinary = os.Getenv("RELAY_TUNNEL_BINARY")
	c.TunnelHostname = os.Getenv("RELAY_TUNNEL_HOSTNAME")
	c.TunnelName = os.Getenv("RELAY_TUNNEL_NAME")
	c.AgentBinary = os.Getenv("RELAY_AGENT_BINARY")
	return c
}

// ParseFlags parses the handful of CLI flags the supervisor/child accept.
// Exposed as a function so main.go and tests can each own their own
// flag.FlagSet instance.
func ParseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	var c Config
	port := fs.Int("port", 0, "port to listen on (0 = unset, fall through to env/file/default)")
	token := fs.String("token", "", "API token required for authenticated clients")
	source := fs.String("source", "", "external source identifier for session discovery")
	shell := fs.String("shell", "", "shell binary for terminal-kind sessions")
	cwd := fs.String("cwd", "", "default working directory for new sessions")
	model := fs.String("model", "", "default agent model")
	permissionMode := fs.String("permission-mode", "", "default agent permission mode")
	tunnelMode := fs.String("tunnel-mode", "", "quick or named")
	tunnelBinary := fs.String("tunnel-binary", "", "tunnel client binary (e.g. cloudflared)")
	tunnelHostname := fs.String("tunnel-hostname", "", "stable hostname for named tunnel mode")
	tunnelName := fs.String("tunnel-name", "", "named tunnel identifier")
	agentBinary := fs.String("agent-binary", "", "path to the agent subprocess binary")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	c.Port = *port
	c.APIToken = *token
	c.ExternalSource = *source
	c.Shell = *shell
	c.Cwd = *cwd
	c.Model = *model
	c.PermissionMode = *permissionMode
	c.TunnelMode = TunnelMode(*tunnelMode)
	c.TunnelBinary = *tunnelBinary
	c.TunnelHostname = *tunnelHostname
	c.TunnelName = *tunnelName
	c.AgentBinary = *agentBinary
	return c, nil
}

// Load merges defaults < .env file (if present) < environment < CLI
// flags, in ascending precedence, and validates the result.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env is optional; only a parse error of an existing file is
		// worth surfacing, and godotenv doesn't distinguish that for us,
		// so we follow the teacher's lead and just warn-equivalent (the
		// caller logs this; config itself stays silent on "not found").
		_ = err
	}

	cfg := defaults()

	envLayer := fromEnv()
	if err := mergo.Merge(&cfg, envLayer, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge env config: %w", err)
	}

	flagLayer, err := ParseFlags(args)
	if err != nil {
		return Config{}, err
	}
	if err := mergo.Merge(&cfg, flagLayer, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge flag config: %w", err)
	}

	return cfg, validate(cfg)
}

func validate(c Config) error {
	if c.APIToken == "" {
		return &ConfigError{Message: "no API token configured"}
	}
	if c.TunnelMode == TunnelModeNamed && c.TunnelHostname == "" {
		return &ConfigError{Message: "named tunnel mode requires a hostname"}
	}
	return nil
}
