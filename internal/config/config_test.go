package config

import (
	"os"
	"testing"
)

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RELAY_API_TOKEN", "RELAY_PORT", "RELAY_EXTERNAL_SOURCE", "RELAY_SHELL",
		"RELAY_CWD", "RELAY_MODEL", "RELAY_PERMISSION_MODE", "RELAY_TUNNEL_MODE",
		"RELAY_TUNNEL_HOSTNAME", "RELAY_TUNNEL_NAME",
	} {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestLoadFailsWithoutToken(t *testing.T) {
	clearRelayEnv(t)
	if _, err := Load(nil); err == nil {
		t.Fatalf("expected ConfigError when no token is configured")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearRelayEnv(t)
	os.Setenv("RELAY_API_TOKEN", "secret")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.TunnelMode != TunnelModeQuick {
		t.Fatalf("expected default tunnel mode quick, got %s", cfg.TunnelMode)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	clearRelayEnv(t)
	os.Setenv("RELAY_API_TOKEN", "secret")
	os.Setenv("RELAY_PORT", "9090")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected env-overridden port 9090, got %d", cfg.Port)
	}
}

func TestCLIOverridesEnv(t *testing.T) {
	clearRelayEnv(t)
	os.Setenv("RELAY_API_TOKEN", "secret")
	os.Setenv("RELAY_PORT", "9090")

	cfg, err := Load([]string{"-port", "7000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 7000 {
		t.Fatalf("expected CLI-overridden port 7000, got %d", cfg.Port)
	}
}

func TestNamedTunnelRequiresHostname(t *testing.T) {
	clearRelayEnv(t)
	os.Setenv("RELAY_API_TOKEN", "secret")
	os.Setenv("RELAY_TUNNEL_MODE", "named")

	if _, err := Load(nil); err == nil {
		t.Fatalf("expected ConfigError for named mode without hostname")
	}
}
