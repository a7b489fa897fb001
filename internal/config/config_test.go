package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ircgate/internal/session"
)

var envKeys = []string{
	"HTTP_ADDR", "HTTP_READ_TIMEOUT_SEC", "HTTP_WRITE_TIMEOUT_SEC", "HTTP_SHUTDOWN_TIMEOUT_SEC",
	"BASE_URL", "CF_AUD", "CF_TEAM_DOMAIN", "CF_JWKS_CACHE_TTL", "DEV_MODE", "DEV_USER",
	"ADMIN_USERS", "DATABASE_URL", "DATA_DIR", "PUBLIC_DIR", "AUDIT_LOG_FILE",
	"SOJU_ADDR", "SOJU_SOCKET", "SOJU_ADMIN_MODE", "SOJU_ADMIN_NICK", "SOJU_CONFIG", "SOJU_ADMIN_TIMEOUT",
	"IRC_ADDR", "IRC_NETWORK_NAME", "TTYD_BASE_PORT", "TTYD_PORT_RANGE", "SESSION_POLICY",
	"SESSION_REAP_INTERVAL", "SESSION_READY_TIMEOUT", "TTYD_BIN", "IRSSI_BIN", "DTACH_BIN",
	"LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEV_MODE", "true")
	t.Setenv("DATA_DIR", "./data")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.HTTP.Addr != ":3001" {
		t.Fatalf("expected default HTTP addr :3001, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Fatalf("expected default read timeout 10s, got %v", cfg.HTTP.ReadTimeout)
	}
	if cfg.HTTP.ShutdownTimeout != 20*time.Second {
		t.Fatalf("expected default shutdown timeout 20s, got %v", cfg.HTTP.ShutdownTimeout)
	}
	if cfg.Auth.JWKSCacheTTL != 6*time.Hour {
		t.Fatalf("expected default jwks cache ttl 6h, got %v", cfg.Auth.JWKSCacheTTL)
	}
	if cfg.Auth.DevUser != "devuser" {
		t.Fatalf("expected default dev user devuser, got %q", cfg.Auth.DevUser)
	}
	if cfg.Bouncer.Addr != "soju:6667" {
		t.Fatalf("expected default soju addr soju:6667, got %q", cfg.Bouncer.Addr)
	}
	if cfg.Bouncer.Socket != "/soju/soju.sock" {
		t.Fatalf("expected default soju socket, got %q", cfg.Bouncer.Socket)
	}
	if cfg.Bouncer.AdminMode != AdminModeSocket {
		t.Fatalf("expected default admin mode socket, got %q", cfg.Bouncer.AdminMode)
	}
	if cfg.Bouncer.IRCAddr != "irc+insecure://irc.libera.chat" {
		t.Fatalf("expected default irc addr, got %q", cfg.Bouncer.IRCAddr)
	}
	if cfg.Bouncer.NetworkName != "libera" {
		t.Fatalf("expected default network name libera, got %q", cfg.Bouncer.NetworkName)
	}
	if cfg.Session.BasePort != 7100 || cfg.Session.PortRange != 1000 {
		t.Fatalf("expected default port range 7100+1000, got %d+%d", cfg.Session.BasePort, cfg.Session.PortRange)
	}
	if cfg.Session.Policy != session.PolicyEphemeral {
		t.Fatalf("expected default policy ephemeral, got %q", cfg.Session.Policy)
	}
	if cfg.Session.ReapInterval != 5*time.Second {
		t.Fatalf("expected default reap interval 5s, got %v", cfg.Session.ReapInterval)
	}
	if cfg.Session.ReadyTimeout != 5*time.Second {
		t.Fatalf("expected default ready timeout 5s, got %v", cfg.Session.ReadyTimeout)
	}
	if cfg.Bouncer.AdminTimeout != 10*time.Second {
		t.Fatalf("expected default admin timeout 10s, got %v", cfg.Bouncer.AdminTimeout)
	}
	if cfg.HTTP.WriteTimeout <= cfg.TerminalBudget() {
		t.Fatalf("default write timeout %v does not cover terminal budget %v", cfg.HTTP.WriteTimeout, cfg.TerminalBudget())
	}
	if cfg.SessionsDir() != filepath.Join("data", "sessions") {
		t.Fatalf("expected sessions dir under data, got %q", cfg.SessionsDir())
	}
	if cfg.DatabaseFile() != filepath.Join("data", "app.db") {
		t.Fatalf("expected sqlite file under data, got %q", cfg.DatabaseFile())
	}
	if len(cfg.Auth.AdminUsers) != 0 {
		t.Fatalf("expected no admin users, got %v", cfg.Auth.AdminUsers)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HTTP_READ_TIMEOUT_SEC", "3")
	t.Setenv("CF_AUD", "aud-tag")
	t.Setenv("CF_TEAM_DOMAIN", "team.cloudflareaccess.com")
	t.Setenv("CF_JWKS_CACHE_TTL", "30m")
	t.Setenv("ADMIN_USERS", " Alice ,bob,, ")
	t.Setenv("DATA_DIR", "/srv/ircgate")
	t.Setenv("SOJU_ADMIN_MODE", "ctl")
	t.Setenv("TTYD_BASE_PORT", "20000")
	t.Setenv("TTYD_PORT_RANGE", "10")
	t.Setenv("SESSION_POLICY", "detach")
	t.Setenv("SESSION_REAP_INTERVAL", "250ms")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("expected overridden HTTP addr :9090, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ReadTimeout != 3*time.Second {
		t.Fatalf("expected overridden read timeout 3s, got %v", cfg.HTTP.ReadTimeout)
	}
	if cfg.Auth.JWKSCacheTTL != 30*time.Minute {
		t.Fatalf("expected overridden jwks ttl 30m, got %v", cfg.Auth.JWKSCacheTTL)
	}
	if strings.Join(cfg.Auth.AdminUsers, ",") != "alice,bob" {
		t.Fatalf("expected normalized admin users alice,bob, got %v", cfg.Auth.AdminUsers)
	}
	if cfg.SocketsDir() != "/srv/ircgate/sockets" {
		t.Fatalf("expected sockets dir under data dir, got %q", cfg.SocketsDir())
	}
	if cfg.Bouncer.AdminMode != AdminModeCtl {
		t.Fatalf("expected admin mode ctl, got %q", cfg.Bouncer.AdminMode)
	}
	if cfg.Session.BasePort != 20000 || cfg.Session.PortRange != 10 {
		t.Fatalf("expected port range 20000+10, got %d+%d", cfg.Session.BasePort, cfg.Session.PortRange)
	}
	if cfg.Session.Policy != session.PolicyDetach {
		t.Fatalf("expected policy detach, got %q", cfg.Session.Policy)
	}
	if cfg.Session.ReapInterval != 250*time.Millisecond {
		t.Fatalf("expected reap interval 250ms, got %v", cfg.Session.ReapInterval)
	}
}

func TestLoadInvalidIntFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEV_MODE", "1")
	t.Setenv("HTTP_READ_TIMEOUT_SEC", "not-a-number")
	t.Setenv("CF_JWKS_CACHE_TTL", "soon")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Fatalf("expected fallback read timeout 10s, got %v", cfg.HTTP.ReadTimeout)
	}
	if cfg.Auth.JWKSCacheTTL != 6*time.Hour {
		t.Fatalf("expected fallback jwks ttl 6h, got %v", cfg.Auth.JWKSCacheTTL)
	}
}

func TestLoadRequiresAccessSettingsOutsideDevMode(t *testing.T) {
	clearEnv(t)

	if _, err := Load(nil); err == nil {
		t.Fatal("expected error when CF_AUD and CF_TEAM_DOMAIN are missing")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"policy":        {"SESSION_POLICY": "forever"},
		"admin mode":    {"SOJU_ADMIN_MODE": "http"},
		"port range":    {"TTYD_BASE_PORT": "65000", "TTYD_PORT_RANGE": "1000"},
		"zero range":    {"TTYD_PORT_RANGE": "0"},
		"reap":          {"SESSION_REAP_INTERVAL": "-1s"},
		"admin timeout": {"SOJU_ADMIN_TIMEOUT": "-1s"},
		"write timeout": {"HTTP_WRITE_TIMEOUT_SEC": "20"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DEV_MODE", "true")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(nil); err == nil {
				t.Fatalf("expected validation error for %v", env)
			}
		})
	}
}

func TestLoadFileThenEnvThenFlags(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ircgate.yaml")
	body := `
http:
  addr: ":4000"
auth:
  dev_mode: true
  dev_user: alice
bouncer:
  network_name: oftc
  irc_addr: ircs://irc.oftc.net
session:
  policy: detach
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("IRC_NETWORK_NAME", "oftc-env")

	cfg, err := Load([]string{"--config", path, "--addr", ":5000"})
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.HTTP.Addr != ":5000" {
		t.Fatalf("expected flag addr :5000, got %q", cfg.HTTP.Addr)
	}
	if !cfg.Auth.DevMode || cfg.Auth.DevUser != "alice" {
		t.Fatalf("expected dev mode for alice from file, got %v %q", cfg.Auth.DevMode, cfg.Auth.DevUser)
	}
	if cfg.Bouncer.IRCAddr != "ircs://irc.oftc.net" {
		t.Fatalf("expected irc addr from file, got %q", cfg.Bouncer.IRCAddr)
	}
	if cfg.Bouncer.NetworkName != "oftc-env" {
		t.Fatalf("expected env to override file network name, got %q", cfg.Bouncer.NetworkName)
	}
	if cfg.Session.Policy != session.PolicyDetach {
		t.Fatalf("expected policy detach from file, got %q", cfg.Session.Policy)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEV_MODE", "true")

	if _, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
