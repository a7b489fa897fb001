package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"ircgate/internal/session"
)

const (
	AdminModeSocket = "socket"
	AdminModeCtl    = "ctl"
)

type Config struct {
	HTTP         HTTPConfig    `yaml:"http"`
	BaseURL      string        `yaml:"base_url"`
	Auth         AuthConfig    `yaml:"auth"`
	DatabaseURL  string        `yaml:"database_url"`
	DataDir      string        `yaml:"data_dir"`
	PublicDir    string        `yaml:"public_dir"`
	AuditLogFile string        `yaml:"audit_log_file"`
	Bouncer      BouncerConfig `yaml:"bouncer"`
	Session      SessionConfig `yaml:"session"`
	Log          LogConfig     `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	Audience     string        `yaml:"audience"`
	TeamDomain   string        `yaml:"team_domain"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	DevMode      bool          `yaml:"dev_mode"`
	DevUser      string        `yaml:"dev_user"`
	AdminUsers   []string      `yaml:"admin_users"`
}

type BouncerConfig struct {
	// Addr is the host:port irssi connects to.
	Addr string `yaml:"addr"`
	// Socket is the soju admin unix socket.
	Socket      string `yaml:"socket"`
	AdminMode   string `yaml:"admin_mode"`
	AdminNick   string `yaml:"admin_nick"`
	CtlConfig   string `yaml:"ctl_config"`
	IRCAddr     string `yaml:"irc_addr"`
	NetworkName string `yaml:"network_name"`

	// AdminTimeout bounds one admin command round trip.
	AdminTimeout time.Duration `yaml:"admin_timeout"`
}

type SessionConfig struct {
	BasePort     int           `yaml:"base_port"`
	PortRange    int           `yaml:"port_range"`
	Policy       string        `yaml:"policy"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	TTYDBin      string        `yaml:"ttyd_bin"`
	IrssiBin     string        `yaml:"irssi_bin"`
	DtachBin     string        `yaml:"dtach_bin"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionsDir holds one directory per provisioned user.
func (c Config) SessionsDir() string { return filepath.Join(c.DataDir, "sessions") }

// SocketsDir holds the per-user detach sockets.
func (c Config) SocketsDir() string { return filepath.Join(c.DataDir, "sockets") }

// provisionRoundTrips is the most admin commands one first login issues:
// user create, password reset and network create.
const provisionRoundTrips = 3

// TerminalBudget is the longest a first /api/terminal call can take. The
// HTTP write timeout has to exceed it.
func (c Config) TerminalBudget() time.Duration {
	return provisionRoundTrips*c.Bouncer.AdminTimeout + c.Session.ReadyTimeout
}

// DatabaseFile is the SQLite file used when DatabaseURL is empty.
func (c Config) DatabaseFile() string { return filepath.Join(c.DataDir, "app.db") }

func defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":3001",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		BaseURL: "http://localhost:3001",
		Auth: AuthConfig{
			JWKSCacheTTL: 6 * time.Hour,
			DevUser:      "devuser",
		},
		PublicDir: "./public",
		Bouncer: BouncerConfig{
			Addr:        "soju:6667",
			Socket:      "/soju/soju.sock",
			AdminMode:   AdminModeSocket,
			AdminNick:   "ircgate",
			CtlConfig:   "/etc/soju/config",
			IRCAddr:     "irc+insecure://irc.libera.chat",
			NetworkName: "libera",

			AdminTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			BasePort:     7100,
			PortRange:    1000,
			Policy:       session.PolicyEphemeral,
			ReapInterval: 5 * time.Second,
			ReadyTimeout: 5 * time.Second,
			TTYDBin:      "ttyd",
			IrssiBin:     "irssi",
			DtachBin:     "dtach",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by --config, environment variables and finally command-line flags.
func Load(args []string) (Config, error) {
	cfg := defaults()

	fs := pflag.NewFlagSet("ircgate", pflag.ContinueOnError)
	configFile := fs.StringP("config", "c", "", "path to a YAML config file")
	addr := fs.String("addr", "", "HTTP listen address")
	dev := fs.Bool("dev", false, "dev mode: skip token validation and bouncer provisioning")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	if *configFile != "" {
		if err := loadFile(*configFile, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if fs.Changed("addr") {
		cfg.HTTP.Addr = *addr
	}
	if fs.Changed("dev") {
		cfg.Auth.DevMode = *dev
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	cfg.Auth.AdminUsers = normalizeAdmins(cfg.Auth.AdminUsers)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ReadTimeout = getEnvSeconds("HTTP_READ_TIMEOUT_SEC", cfg.HTTP.ReadTimeout)
	cfg.HTTP.WriteTimeout = getEnvSeconds("HTTP_WRITE_TIMEOUT_SEC", cfg.HTTP.WriteTimeout)
	cfg.HTTP.ShutdownTimeout = getEnvSeconds("HTTP_SHUTDOWN_TIMEOUT_SEC", cfg.HTTP.ShutdownTimeout)
	cfg.BaseURL = getEnv("BASE_URL", cfg.BaseURL)

	cfg.Auth.Audience = getEnv("CF_AUD", cfg.Auth.Audience)
	cfg.Auth.TeamDomain = getEnv("CF_TEAM_DOMAIN", cfg.Auth.TeamDomain)
	cfg.Auth.JWKSCacheTTL = getEnvDuration("CF_JWKS_CACHE_TTL", cfg.Auth.JWKSCacheTTL)
	cfg.Auth.DevMode = getEnvBool("DEV_MODE", cfg.Auth.DevMode)
	cfg.Auth.DevUser = getEnv("DEV_USER", cfg.Auth.DevUser)
	if raw, ok := os.LookupEnv("ADMIN_USERS"); ok && raw != "" {
		cfg.Auth.AdminUsers = strings.Split(raw, ",")
	}

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.PublicDir = getEnv("PUBLIC_DIR", cfg.PublicDir)
	cfg.AuditLogFile = getEnv("AUDIT_LOG_FILE", cfg.AuditLogFile)

	cfg.Bouncer.Addr = getEnv("SOJU_ADDR", cfg.Bouncer.Addr)
	cfg.Bouncer.Socket = getEnv("SOJU_SOCKET", cfg.Bouncer.Socket)
	cfg.Bouncer.AdminMode = getEnv("SOJU_ADMIN_MODE", cfg.Bouncer.AdminMode)
	cfg.Bouncer.AdminNick = getEnv("SOJU_ADMIN_NICK", cfg.Bouncer.AdminNick)
	cfg.Bouncer.CtlConfig = getEnv("SOJU_CONFIG", cfg.Bouncer.CtlConfig)
	cfg.Bouncer.IRCAddr = getEnv("IRC_ADDR", cfg.Bouncer.IRCAddr)
	cfg.Bouncer.NetworkName = getEnv("IRC_NETWORK_NAME", cfg.Bouncer.NetworkName)
	cfg.Bouncer.AdminTimeout = getEnvDuration("SOJU_ADMIN_TIMEOUT", cfg.Bouncer.AdminTimeout)

	cfg.Session.BasePort = getEnvInt("TTYD_BASE_PORT", cfg.Session.BasePort)
	cfg.Session.PortRange = getEnvInt("TTYD_PORT_RANGE", cfg.Session.PortRange)
	cfg.Session.Policy = getEnv("SESSION_POLICY", cfg.Session.Policy)
	cfg.Session.ReapInterval = getEnvDuration("SESSION_REAP_INTERVAL", cfg.Session.ReapInterval)
	cfg.Session.ReadyTimeout = getEnvDuration("SESSION_READY_TIMEOUT", cfg.Session.ReadyTimeout)
	cfg.Session.TTYDBin = getEnv("TTYD_BIN", cfg.Session.TTYDBin)
	cfg.Session.IrssiBin = getEnv("IRSSI_BIN", cfg.Session.IrssiBin)
	cfg.Session.DtachBin = getEnv("DTACH_BIN", cfg.Session.DtachBin)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
}

func (c Config) validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if !c.Auth.DevMode && (c.Auth.Audience == "" || c.Auth.TeamDomain == "") {
		return fmt.Errorf("CF_AUD and CF_TEAM_DOMAIN must be set (or set DEV_MODE=true)")
	}
	if c.Auth.DevMode && c.Auth.DevUser == "" {
		return fmt.Errorf("DEV_USER must not be empty in dev mode")
	}
	if c.Auth.JWKSCacheTTL <= 0 {
		return fmt.Errorf("CF_JWKS_CACHE_TTL must be > 0")
	}
	if c.Session.BasePort <= 0 || c.Session.PortRange <= 0 || c.Session.BasePort+c.Session.PortRange > 65536 {
		return fmt.Errorf("TTYD_BASE_PORT/TTYD_PORT_RANGE out of range: %d+%d", c.Session.BasePort, c.Session.PortRange)
	}
	switch c.Session.Policy {
	case session.PolicyEphemeral, session.PolicyDetach:
	default:
		return fmt.Errorf("SESSION_POLICY must be %q or %q, got %q", session.PolicyEphemeral, session.PolicyDetach, c.Session.Policy)
	}
	if c.Session.ReapInterval <= 0 {
		return fmt.Errorf("SESSION_REAP_INTERVAL must be > 0")
	}
	if c.Session.ReadyTimeout <= 0 {
		return fmt.Errorf("SESSION_READY_TIMEOUT must be > 0")
	}
	switch c.Bouncer.AdminMode {
	case AdminModeSocket, AdminModeCtl:
	default:
		return fmt.Errorf("SOJU_ADMIN_MODE must be %q or %q, got %q", AdminModeSocket, AdminModeCtl, c.Bouncer.AdminMode)
	}
	if c.Bouncer.AdminTimeout <= 0 {
		return fmt.Errorf("SOJU_ADMIN_TIMEOUT must be > 0")
	}
	if c.HTTP.WriteTimeout > 0 && c.HTTP.WriteTimeout <= c.TerminalBudget() {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT_SEC (%s) must exceed the terminal start budget (%s)", c.HTTP.WriteTimeout, c.TerminalBudget())
	}
	if c.Bouncer.NetworkName == "" || c.Bouncer.IRCAddr == "" {
		return fmt.Errorf("IRC_ADDR and IRC_NETWORK_NAME must not be empty")
	}
	if c.PublicDir == "" {
		return fmt.Errorf("PUBLIC_DIR must not be empty")
	}
	return nil
}

func defaultDataDir() string {
	if info, err := os.Stat("/data"); err == nil && info.IsDir() {
		return "/data"
	}
	return "./data"
}

func normalizeAdmins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	n := getEnvInt(key, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
