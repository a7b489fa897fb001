package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"ircgate/internal/audit"
	"ircgate/internal/auth"
	"ircgate/internal/bouncer"
	"ircgate/internal/config"
	"ircgate/internal/httpserver"
	"ircgate/internal/observability"
	"ircgate/internal/ports"
	"ircgate/internal/proxy"
	"ircgate/internal/session"
	"ircgate/internal/store"
)

type App struct {
	cfg    config.Config
	log    *slog.Logger
	store  *store.SQLStore
	broker *session.Broker
	server *httpserver.Server
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	st, mig, err := store.Open(ctx, cfg.DatabaseURL, cfg.DatabaseFile(), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	admins := auth.NewAdminSet(cfg.Auth.AdminUsers)
	var authenticator httpserver.Authenticator
	if cfg.Auth.DevMode {
		logger.Warn("dev mode enabled, access tokens are not validated", "user", cfg.Auth.DevUser)
		authenticator = auth.StaticAuthenticator{Identity: auth.DevIdentity(cfg.Auth.DevUser, admins)}
	} else {
		v, err := auth.NewValidator(auth.ValidatorConfig{
			Audience:   cfg.Auth.Audience,
			TeamDomain: cfg.Auth.TeamDomain,
			CacheTTL:   cfg.Auth.JWKSCacheTTL,
			Admins:     admins,
			Logger:     logger,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("create token validator: %w", err)
		}
		authenticator = v
	}

	prov, err := newProvisioner(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	policy, err := session.NewPolicy(cfg.Session.Policy, session.Binaries{
		TTYD:  cfg.Session.TTYDBin,
		Irssi: cfg.Session.IrssiBin,
		Dtach: cfg.Session.DtachBin,
	}, cfg.SocketsDir())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create session policy: %w", err)
	}

	var procOutput io.Writer
	if observability.ParseLevel(cfg.Log.Level) <= slog.LevelDebug {
		procOutput = os.Stderr
	}
	broker, err := session.NewBroker(session.Config{
		Pool:         ports.NewPool(cfg.Session.BasePort, cfg.Session.PortRange),
		Launcher:     session.ExecLauncher{Output: procOutput},
		Policy:       policy,
		ReapInterval: cfg.Session.ReapInterval,
		ReadyTimeout: cfg.Session.ReadyTimeout,
		Limit:        func(ctx context.Context) int { return store.MaxUsers(ctx, st) },
		Logger:       logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create session broker: %w", err)
	}

	server := httpserver.New(cfg.HTTP, httpserver.Deps{
		Auth:            authenticator,
		Store:           st,
		Sessions:        broker,
		Provisioner:     prov,
		Dialer:          proxy.Dialer{HandshakeTimeout: cfg.Session.ReadyTimeout},
		Assets:          &proxy.AssetProxy{Logger: logger.With("component", "proxy")},
		Migrations:      mig,
		Audit:           audit.NewLogger(cfg.AuditLogFile, logger.With("component", "audit")),
		FrontendDistDir: cfg.PublicDir,
		Logger:          logger,
		Ready:           st.Ping,
	}, observability.ParseLevel(cfg.Log.Level) <= slog.LevelDebug)

	logger.Info("gateway configured",
		"base_url", cfg.BaseURL,
		"policy", policy.Name(),
		"ports", fmt.Sprintf("%d-%d", cfg.Session.BasePort, cfg.Session.BasePort+cfg.Session.PortRange-1),
		"dev_mode", cfg.Auth.DevMode,
	)

	return &App{
		cfg:    cfg,
		log:    logger,
		store:  st,
		broker: broker,
		server: server,
	}, nil
}

// newProvisioner picks the bouncer admin transport. Dev mode skips the
// bouncer entirely.
func newProvisioner(cfg config.Config, logger *slog.Logger) (httpserver.Provisioner, error) {
	if cfg.Auth.DevMode {
		return bouncer.Unmanaged{SessionsDir: cfg.SessionsDir()}, nil
	}

	var admin bouncer.Admin
	switch cfg.Bouncer.AdminMode {
	case config.AdminModeCtl:
		admin = bouncer.CtlAdmin{ConfigPath: cfg.Bouncer.CtlConfig, Timeout: cfg.Bouncer.AdminTimeout}
	default:
		admin = bouncer.SocketAdmin{Path: cfg.Bouncer.Socket, Nick: cfg.Bouncer.AdminNick, Timeout: cfg.Bouncer.AdminTimeout}
	}
	p, err := bouncer.NewProvisioner(bouncer.Config{
		Admin:       admin,
		SessionsDir: cfg.SessionsDir(),
		BouncerAddr: cfg.Bouncer.Addr,
		IRCAddr:     cfg.Bouncer.IRCAddr,
		NetworkName: cfg.Bouncer.NetworkName,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create bouncer provisioner: %w", err)
	}
	return p, nil
}

func (a *App) Run(ctx context.Context) error {
	defer func() {
		_ = a.store.Close()
	}()

	errCh := make(chan error, 1)

	go func() {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr)
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		return a.shutdown()
	case err := <-errCh:
		_ = a.shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

func (a *App) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	start := time.Now()
	serverErr := a.server.Shutdown(shutdownCtx)
	if err := a.broker.Close(shutdownCtx); err != nil {
		a.log.Warn("session broker did not stop cleanly", "error", err)
	}
	a.log.Info("shutdown complete", "took", time.Since(start))
	if serverErr != nil {
		return fmt.Errorf("shutdown server: %w", serverErr)
	}
	return nil
}
