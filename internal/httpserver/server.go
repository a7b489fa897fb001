package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"

	"ircgate/internal/audit"
	"ircgate/internal/auth"
	"ircgate/internal/bouncer"
	"ircgate/internal/config"
	"ircgate/internal/migrations"
	"ircgate/internal/ports"
	"ircgate/internal/proxy"
	"ircgate/internal/session"
	"ircgate/internal/store"
)

// ErrForbidden is returned when an authenticated caller lacks admin rights.
var ErrForbidden = errors.New("forbidden")

// errUpstream marks a failed connection to a running terminal.
var errUpstream = errors.New("terminal upstream unavailable")

type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

type SessionBroker interface {
	GetOrCreate(ctx context.Context, username, workDir string) (int, error)
	Kill(username string) bool
	IsActive(username string) bool
	ActiveCount() int
	List() []session.Info
}

type Provisioner interface {
	EnsureUser(ctx context.Context, username string) error
	DeleteUser(ctx context.Context, username string) error
	UserDir(username string) string
}

type TerminalDialer interface {
	Dial(ctx context.Context, port int, inbound http.Header) (*websocket.Conn, error)
}

type MigrationService interface {
	Status(ctx context.Context) ([]migrations.Status, error)
}

type AuditLogger interface {
	Log(e audit.Event) error
}

type Deps struct {
	Auth            Authenticator
	Store           store.Store
	Sessions        SessionBroker
	Provisioner     Provisioner
	Dialer          TerminalDialer
	Assets          *proxy.AssetProxy
	Migrations      MigrationService
	Audit           AuditLogger
	FrontendDistDir string
	Logger          *slog.Logger
	// Ready reports whether backing services are reachable. Nil means ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	httpServer *http.Server
	cancel     context.CancelFunc
}

func New(cfg config.HTTPConfig, deps Deps, debug bool) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger

	var handler http.Handler = NewHandler(deps)
	if debug {
		handler = debugRequestLog(handler)
	}

	// Hijacked terminal streams outlive Shutdown, so they hang off a
	// context that is cancelled once the listener has drained.
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      loggingMiddleware(logger, handler),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
			BaseContext:  func(net.Listener) context.Context { return baseCtx },
		},
		cancel: cancel,
	}
}

func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Assets == nil {
		deps.Assets = &proxy.AssetProxy{Logger: deps.Logger}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			if err := deps.Ready(r.Context()); err != nil {
				deps.Logger.Warn("readiness check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	registerUserHandlers(mux, deps)
	registerTerminalHandlers(mux, deps)
	registerAdminHandlers(mux, deps)
	registerFrontendHandlers(mux, deps.FrontendDistDir)

	return mux
}

func registerFrontendHandlers(mux *http.ServeMux, distDir string) {
	distDir = strings.TrimSpace(distDir)
	if distDir == "" {
		return
	}
	indexPath := filepath.Join(distDir, "index.html")
	if _, err := os.Stat(indexPath); err != nil {
		return
	}

	fileServer := http.FileServer(http.Dir(distDir))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			http.NotFound(w, r)
			return
		}

		cleanPath := path.Clean(r.URL.Path)
		if cleanPath == "." || cleanPath == "/" {
			http.ServeFile(w, r, indexPath)
			return
		}

		fullPath := filepath.Join(distDir, strings.TrimPrefix(cleanPath, "/"))
		info, err := os.Stat(fullPath)
		if err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}

		// SPA fallback.
		http.ServeFile(w, r, indexPath)
	})
}

// authenticate resolves the caller or writes a 401.
func authenticate(w http.ResponseWriter, r *http.Request, deps Deps) (auth.Identity, bool) {
	if deps.Auth == nil {
		writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
		return auth.Identity{}, false
	}
	id, err := deps.Auth.Authenticate(r)
	if err != nil {
		deps.Logger.Warn("authentication failed",
			"rid", requestIDFromContext(r.Context()),
			"ip", clientIP(r),
			"error", err,
		)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	return id, true
}

// requireAdmin authenticates the caller and rejects non-admins before any
// handler work happens.
func requireAdmin(w http.ResponseWriter, r *http.Request, deps Deps, action string) (auth.Identity, bool) {
	id, ok := authenticate(w, r, deps)
	if !ok {
		return auth.Identity{}, false
	}
	if !id.IsAdmin {
		auditReq(deps.Audit, r, id.Username, action, "", audit.OutcomeDenied, "not an admin")
		writeFailure(w, r, deps.Logger, ErrForbidden)
		return auth.Identity{}, false
	}
	return id, true
}

// statusFor maps a failure to its HTTP status and a message safe to show
// the caller.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "admin access required"
	case errors.Is(err, ports.ErrPoolExhausted), errors.Is(err, session.ErrCapacity), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "no terminal capacity available"
	case errors.Is(err, session.ErrKilled):
		return http.StatusConflict, "terminal session was reset"
	case errors.Is(err, session.ErrReadinessTimeout):
		return http.StatusGatewayTimeout, "terminal did not become ready"
	case errors.Is(err, session.ErrSpawn):
		return http.StatusInternalServerError, "terminal failed to start"
	case errors.Is(err, bouncer.ErrProvision):
		return http.StatusBadGateway, "bouncer provisioning failed"
	case errors.Is(err, errUpstream):
		return http.StatusBadGateway, "terminal unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, msg := statusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(r.Context(), level, "request failed",
		"rid", requestIDFromContext(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	writeError(w, status, msg)
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.cancel()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("http request",
			"rid", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"ip", clientIP(r),
		)
	})
}

// debugRequestLog adds colourised request logging. WebSocket upgrades skip
// it since its writer cannot be hijacked.
func debugRequestLog(next http.Handler) http.Handler {
	logged := requestlog.Wrap(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDKey{})
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func clientIP(r *http.Request) string {
	if cf := strings.TrimSpace(r.Header.Get("Cf-Connecting-Ip")); cf != "" {
		return cf
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func auditReq(a AuditLogger, r *http.Request, actor, action, target, outcome, detail string) {
	if a == nil {
		return
	}
	_ = a.Log(audit.Event{
		Actor:     actor,
		Action:    action,
		Target:    target,
		Outcome:   outcome,
		Detail:    strings.TrimSpace(detail),
		RequestID: requestIDFromContext(r.Context()),
		IP:        clientIP(r),
	})
}
