package httpserver

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"ircgate/internal/audit"
	"ircgate/internal/auth"
	"ircgate/internal/proxy"
)

func registerUserHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := authenticate(w, r, deps)
		if !ok {
			return
		}
		touch(r, deps, id)
		writeJSON(w, http.StatusOK, id)
	})

	// Provisions the bouncer account and starts the terminal. The frontend
	// calls it before loading the terminal frame.
	mux.HandleFunc("/api/terminal", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := authenticate(w, r, deps)
		if !ok {
			return
		}
		touch(r, deps, id)

		if err := deps.Provisioner.EnsureUser(r.Context(), id.Username); err != nil {
			writeFailure(w, r, deps.Logger, err)
			return
		}
		if _, ok := terminalPort(w, r, deps, id); !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/api/session/clear", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := authenticate(w, r, deps)
		if !ok {
			return
		}
		deps.Sessions.Kill(id.Username)
		if err := deps.Provisioner.DeleteUser(r.Context(), id.Username); err != nil {
			deps.Logger.Warn("delete bouncer user failed", "username", id.Username, "error", err)
			auditReq(deps.Audit, r, id.Username, "session.clear", id.Username, audit.OutcomeFailure, err.Error())
		} else {
			auditReq(deps.Audit, r, id.Username, "session.clear", id.Username, audit.OutcomeSuccess, "")
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})
}

func registerTerminalHandlers(mux *http.ServeMux, deps Deps) {
	upgrader := proxy.Upgrader()

	mux.HandleFunc(proxy.TerminalPrefix+"/ws", func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			writeError(w, http.StatusBadRequest, "websocket upgrade required")
			return
		}
		id, ok := authenticate(w, r, deps)
		if !ok {
			return
		}
		port, ok := terminalPort(w, r, deps, id)
		if !ok {
			return
		}

		// Dial before upgrading so a dead terminal still gets an HTTP error.
		upstream, err := deps.Dialer.Dial(r.Context(), port, r.Header)
		if err != nil {
			writeFailure(w, r, deps.Logger, fmt.Errorf("%w: %v", errUpstream, err))
			return
		}
		client, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			_ = upstream.Close()
			deps.Logger.Warn("terminal upgrade failed", "username", id.Username, "error", err)
			return
		}

		logger := deps.Logger.With(
			"rid", requestIDFromContext(r.Context()),
			"username", id.Username,
			"port", port,
		)
		logger.Info("terminal relay opened")
		proxy.Splice(r.Context(), client, upstream, logger)
	})

	mux.HandleFunc(proxy.TerminalPrefix+"/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := authenticate(w, r, deps)
		if !ok {
			return
		}
		port, ok := terminalPort(w, r, deps, id)
		if !ok {
			return
		}
		deps.Assets.Serve(w, r, port)
	})
}

// terminalPort returns the caller's running terminal, starting one if
// needed.
func terminalPort(w http.ResponseWriter, r *http.Request, deps Deps, id auth.Identity) (int, bool) {
	port, err := deps.Sessions.GetOrCreate(r.Context(), id.Username, deps.Provisioner.UserDir(id.Username))
	if err != nil {
		writeFailure(w, r, deps.Logger, err)
		return 0, false
	}
	return port, true
}

func touch(r *http.Request, deps Deps, id auth.Identity) {
	if deps.Store == nil {
		return
	}
	if err := deps.Store.Touch(r.Context(), id.Username, id.IsAdmin); err != nil {
		deps.Logger.Warn("record user visit failed", "username", id.Username, "error", err)
	}
}
