package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"ircgate/internal/audit"
	"ircgate/internal/auth"
	"ircgate/internal/store"
)

const (
	minMaxUsers = 1
	maxMaxUsers = 1000
)

type adminUser struct {
	store.User
	ActiveSession bool `json:"active_session"`
}

func registerAdminHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/api/admin/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := requireAdmin(w, r, deps, "user.list"); !ok {
			return
		}
		users, err := deps.Store.ListUsers(r.Context())
		if err != nil {
			writeFailure(w, r, deps.Logger, err)
			return
		}
		rows := make([]adminUser, 0, len(users))
		for _, u := range users {
			rows = append(rows, adminUser{User: u, ActiveSession: deps.Sessions.IsActive(u.Username)})
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": rows})
	})

	mux.HandleFunc("/api/admin/users/", func(w http.ResponseWriter, r *http.Request) {
		trimmed := strings.TrimPrefix(r.URL.Path, "/api/admin/users/")
		username, action, _ := strings.Cut(trimmed, "/")

		switch {
		case action == "" && r.Method == http.MethodDelete:
			action = "delete"
		case (action == "kick" || action == "clear") && r.Method == http.MethodPost:
		case action == "" || action == "kick" || action == "clear":
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		default:
			writeError(w, http.StatusNotFound, "route not found")
			return
		}

		admin, ok := requireAdmin(w, r, deps, "user."+action)
		if !ok {
			return
		}
		if !auth.ValidUsername(username) {
			writeError(w, http.StatusBadRequest, "invalid username")
			return
		}

		switch action {
		case "kick":
			deps.Sessions.Kill(username)
		case "clear":
			deps.Sessions.Kill(username)
			deleteBouncerUser(r, deps, username)
		case "delete":
			if username == admin.Username {
				auditReq(deps.Audit, r, admin.Username, "user.delete", username, audit.OutcomeDenied, "self delete")
				writeFailure(w, r, deps.Logger, errors.New("admin attempted to delete own account"))
				return
			}
			deps.Sessions.Kill(username)
			deleteBouncerUser(r, deps, username)
			if err := deps.Store.DeleteUser(r.Context(), username); err != nil && !errors.Is(err, store.ErrUserNotFound) {
				auditReq(deps.Audit, r, admin.Username, "user.delete", username, audit.OutcomeFailure, err.Error())
				writeFailure(w, r, deps.Logger, err)
				return
			}
		}
		auditReq(deps.Audit, r, admin.Username, "user."+action, username, audit.OutcomeSuccess, "")
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	mux.HandleFunc("/api/admin/settings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if _, ok := requireAdmin(w, r, deps, "settings.read"); !ok {
				return
			}
			total, err := deps.Store.UserCount(r.Context())
			if err != nil {
				deps.Logger.Warn("count users failed", "error", err)
				total = 0
			}
			writeJSON(w, http.StatusOK, map[string]int{
				"maxUsers":       store.MaxUsers(r.Context(), deps.Store),
				"activeSessions": deps.Sessions.ActiveCount(),
				"totalUsers":     total,
			})
		case http.MethodPost:
			admin, ok := requireAdmin(w, r, deps, "settings.update")
			if !ok {
				return
			}
			var req struct {
				MaxUsers *int `json:"maxUsers"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.MaxUsers != nil {
				n := *req.MaxUsers
				if n < minMaxUsers || n > maxMaxUsers {
					writeError(w, http.StatusBadRequest, fmt.Sprintf("maxUsers must be between %d and %d", minMaxUsers, maxMaxUsers))
					return
				}
				if err := deps.Store.SetSetting(r.Context(), store.SettingMaxUsers, strconv.Itoa(n)); err != nil {
					auditReq(deps.Audit, r, admin.Username, "settings.update", store.SettingMaxUsers, audit.OutcomeFailure, err.Error())
					writeFailure(w, r, deps.Logger, err)
					return
				}
				auditReq(deps.Audit, r, admin.Username, "settings.update", store.SettingMaxUsers, audit.OutcomeSuccess, strconv.Itoa(n))
			}
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/api/admin/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := requireAdmin(w, r, deps, "session.list"); !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": deps.Sessions.List()})
	})

	mux.HandleFunc("/api/admin/migrations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := requireAdmin(w, r, deps, "migration.status"); !ok {
			return
		}
		if deps.Migrations == nil {
			writeError(w, http.StatusServiceUnavailable, "migration service unavailable")
			return
		}
		status, err := deps.Migrations.Status(r.Context())
		if err != nil {
			writeFailure(w, r, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": status})
	})
}

// deleteBouncerUser removes the bouncer account. Failures are logged and
// otherwise ignored so the admin action still completes.
func deleteBouncerUser(r *http.Request, deps Deps, username string) {
	if err := deps.Provisioner.DeleteUser(r.Context(), username); err != nil {
		deps.Logger.Warn("delete bouncer user failed", "username", username, "error", err)
	}
}
