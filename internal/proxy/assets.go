package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
)

// TerminalPrefix is where session assets are mounted.
const TerminalPrefix = "/terminal"

// AssetProxy forwards terminal asset requests to a session's HTTP server.
type AssetProxy struct {
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// SessionPath strips the terminal prefix from path.
func SessionPath(path string) string {
	stripped := strings.TrimPrefix(path, TerminalPrefix)
	if stripped == "" {
		return "/"
	}
	return stripped
}

// Serve proxies r to the session listening on port. The token endpoint is
// answered locally since authentication already happened at the edge.
func (a *AssetProxy) Serve(w http.ResponseWriter, r *http.Request, port int) {
	path := SessionPath(r.URL.Path)
	if path == "/token" {
		w.WriteHeader(http.StatusOK)
		return
	}

	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	target := loopback(port)

	rp := &httputil.ReverseProxy{
		Transport: a.Transport,
		Director: func(out *http.Request) {
			out.URL.Scheme = "http"
			out.URL.Host = target
			out.URL.Path = path
			out.URL.RawPath = ""
			out.Host = target
			out.Header.Del("Cookie")
			out.Header.Del("Cf-Access-Jwt-Assertion")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("terminal asset proxy failed", "path", path, "port", port, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "terminal unavailable"})
		},
	}
	rp.ServeHTTP(w, r)
}
