// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/adiadia/secflow/internal/auth"
)

const healthzPath = "/healthz"
const metricsPath = "/metrics"
const versionPath = "/version"

// TokenPrincipal is the principal ID given to callers holding the API token.
const TokenPrincipal = "api_token"

// TokenAuth enforces a static bearer token on every route except /healthz,
// /metrics and /version, and stores the caller on the request context.
func TokenAuth(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if strings.TrimSpace(token) == "" {
				logger.Error("api token not configured")
				writeError(w, http.StatusInternalServerError, "auth not configured")
				return
			}

			got, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				logger.Warn("request blocked by token auth",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "missing or invalid API token")
				return
			}

			// Replace the context on the shared request so outer middleware
			// (request logging) sees the principal after next returns.
			*r = *r.WithContext(auth.WithPrincipal(r.Context(), auth.Principal{
				ID:     TokenPrincipal,
				Method: auth.MethodToken,
			}))
			next.ServeHTTP(w, r)
		})
	}
}

func exemptPath(path string) bool {
	return path == healthzPath || path == metricsPath || path == versionPath
}

func bearerToken(header string) (string, bool) {
	schemeToken := strings.SplitN(header, " ", 2)
	if len(schemeToken) != 2 {
		return "", false
	}
	if !strings.EqualFold(schemeToken[0], "Bearer") {
		return "", false
	}
	if schemeToken[1] == "" {
		return "", false
	}
	return schemeToken[1], true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": msg})
}
