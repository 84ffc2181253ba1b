package handler

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/studyflow/internal/recovery"
)

// RecoverySecretHeader carries the operator secret on admin requests.
const RecoverySecretHeader = "X-Recovery-Secret"

// requireRecoverySecret rejects admin requests that lack the operator secret.
func (h *Handler) requireRecoverySecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.gate == nil || h.recovery == nil {
			writeError(w, http.StatusServiceUnavailable, "recovery disabled")
			return
		}
		err := h.gate.Check(r.Header.Get(RecoverySecretHeader))
		if errors.Is(err, recovery.ErrForbidden) {
			h.log.Warn("recovery secret rejected", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "recovery disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireBearer rejects requests whose bearer token differs from token.
// An empty token leaves the routes open.
func requireBearer(token string, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || len(got) != len(token) || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				log.Warn("ingest token rejected", "remote", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
