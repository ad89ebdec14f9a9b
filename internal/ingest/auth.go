package ingest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/earshotlabs/earshot/internal/store"
)

// HashToken returns the hex SHA-256 digest of a device token. Only the
// digest is stored and compared; the plaintext lives on the recorder alone.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// bearerToken extracts the Bearer token from the Authorization header. The
// second return value is the client-facing failure detail, empty when a
// token was present.
func bearerToken(r *http.Request) (string, string) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", "Missing Authorization header"
	}
	const scheme = "Bearer "
	if !strings.HasPrefix(auth, scheme) {
		return "", "Invalid authorization scheme"
	}
	token := auth[len(scheme):]
	if token == "" {
		return "", "Empty token"
	}
	return token, ""
}

// tokenPrefix truncates a token for log correlation without disclosing the
// credential.
func tokenPrefix(token string) string {
	if len(token) > 8 {
		token = token[:8]
	}
	return token
}

// deviceFromRequest authenticates the calling recorder by its Bearer token.
// It returns the device, or the status code and detail the caller must
// reject with: 401 for missing or unknown credentials, 403 for a device
// that exists but is disabled.
func (s *Server) deviceFromRequest(r *http.Request) (*store.Device, int, string) {
	token, detail := bearerToken(r)
	if detail != "" {
		return nil, http.StatusUnauthorized, detail
	}

	device, err := s.devices.GetByTokenHash(r.Context(), HashToken(token))
	if err != nil {
		slog.Error("device auth lookup failed", "error", err)
		return nil, http.StatusInternalServerError, "Internal error"
	}
	if device == nil {
		slog.Warn("unknown device token", "token_prefix", tokenPrefix(token))
		return nil, http.StatusUnauthorized, "Invalid or disabled device token"
	}
	if !device.IsEnabled {
		slog.Warn("disabled device", "device_id", device.DeviceID)
		return nil, http.StatusForbidden, "Device is disabled"
	}
	return device, 0, ""
}

// adminOnly guards the device-administration endpoints with the static admin
// token.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return tokenGuard(s.cfg.AdminToken,
		"Admin endpoints not configured", "Invalid admin token", next)
}

// internalOnly guards the chunk-fetch endpoint used by downstream workers
// with the static internal service token.
func (s *Server) internalOnly(next http.HandlerFunc) http.HandlerFunc {
	return tokenGuard(s.cfg.InternalToken,
		"Internal endpoint not configured", "Invalid internal token", next)
}

// tokenGuard requires the given static bearer token, compared in constant
// time. An empty configured token disables the guarded surface with 503
// rather than silently accepting anything.
func tokenGuard(want, unconfigured, mismatch string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if want == "" {
			slog.Error("request to unconfigured protected endpoint", "path", r.URL.Path)
			writeError(w, http.StatusServiceUnavailable, unconfigured)
			return
		}
		token, detail := bearerToken(r)
		if detail != "" {
			writeError(w, http.StatusUnauthorized, detail)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			slog.Warn("static token mismatch", "path", r.URL.Path, "token_prefix", tokenPrefix(token))
			writeError(w, http.StatusUnauthorized, mismatch)
			return
		}
		next(w, r)
	}
}
