package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	lserrors "github.com/Gravitate-Health/lens-selector-git/internal/errors"
	"github.com/Gravitate-Health/lens-selector-git/internal/utils"
)

func clientIP(r *http.Request) string {
	return utils.GetClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
}

// applyCORS sets CORS headers when origin is allowed. allowed is either "*"
// or a comma-separated list of origins.
func applyCORS(w http.ResponseWriter, allowed, origin string) {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" {
		return
	}

	switch {
	case allowed == "*":
		w.Header().Set("Access-Control-Allow-Origin", "*")
	case origin != "" && originAllowed(allowed, origin):
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	default:
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
}

func originAllowed(allowed, origin string) bool {
	for _, candidate := range utils.SplitList(allowed) {
		if strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}

// writeLensError maps a lens service error onto an API error response.
func writeLensError(w http.ResponseWriter, r *http.Request, err error, name string) {
	switch {
	case lserrors.IsNotFound(err):
		writeErrorResponse(w, http.StatusNotFound, "lens_not_found", err.Error(),
			map[string]string{"lens": name})
	case errors.Is(err, lserrors.ErrInvalidInput):
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	case errors.Is(err, lserrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeErrorResponse(w, http.StatusGatewayTimeout, "timeout",
			sanitizeErrorForClient(r, err, "Timed out loading lenses"), nil)
	case lserrors.IsRepositoryError(err):
		writeErrorResponse(w, http.StatusBadGateway, "repository_unavailable",
			sanitizeErrorForClient(r, err, "Lens repository is unavailable"), nil)
	case errors.Is(err, lserrors.ErrDiscoveryFailed):
		writeErrorResponse(w, http.StatusInternalServerError, "discovery_failed",
			sanitizeErrorForClient(r, err, "Lens discovery failed"), nil)
	default:
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			sanitizeErrorForClient(r, err, "Failed to load lenses"), nil)
	}
}

// parseLimit reads a positive limit query parameter, falling back to def.
func parseLimit(r *http.Request, def, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
