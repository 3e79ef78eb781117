// Package api exposes discovered lenses over HTTP.
package api

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/Gravitate-Health/lens-selector-git/internal/config"
	"github.com/Gravitate-Health/lens-selector-git/internal/lens"
	"github.com/Gravitate-Health/lens-selector-git/internal/metrics"
	"github.com/Gravitate-Health/lens-selector-git/internal/repository"
	"github.com/Gravitate-Health/lens-selector-git/internal/service"
	"github.com/Gravitate-Health/lens-selector-git/internal/utils"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 50

	defaultStoredRunsLimit = 100
	maxStoredRunsLimit     = 1000
	defaultStoredRunsSince = 24 * time.Hour
)

type lensProvider interface {
	ListIDs(ctx context.Context, coords repository.Coordinates) ([]string, error)
	Lookup(ctx context.Context, coords repository.Coordinates, nameOrID string) (lens.DiscoveredLens, error)
	LastLoad() (service.LoadInfo, bool)
}

type refreshReporter interface {
	Status() service.RefresherStatus
	History(limit int) []service.RefreshRun
}

type historyQuerier interface {
	Query(repository string, since time.Time, limit int) ([]metrics.RunRecord, error)
}

// VersionInfo is served by /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
	GoVersion string `json:"goVersion"`
}

// Router handles HTTP routing
type Router struct {
	mux       *http.ServeMux
	config    *config.Config
	lenses    lensProvider
	refresher refreshReporter
	history   historyQuerier
	limiter   *RateLimiter
	version   VersionInfo
	started   time.Time
}

// NewRouter creates a new router instance. refresher may be nil.
func NewRouter(cfg *config.Config, lenses lensProvider, refresher refreshReporter, version VersionInfo) *Router {
	if version.GoVersion == "" {
		version.GoVersion = runtime.Version()
	}

	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		lenses:    lenses,
		refresher: refresher,
		version:   version,
		started:   time.Now(),
	}
	if cfg.RateLimitPerMinute > 0 {
		r.limiter = NewRateLimiter(cfg.RateLimitPerMinute)
	}

	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /lenses", r.handleListLenses)
	r.mux.HandleFunc("GET /lenses/{name}", r.handleGetLens)
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /version", r.handleVersion)
	r.mux.HandleFunc("GET /refresh/status", r.handleRefreshStatus)
	r.mux.HandleFunc("GET /refresh/history", r.handleRefreshHistory)
}

// SetHistory attaches the persistent refresh history served by
// /refresh/history. Call before serving requests.
func (r *Router) SetHistory(history historyQuerier) {
	r.history = history
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	applyCORS(w, r.config.AllowedOrigins, req.Header.Get("Origin"))

	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.limiter != nil && req.URL.Path != "/health" && !r.limiter.Allow(clientIP(req)) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(r.config.RateLimitPerMinute)))
		writeErrorResponse(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded", nil)
		return
	}

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// Close releases the rate limiter's background goroutine.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Stop()
	}
}

func retryAfterSeconds(perMinute int) int {
	if perMinute <= 0 || perMinute >= 60 {
		return 1
	}
	return (60 + perMinute - 1) / perMinute
}

func (r *Router) handleListLenses(w http.ResponseWriter, req *http.Request) {
	ids, err := r.lenses.ListIDs(req.Context(), r.config.CurrentCoordinates())
	if err != nil {
		writeLensError(w, req, err, "")
		return
	}

	if err := utils.WriteJSONResponse(w, map[string]interface{}{"lenses": ids}); err != nil {
		log.Error().Err(err).Msg("Failed to write lens list response")
	}
}

// handleGetLens returns the validated lens document as it was discovered,
// including any synthesized payload.
func (r *Router) handleGetLens(w http.ResponseWriter, req *http.Request) {
	name := strings.TrimSpace(req.PathValue("name"))
	if name == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Lens name is required", nil)
		return
	}

	found, err := r.lenses.Lookup(req.Context(), r.config.CurrentCoordinates(), name)
	if err != nil {
		writeLensError(w, req, err, name)
		return
	}

	if err := utils.WriteJSONResponse(w, found.Content); err != nil {
		log.Error().Err(err).Str("lens", name).Msg("Failed to write lens response")
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	health := map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().Unix(),
		"uptime":     time.Since(r.started).Seconds(),
		"repository": r.config.CurrentCoordinates().String(),
	}
	if last, ok := r.lenses.LastLoad(); ok {
		health["lastLoad"] = last.LoadedAt.Unix()
		if last.Report != nil {
			health["lenses"] = last.Report.Lenses
		}
	}

	if err := utils.WriteJSONResponse(w, health); err != nil {
		log.Error().Err(err).Msg("Failed to write health response")
	}
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if err := utils.WriteJSONResponse(w, r.version); err != nil {
		log.Error().Err(err).Msg("Failed to write version response")
	}
}

func (r *Router) handleRefreshStatus(w http.ResponseWriter, req *http.Request) {
	if r.refresher == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "refresher_unavailable",
			"Background refresh is not running", nil)
		return
	}

	resp := map[string]interface{}{
		"refresher": r.refresher.Status(),
		"history":   r.refresher.History(parseLimit(req, defaultHistoryLimit, maxHistoryLimit)),
	}
	if last, ok := r.lenses.LastLoad(); ok {
		resp["lastLoad"] = last
	}

	if err := utils.WriteJSONResponse(w, resp); err != nil {
		log.Error().Err(err).Msg("Failed to write refresh status response")
	}
}

// handleRefreshHistory serves persisted runs. repository defaults to the
// current coordinates; "all" returns every repository.
func (r *Router) handleRefreshHistory(w http.ResponseWriter, req *http.Request) {
	if r.history == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "history_unavailable",
			"Refresh history is not enabled", nil)
		return
	}

	query := req.URL.Query()
	repo := strings.TrimSpace(query.Get("repository"))
	switch repo {
	case "":
		repo = r.config.CurrentCoordinates().String()
	case "all":
		repo = ""
	}

	window := defaultStoredRunsSince
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		d, err := utils.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_request",
				"since must be a positive duration", map[string]string{"since": raw})
			return
		}
		window = d
	}

	runs, err := r.history.Query(repo, time.Now().Add(-window), parseLimit(req, defaultStoredRunsLimit, maxStoredRunsLimit))
	if err != nil {
		log.Error().Err(err).Msg("Failed to query refresh history")
		writeErrorResponse(w, http.StatusInternalServerError, "history_query_failed",
			"Failed to query refresh history", nil)
		return
	}

	resp := map[string]interface{}{
		"repository": repo,
		"since":      window.String(),
		"runs":       runs,
	}
	if err := utils.WriteJSONResponse(w, resp); err != nil {
		log.Error().Err(err).Msg("Failed to write refresh history response")
	}
}
