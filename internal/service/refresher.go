package service

import (
	"context"
	"sync"
	"time"

	"github.com/Gravitate-Health/lens-selector-git/internal/lens"
	"github.com/Gravitate-Health/lens-selector-git/internal/metrics"
	"github.com/Gravitate-Health/lens-selector-git/internal/repository"
	"github.com/Gravitate-Health/lens-selector-git/internal/utils"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit   = 20
	defaultRefreshTimeout = 2 * time.Minute
)

type refreshResultStatus string

const (
	refreshStatusSuccess refreshResultStatus = "success"
	refreshStatusFailure refreshResultStatus = "failure"
)

// RefreshRun records one background refresh.
type RefreshRun struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`
	Repository  string        `json:"repository"`
	Lenses      int           `json:"lenses"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
}

// RefresherStatus is a point-in-time view of the refresher.
type RefresherStatus struct {
	Enabled      bool          `json:"enabled"`
	IsRefreshing bool          `json:"isRefreshing"`
	LastRun      time.Time     `json:"lastRun"`
	Interval     time.Duration `json:"interval"`
	Repository   string        `json:"repository"`
}

type refreshTarget interface {
	Refresh(ctx context.Context, coords repository.Coordinates) ([]lens.DiscoveredLens, error)
}

// runRecorder persists completed runs beyond the in-memory history.
type runRecorder interface {
	Record(run metrics.RunRecord)
}

var (
	refreshResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lens_selector",
			Subsystem: "refresher",
			Name:      "refreshes_total",
			Help:      "Total number of background refreshes by result status.",
		},
		[]string{"result"},
	)
	refreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "lens_selector",
			Subsystem: "refresher",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of background refreshes in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)
	refreshLenses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lens_selector",
			Subsystem: "refresher",
			Name:      "last_refresh_lenses",
			Help:      "Number of lenses found by the most recent background refresh.",
		},
	)
)

func init() {
	prometheus.MustRegister(refreshResults, refreshDuration, refreshLenses)
}

// Refresher periodically reloads lenses so requests rarely pay for a fetch.
type Refresher struct {
	target   refreshTarget
	coords   func() repository.Coordinates
	interval time.Duration
	timeout  time.Duration
	history  *utils.History[RefreshRun]

	mu           sync.RWMutex
	recorder     runRecorder
	lastRun      time.Time
	isRefreshing bool
	ctx          context.Context
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewRefresher creates a Refresher. A non-positive interval disables the
// periodic loop; the initial and forced refreshes still run.
func NewRefresher(target refreshTarget, coords func() repository.Coordinates, interval time.Duration) *Refresher {
	return &Refresher{
		target:   target,
		coords:   coords,
		interval: interval,
		timeout:  defaultRefreshTimeout,
		history:  utils.NewHistory[RefreshRun](defaultHistoryLimit),
		ctx:      context.Background(),
		stopChan: make(chan struct{}),
	}
}

// SetRecorder attaches a persistent store for completed runs.
func (r *Refresher) SetRecorder(recorder runRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = recorder
}

// goRecover launches fn in a goroutine with panic recovery logging.
func goRecover(label string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Stack().
					Msgf("Recovered from panic in %s", label)
			}
		}()
		fn()
	}()
}

// Start performs an initial refresh and begins the periodic loop.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	log.Info().
		Dur("interval", r.interval).
		Str("repository", r.coords().String()).
		Msg("Starting background lens refresher")

	goRecover("initial lens refresh", func() { r.refresh() })

	if r.interval <= 0 {
		log.Info().Msg("Periodic lens refresh disabled")
		return
	}
	goRecover("lens refresh loop", r.refreshLoop)
}

// Stop stops the periodic loop.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

func (r *Refresher) refreshLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	ctx := r.context()
	for {
		select {
		case <-ticker.C:
			r.refresh()
		case <-r.stopChan:
			log.Info().Msg("Stopping background lens refresher")
			return
		case <-ctx.Done():
			log.Info().Msg("Background lens refresher context cancelled")
			return
		}
	}
}

// ForceRefresh triggers an immediate refresh unless one is running.
func (r *Refresher) ForceRefresh() {
	r.mu.RLock()
	refreshing := r.isRefreshing
	r.mu.RUnlock()
	if refreshing {
		log.Debug().Msg("Refresh already in progress, skipping ForceRefresh")
		return
	}
	goRecover("forced lens refresh", func() { r.refresh() })
}

// RefreshNow runs a refresh synchronously and returns its record.
func (r *Refresher) RefreshNow() (RefreshRun, bool) {
	if !r.refresh() {
		return RefreshRun{}, false
	}
	return r.history.Latest()
}

// refresh reports whether it ran.
func (r *Refresher) refresh() bool {
	r.mu.Lock()
	if r.isRefreshing {
		r.mu.Unlock()
		log.Debug().Msg("Lens refresh already in progress, skipping")
		return false
	}
	r.isRefreshing = true
	r.mu.Unlock()

	coords := r.coords()
	run := RefreshRun{
		ID:         ulid.Make().String(),
		StartedAt:  time.Now(),
		Repository: coords.String(),
		Status:     string(refreshStatusSuccess),
	}

	defer func() {
		run.CompletedAt = time.Now()
		run.Duration = run.CompletedAt.Sub(run.StartedAt)

		refreshDuration.Observe(run.Duration.Seconds())
		refreshResults.WithLabelValues(run.Status).Inc()
		if run.Status == string(refreshStatusSuccess) {
			refreshLenses.Set(float64(run.Lenses))
		}
		r.history.Push(run)

		r.mu.Lock()
		r.isRefreshing = false
		r.lastRun = run.CompletedAt
		recorder := r.recorder
		r.mu.Unlock()

		if recorder != nil {
			recorder.Record(metrics.RunRecord{
				ID:         run.ID,
				Repository: run.Repository,
				StartedAt:  run.StartedAt,
				Duration:   run.Duration,
				Status:     run.Status,
				Lenses:     run.Lenses,
				Error:      run.Error,
			})
		}
	}()

	ctx, cancel := context.WithTimeout(r.context(), r.timeout)
	defer cancel()

	lenses, err := r.target.Refresh(ctx, coords)
	if err != nil {
		run.Status = string(refreshStatusFailure)
		run.Error = err.Error()
		log.Warn().
			Err(err).
			Str("run_id", run.ID).
			Str("repository", run.Repository).
			Msg("Background lens refresh failed")
		return true
	}

	run.Lenses = len(lenses)
	log.Debug().
		Str("run_id", run.ID).
		Int("lenses", run.Lenses).
		Msg("Background lens refresh completed")
	return true
}

func (r *Refresher) context() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ctx
}

// History returns up to limit recent runs, newest first.
func (r *Refresher) History(limit int) []RefreshRun {
	return r.history.Recent(limit)
}

// Status returns the current refresher status.
func (r *Refresher) Status() RefresherStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RefresherStatus{
		Enabled:      r.interval > 0,
		IsRefreshing: r.isRefreshing,
		LastRun:      r.lastRun,
		Interval:     r.interval,
		Repository:   r.coords().String(),
	}
}
