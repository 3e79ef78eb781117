// Package service answers lens queries for repository coordinates, loading
// lenses through the repository fetcher and the discovery pipeline and
// caching the results.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/Gravitate-Health/lens-selector-git/internal/cache"
	lserrors "github.com/Gravitate-Health/lens-selector-git/internal/errors"
	"github.com/Gravitate-Health/lens-selector-git/internal/lens"
	"github.com/Gravitate-Health/lens-selector-git/internal/metrics"
	"github.com/Gravitate-Health/lens-selector-git/internal/repository"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// defaultLoadTimeout bounds a shared load, which outlives the caller that
// started it.
const defaultLoadTimeout = 2 * time.Minute

type repositorySyncer interface {
	Checkout(ctx context.Context, coords repository.Coordinates, fn func(dir, revision string) error) error
}

type lensDiscoverer interface {
	DiscoverWithReport(ctx context.Context, root string) ([]lens.DiscoveredLens, *lens.Report, error)
}

// LoadInfo describes the most recent successful load.
type LoadInfo struct {
	Coordinates repository.Coordinates `json:"coordinates"`
	Revision    string                 `json:"revision,omitempty"`
	LoadedAt    time.Time              `json:"loadedAt"`
	Duration    time.Duration          `json:"duration"`
	Report      *lens.Report           `json:"report,omitempty"`
}

// LensService serves discovered lenses. Returned lenses are shared with the
// cache and must not be modified.
type LensService struct {
	repo       repositorySyncer
	discoverer lensDiscoverer
	cache      cache.Cache[[]lens.DiscoveredLens]
	group      singleflight.Group
	timeout    time.Duration

	mu       sync.RWMutex
	lastLoad *LoadInfo
}

// NewLensService wires a LensService. A nil cache disables caching.
func NewLensService(repo repositorySyncer, discoverer lensDiscoverer, c cache.Cache[[]lens.DiscoveredLens]) *LensService {
	if c == nil {
		c = cache.NewTTL[[]lens.DiscoveredLens]("lenses_disabled", 0)
	}
	return &LensService{
		repo:       repo,
		discoverer: discoverer,
		cache:      c,
		timeout:    defaultLoadTimeout,
	}
}

// Lenses returns the lenses for coords, from cache when fresh.
func (s *LensService) Lenses(ctx context.Context, coords repository.Coordinates) ([]lens.DiscoveredLens, error) {
	if cached, ok := s.cache.Get(coords.Key()); ok {
		return cached, nil
	}
	return s.load(ctx, coords)
}

// ListIDs returns lens ids in discovery order.
func (s *LensService) ListIDs(ctx context.Context, coords repository.Coordinates) ([]string, error) {
	lenses, err := s.Lenses(ctx, coords)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(lenses))
	for _, l := range lenses {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

// Lookup returns the first lens whose name or id equals nameOrID.
func (s *LensService) Lookup(ctx context.Context, coords repository.Coordinates, nameOrID string) (lens.DiscoveredLens, error) {
	lenses, err := s.Lenses(ctx, coords)
	if err != nil {
		return lens.DiscoveredLens{}, err
	}
	for _, l := range lenses {
		if l.Name == nameOrID || l.ID == nameOrID {
			return l, nil
		}
	}
	return lens.DiscoveredLens{}, &lserrors.LensNotFoundError{Query: nameOrID, Repository: coords.String()}
}

// Refresh reloads coords, bypassing the cache.
func (s *LensService) Refresh(ctx context.Context, coords repository.Coordinates) ([]lens.DiscoveredLens, error) {
	return s.load(ctx, coords)
}

// Invalidate drops every cached result.
func (s *LensService) Invalidate() {
	s.cache.InvalidateAll()
	log.Info().Msg("Lens cache invalidated")
}

// LastLoad returns details of the most recent successful load, if any.
func (s *LensService) LastLoad() (LoadInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastLoad == nil {
		return LoadInfo{}, false
	}
	return *s.lastLoad, true
}

// load syncs and discovers coords. Concurrent loads of the same coordinates
// share one execution, which runs detached from any single caller's
// cancellation; each caller stops waiting when its own ctx is done.
func (s *LensService) load(ctx context.Context, coords repository.Coordinates) ([]lens.DiscoveredLens, error) {
	key := coords.Key()
	ch := s.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.loadShared(loadCtx, key, coords)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("repository", coords.String()).Bool("shared", res.Shared).Msg("Failed to load lenses")
			return nil, res.Err
		}
		return res.Val.([]lens.DiscoveredLens), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *LensService) loadShared(ctx context.Context, key string, coords repository.Coordinates) ([]lens.DiscoveredLens, error) {
	start := time.Now()

	var (
		lenses   []lens.DiscoveredLens
		report   *lens.Report
		revision string
	)
	err := s.repo.Checkout(ctx, coords, func(dir, rev string) error {
		discoverStart := time.Now()
		found, r, err := s.discoverer.DiscoverWithReport(ctx, dir)
		metrics.RecordReport(r, time.Since(discoverStart))
		if err != nil {
			return err
		}
		lenses, report, revision = found, r, rev
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Put(key, lenses)

	scanned := 0
	if report != nil {
		scanned = report.Scanned
	}

	info := &LoadInfo{
		Coordinates: coords,
		Revision:    revision,
		LoadedAt:    time.Now(),
		Duration:    time.Since(start),
		Report:      report,
	}
	s.mu.Lock()
	s.lastLoad = info
	s.mu.Unlock()

	log.Info().
		Str("repository", coords.String()).
		Str("revision", revision).
		Int("lenses", len(lenses)).
		Int("scanned", scanned).
		Dur("duration", info.Duration).
		Msg("Loaded lenses")
	return lenses, nil
}
