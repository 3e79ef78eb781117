// Package repository materializes a branch of a remote git repository into a
// local working copy so lens discovery can run over plain files.
package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lserrors "github.com/Gravitate-Health/lens-selector-git/internal/errors"
	"github.com/Gravitate-Health/lens-selector-git/internal/metrics"
	"github.com/Gravitate-Health/lens-selector-git/internal/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultBranch    = "main"
	DefaultGitBinary = "git"
)

var (
	statFn      = os.Stat
	mkdirAllFn  = os.MkdirAll
	removeAllFn = os.RemoveAll
)

// Coordinates identify a set of lenses: a repository, a branch and an
// optional directory inside the checkout.
type Coordinates struct {
	URL    string `json:"url"`
	Branch string `json:"branch"`
	Path   string `json:"path,omitempty"`
}

// Key is a stable identifier suitable for cache keys.
func (c Coordinates) Key() string {
	return c.URL + "@" + c.branch() + ":" + c.cleanPath()
}

func (c Coordinates) String() string {
	if p := c.cleanPath(); p != "" {
		return fmt.Sprintf("%s@%s/%s", c.URL, c.branch(), p)
	}
	return fmt.Sprintf("%s@%s", c.URL, c.branch())
}

// Validate rejects coordinates without a URL and paths that escape the checkout.
func (c Coordinates) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("%w: repository url is required", lserrors.ErrInvalidInput)
	}
	if strings.HasPrefix(c.Branch, "-") {
		return fmt.Errorf("%w: invalid branch %q", lserrors.ErrInvalidInput, c.Branch)
	}
	if strings.HasPrefix(strings.TrimSpace(c.URL), "-") {
		return fmt.Errorf("%w: invalid repository url %q", lserrors.ErrInvalidInput, c.URL)
	}
	p := filepath.ToSlash(strings.TrimSpace(c.Path))
	if path.IsAbs(p) {
		return fmt.Errorf("%w: lens path %q must be relative", lserrors.ErrInvalidInput, c.Path)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("%w: lens path %q escapes the repository", lserrors.ErrInvalidInput, c.Path)
		}
	}
	return nil
}

func (c Coordinates) branch() string {
	if b := strings.TrimSpace(c.Branch); b != "" {
		return b
	}
	return DefaultBranch
}

func (c Coordinates) cleanPath() string {
	p := strings.Trim(filepath.ToSlash(strings.TrimSpace(c.Path)), "/")
	if p == "" || p == "." {
		return ""
	}
	return path.Clean(p)
}

// Options configure a Fetcher.
type Options struct {
	WorkDir   string
	GitBinary string
	// FetchesPerMinute bounds remote operations across all coordinates.
	// Zero or less disables throttling.
	FetchesPerMinute int
	Runner           utils.CommandRunner
}

// Fetcher clones and updates shallow checkouts under a work directory.
type Fetcher struct {
	workDir string
	git     string
	runner  utils.CommandRunner
	limiter *rate.Limiter

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts Options) *Fetcher {
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "lens-selector")
	}
	git := opts.GitBinary
	if git == "" {
		git = DefaultGitBinary
	}
	runner := opts.Runner
	if runner == nil {
		runner = utils.ExecRunner{Env: []string{"GIT_TERMINAL_PROMPT=0"}}
	}

	limit := rate.Inf
	if opts.FetchesPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.FetchesPerMinute))
	}

	return &Fetcher{
		workDir: workDir,
		git:     git,
		runner:  runner,
		limiter: rate.NewLimiter(limit, 1),
		locks:   make(map[string]*sync.Mutex),
	}
}

// CheckoutDir returns where the working copy for coords lives.
func (f *Fetcher) CheckoutDir(coords Coordinates) string {
	sum := sha256.Sum256([]byte(coords.URL + "@" + coords.branch()))
	return filepath.Join(f.workDir, hex.EncodeToString(sum[:])[:16])
}

// Sync brings the checkout for coords up to date and returns the directory
// holding its lenses. Calls for the same repository and branch are serialized.
// The tree may change again as soon as Sync returns; use Checkout to read it.
func (f *Fetcher) Sync(ctx context.Context, coords Coordinates) (string, error) {
	if err := coords.Validate(); err != nil {
		return "", err
	}

	unlock := f.lock(f.CheckoutDir(coords))
	defer unlock()
	return f.syncLocked(ctx, coords)
}

// Checkout syncs coords and calls fn with the lens directory and the
// checked-out revision. The checkout lock is held until fn returns, so no
// other Sync or Checkout sharing the working copy (coordinates differing only
// in Path) can rewrite the tree underneath fn. revision is empty when it
// cannot be read.
func (f *Fetcher) Checkout(ctx context.Context, coords Coordinates, fn func(dir, revision string) error) error {
	if err := coords.Validate(); err != nil {
		return err
	}

	unlock := f.lock(f.CheckoutDir(coords))
	defer unlock()

	dir, err := f.syncLocked(ctx, coords)
	if err != nil {
		return err
	}

	revision, err := f.Revision(ctx, coords)
	if err != nil {
		log.Debug().Err(err).Str("repository", coords.String()).Msg("Unable to read checkout revision")
		revision = ""
	}
	return fn(dir, revision)
}

// syncLocked updates or clones the checkout; the caller holds its lock.
func (f *Fetcher) syncLocked(ctx context.Context, coords Coordinates) (string, error) {
	dir := f.CheckoutDir(coords)

	if err := f.limiter.Wait(ctx); err != nil {
		return "", lserrors.NewDiscoveryError(lserrors.ErrorTypeTimeout, "fetch_throttle", coords.URL, err)
	}

	if f.hasCheckout(dir) {
		if err := f.update(ctx, coords, dir); err != nil {
			if ctx.Err() != nil {
				return "", lserrors.WrapRepositoryError("git_fetch", coords.URL, err)
			}
			log.Warn().
				Err(err).
				Str("repository", coords.String()).
				Msg("Updating checkout failed, cloning again")
			if err := f.clone(ctx, coords, dir); err != nil {
				return "", lserrors.WrapRepositoryError("git_clone", coords.URL, err)
			}
		}
	} else if err := f.clone(ctx, coords, dir); err != nil {
		return "", lserrors.WrapRepositoryError("git_clone", coords.URL, err)
	}

	lensDir := dir
	if p := coords.cleanPath(); p != "" {
		lensDir = filepath.Join(dir, filepath.FromSlash(p))
	}
	info, err := statFn(lensDir)
	if err != nil {
		return "", lserrors.WrapRepositoryError("resolve_path", coords.String(), err)
	}
	if !info.IsDir() {
		return "", lserrors.WrapRepositoryError("resolve_path", coords.String(),
			fmt.Errorf("%s is not a directory", coords.cleanPath()))
	}
	return lensDir, nil
}

// Revision returns the commit currently checked out for coords.
func (f *Fetcher) Revision(ctx context.Context, coords Coordinates) (string, error) {
	dir := f.CheckoutDir(coords)
	out, err := f.runner.Run(ctx, dir, f.git, "rev-parse", "HEAD")
	if err != nil {
		return "", lserrors.WrapRepositoryError("git_rev_parse", coords.URL, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (f *Fetcher) clone(ctx context.Context, coords Coordinates, dir string) error {
	start := time.Now()
	if err := removeAllFn(dir); err != nil {
		return fmt.Errorf("remove stale checkout: %w", err)
	}
	if err := mkdirAllFn(f.workDir, 0o755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}

	_, err := f.runner.Run(ctx, f.workDir, f.git,
		"clone", "--depth", "1", "--single-branch", "--branch", coords.branch(), "--", coords.URL, dir)
	metrics.RecordRepositorySync("clone", err, time.Since(start))
	if err != nil {
		return err
	}

	log.Info().
		Str("repository", coords.String()).
		Str("dir", dir).
		Dur("duration", time.Since(start)).
		Msg("Cloned lens repository")
	return nil
}

func (f *Fetcher) update(ctx context.Context, coords Coordinates, dir string) error {
	start := time.Now()
	steps := [][]string{
		{"fetch", "--depth", "1", "origin", coords.branch()},
		{"reset", "--hard", "FETCH_HEAD"},
		{"clean", "-fdx"},
	}
	var err error
	for _, args := range steps {
		if _, err = f.runner.Run(ctx, dir, f.git, args...); err != nil {
			break
		}
	}
	metrics.RecordRepositorySync("fetch", err, time.Since(start))
	if err != nil {
		return err
	}

	log.Debug().
		Str("repository", coords.String()).
		Dur("duration", time.Since(start)).
		Msg("Updated lens repository")
	return nil
}

func (f *Fetcher) hasCheckout(dir string) bool {
	info, err := statFn(filepath.Join(dir, ".git"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Debug().Err(err).Str("dir", dir).Msg("Checkout not usable")
		}
		return false
	}
	return info.IsDir()
}

func (f *Fetcher) lock(key string) func() {
	f.mu.Lock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	f.mu.Unlock()

	l.Lock()
	return l.Unlock
}
