package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	lserrors "github.com/Gravitate-Health/lens-selector-git/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGit struct {
	mu       sync.Mutex
	calls    [][]string
	fetchErr error
	cloneErr error
	subdirs  []string
	revision string
}

func (g *fakeGit) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, append([]string{name}, args...))

	switch args[0] {
	case "clone":
		if g.cloneErr != nil {
			return nil, g.cloneErr
		}
		target := args[len(args)-1]
		if err := os.MkdirAll(filepath.Join(target, ".git"), 0o755); err != nil {
			return nil, err
		}
		for _, sub := range g.subdirs {
			if err := os.MkdirAll(filepath.Join(target, sub), 0o755); err != nil {
				return nil, err
			}
		}
	case "fetch":
		if g.fetchErr != nil {
			return nil, g.fetchErr
		}
	case "rev-parse":
		return []byte(g.revision + "\n"), nil
	}
	return nil, nil
}

func (g *fakeGit) verbs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.calls))
	for _, c := range g.calls {
		out = append(out, c[1])
	}
	return out
}

func TestCoordinatesKeyAndString(t *testing.T) {
	c := Coordinates{URL: "https://example.org/lenses.git", Path: "/lenses/"}
	assert.Equal(t, "https://example.org/lenses.git@main:lenses", c.Key())
	assert.Equal(t, "https://example.org/lenses.git@main/lenses", c.String())

	c.Branch = "develop"
	c.Path = "."
	assert.Equal(t, "https://example.org/lenses.git@develop:", c.Key())
	assert.Equal(t, "https://example.org/lenses.git@develop", c.String())
}

func TestCoordinatesValidate(t *testing.T) {
	tests := []struct {
		name  string
		c     Coordinates
		valid bool
	}{
		{"plain", Coordinates{URL: "https://x/y.git"}, true},
		{"nested path", Coordinates{URL: "https://x/y.git", Path: "a/b"}, true},
		{"missing url", Coordinates{Path: "a"}, false},
		{"parent path", Coordinates{URL: "https://x/y.git", Path: "a/../../etc"}, false},
		{"absolute path", Coordinates{URL: "https://x/y.git", Path: "/etc"}, false},
		{"option branch", Coordinates{URL: "https://x/y.git", Branch: "--upload-pack=evil"}, false},
		{"option url", Coordinates{URL: "--config=x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, lserrors.ErrInvalidInput)
		})
	}
}

func TestSyncClonesThenFetches(t *testing.T) {
	git := &fakeGit{subdirs: []string{"lenses"}}
	f := NewFetcher(Options{WorkDir: t.TempDir(), Runner: git})
	coords := Coordinates{URL: "https://example.org/lenses.git", Branch: "main", Path: "lenses"}

	dir, err := f.Sync(context.Background(), coords)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.CheckoutDir(coords), "lenses"), dir)
	assert.Equal(t, []string{"clone"}, git.verbs())

	clone := git.calls[0]
	assert.Equal(t, "git", clone[0])
	assert.Contains(t, strings.Join(clone, " "), "--depth 1")
	assert.Contains(t, strings.Join(clone, " "), "--branch main -- https://example.org/lenses.git")

	_, err = f.Sync(context.Background(), coords)
	require.NoError(t, err)
	assert.Equal(t, []string{"clone", "fetch", "reset", "clean"}, git.verbs())
}

func TestSyncRecloneWhenFetchFails(t *testing.T) {
	git := &fakeGit{}
	f := NewFetcher(Options{WorkDir: t.TempDir(), Runner: git})
	coords := Coordinates{URL: "https://example.org/lenses.git"}

	_, err := f.Sync(context.Background(), coords)
	require.NoError(t, err)

	git.fetchErr = errors.New("shallow update not allowed")
	_, err = f.Sync(context.Background(), coords)
	require.NoError(t, err)
	assert.Equal(t, []string{"clone", "fetch", "clone"}, git.verbs())
}

func TestSyncCloneFailure(t *testing.T) {
	git := &fakeGit{cloneErr: errors.New("repository not found")}
	f := NewFetcher(Options{WorkDir: t.TempDir(), Runner: git})

	_, err := f.Sync(context.Background(), Coordinates{URL: "https://example.org/missing.git"})
	require.Error(t, err)
	assert.ErrorIs(t, err, lserrors.ErrRepositoryUnavailable)
	assert.True(t, lserrors.IsRepositoryError(err))
	assert.Contains(t, err.Error(), "repository not found")
}

func TestSyncMissingLensPath(t *testing.T) {
	git := &fakeGit{}
	f := NewFetcher(Options{WorkDir: t.TempDir(), Runner: git})

	_, err := f.Sync(context.Background(), Coordinates{URL: "https://example.org/lenses.git", Path: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, lserrors.ErrRepositoryUnavailable)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSyncRejectsInvalidCoordinates(t *testing.T) {
	git := &fakeGit{}
	f := NewFetcher(Options{WorkDir: t.TempDir(), Runner: git})

	_, err := f.Sync(context.Background(), Coordinates{URL: "https://example.org/lenses.git", Path: "../x"})
	assert.ErrorIs(t, err, lserrors.ErrInvalidInput)
	assert.Empty(t, git.verbs())
}

func TestSyncThrottleHonoursContext(t *testing.T) {
	git := &fakeGit{}
	f := NewFetcher(Options{WorkDir: t.TempDir(), Runner: git, FetchesPerMinute: 1})
	coords := Coordinates{URL: "https://example.org/lenses.git"}

	_, err := f.Sync(context.Background(), coords)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Sync(ctx, coords)
	require.Error(t, err)
	assert.ErrorIs(t, err, lserrors.ErrTimeout)
	assert.Equal(t, []string{"clone"}, git.verbs())
}

func TestCheckoutDirDependsOnURLAndBranch(t *testing.T) {
	f := NewFetcher(Options{WorkDir: "/work"})
	a := f.CheckoutDir(Coordinates{URL: "https://x/a.git", Branch: "main"})
	b := f.CheckoutDir(Coordinates{URL: "https://x/a.git", Branch: "dev"})
	c := f.CheckoutDir(Coordinates{URL: "https://x/a.git", Branch: "main", Path: "sub"})

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
	assert.Equal(t, "/work", filepath.Dir(a))
	assert.Len(t, filepath.Base(a), 16)
}

func TestRevision(t *testing.T) {
	git := &fakeGit{revision: "0123abcd"}
	f := NewFetcher(Options{WorkDir: t.TempDir(), Runner: git})

	rev, err := f.Revision(context.Background(), Coordinates{URL: "https://x/a.git"})
	require.NoError(t, err)
	assert.Equal(t, "0123abcd", rev)
}

func TestCheckoutPassesDirAndRevision(t *testing.T) {
	git := &fakeGit{subdirs: []string{"lenses"}, revision: "0123abcd"}
	f := NewFetcher(Options{WorkDir: t.TempDir(), Runner: git})
	coords := Coordinates{URL: "https://example.org/lenses.git", Path: "lenses"}

	var gotDir, gotRev string
	err := f.Checkout(context.Background(), coords, func(dir, revision string) error {
		gotDir, gotRev = dir, revision
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.CheckoutDir(coords), "lenses"), gotDir)
	assert.Equal(t, "0123abcd", gotRev)
	assert.Equal(t, []string{"clone", "rev-parse"}, git.verbs())

	walkErr := errors.New("walk failed")
	err = f.Checkout(context.Background(), coords, func(string, string) error { return walkErr })
	assert.ErrorIs(t, err, walkErr)
}

func TestCheckoutSyncFailureSkipsCallback(t *testing.T) {
	git := &fakeGit{cloneErr: errors.New("repository not found")}
	f := NewFetcher(Options{WorkDir: t.TempDir(), Runner: git})

	called := false
	err := f.Checkout(context.Background(), Coordinates{URL: "https://example.org/missing.git"},
		func(string, string) error {
			called = true
			return nil
		})
	assert.ErrorIs(t, err, lserrors.ErrRepositoryUnavailable)
	assert.False(t, called)
}

func TestCheckoutHoldsLockUntilCallbackReturns(t *testing.T) {
	git := &fakeGit{subdirs: []string{"a", "b"}, revision: "feed"}
	f := NewFetcher(Options{WorkDir: t.TempDir(), Runner: git})
	a := Coordinates{URL: "https://example.org/lenses.git", Path: "a"}
	b := Coordinates{URL: "https://example.org/lenses.git", Path: "b"}

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.Checkout(context.Background(), a, func(dir, revision string) error {
			close(inside)
			<-release
			return nil
		})
	}()

	select {
	case <-inside:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for checkout callback")
	}

	synced := make(chan error, 1)
	go func() {
		_, err := f.Sync(context.Background(), b)
		synced <- err
	}()

	select {
	case <-synced:
		t.Fatal("sync of a shared checkout finished while the callback was still reading it")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, []string{"clone", "rev-parse"}, git.verbs())

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-synced)
	assert.Equal(t, []string{"clone", "rev-parse", "fetch", "reset", "clean"}, git.verbs())
}
