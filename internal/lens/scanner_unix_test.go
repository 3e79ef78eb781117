//go:build unix

package lens

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerSkipsNonRegularFiles(t *testing.T) {
	root := t.TempDir()
	good := writeFile(t, filepath.Join(root, "good.json"),
		`{"resourceType":"Library","id":"a","url":"u","name":"a","status":"active","content":[{"data":"ZA=="}]}`)
	writeFile(t, filepath.Join(root, "bad.json"), `{"resourceType":"Library","id":"b","url":"u","name":"b","status":"active"}`)
	require.NoError(t, syscall.Mkfifo(filepath.Join(root, "pipe.json"), 0o644))
	require.NoError(t, syscall.Mkfifo(filepath.Join(root, "bad.js"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, "pipe.json"), filepath.Join(root, "link.json")))

	docs, err := FindDocuments(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{good, filepath.Join(root, "bad.json")}, docs)

	idx, err := FindEnhancers(root)
	require.NoError(t, err)
	assert.Empty(t, idx.Exact)

	done := make(chan struct{})
	var lenses []DiscoveredLens
	go func() {
		defer close(done)
		lenses, err = Discover(context.Background(), root)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("discovery blocked on a FIFO")
	}
	require.NoError(t, err)
	require.Len(t, lenses, 2)
	assert.Equal(t, ProvenanceDefault, lenses[0].Enhancement.Provenance)
}
