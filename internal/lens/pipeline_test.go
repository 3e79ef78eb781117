package lens

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	lserrors "github.com/Gravitate-Health/lens-selector-git/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, path string, doc any) string {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return writeFile(t, path, string(raw))
}

func payloadlessDocument(id string) map[string]any {
	return map[string]any{
		"resourceType": "Library",
		"id":           id,
		"url":          "u",
		"name":         "n",
		"status":       "draft",
		"content":      []any{},
	}
}

func decodePayload(t *testing.T, l DiscoveredLens) string {
	t.Helper()
	items, ok := l.Content["content"].([]any)
	require.True(t, ok, "content must be an array")
	require.NotEmpty(t, items)
	first, ok := items[0].(map[string]any)
	require.True(t, ok)
	data, ok := first["data"].(string)
	require.True(t, ok)
	raw, err := base64.StdEncoding.DecodeString(data)
	require.NoError(t, err)
	return string(raw)
}

func TestDiscoverValidDocumentPassesThrough(t *testing.T) {
	root := t.TempDir()
	doc := validDocument()
	path := writeJSON(t, filepath.Join(root, "lens.json"), doc)

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)

	got := lenses[0]
	assert.Equal(t, "lens-1", got.ID)
	assert.Equal(t, "lens-one", got.Name)
	assert.Equal(t, "http://example.org/lens-1", got.URL)
	assert.Equal(t, "1.2.0", got.Version)
	assert.Equal(t, "active", got.Status)
	assert.Equal(t, path, got.SourcePath)
	assert.Nil(t, got.Enhancement)
	assert.True(t, Validate(got.Content).Valid)
}

func TestDiscoverDefaultsVersion(t *testing.T) {
	root := t.TempDir()
	doc := validDocument()
	delete(doc, "version")
	writeJSON(t, filepath.Join(root, "lens.json"), doc)

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)
	assert.Equal(t, UnknownVersion, lenses[0].Version)
}

func TestDiscoverExactMatchEnhancement(t *testing.T) {
	root := t.TempDir()
	source := "function enhance(d){return d;}"
	writeJSON(t, filepath.Join(root, "x.json"), payloadlessDocument("x"))
	script := writeFile(t, filepath.Join(root, "x.js"), source)

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)

	got := lenses[0]
	assert.Equal(t, source, decodePayload(t, got))
	require.NotNil(t, got.Enhancement)
	assert.Equal(t, ProvenanceExactMatch, got.Enhancement.Provenance)
	assert.Equal(t, script, got.Enhancement.ScriptPath)
	assert.True(t, Validate(got.Content).Valid)
}

func TestDiscoverFallbackEnhancement(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "lenses")
	source := "const enhance = (epi, ips, pv, html) => html;"
	writeJSON(t, filepath.Join(dir, "lens.json"), payloadlessDocument("lens"))
	script := writeFile(t, filepath.Join(dir, "a-enhancer.js"), source)
	writeFile(t, filepath.Join(dir, "b-enhancer.js"), "function enhance(x) { return 'other'; }")

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)

	got := lenses[0]
	assert.Equal(t, source, decodePayload(t, got))
	require.NotNil(t, got.Enhancement)
	assert.Equal(t, ProvenanceFallback, got.Enhancement.Provenance)
	assert.Equal(t, script, got.Enhancement.ScriptPath)
}

func TestDiscoverFallbackIgnoresOtherDirectories(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "a", "lens.json"), payloadlessDocument("lens"))
	writeFile(t, filepath.Join(root, "b", "lens.js"), "function enhance(x) { return x; }")
	writeFile(t, filepath.Join(root, "lens.js"), "function enhance(x) { return x; }")

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)
	assert.Equal(t, ProvenanceDefault, lenses[0].Enhancement.Provenance)
}

func TestDiscoverDefaultPayloadWhenNoScript(t *testing.T) {
	root := t.TempDir()
	doc := payloadlessDocument("x")
	doc["content"] = []any{map[string]any{}}
	writeJSON(t, filepath.Join(root, "x.json"), doc)
	writeFile(t, filepath.Join(root, "helper.js"), "function notTheOne() {}")

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)

	got := lenses[0]
	assert.Equal(t, DefaultEnhancerSource, decodePayload(t, got))
	require.NotNil(t, got.Enhancement)
	assert.Equal(t, ProvenanceDefault, got.Enhancement.Provenance)
	assert.Empty(t, got.Enhancement.ScriptPath)
}

func TestDiscoverDefaultPayloadWhenScriptUnreadable(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "x.json"), payloadlessDocument("x"))
	script := writeFile(t, filepath.Join(root, "x.js"), "function enhance(x) { return x; }")

	// The script is readable while indexing and disappears before encoding.
	original := readFileFn
	t.Cleanup(func() { readFileFn = original })
	reads := 0
	readFileFn = func(name string) ([]byte, error) {
		if name == script {
			reads++
			if reads > 1 {
				return nil, fs.ErrPermission
			}
		}
		return original(name)
	}

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)

	got := lenses[0]
	assert.Equal(t, DefaultEnhancerSource, decodePayload(t, got))
	assert.Equal(t, ProvenanceDefault, got.Enhancement.Provenance)
	assert.Empty(t, got.Enhancement.ScriptPath)
}

func TestDiscoverNonPayloadFailuresAreNeverEnhanced(t *testing.T) {
	root := t.TempDir()
	doc := payloadlessDocument("x")
	delete(doc, "status")
	writeJSON(t, filepath.Join(root, "x.json"), doc)
	writeFile(t, filepath.Join(root, "x.js"), "function enhance(d){return d;}")

	noName := payloadlessDocument("y")
	delete(noName, "name")
	writeJSON(t, filepath.Join(root, "y.json"), noName)

	lenses, report, err := NewDiscoverer(nil).DiscoverWithReport(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, lenses)
	assert.Equal(t, 2, report.Skipped[SkipInvalid])
	assert.Empty(t, report.Enhanced)
}

func TestDiscoverSkipsBadFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "broken.json"), "{not json")
	writeFile(t, filepath.Join(root, "array.json"), "[1, 2, 3]")
	writeFile(t, filepath.Join(root, "null.json"), "null")
	good := writeJSON(t, filepath.Join(root, "good.json"), validDocument())

	lenses, report, err := NewDiscoverer(nil).DiscoverWithReport(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)
	assert.Equal(t, good, lenses[0].SourcePath)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 1, report.Skipped[SkipParse])
	assert.Equal(t, 2, report.Skipped[SkipInvalid])
	assert.Equal(t, 1, report.Valid)
	assert.Equal(t, 1, report.Lenses)
}

func TestDiscoverSkipsUnreadableDocument(t *testing.T) {
	root := t.TempDir()
	bad := writeJSON(t, filepath.Join(root, "bad.json"), validDocument())
	writeJSON(t, filepath.Join(root, "good.json"), validDocument())

	original := readFileFn
	t.Cleanup(func() { readFileFn = original })
	readFileFn = func(name string) ([]byte, error) {
		if name == bad {
			return nil, fs.ErrPermission
		}
		return original(name)
	}

	lenses, report, err := NewDiscoverer(nil).DiscoverWithReport(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, lenses, 1)
	assert.Equal(t, 1, report.Skipped[SkipRead])
}

func TestDiscoverEnhancesNonArrayContent(t *testing.T) {
	root := t.TempDir()
	doc := payloadlessDocument("x")
	doc["content"] = "legacy"
	writeJSON(t, filepath.Join(root, "x.json"), doc)

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)
	assert.Equal(t, DefaultEnhancerSource, decodePayload(t, lenses[0]))
}

func TestDiscoverSplicesOnlyFirstItem(t *testing.T) {
	root := t.TempDir()
	doc := payloadlessDocument("x")
	doc["content"] = []any{
		"not an object",
		map[string]any{"contentType": "application/javascript", "data": ""},
	}
	writeJSON(t, filepath.Join(root, "x.json"), doc)

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)

	items := lenses[0].Content["content"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, DefaultPayload(), items[0].(map[string]any)["data"])
	assert.Equal(t, map[string]any{"contentType": "application/javascript", "data": ""}, items[1])
}

func TestDiscoverCountsEveryNestedDocument(t *testing.T) {
	root := t.TempDir()
	dir := root
	for depth := 0; depth < 40; depth++ {
		dir = filepath.Join(dir, fmt.Sprintf("level%d", depth))
		doc := validDocument()
		doc["id"] = fmt.Sprintf("lens-%d", depth)
		writeJSON(t, filepath.Join(dir, "lens.json"), doc)
	}

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 40)

	seen := make(map[string]bool)
	for _, l := range lenses {
		assert.False(t, seen[l.ID], "duplicate lens %s", l.ID)
		seen[l.ID] = true
	}
}

func TestDiscoverPreservesDocumentOrder(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		doc := validDocument()
		doc["id"] = name
		writeJSON(t, filepath.Join(root, name+".json"), doc)
	}

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	ids := make([]string, 0, len(lenses))
	for _, l := range lenses {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestDiscoverMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist")

	lenses, err := Discover(context.Background(), root)
	require.Error(t, err)
	assert.Nil(t, lenses)

	var discErr *lserrors.DiscoveryError
	require.True(t, errors.As(err, &discErr))
	assert.Equal(t, lserrors.ErrorTypeDiscovery, discErr.Type)
	assert.Equal(t, root, discErr.Root)
	assert.ErrorIs(t, err, lserrors.ErrDiscoveryFailed)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestDiscoverUnreadableSubdirectoryIsFatal(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "a.json"), validDocument())
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))

	original := readDirFn
	t.Cleanup(func() { readDirFn = original })
	readDirFn = func(name string) ([]os.DirEntry, error) {
		if name == locked {
			return nil, fs.ErrPermission
		}
		return original(name)
	}

	lenses, err := Discover(context.Background(), root)
	assert.Nil(t, lenses)
	assert.ErrorIs(t, err, lserrors.ErrDiscoveryFailed)
}

func TestDiscoverHonoursCancelledContext(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "a.json"), validDocument())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lenses, err := Discover(ctx, root)
	assert.Nil(t, lenses)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiscoverSkipsEnhancerWalkWithoutPayloadOnlyDocuments(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "a.json"), validDocument())

	original := readFileFn
	t.Cleanup(func() { readFileFn = original })
	var scriptReads int
	readFileFn = func(name string) ([]byte, error) {
		if filepath.Ext(name) == ScriptExtension {
			scriptReads++
		}
		return original(name)
	}
	writeFile(t, filepath.Join(root, "a.js"), "function enhance(x) { return x; }")

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, lenses, 1)
	assert.Zero(t, scriptReads)
}

func TestDiscoverReportCountsProvenance(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "exact", "x.json"), payloadlessDocument("x"))
	writeFile(t, filepath.Join(root, "exact", "x.js"), "function enhance(x) { return x; }")
	writeJSON(t, filepath.Join(root, "fallback", "y.json"), payloadlessDocument("y"))
	writeFile(t, filepath.Join(root, "fallback", "other.js"), "function enhance(x) { return x; }")
	writeJSON(t, filepath.Join(root, "plain", "z.json"), payloadlessDocument("z"))

	lenses, report, err := NewDiscoverer(nil).DiscoverWithReport(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, lenses, 3)
	assert.Equal(t, map[Provenance]int{
		ProvenanceExactMatch: 1,
		ProvenanceFallback:   1,
		ProvenanceDefault:    1,
	}, report.Enhanced)
}

func TestDiscoverWithIgnorePatterns(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "lenses", "a.json"), validDocument())
	writeJSON(t, filepath.Join(root, "archive", "old.json"), validDocument())

	lenses, err := NewDiscoverer(NewScanner("archive")).Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)
	assert.Equal(t, filepath.Join(root, "lenses", "a.json"), lenses[0].SourcePath)
}

func TestDefaultPayloadIsStable(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(DefaultPayload())
	require.NoError(t, err)
	assert.Equal(t, DefaultEnhancerSource, string(raw))
	assert.Equal(t, DefaultPayload(), DefaultPayload())
	assert.True(t, LooksLikeEnhancer(DefaultEnhancerSource))
}

func TestEncodeScript(t *testing.T) {
	path := writeFile(t, filepath.Join(t.TempDir(), "s.js"), "function enhance(é) {}\n")

	encoded, err := EncodeScript(path)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, "function enhance(é) {}\n", string(raw))

	_, err = EncodeScript(filepath.Join(t.TempDir(), "missing.js"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestDiscoverPreservesLargeIntegers(t *testing.T) {
	root := t.TempDir()
	raw, err := json.Marshal(validDocument())
	require.NoError(t, err)
	// 2^53 + 1 has no exact float64 representation.
	doc := string(raw[:len(raw)-1]) + `,"extension":[{"valueInteger":9007199254740993}]}`
	writeFile(t, filepath.Join(root, "lens.json"), doc)

	lenses, err := Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, lenses, 1)

	ext := lenses[0].Content["extension"].([]any)[0].(map[string]any)
	assert.Equal(t, json.Number("9007199254740993"), ext["valueInteger"])

	out, err := json.Marshal(lenses[0].Content)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"valueInteger":9007199254740993`)
}

func TestDecodeDocumentRejectsTrailingData(t *testing.T) {
	_, err := decodeDocument([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)

	_, err = decodeDocument([]byte(`{"a":1}` + "\n"))
	require.NoError(t, err)
}
