package lens

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
)

const (
	// DocumentExtension marks candidate lens documents.
	DocumentExtension = ".json"
	// ScriptExtension marks candidate enhancer scripts.
	ScriptExtension = ".js"
)

var (
	readDirFn  = os.ReadDir
	readFileFn = os.ReadFile
	statFn     = os.Stat
)

// enhancerPattern is a best-effort textual classifier for scripts that declare
// an "enhance" function or binding. It does not parse JavaScript: a matching
// comment or string literal is a false positive, and unusual declaration
// forms are false negatives.
var enhancerPattern = regexp.MustCompile(
	`\bfunction\s+enhance\s*\(` +
		`|\benhance\s*[:=]\s*(?:async\s+)?(?:function\b|\([^)]*\)\s*=>|[A-Za-z_$][\w$]*\s*=>)` +
		`|\bexports\.enhance\s*=` +
		`|(?m:^\s*(?:async\s+)?enhance\s*\([^)]*\)\s*\{)`,
)

// LooksLikeEnhancer reports whether src appears to declare an enhance function.
func LooksLikeEnhancer(src string) bool {
	return enhancerPattern.MatchString(src)
}

// EnhancerIndex maps documents to the enhancer scripts that may supply their
// payload.
type EnhancerIndex struct {
	// Exact maps dir/name.json to dir/name.js, whether or not the JSON file exists.
	Exact map[string]string
	// Fallback maps a directory to every enhancer found directly in it, in traversal order.
	Fallback map[string][]string
}

// Resolve picks the script for docPath: the exact match first, then the first
// fallback script in the same directory.
func (idx EnhancerIndex) Resolve(docPath string) (string, Provenance, bool) {
	if script, ok := idx.Exact[docPath]; ok {
		return script, ProvenanceExactMatch, true
	}
	if scripts := idx.Fallback[filepath.Dir(docPath)]; len(scripts) > 0 {
		return scripts[0], ProvenanceFallback, true
	}
	return "", "", false
}

// Scanner walks a directory tree looking for lens documents and enhancers.
// The zero value scans everything.
type Scanner struct {
	ignore []string
}

// NewScanner creates a Scanner that skips files and directories whose
// root-relative slash path or base name matches one of the wildcard patterns.
func NewScanner(ignorePatterns ...string) *Scanner {
	patterns := make([]string, 0, len(ignorePatterns))
	for _, p := range ignorePatterns {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return &Scanner{ignore: patterns}
}

// FindDocuments returns every *.json file below root in traversal order.
func (s *Scanner) FindDocuments(root string) ([]string, error) {
	var docs []string
	err := s.walk(root, func(path string) {
		if strings.HasSuffix(path, DocumentExtension) {
			docs = append(docs, path)
		}
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// FindEnhancers indexes every *.js file below root that looks like an
// enhancer. Unreadable scripts are skipped; unreadable directories fail the scan.
func (s *Scanner) FindEnhancers(root string) (EnhancerIndex, error) {
	idx := EnhancerIndex{
		Exact:    make(map[string]string),
		Fallback: make(map[string][]string),
	}
	err := s.walk(root, func(path string) {
		if !strings.HasSuffix(path, ScriptExtension) {
			return
		}
		src, err := readFileFn(path)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Skipping unreadable script")
			return
		}
		if !LooksLikeEnhancer(string(src)) {
			return
		}
		idx.Exact[strings.TrimSuffix(path, ScriptExtension)+DocumentExtension] = path
		dir := filepath.Dir(path)
		idx.Fallback[dir] = append(idx.Fallback[dir], path)
	})
	if err != nil {
		return EnhancerIndex{}, err
	}
	return idx, nil
}

type walkFrame struct {
	dir     string
	entries []fs.DirEntry
	next    int
}

// walk visits regular files (and symlinks to them) depth-first in directory-entry order, using an
// explicit stack so deep trees do not grow the goroutine stack.
func (s *Scanner) walk(root string, visit func(path string)) error {
	entries, err := readDirFn(root)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", root, err)
	}
	stack := []*walkFrame{{dir: root, entries: entries}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next >= len(top.entries) {
			stack = stack[:len(stack)-1]
			continue
		}
		entry := top.entries[top.next]
		top.next++

		path := filepath.Join(top.dir, entry.Name())
		if s.ignored(root, path) {
			continue
		}

		isDir := entry.IsDir()
		regular := entry.Type().IsRegular()
		if entry.Type()&fs.ModeSymlink != 0 {
			info, err := statFn(path)
			if err != nil {
				log.Debug().Err(err).Str("path", path).Msg("Skipping dangling symlink")
				continue
			}
			// Directory symlinks are never descended into, so a link back
			// to an ancestor cannot loop the walk.
			if info.IsDir() {
				log.Debug().Str("path", path).Msg("Not following directory symlink")
				continue
			}
			regular = info.Mode().IsRegular()
		}

		if isDir {
			children, err := readDirFn(path)
			if err != nil {
				return fmt.Errorf("read directory %s: %w", path, err)
			}
			stack = append(stack, &walkFrame{dir: path, entries: children})
			continue
		}
		// FIFOs, sockets and devices would block or misbehave on read.
		if !regular {
			log.Debug().Str("path", path).Msg("Skipping non-regular file")
			continue
		}
		visit(path)
	}
	return nil
}

func (s *Scanner) ignored(root, path string) bool {
	if len(s.ignore) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(path)
	for _, pattern := range s.ignore {
		if wildcard.Match(pattern, rel) || wildcard.Match(pattern, base) {
			return true
		}
	}
	return false
}

// FindDocuments scans root with a Scanner that ignores nothing.
func FindDocuments(root string) ([]string, error) {
	return (&Scanner{}).FindDocuments(root)
}

// FindEnhancers scans root with a Scanner that ignores nothing.
func FindEnhancers(root string) (EnhancerIndex, error) {
	return (&Scanner{}).FindEnhancers(root)
}
