package lens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	lserrors "github.com/Gravitate-Health/lens-selector-git/internal/errors"
	"github.com/rs/zerolog/log"
)

// SkipReason classifies why a candidate document did not produce a lens.
type SkipReason string

const (
	SkipRead       SkipReason = "read"
	SkipParse      SkipReason = "parse"
	SkipInvalid    SkipReason = "invalid"
	SkipRevalidate SkipReason = "revalidate"
)

// Report summarizes one discovery run.
type Report struct {
	Root     string             `json:"root"`
	Scanned  int                `json:"scanned"`
	Valid    int                `json:"valid"`
	Enhanced map[Provenance]int `json:"enhanced"`
	Skipped  map[SkipReason]int `json:"skipped"`
	Lenses   int                `json:"lenses"`
}

func newReport(root string) *Report {
	return &Report{
		Root:     root,
		Enhanced: make(map[Provenance]int),
		Skipped:  make(map[SkipReason]int),
	}
}

// Discoverer runs the discovery pipeline. It holds no per-run state and is
// safe for concurrent use.
type Discoverer struct {
	scanner *Scanner
}

// NewDiscoverer creates a Discoverer. A nil scanner scans everything.
func NewDiscoverer(scanner *Scanner) *Discoverer {
	if scanner == nil {
		scanner = &Scanner{}
	}
	return &Discoverer{scanner: scanner}
}

// Discover returns every lens under root that is valid as found or becomes
// valid once its payload has been synthesized. Per-file problems are logged
// and skipped. Only a failure to walk the tree is returned, as a
// *errors.DiscoveryError, and no partial results accompany it.
func (d *Discoverer) Discover(ctx context.Context, root string) ([]DiscoveredLens, error) {
	lenses, _, err := d.DiscoverWithReport(ctx, root)
	return lenses, err
}

// DiscoverWithReport is Discover plus per-run counters.
func (d *Discoverer) DiscoverWithReport(ctx context.Context, root string) ([]DiscoveredLens, *Report, error) {
	report := newReport(root)
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}

	paths, err := d.scanner.FindDocuments(root)
	if err != nil {
		return nil, report, lserrors.WrapDiscoveryError("find_documents", root, err)
	}

	run := &discoveryRun{scanner: d.scanner, root: root, report: report}
	lenses := make([]DiscoveredLens, 0, len(paths))

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		report.Scanned++

		lens, ok, err := run.process(path)
		if err != nil {
			return nil, report, err
		}
		if ok {
			lenses = append(lenses, lens)
		}
	}

	report.Lenses = len(lenses)
	log.Debug().
		Str("root", root).
		Int("scanned", report.Scanned).
		Int("lenses", report.Lenses).
		Msg("Lens discovery completed")

	return lenses, report, nil
}

// discoveryRun carries state that lives for a single Discover call.
type discoveryRun struct {
	scanner *Scanner
	root    string
	report  *Report
	index   *EnhancerIndex
}

// enhancers indexes scripts on first use so trees without payload-only
// documents are walked once.
func (r *discoveryRun) enhancers() (EnhancerIndex, error) {
	if r.index != nil {
		return *r.index, nil
	}
	idx, err := r.scanner.FindEnhancers(r.root)
	if err != nil {
		return EnhancerIndex{}, err
	}
	r.index = &idx
	return idx, nil
}

// process handles one candidate. The error return is reserved for failures of
// the enhancer walk, which are fatal to the run.
func (r *discoveryRun) process(path string) (DiscoveredLens, bool, error) {
	raw, err := readFileFn(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable lens document")
		r.report.Skipped[SkipRead]++
		return DiscoveredLens{}, false, nil
	}

	decoded, err := decodeDocument(raw)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Skipping unparseable lens document")
		r.report.Skipped[SkipParse]++
		return DiscoveredLens{}, false, nil
	}

	result := Validate(decoded)
	if result.Valid {
		r.report.Valid++
		return newDiscoveredLens(path, decoded.(map[string]any), nil), true, nil
	}

	doc, _ := decoded.(map[string]any)
	if doc == nil || !isPayloadOnlyFailure(doc, result) {
		log.Debug().
			Str("path", path).
			Strs("violations", result.Violations).
			Msg("Skipping invalid lens document")
		r.report.Skipped[SkipInvalid]++
		return DiscoveredLens{}, false, nil
	}

	idx, err := r.enhancers()
	if err != nil {
		return DiscoveredLens{}, false, lserrors.WrapDiscoveryError("find_enhancers", r.root, err)
	}

	enhancement, payload := synthesize(idx, path)
	splicePayload(doc, payload)

	if result := Validate(doc); !result.Valid {
		log.Debug().
			Str("path", path).
			Strs("violations", result.Violations).
			Msg("Lens document still invalid after enhancement")
		r.report.Skipped[SkipRevalidate]++
		return DiscoveredLens{}, false, nil
	}

	log.Debug().
		Str("path", path).
		Str("provenance", string(enhancement.Provenance)).
		Str("script", enhancement.ScriptPath).
		Msg("Enhanced lens document")
	r.report.Enhanced[enhancement.Provenance]++
	return newDiscoveredLens(path, doc, enhancement), true, nil
}

// synthesize resolves and encodes the payload for docPath, falling back to
// the default stub when no script resolves or the chosen script is unreadable.
func synthesize(idx EnhancerIndex, docPath string) (*Enhancement, string) {
	script, provenance, ok := idx.Resolve(docPath)
	if !ok {
		return &Enhancement{Provenance: ProvenanceDefault}, DefaultPayload()
	}

	payload, err := EncodeScript(script)
	if err != nil {
		log.Warn().
			Err(err).
			Str("path", docPath).
			Str("script", script).
			Msg("Enhancer script unreadable, using default payload")
		return &Enhancement{Provenance: ProvenanceDefault}, DefaultPayload()
	}
	return &Enhancement{ScriptPath: script, Provenance: provenance}, payload
}

// splicePayload sets content[0].data, creating content and its first item as
// needed. Items after the first are left untouched.
func splicePayload(doc Document, payload string) {
	items, ok := doc["content"].([]any)
	if !ok {
		items = nil
	}
	if len(items) == 0 {
		items = append(items, map[string]any{})
	}
	first, ok := items[0].(map[string]any)
	if !ok || first == nil {
		first = map[string]any{}
		items[0] = first
	}
	first["data"] = payload
	doc["content"] = items
}

// Discover runs the pipeline over root with a Discoverer that ignores nothing.
func Discover(ctx context.Context, root string) ([]DiscoveredLens, error) {
	return NewDiscoverer(nil).Discover(ctx, root)
}

// decodeDocument keeps numbers as json.Number so large integers inside lens
// content are served back unchanged.
func decodeDocument(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after top-level value")
	}
	return decoded, nil
}
