// Package lens discovers, validates and enhances lens documents stored in a
// local directory tree.
//
// A lens is a JSON object shaped like a FHIR Library resource. Discovery walks
// the tree, validates every *.json file against the lens profile and, for
// documents whose only defect is a missing base64 payload, synthesizes that
// payload from a companion enhancer script before validating again.
package lens

// Document is a decoded JSON object read from a lens file.
type Document = map[string]any

// ValidationResult is the outcome of checking a document against the profile.
// Violations are reported in the fixed order the checks run in.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
}

// Provenance records how an enhanced document obtained its payload.
type Provenance string

const (
	// ProvenanceExactMatch means the script shares the document's base name.
	ProvenanceExactMatch Provenance = "exact-match"
	// ProvenanceFallback means the first enhancer found in the document's directory was used.
	ProvenanceFallback Provenance = "fallback"
	// ProvenanceDefault means the built-in no-op enhancer stub was used.
	ProvenanceDefault Provenance = "default"
)

// Enhancement is attached to lenses whose payload was synthesized.
type Enhancement struct {
	// ScriptPath is empty when the default stub supplied the payload.
	ScriptPath string     `json:"scriptPath,omitempty"`
	Provenance Provenance `json:"provenance"`
}

// DiscoveredLens is one validated lens produced by a discovery run.
type DiscoveredLens struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	URL         string       `json:"url"`
	Version     string       `json:"version"`
	Status      string       `json:"status"`
	SourcePath  string       `json:"sourcePath"`
	Content     Document     `json:"content"`
	Enhancement *Enhancement `json:"enhancement,omitempty"`
}

// UnknownVersion is reported for lenses without a string version field.
const UnknownVersion = "unknown"

func newDiscoveredLens(path string, doc Document, enhancement *Enhancement) DiscoveredLens {
	version := stringField(doc, "version")
	if version == "" {
		version = UnknownVersion
	}
	return DiscoveredLens{
		ID:          stringField(doc, "id"),
		Name:        stringField(doc, "name"),
		URL:         stringField(doc, "url"),
		Version:     version,
		Status:      stringField(doc, "status"),
		SourcePath:  path,
		Content:     doc,
		Enhancement: enhancement,
	}
}

func stringField(doc Document, key string) string {
	s, _ := doc[key].(string)
	return s
}
