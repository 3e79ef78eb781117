package lens

import (
	"encoding/base64"
	"fmt"
	"sync"
)

// DefaultEnhancerSource is the no-op enhancer embedded into lenses for which
// no usable companion script exists.
const DefaultEnhancerSource = `function enhance(epi, ips, pv, html) {
    console.log("Default lens enhancer: no enhancer script was found, returning input unchanged");
    return html;
}

function getSpecification() {
    return "1.0.0";
}

return {
    enhance: enhance,
    getSpecification: getSpecification,
};
`

var (
	defaultPayloadOnce sync.Once
	defaultPayload     string
)

// DefaultPayload returns the base64 encoding of DefaultEnhancerSource.
func DefaultPayload() string {
	defaultPayloadOnce.Do(func() {
		defaultPayload = base64.StdEncoding.EncodeToString([]byte(DefaultEnhancerSource))
	})
	return defaultPayload
}

// EncodeScript returns the base64 encoding of the raw bytes of the script at path.
func EncodeScript(path string) (string, error) {
	src, err := readFileFn(path)
	if err != nil {
		return "", fmt.Errorf("read enhancer script %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(src), nil
}
