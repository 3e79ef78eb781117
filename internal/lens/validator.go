package lens

import "strings"

// LibraryResourceType is the only resourceType accepted by the profile.
const LibraryResourceType = "Library"

// Violation messages produced by Validate.
const (
	ViolationNotObject      = "document must be a structured object"
	ViolationResourceType   = `resourceType must be "Library"`
	ViolationURL            = "url is required and must be a non-empty string"
	ViolationName           = "name is required and must be a non-empty string"
	ViolationStatus         = "status is required and must be a non-empty string"
	ViolationContentArray   = "content must be an array"
	ViolationContentPayload = "content must include at least one item with base64 encoded data"
)

// RequiredFields lists the fields the lens profile declares as mandatory.
//
// "id" is declared but Validate does not check it; lenses without an id are
// accepted and surface with an empty ID.
var RequiredFields = []string{"resourceType", "id", "url", "name", "status", "content"}

// Validate checks doc against the lens profile. Every check runs even when an
// earlier one failed, except that a non-object input yields a single
// ViolationNotObject.
func Validate(doc any) ValidationResult {
	obj, ok := doc.(map[string]any)
	if !ok || obj == nil {
		return ValidationResult{Valid: false, Violations: []string{ViolationNotObject}}
	}

	violations := make([]string, 0, 2)

	if rt, _ := obj["resourceType"].(string); rt != LibraryResourceType {
		violations = append(violations, ViolationResourceType)
	}
	if !nonEmptyString(obj["url"]) {
		violations = append(violations, ViolationURL)
	}
	if !nonEmptyString(obj["name"]) {
		violations = append(violations, ViolationName)
	}
	if !nonEmptyString(obj["status"]) {
		violations = append(violations, ViolationStatus)
	}

	items, isArray := obj["content"].([]any)
	switch {
	case !isArray:
		violations = append(violations, ViolationContentArray)
	case !anyItemHasData(items):
		violations = append(violations, ViolationContentPayload)
	}

	return ValidationResult{Valid: len(violations) == 0, Violations: violations}
}

// MissingPayload reports whether doc lacks an embedded payload: content is
// absent, not an array or empty, its single item has no usable data, or none
// of several items carries non-empty string data.
func MissingPayload(doc Document) bool {
	items, ok := doc["content"].([]any)
	if !ok || len(items) == 0 {
		return true
	}
	if len(items) == 1 {
		return !itemHasData(items[0])
	}
	return !anyItemHasData(items)
}

// isPayloadOnlyFailure reports whether a failed validation can be repaired by
// synthesizing a payload.
func isPayloadOnlyFailure(doc Document, result ValidationResult) bool {
	if result.Valid || len(result.Violations) != 1 {
		return false
	}
	if !strings.HasPrefix(result.Violations[0], "content") {
		return false
	}
	return MissingPayload(doc)
}

func anyItemHasData(items []any) bool {
	for _, item := range items {
		if itemHasData(item) {
			return true
		}
	}
	return false
}

func itemHasData(item any) bool {
	obj, ok := item.(map[string]any)
	if !ok {
		return false
	}
	return nonEmptyString(obj["data"])
}

func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}
