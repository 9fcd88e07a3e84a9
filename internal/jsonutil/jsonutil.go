package jsonutil

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/quailyquaily/uniai"
)

var (
	ErrEmptyInput       = errors.New("empty json input")
	ErrNoJSONCandidates = errors.New("no json candidates")
	ErrNoMatchingObject = errors.New("no matching json object")
)

// FindObject returns the first JSON object embedded in text that accept
// approves (any object when accept is nil). Candidates come from the raw
// text, fenced or inline snippets, and repaired near-JSON, in that order.
func FindObject(text string, accept func(map[string]any) bool) (map[string]any, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil, ErrEmptyInput
	}
	var (
		lastErr error
		parsed  bool
	)
	for _, cand := range candidates(raw) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(cand), &obj); err != nil {
			lastErr = err
			continue
		}
		parsed = true
		if obj == nil {
			continue
		}
		if accept == nil || accept(obj) {
			return obj, nil
		}
	}
	switch {
	case parsed:
		return nil, ErrNoMatchingObject
	case lastErr != nil:
		return nil, lastErr
	default:
		return nil, ErrNoJSONCandidates
	}
}

// DecodeWithFallback decodes the first object found in text into dst.
func DecodeWithFallback(text string, dst any) error {
	obj, err := FindObject(text, nil)
	if err != nil {
		return err
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// candidates lists every distinct string worth trying, each followed by its
// stripped and repaired variants.
func candidates(raw string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	addVariants := func(c string) {
		add(c)
		stripped := uniai.StripNonJSONLines(c)
		add(stripped)
		add(uniai.AttemptJSONRepair(c))
		if strings.TrimSpace(stripped) != strings.TrimSpace(c) {
			add(uniai.AttemptJSONRepair(stripped))
		}
	}

	addVariants(raw)
	if cands, err := uniai.CollectJSONCandidates(raw); err == nil {
		for _, c := range cands {
			addVariants(c)
		}
	}
	for _, c := range uniai.FindJSONSnippets(raw) {
		addVariants(c)
	}
	return out
}
