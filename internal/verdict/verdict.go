// Package verdict decodes review service output into a structured verdict.
package verdict

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrUnparseable is returned when no JSON verdict could be recovered from the
// raw review output. Callers map it onto the reviewer-unavailable policy.
var ErrUnparseable = errors.New("review output is not parseable JSON")

// Correction carries the reviewer's placement or prompt adjustment. Offsets
// and scale are folded into the accumulated tweak with clamping; a revised
// prompt replaces the stage prompt on the next attempt.
type Correction struct {
	DX            float64 `json:"dx"`
	DY            float64 `json:"dy"`
	ScaleMul      float64 `json:"scale_multiplier"`
	RevisedPrompt string  `json:"revised_prompt"`
}

type Verdict struct {
	Accept     bool        `json:"accept"`
	Reason     string      `json:"reason"`
	Correction *Correction `json:"correction"`
}

// Parse decodes raw review output. It tries a strict parse first, then
// recovers the largest balanced top-level brace substring (vision models like
// to wrap JSON in prose or markdown fences), and finally gives up with
// ErrUnparseable.
func Parse(raw string) (Verdict, error) {
	raw = stripFences(strings.TrimSpace(raw))
	if raw == "" {
		return Verdict{}, ErrUnparseable
	}

	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v, nil
	}

	candidate, ok := largestBraced(raw)
	if !ok {
		return Verdict{}, ErrUnparseable
	}
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return Verdict{}, ErrUnparseable
	}
	return v, nil
}

func stripFences(raw string) string {
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}

// largestBraced returns the longest balanced {...} substring, respecting
// string literals and escapes so braces inside values do not break matching.
func largestBraced(raw string) (string, bool) {
	var best string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				if cand := raw[start : i+1]; len(cand) > len(best) {
					best = cand
				}
			}
		}
	}

	if best == "" {
		return "", false
	}
	return best, true
}
