package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
)

// NormalizeSummaryJSON repairs the common ways models mangle structured
// output before the strict schema validation runs:
// - strips markdown code fences around the JSON body
// - removes unknown keys (additionalProperties = false friendliness)
// - drops null/empty optionals and empty list entries
// - clamps confidence into [0, 1]
// We only touch OPTIONALS; a missing or empty summary still fails validation.
func NormalizeSummaryJSON(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	body := stripCodeFences(raw)

	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, nil, fmt.Errorf("normalize: decode: %w", err)
	}

	dropped := make([]string, 0, 4)

	allowed := map[string]struct{}{
		"summary": {}, "key_points": {}, "topics": {}, "confidence": {},
	}
	for k := range maps.Clone(m) {
		if _, ok := allowed[k]; !ok {
			delete(m, k)
			dropped = append(dropped, k+"(unknown)")
		}
	}

	if v, ok := m["summary"].(string); ok {
		m["summary"] = strings.TrimSpace(v)
	}

	for _, k := range []string{"key_points", "topics"} {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case nil:
			delete(m, k)
			dropped = append(dropped, k+"(null)")
		case []any:
			kept := make([]string, 0, len(t))
			for _, item := range t {
				s, ok := item.(string)
				if !ok {
					continue
				}
				if s = strings.TrimSpace(s); s != "" {
					kept = append(kept, s)
				}
			}
			if len(kept) == 0 {
				delete(m, k)
				dropped = append(dropped, k+"(empty)")
			} else {
				m[k] = kept
			}
		default:
			delete(m, k)
			dropped = append(dropped, k+"(type)")
		}
	}

	if v, ok := m["confidence"]; ok {
		switch t := v.(type) {
		case float64:
			if t < 0 {
				m["confidence"] = 0.0
				dropped = append(dropped, "confidence(clamped)")
			} else if t > 1 {
				m["confidence"] = 1.0
				dropped = append(dropped, "confidence(clamped)")
			}
		case nil:
			delete(m, "confidence")
			dropped = append(dropped, "confidence(null)")
		default:
			delete(m, "confidence")
			dropped = append(dropped, "confidence(type)")
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("normalize: encode: %w", err)
	}
	if len(dropped) > 0 {
		logger.Warn("llm.summarize.normalize", "dropped", dropped)
	}
	return out, dropped, nil
}

// stripCodeFences unwraps ```json ... ``` blocks; anything else passes through.
func stripCodeFences(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return raw
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // skip the language tag line
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return []byte(strings.TrimSpace(s))
}
