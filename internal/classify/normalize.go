package classify

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrMalformed marks a response that cannot be normalized into an Outcome.
var ErrMalformed = eris.New("classify: malformed response")

type rawOutcome struct {
	Label      *string  `json:"label"`
	Confidence *float64 `json:"confidence"`
}

// Normalize parses a raw model response into an Outcome. The response must
// contain a JSON object with a label and a confidence in [0, 1]. When labels
// is non-empty the label must match one of them, case-insensitively, and the
// canonical spelling is returned. Normalize has no side effects.
func Normalize(raw string, labels []string) (Outcome, error) {
	body := cleanJSON(raw)
	if body == "" {
		return Outcome{}, eris.Wrap(ErrMalformed, "empty response")
	}

	var ro rawOutcome
	if err := json.Unmarshal([]byte(body), &ro); err != nil {
		return Outcome{}, eris.Wrapf(ErrMalformed, "decode: %v", err)
	}
	if ro.Label == nil || strings.TrimSpace(*ro.Label) == "" {
		return Outcome{}, eris.Wrap(ErrMalformed, "missing label")
	}
	if ro.Confidence == nil {
		return Outcome{}, eris.Wrap(ErrMalformed, "missing confidence")
	}
	conf := *ro.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return Outcome{}, eris.Wrapf(ErrMalformed, "confidence %v out of range", conf)
	}

	label := strings.TrimSpace(*ro.Label)
	if len(labels) > 0 {
		canonical, ok := matchLabel(label, labels)
		if !ok {
			return Outcome{}, eris.Wrapf(ErrMalformed, "label %q not in label set", label)
		}
		label = canonical
	}

	return Outcome{Label: label, Confidence: conf, Raw: raw}, nil
}

func matchLabel(label string, labels []string) (string, bool) {
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return l, true
		}
	}
	return "", false
}

// cleanJSON extracts a JSON object from text that may contain markdown code
// fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
