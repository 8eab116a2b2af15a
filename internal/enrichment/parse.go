package enrichment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/versified/issuer-enrichment/internal/model"
)

// ExtractJSON decodes an LLM answer into a JSON object. It tries the text
// as-is, then without a Markdown code fence, then the slice between the
// first '{' and the last '}'.
func ExtractJSON(op, text string) (map[string]any, error) {
	var firstErr error
	for _, candidate := range []string{text, stripFence(text), braceSlice(text)} {
		if candidate == "" {
			continue
		}
		var obj map[string]any
		err := json.Unmarshal([]byte(candidate), &obj)
		if err == nil && obj != nil {
			return obj, nil
		}
		if err == nil {
			err = eris.New("response is not a JSON object")
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = eris.New("empty response")
	}
	return nil, model.NewJobError(model.ErrKindParse, op, firstErr)
}

func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return ""
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func braceSlice(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// CoerceBool maps the verdict representations models return onto a
// tri-state: booleans pass through, numbers are true when non-zero, and
// yes/no/true/false/y/n/1/0 strings match case-insensitively. Anything else
// is unknown (nil).
func CoerceBool(v any) *bool {
	switch val := v.(type) {
	case bool:
		return model.Ptr(val)
	case float64:
		return model.Ptr(val != 0)
	case int:
		return model.Ptr(val != 0)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil
		}
		return model.Ptr(f != 0)
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "y", "1":
			return model.Ptr(true)
		case "false", "no", "n", "0":
			return model.Ptr(false)
		}
	}
	return nil
}

// stringField returns obj[key] as a string. Missing and null keys are nil;
// scalars other than strings are formatted.
func stringField(obj map[string]any, key string) *string {
	v, ok := obj[key]
	if !ok || v == nil {
		return nil
	}
	switch val := v.(type) {
	case string:
		return model.Ptr(val)
	case float64:
		return model.Ptr(strconv.FormatFloat(val, 'f', -1, 64))
	case bool:
		return model.Ptr(strconv.FormatBool(val))
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return model.Ptr(fmt.Sprint(val))
		}
		return model.Ptr(string(b))
	}
}

// stringList returns obj[key] as a list of non-blank strings. A single
// string is treated as a one-element list.
func stringList(obj map[string]any, key string) []string {
	switch val := obj[key].(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return []string{val}
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// parseProfile decodes the Stage 1 answer.
func parseProfile(text string) (model.ProfileResult, error) {
	obj, err := ExtractJSON("profile", text)
	if err != nil {
		return model.ProfileResult{}, err
	}
	return model.ProfileResult{
		SummaryMD:        stringField(obj, "summary_md"),
		VeganFriendly:    CoerceBool(obj["vegan_friendly"]),
		VeganExplanation: stringField(obj, "vegan_explanation"),
		ESGSummary:       stringField(obj, "esg_summary"),
	}, nil
}

// parseRatings decodes the Stage 2 answer.
func parseRatings(text string) (model.RatingsResult, error) {
	obj, err := ExtractJSON("ratings", text)
	if err != nil {
		return model.RatingsResult{}, err
	}
	return model.RatingsResult{
		Moodys:  stringField(obj, "moodys"),
		Fitch:   stringField(obj, "fitch"),
		SP:      stringField(obj, "sp"),
		Sources: stringList(obj, "sources"),
	}, nil
}
