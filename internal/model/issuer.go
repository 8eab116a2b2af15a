package model

import (
	"slices"
	"time"
)

// SourceManual is the provenance recorded for administrative overrides.
const SourceManual = "manual"

// DefaultTTLSeconds is the cache lifetime applied when a caller does not
// supply one (30 days).
const DefaultTTLSeconds int64 = 30 * 24 * 60 * 60

// IssuerFields holds the merge-only enrichment fields of an issuer. A nil
// field means "unknown" and never erases a previously stored value.
type IssuerFields struct {
	SummaryMD        *string  `json:"summary_md"`
	Moodys           *string  `json:"moodys"`
	Fitch            *string  `json:"fitch"`
	SP               *string  `json:"sp"`
	VeganScore       *float64 `json:"vegan_score"`
	VeganFriendly    *bool    `json:"vegan_friendly"`
	VeganExplanation *string  `json:"vegan_explanation"`
	ESGSummary       *string  `json:"esg_summary"`
	Sources          []string `json:"sources"`
}

// Merge returns a copy of f with every non-nil field of update applied on top.
func (f IssuerFields) Merge(update IssuerFields) IssuerFields {
	merged := f
	if update.SummaryMD != nil {
		merged.SummaryMD = update.SummaryMD
	}
	if update.Moodys != nil {
		merged.Moodys = update.Moodys
	}
	if update.Fitch != nil {
		merged.Fitch = update.Fitch
	}
	if update.SP != nil {
		merged.SP = update.SP
	}
	if update.VeganScore != nil {
		merged.VeganScore = update.VeganScore
	}
	if update.VeganFriendly != nil {
		merged.VeganFriendly = update.VeganFriendly
	}
	if update.VeganExplanation != nil {
		merged.VeganExplanation = update.VeganExplanation
	}
	if update.ESGSummary != nil {
		merged.ESGSummary = update.ESGSummary
	}
	if update.Sources != nil {
		merged.Sources = slices.Clone(update.Sources)
	}
	return merged
}

// Provenance carries the non-merge attributes written on every upsert.
type Provenance struct {
	Source     string
	Model      string
	TTLSeconds int64
	Pinned     bool
}

// ExpiresAt computes the expiry for a write at now. A non-positive TTL
// means the record never expires on its own.
func (p Provenance) ExpiresAt(now time.Time) *time.Time {
	if p.TTLSeconds <= 0 {
		return nil
	}
	t := now.Add(time.Duration(p.TTLSeconds) * time.Second)
	return &t
}

// IssuerRecord is the cached enrichment document for one issuer.
type IssuerRecord struct {
	IssuerName string `json:"issuer_name"`
	IssuerFields
	Source    string     `json:"source"`
	Model     string     `json:"model,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	Pinned    bool       `json:"pinned"`
}

// Expired reports whether the record is past its expiry at now. Pinned
// records never expire.
func (r *IssuerRecord) Expired(now time.Time) bool {
	if r.Pinned || r.ExpiresAt == nil {
		return false
	}
	return r.ExpiresAt.Before(now)
}

// DedupeSources returns the URLs in first-occurrence order with blanks and
// duplicates removed.
func DedupeSources(lists ...[]string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, u := range list {
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
