package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// JobKind identifies the payload variant a job carries.
type JobKind string

const (
	JobKindIssuerEnrichment JobKind = "issuer_enrichment"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// ReclaimPolicy decides what happens to a stale running job.
type ReclaimPolicy string

const (
	ReclaimFail    ReclaimPolicy = "fail"
	ReclaimRequeue ReclaimPolicy = "requeue"
)

// ParseReclaimPolicy normalizes an action name. Unknown actions fall back
// to ReclaimFail.
func ParseReclaimPolicy(action string) ReclaimPolicy {
	if ReclaimPolicy(action) == ReclaimRequeue {
		return ReclaimRequeue
	}
	return ReclaimFail
}

// Job is a durable unit of enrichment work. Payload and Result are kept as
// raw JSON at the storage boundary; use the typed accessors to read them.
type Job struct {
	ID        string          `json:"id"`
	Kind      JobKind         `json:"kind"`
	Status    JobStatus       `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}

// IssuerPayload decodes the payload of an issuer enrichment job.
func (j *Job) IssuerPayload() (*IssuerEnrichmentPayload, error) {
	if j.Kind != JobKindIssuerEnrichment {
		return nil, NewJobError(ErrKindValidation, "decode payload", eris.Errorf("unknown job kind: %s", j.Kind))
	}
	var p IssuerEnrichmentPayload
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, NewJobError(ErrKindValidation, "decode payload", err)
		}
	}
	return &p, nil
}

// IssuerEnrichmentPayload is the input of an issuer enrichment job.
type IssuerEnrichmentPayload struct {
	IssuerName              string         `json:"issuer_name"`
	Context                 string         `json:"context,omitempty"`
	Pinned                  bool           `json:"pinned"`
	TTLSeconds              int64          `json:"ttl_seconds"`
	Model                   string         `json:"model,omitempty"`
	RatingsUseWeb           bool           `json:"ratings_use_web"`
	RatingsWebMaxResults    int            `json:"ratings_web_max_results,omitempty"`
	RatingsWebEngine        string         `json:"ratings_web_engine,omitempty"`
	RatingsWebSearchPrompt  string         `json:"ratings_web_search_prompt,omitempty"`
	RatingsWebSearchOptions map[string]any `json:"ratings_web_search_options,omitempty"`
}

// ProfileResult is the decoded Stage 1 (profile classification) answer.
type ProfileResult struct {
	SummaryMD        *string `json:"summary_md"`
	VeganFriendly    *bool   `json:"vegan_friendly"`
	VeganExplanation *string `json:"vegan_explanation"`
	ESGSummary       *string `json:"esg_summary"`
}

// RatingsResult is the decoded Stage 2 (ratings lookup) answer.
type RatingsResult struct {
	Moodys  *string  `json:"moodys"`
	Fitch   *string  `json:"fitch"`
	SP      *string  `json:"sp"`
	Sources []string `json:"sources"`
}

// IssuerEnrichmentResult is stored on a completed issuer enrichment job.
type IssuerEnrichmentResult struct {
	Profile ProfileResult `json:"profile"`
	Ratings RatingsResult `json:"ratings"`
}
