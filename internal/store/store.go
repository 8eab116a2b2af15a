package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/versified/issuer-enrichment/internal/config"
	"github.com/versified/issuer-enrichment/internal/model"
)

// Store is the knowledge store: per-issuer enrichment records plus the
// durable job table. It is the only component that mutates persisted state.
type Store interface {
	// Issuers

	// GetIssuer returns nil when no record exists, or when the record is
	// expired, unpinned and includeExpired is false.
	GetIssuer(ctx context.Context, issuer string, includeExpired bool) (*model.IssuerRecord, error)
	// GetIssuers applies GetIssuer semantics per name. Unresolved names are
	// absent from the result.
	GetIssuers(ctx context.Context, issuers []string, includeExpired bool) (map[string]*model.IssuerRecord, error)
	// UpsertIssuer merges the non-nil fields over the stored record and
	// overwrites provenance, updated_at, expires_at and pinned.
	UpsertIssuer(ctx context.Context, issuer string, fields model.IssuerFields, prov model.Provenance) error

	// Jobs
	EnqueueJob(ctx context.Context, kind model.JobKind, payload any) (*model.Job, error)
	// ClaimNextJob moves the oldest queued job to running in one atomic
	// statement. Returns nil when the queue is empty.
	ClaimNextJob(ctx context.Context) (*model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, result any, errMsg string) error
	ReclaimStaleJobs(ctx context.Context, staleSeconds int64, policy model.ReclaimPolicy) (int, error)
	// ListQueuedJobs returns up to limit queued jobs not touched for
	// olderThanSeconds, oldest first.
	ListQueuedJobs(ctx context.Context, olderThanSeconds int64, limit int) ([]*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store selected by cfg and applies migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite", "":
		st, err = NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// issuerColumns is the select list shared by both backends.
var issuerColumns = []string{
	"issuer_name", "summary_md", "moodys", "fitch", "sp",
	"vegan_score", "vegan_friendly", "vegan_explanation", "esg_summary", "sources",
	"source", "model", "updated_at", "expires_at", "pinned",
}

// mergeColumns are the merge-only fields: a NULL in the incoming row keeps
// the stored value.
var mergeColumns = []string{
	"summary_md", "moodys", "fitch", "sp",
	"vegan_score", "vegan_friendly", "vegan_explanation", "esg_summary", "sources",
}

const jobColumns = "id, kind, status, payload, result, error, created_at, updated_at"

// upsertSet renders the ON CONFLICT assignments.
func upsertSet(excluded string) string {
	var b strings.Builder
	for _, c := range mergeColumns {
		b.WriteString(c + " = COALESCE(" + excluded + "." + c + ", issuer_enrichment." + c + "),\n\t")
	}
	for i, c := range []string{"source", "model", "updated_at", "expires_at", "pinned"} {
		if i > 0 {
			b.WriteString(",\n\t")
		}
		b.WriteString(c + " = " + excluded + "." + c)
	}
	return b.String()
}

// mergeArgs returns the merge-only column values in mergeColumns order.
// Sources are deduplicated; a list with no usable URLs keeps the stored one.
func mergeArgs(f model.IssuerFields) ([]any, error) {
	sources, err := marshalSources(model.DedupeSources(f.Sources))
	if err != nil {
		return nil, err
	}
	return []any{
		f.SummaryMD, f.Moodys, f.Fitch, f.SP,
		f.VeganScore, f.VeganFriendly, f.VeganExplanation, f.ESGSummary, sources,
	}, nil
}

func marshalSources(sources []string) (*string, error) {
	if sources == nil {
		return nil, nil
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return nil, eris.Wrap(err, "marshal sources")
	}
	s := string(b)
	return &s, nil
}

func unmarshalSources(raw *string) ([]string, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var out []string
	return out, eris.Wrap(json.Unmarshal([]byte(*raw), &out), "unmarshal sources")
}

// marshalNullable encodes v as JSON text, mapping nil and JSON null to SQL NULL.
func marshalNullable(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "marshal json")
	}
	if string(b) == "null" {
		return nil, nil
	}
	s := string(b)
	return &s, nil
}

func rawJSON(s *string) json.RawMessage {
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcNow() time.Time {
	return time.Now().UTC()
}
