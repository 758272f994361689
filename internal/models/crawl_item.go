package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders crawl items into processing tiers. Lower values are
// scheduled first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// String returns the lowercase tier name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is a defined tier.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// Demote returns the next tier toward background. Background stays
// background so retried items never leave circulation by demotion alone.
func (p Priority) Demote() Priority {
	if p >= PriorityBackground {
		return PriorityBackground
	}
	return p + 1
}

// Target identifies the resource a crawl item fetches: either a plain URL
// or a structured query executed by a source adapter. Exactly one concrete
// variant exists per item; the sealed interface makes "url XOR query" a
// type-level invariant rather than a runtime convention.
type Target interface {
	isTarget()
}

// URLTarget is a direct URL fetch.
type URLTarget struct {
	URL string
}

func (URLTarget) isTarget() {}

// QueryTarget is a structured query against a source adapter.
type QueryTarget struct {
	Query map[string]any
}

func (QueryTarget) isTarget() {}

// CrawlItem is the unit of work flowing through the frontier queue.
// Producers own setting Target, AdapterID, Priority and the context fields;
// the queue validates only the target constraint.
type CrawlItem struct {
	ID        string
	Target    Target
	AdapterID string
	Priority  Priority

	// Informational context, never consulted for scheduling or dedup.
	SubjectID    *string
	Hypothesis   *string
	ParentItemID *string

	CreatedAt time.Time
	// ScheduledAt models a future availability time. It is carried through
	// persistence but not enforced by the queue; enforcement is an
	// extension point for callers.
	ScheduledAt *time.Time
	// LeasedAt is set when a worker pops the item and cleared on requeue.
	// Stall recovery measures lease age against it, not CreatedAt, so an
	// item that waited long in pending is not falsely stalled right after
	// being popped.
	LeasedAt *time.Time

	RetryCount int
	MaxRetries int
}

// DefaultMaxRetries is applied by the constructors; producers may override
// the field before pushing.
const DefaultMaxRetries = 3

// NewURLItem creates a crawl item fetching a single URL.
func NewURLItem(url, adapterID string, priority Priority) *CrawlItem {
	return &CrawlItem{
		ID:         uuid.New().String(),
		Target:     URLTarget{URL: url},
		AdapterID:  adapterID,
		Priority:   priority,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: DefaultMaxRetries,
	}
}

// NewQueryItem creates a crawl item running a structured query against the
// given source adapter.
func NewQueryItem(query map[string]any, adapterID string, priority Priority) *CrawlItem {
	return &CrawlItem{
		ID:         uuid.New().String(),
		Target:     QueryTarget{Query: query},
		AdapterID:  adapterID,
		Priority:   priority,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: DefaultMaxRetries,
	}
}

// Validate checks the invariants the queue relies on before accepting an
// item. Producer-owned fields beyond the target constraint are not judged.
func (i *CrawlItem) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("crawl item requires an id")
	}
	switch t := i.Target.(type) {
	case URLTarget:
		if t.URL == "" {
			return fmt.Errorf("crawl item %s has an empty url target", i.ID)
		}
	case QueryTarget:
		if len(t.Query) == 0 {
			return fmt.Errorf("crawl item %s has an empty query target", i.ID)
		}
	default:
		return fmt.Errorf("crawl item %s has no target", i.ID)
	}
	if !i.Priority.Valid() {
		return fmt.Errorf("crawl item %s has invalid priority %d", i.ID, i.Priority)
	}
	if i.MaxRetries < 0 {
		return fmt.Errorf("crawl item %s has negative max_retries", i.ID)
	}
	return nil
}

// Fingerprint returns a stable SHA-256 hex digest of the item's target and
// adapter. Priority, context and timestamps are excluded so the same work
// resubmitted at a different priority is still recognized as a duplicate,
// and the digest is stable across retries.
func (i *CrawlItem) Fingerprint() string {
	h := sha256.New()
	switch t := i.Target.(type) {
	case URLTarget:
		fmt.Fprintf(h, "url|%s|%s", i.AdapterID, t.URL)
	case QueryTarget:
		// encoding/json emits map keys in sorted order at every nesting
		// level, which gives a canonical form regardless of how the query
		// map was built.
		enc, _ := json.Marshal(t.Query)
		fmt.Fprintf(h, "query|%s|%s", i.AdapterID, enc)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// crawlItemJSON is the wire shape shared by the Badger value log and the
// fallback snapshot file. Field names are part of the on-disk contract.
type crawlItemJSON struct {
	ItemID       string         `json:"item_id"`
	URL          *string        `json:"url"`
	Query        map[string]any `json:"query"`
	AdapterID    string         `json:"adapter_id"`
	Priority     int            `json:"priority"`
	SubjectID    *string        `json:"subject_id"`
	Hypothesis   *string        `json:"hypothesis"`
	ParentItemID *string        `json:"parent_item_id"`
	CreatedAt    time.Time      `json:"created_at"`
	ScheduledAt  *time.Time     `json:"scheduled_at"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	LeasedAt     *time.Time     `json:"leased_at"`
}

// MarshalJSON flattens the target union into the url/query/adapter_id wire
// fields. The unset variant marshals as null url / empty query object.
func (i *CrawlItem) MarshalJSON() ([]byte, error) {
	out := crawlItemJSON{
		ItemID:       i.ID,
		Query:        map[string]any{},
		AdapterID:    i.AdapterID,
		Priority:     int(i.Priority),
		SubjectID:    i.SubjectID,
		Hypothesis:   i.Hypothesis,
		ParentItemID: i.ParentItemID,
		CreatedAt:    i.CreatedAt,
		ScheduledAt:  i.ScheduledAt,
		RetryCount:   i.RetryCount,
		MaxRetries:   i.MaxRetries,
		LeasedAt:     i.LeasedAt,
	}
	switch t := i.Target.(type) {
	case URLTarget:
		out.URL = &t.URL
	case QueryTarget:
		out.Query = t.Query
	default:
		return nil, fmt.Errorf("crawl item %s has no target", i.ID)
	}
	return json.Marshal(out)
}

// UnmarshalJSON rebuilds the target union from the flat wire fields and
// rejects records violating the exactly-one-variant constraint.
func (i *CrawlItem) UnmarshalJSON(data []byte) error {
	var in crawlItemJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	hasURL := in.URL != nil && *in.URL != ""
	hasQuery := len(in.Query) > 0
	switch {
	case hasURL && hasQuery:
		return fmt.Errorf("crawl item %s sets both url and query", in.ItemID)
	case hasURL:
		i.Target = URLTarget{URL: *in.URL}
	case hasQuery:
		i.Target = QueryTarget{Query: in.Query}
	default:
		return fmt.Errorf("crawl item %s sets neither url nor query", in.ItemID)
	}

	i.ID = in.ItemID
	i.AdapterID = in.AdapterID
	i.Priority = Priority(in.Priority)
	i.SubjectID = in.SubjectID
	i.Hypothesis = in.Hypothesis
	i.ParentItemID = in.ParentItemID
	i.CreatedAt = in.CreatedAt
	i.ScheduledAt = in.ScheduledAt
	i.RetryCount = in.RetryCount
	i.MaxRetries = in.MaxRetries
	i.LeasedAt = in.LeasedAt
	return nil
}
