package store

import "time"

// Document statuses. Archived is an orthogonal flag, not a status.
const (
	StatusDraft    = "draft"
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Document kinds governed by the engine.
const (
	KindHandbookPage  = "handbook_page"
	KindMemorandum    = "memorandum"
	KindPolicySection = "policy_section"
)

// Document is a governed record. Content is an opaque payload owned by the
// caller; the engine never interprets it.
type Document struct {
	ID             string
	Kind           string
	Title          string
	Content        string
	Status         string
	Version        int64
	GroupKey       string
	BatchKey       string
	LeaseHolder    *string
	LeaseStartedAt *time.Time
	Archived       bool
	ArchivedAt     *time.Time
	ArtifactKey    string
	CreatedBy      string
	UpdatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeaseGrant is the outcome of an acquire attempt. When Granted is false,
// Holder and Age describe the active lease so callers can surface
// "X is editing" feedback.
type LeaseGrant struct {
	Granted   bool
	Holder    string
	StartedAt time.Time
	Age       time.Duration
	// Reclaimed is set when the grant displaced an expired lease held by
	// another user.
	Reclaimed bool
}

// AuditEvent is one append-only audit log row.
type AuditEvent struct {
	ID          int64
	ActorID     string
	Action      string
	DocumentID  string
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// ListFilter narrows document listings. Archived documents are excluded
// unless IncludeArchived is set.
type ListFilter struct {
	Status          string
	Kind            string
	GroupKey        string
	IncludeArchived bool
	Limit           int
}
