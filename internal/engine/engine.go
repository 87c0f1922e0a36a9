// Package engine owns the document lifecycle: draft, pending, approved,
// rejected, plus group supersession. Every mutation is delegated to the
// store as a single conditional write; the engine classifies failed writes
// into the typed error taxonomy and never persists partial state.
package engine

import (
	"context"
	"strings"
	"time"

	"vellum/api/internal/logger"
	"vellum/api/internal/metrics"
	"vellum/api/internal/rbac"
	"vellum/api/internal/store"
	"vellum/api/internal/util"
)

// Store is the slice of the primary store the lifecycle engine consumes.
type Store interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	InsertDocument(ctx context.Context, doc store.Document) error
	ListDocuments(ctx context.Context, filter store.ListFilter) ([]store.Document, error)
	UpdateContentIfCurrent(ctx context.Context, documentID string, expectedVersion int64, holder, title, content string) (int64, bool, error)
	SubmitPending(ctx context.Context, documentID, author string, expectedVersion int64) (bool, error)
	TransitionStatus(ctx context.Context, documentID string, from []string, to, actor string) (bool, error)
	ListBatch(ctx context.Context, batchKey, status string) ([]store.Document, error)
	ListGroupApproved(ctx context.Context, groupKey, excludeBatchKey string) ([]store.Document, error)
	CountBatchApproved(ctx context.Context, batchKey string) (int, error)
	AppendAudit(ctx context.Context, event store.AuditEvent) error
	ListAudit(ctx context.Context, documentID string, limit int) ([]store.AuditEvent, error)
}

// Publisher receives lifecycle transitions for best-effort downstream
// propagation. Implementations must never fail the triggering transition.
type Publisher interface {
	BatchApproved(ctx context.Context, docs []store.Document, firstApproval bool)
	DocumentDemoted(ctx context.Context, doc store.Document)
}

var allowedKinds = map[string]struct{}{
	store.KindHandbookPage:  {},
	store.KindMemorandum:    {},
	store.KindPolicySection: {},
}

type Engine struct {
	store   Store
	pub     Publisher
	log     *logger.Logger
	metrics *metrics.Metrics
}

func New(st Store, pub Publisher, log *logger.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   st,
		pub:     pub,
		log:     log.Component("engine"),
		metrics: m,
	}
}

type CreateInput struct {
	Kind        string
	Title       string
	Content     string
	GroupKey    string
	BatchKey    string
	ArtifactKey string
	Actor       string
}

// Create inserts a new draft at version 1. The batch key is the explicit
// upload-group identifier; siblings of a paginated upload must share it,
// and it is generated when the caller does not supply one.
func (e *Engine) Create(ctx context.Context, in CreateInput) (store.Document, error) {
	if _, ok := allowedKinds[in.Kind]; !ok {
		return store.Document{}, &ValidationError{Field: "kind", Reason: "must be handbook_page, memorandum or policy_section"}
	}
	if strings.TrimSpace(in.Actor) == "" {
		return store.Document{}, &ValidationError{Field: "actor", Reason: "required"}
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = "Untitled"
	}
	groupKey := strings.TrimSpace(in.GroupKey)
	if groupKey == "" {
		groupKey = in.Actor + "/" + in.Kind
	}
	batchKey := strings.TrimSpace(in.BatchKey)
	if batchKey == "" {
		batchKey = util.NewBatchKey()
	}

	doc := store.Document{
		ID:          util.NewID("doc"),
		Kind:        in.Kind,
		Title:       title,
		Content:     in.Content,
		Status:      store.StatusDraft,
		Version:     1,
		GroupKey:    groupKey,
		BatchKey:    batchKey,
		ArtifactKey: in.ArtifactKey,
		CreatedBy:   in.Actor,
		UpdatedBy:   in.Actor,
	}
	if err := e.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}
	e.audit(ctx, in.Actor, "create", doc.ID, "document created", map[string]any{
		"kind":     doc.Kind,
		"groupKey": doc.GroupKey,
		"batchKey": doc.BatchKey,
	})
	return e.store.GetDocument(ctx, doc.ID)
}

func (e *Engine) Get(ctx context.Context, documentID string) (store.Document, error) {
	return e.store.GetDocument(ctx, documentID)
}

func (e *Engine) List(ctx context.Context, filter store.ListFilter) ([]store.Document, error) {
	return e.store.ListDocuments(ctx, filter)
}

func (e *Engine) AuditTrail(ctx context.Context, documentID string, limit int) ([]store.AuditEvent, error) {
	if _, err := e.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return e.store.ListAudit(ctx, documentID, limit)
}

// UpdateWithVersion commits an edit guarded by optimistic concurrency.
// The caller must hold the edit lease: the lease condition rides inside
// the same conditional write as the version check, so an unleased caller
// cannot slip a mutation past a matching version.
func (e *Engine) UpdateWithVersion(ctx context.Context, documentID, actor, role string, expectedVersion int64, title, content string) (store.Document, error) {
	if !rbac.Can(rbac.Normalize(role), rbac.ActionEdit) {
		return store.Document{}, ErrForbidden
	}
	if expectedVersion < 1 {
		return store.Document{}, &ValidationError{Field: "expectedVersion", Reason: "must be a positive integer"}
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Document{}, &ValidationError{Field: "title", Reason: "required"}
	}

	start := time.Now()
	newVersion, ok, err := e.store.UpdateContentIfCurrent(ctx, documentID, expectedVersion, actor, title, content)
	if err != nil {
		return store.Document{}, err
	}
	if !ok {
		e.metrics.TransitionsTotal.WithLabelValues("update", "conflict").Inc()
		return store.Document{}, e.classifyMutationFailure(ctx, documentID, actor, expectedVersion, "edit")
	}

	e.metrics.TransitionsTotal.WithLabelValues("update", "ok").Inc()
	e.audit(ctx, actor, "update", documentID, "content updated", map[string]any{
		"version": newVersion,
	})
	e.log.LogTransition("update", documentID, actor, time.Since(start), nil)
	return e.store.GetDocument(ctx, documentID)
}

// Submit moves an author's draft or rejected document to pending review.
// Author identity, lease and version are conditions of the same write.
func (e *Engine) Submit(ctx context.Context, documentID, actor, role string, expectedVersion int64) (store.Document, error) {
	if !rbac.Can(rbac.Normalize(role), rbac.ActionSubmit) {
		return store.Document{}, ErrForbidden
	}
	if expectedVersion < 1 {
		return store.Document{}, &ValidationError{Field: "expectedVersion", Reason: "must be a positive integer"}
	}

	ok, err := e.store.SubmitPending(ctx, documentID, actor, expectedVersion)
	if err != nil {
		return store.Document{}, err
	}
	if !ok {
		e.metrics.TransitionsTotal.WithLabelValues("submit", "conflict").Inc()
		return store.Document{}, e.classifySubmitFailure(ctx, documentID, actor, expectedVersion)
	}

	e.metrics.TransitionsTotal.WithLabelValues("submit", "ok").Inc()
	e.audit(ctx, actor, "submit", documentID, "submitted for review", nil)
	return e.store.GetDocument(ctx, documentID)
}

// Approve moves a pending document to approved. The whole upload batch is
// published as one logical unit: pending siblings sharing the batch key
// are approved too, and approved documents of other batches in the same
// group are demoted to rejected (supersession). The sequence is a series
// of independent conditional writes, not a transaction; a crash can leave
// a mixed group, which is an accepted risk of this design.
func (e *Engine) Approve(ctx context.Context, documentID, actor, role string) ([]store.Document, error) {
	if !rbac.Can(rbac.Normalize(role), rbac.ActionModerate) {
		return nil, ErrForbidden
	}

	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Archived {
		return nil, &TransitionError{Status: "archived", Action: "approve"}
	}
	if doc.Status != store.StatusPending {
		return nil, &TransitionError{Status: doc.Status, Action: "approve"}
	}

	approvedBefore, err := e.store.CountBatchApproved(ctx, doc.BatchKey)
	if err != nil {
		return nil, err
	}
	firstApproval := approvedBefore == 0

	// Supersession first: demote the previously approved batch in this
	// group, one conditional write per document.
	superseded, err := e.store.ListGroupApproved(ctx, doc.GroupKey, doc.BatchKey)
	if err != nil {
		return nil, err
	}
	demoted := make([]store.Document, 0, len(superseded))
	for _, stale := range superseded {
		ok, err := e.store.TransitionStatus(ctx, stale.ID, []string{store.StatusApproved}, store.StatusRejected, actor)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Someone else already moved it; nothing to demote.
			continue
		}
		stale.Status = store.StatusRejected
		demoted = append(demoted, stale)
		e.audit(ctx, actor, "supersede", stale.ID, "superseded by "+documentID, map[string]any{
			"groupKey":     stale.GroupKey,
			"supersededBy": documentID,
		})
	}

	ok, err := e.store.TransitionStatus(ctx, documentID, []string{store.StatusPending}, store.StatusApproved, actor)
	if err != nil {
		e.fanoutDemotions(ctx, demoted)
		return nil, err
	}
	if !ok {
		// Lost a race after the pre-check; report the current state. The
		// demotions above are already committed, so their index removal
		// must still go out.
		e.metrics.TransitionsTotal.WithLabelValues("approve", "conflict").Inc()
		e.fanoutDemotions(ctx, demoted)
		current, err := e.store.GetDocument(ctx, documentID)
		if err != nil {
			return nil, err
		}
		return nil, &TransitionError{Status: current.Status, Action: "approve"}
	}
	doc.Status = store.StatusApproved
	approved := []store.Document{doc}
	e.audit(ctx, actor, "approve", documentID, "approved", map[string]any{
		"batchKey": doc.BatchKey,
	})

	// Co-approve the rest of the batch.
	siblings, err := e.store.ListBatch(ctx, doc.BatchKey, store.StatusPending)
	if err != nil {
		e.log.Error().Err(err).Str("batch_key", doc.BatchKey).Msg("listing batch siblings failed; batch partially approved")
		siblings = nil
	}
	for _, sibling := range siblings {
		if sibling.ID == documentID {
			continue
		}
		ok, err := e.store.TransitionStatus(ctx, sibling.ID, []string{store.StatusPending}, store.StatusApproved, actor)
		if err != nil {
			e.log.Error().Err(err).Str("document_id", sibling.ID).Msg("sibling approval failed; batch partially approved")
			continue
		}
		if !ok {
			continue
		}
		sibling.Status = store.StatusApproved
		approved = append(approved, sibling)
		e.audit(ctx, actor, "approve", sibling.ID, "approved with batch "+doc.BatchKey, map[string]any{
			"batchKey": doc.BatchKey,
		})
	}

	e.metrics.TransitionsTotal.WithLabelValues("approve", "ok").Inc()

	// Downstream effects are strictly best-effort; nothing below can fail
	// the committed transition.
	e.pub.BatchApproved(ctx, approved, firstApproval)
	e.fanoutDemotions(ctx, demoted)

	return approved, nil
}

// fanoutDemotions publishes every committed demotion. It runs on the
// success path and on every exit after the demotion writes, so a
// demoted document never lingers in the search index because the
// target's own approval fell through.
func (e *Engine) fanoutDemotions(ctx context.Context, demoted []store.Document) {
	for _, stale := range demoted {
		e.pub.DocumentDemoted(ctx, stale)
	}
}

// Reject moves a pending document to rejected. No other document is
// touched; the author may edit and resubmit.
func (e *Engine) Reject(ctx context.Context, documentID, actor, role string) (store.Document, error) {
	if !rbac.Can(rbac.Normalize(role), rbac.ActionModerate) {
		return store.Document{}, ErrForbidden
	}

	ok, err := e.store.TransitionStatus(ctx, documentID, []string{store.StatusPending}, store.StatusRejected, actor)
	if err != nil {
		return store.Document{}, err
	}
	if !ok {
		e.metrics.TransitionsTotal.WithLabelValues("reject", "conflict").Inc()
		doc, err := e.store.GetDocument(ctx, documentID)
		if err != nil {
			return store.Document{}, err
		}
		if doc.Archived {
			return store.Document{}, &TransitionError{Status: "archived", Action: "reject"}
		}
		return store.Document{}, &TransitionError{Status: doc.Status, Action: "reject"}
	}

	e.metrics.TransitionsTotal.WithLabelValues("reject", "ok").Inc()
	e.audit(ctx, actor, "reject", documentID, "rejected", nil)
	return e.store.GetDocument(ctx, documentID)
}

// classifyMutationFailure turns a zero-row content write into a typed
// error. Version staleness is checked before lease state: once a
// concurrent writer wins, the losers see a bumped version and a cleared
// lease, and the version conflict is what should drive their retry.
func (e *Engine) classifyMutationFailure(ctx context.Context, documentID, actor string, expectedVersion int64, action string) error {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Archived {
		return &TransitionError{Status: "archived", Action: action}
	}
	if doc.Version != expectedVersion {
		e.metrics.VersionConflicts.Inc()
		return &VersionConflictError{Expected: expectedVersion, Current: doc.Version}
	}
	if doc.LeaseHolder == nil {
		return &LeaseConflictError{}
	}
	if *doc.LeaseHolder != actor {
		age := time.Duration(0)
		if doc.LeaseStartedAt != nil {
			age = time.Since(*doc.LeaseStartedAt)
		}
		return &LeaseConflictError{Holder: *doc.LeaseHolder, Age: age}
	}
	// State moved between the write and this read; a stale version is the
	// safest signal to send back.
	e.metrics.VersionConflicts.Inc()
	return &VersionConflictError{Expected: expectedVersion, Current: doc.Version}
}

func (e *Engine) classifySubmitFailure(ctx context.Context, documentID, actor string, expectedVersion int64) error {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.CreatedBy != actor {
		return ErrForbidden
	}
	if doc.Archived {
		return &TransitionError{Status: "archived", Action: "submit"}
	}
	if doc.Status != store.StatusDraft && doc.Status != store.StatusRejected {
		return &TransitionError{Status: doc.Status, Action: "submit"}
	}
	if doc.Version != expectedVersion {
		e.metrics.VersionConflicts.Inc()
		return &VersionConflictError{Expected: expectedVersion, Current: doc.Version}
	}
	if doc.LeaseHolder == nil {
		return &LeaseConflictError{}
	}
	age := time.Duration(0)
	if doc.LeaseStartedAt != nil {
		age = time.Since(*doc.LeaseStartedAt)
	}
	return &LeaseConflictError{Holder: *doc.LeaseHolder, Age: age}
}

// audit appends an audit row; a failed append is logged, never fatal to
// the already-committed transition.
func (e *Engine) audit(ctx context.Context, actor, action, documentID, description string, metadata map[string]any) {
	err := e.store.AppendAudit(ctx, store.AuditEvent{
		ActorID:     actor,
		Action:      action,
		DocumentID:  documentID,
		Description: description,
		Metadata:    metadata,
	})
	if err != nil {
		e.log.Error().Err(err).Str("action", action).Str("document_id", documentID).Msg("audit append failed")
	}
}
