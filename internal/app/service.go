// Package app is the transport boundary: it authenticates request
// identity, shapes JSON payloads, and delegates every decision to the
// lifecycle engine, lease manager and archive service.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"vellum/api/internal/engine"
	"vellum/api/internal/search"
	"vellum/api/internal/store"
)

// Identity is the caller resolved from request headers by the edge
// proxy. The engine treats UserID as opaque.
type Identity struct {
	UserID string
	Role   string
}

// Lifecycle is the document engine surface the boundary consumes.
type Lifecycle interface {
	Create(ctx context.Context, in engine.CreateInput) (store.Document, error)
	Get(ctx context.Context, documentID string) (store.Document, error)
	List(ctx context.Context, filter store.ListFilter) ([]store.Document, error)
	UpdateWithVersion(ctx context.Context, documentID, actor, role string, expectedVersion int64, title, content string) (store.Document, error)
	Submit(ctx context.Context, documentID, actor, role string, expectedVersion int64) (store.Document, error)
	Approve(ctx context.Context, documentID, actor, role string) ([]store.Document, error)
	Reject(ctx context.Context, documentID, actor, role string) (store.Document, error)
	AuditTrail(ctx context.Context, documentID string, limit int) ([]store.AuditEvent, error)
}

// Leases is the lease manager surface.
type Leases interface {
	Acquire(ctx context.Context, documentID, userID string) (store.LeaseGrant, error)
	Release(ctx context.Context, documentID, userID string) (bool, error)
	TTL() time.Duration
}

// Archiver is the archive service surface.
type Archiver interface {
	Archive(ctx context.Context, documentID, actor, role string) (store.Document, error)
	Restore(ctx context.Context, documentID, actor, role string) (store.Document, error)
	Purge(ctx context.Context, documentID, actor, role string) error
}

// Pinger reports primary store connectivity for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	lifecycle Lifecycle
	leases    Leases
	archiver  Archiver
	searcher  search.Searcher
	pinger    Pinger
}

func NewService(lifecycle Lifecycle, leases Leases, archiver Archiver, searcher search.Searcher, pinger Pinger) *Service {
	return &Service{
		lifecycle: lifecycle,
		leases:    leases,
		archiver:  archiver,
		searcher:  searcher,
		pinger:    pinger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.pinger.Ping(ctx)
}

// SearchHealthy reports search reachability; false when search is not
// wired at all.
func (s *Service) SearchHealthy() bool {
	return s.searcher != nil && s.searcher.Healthy()
}

// documentPayload is the JSON view of a document.
func documentPayload(doc store.Document) map[string]any {
	payload := map[string]any{
		"id":        doc.ID,
		"kind":      doc.Kind,
		"title":     doc.Title,
		"content":   doc.Content,
		"status":    doc.Status,
		"version":   doc.Version,
		"groupKey":  doc.GroupKey,
		"batchKey":  doc.BatchKey,
		"archived":  doc.Archived,
		"createdBy": doc.CreatedBy,
		"updatedBy": doc.UpdatedBy,
		"createdAt": doc.CreatedAt,
		"updatedAt": doc.UpdatedAt,
	}
	if doc.ArtifactKey != "" {
		payload["artifactKey"] = doc.ArtifactKey
	}
	if doc.ArchivedAt != nil {
		payload["archivedAt"] = doc.ArchivedAt
	}
	if doc.LeaseHolder != nil {
		payload["lease"] = map[string]any{
			"holder":    *doc.LeaseHolder,
			"startedAt": doc.LeaseStartedAt,
		}
	}
	return payload
}

func auditPayload(event store.AuditEvent) map[string]any {
	return map[string]any{
		"id":          event.ID,
		"actorId":     event.ActorID,
		"action":      event.Action,
		"documentId":  event.DocumentID,
		"description": event.Description,
		"metadata":    event.Metadata,
		"createdAt":   event.CreatedAt,
	}
}

type CreateParams struct {
	Kind        string
	Title       string
	Content     string
	GroupKey    string
	BatchKey    string
	ArtifactKey string
}

func (s *Service) CreateDocument(ctx context.Context, identity Identity, params CreateParams) (map[string]any, error) {
	doc, err := s.lifecycle.Create(ctx, engine.CreateInput{
		Kind:        params.Kind,
		Title:       params.Title,
		Content:     params.Content,
		GroupKey:    params.GroupKey,
		BatchKey:    params.BatchKey,
		ArtifactKey: params.ArtifactKey,
		Actor:       identity.UserID,
	})
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (map[string]any, error) {
	doc, err := s.lifecycle.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) ListDocuments(ctx context.Context, filter store.ListFilter) ([]map[string]any, error) {
	docs, err := s.lifecycle.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		payloads = append(payloads, documentPayload(doc))
	}
	return payloads, nil
}

type UpdateParams struct {
	ExpectedVersion int64
	Title           string
	Content         string
}

func (s *Service) UpdateDocument(ctx context.Context, identity Identity, documentID string, params UpdateParams) (map[string]any, error) {
	doc, err := s.lifecycle.UpdateWithVersion(ctx, documentID, identity.UserID, identity.Role, params.ExpectedVersion, params.Title, params.Content)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) SubmitDocument(ctx context.Context, identity Identity, documentID string, expectedVersion int64) (map[string]any, error) {
	doc, err := s.lifecycle.Submit(ctx, documentID, identity.UserID, identity.Role, expectedVersion)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

// ApproveDocument approves a pending document and its batch siblings;
// the payload lists everything the approval touched.
func (s *Service) ApproveDocument(ctx context.Context, identity Identity, documentID string) (map[string]any, error) {
	approved, err := s.lifecycle.Approve(ctx, documentID, identity.UserID, identity.Role)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(approved))
	for _, doc := range approved {
		payloads = append(payloads, documentPayload(doc))
	}
	return map[string]any{"approved": payloads}, nil
}

func (s *Service) RejectDocument(ctx context.Context, identity Identity, documentID string) (map[string]any, error) {
	doc, err := s.lifecycle.Reject(ctx, documentID, identity.UserID, identity.Role)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

// AcquireLease attempts to take the edit lease. A denial is a normal
// payload, not an error, so the frontend can show who is editing.
func (s *Service) AcquireLease(ctx context.Context, identity Identity, documentID string) (map[string]any, error) {
	grant, err := s.leases.Acquire(ctx, documentID, identity.UserID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"granted":    grant.Granted,
		"ttlSeconds": int64(s.leases.TTL().Seconds()),
	}
	if grant.Granted {
		payload["holder"] = identity.UserID
		payload["startedAt"] = grant.StartedAt
		payload["reclaimed"] = grant.Reclaimed
	} else {
		payload["holder"] = grant.Holder
		payload["ageSeconds"] = int64(grant.Age.Seconds())
	}
	return payload, nil
}

func (s *Service) ReleaseLease(ctx context.Context, identity Identity, documentID string) (map[string]any, error) {
	released, err := s.leases.Release(ctx, documentID, identity.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"released": released}, nil
}

func (s *Service) ArchiveDocument(ctx context.Context, identity Identity, documentID string) (map[string]any, error) {
	doc, err := s.archiver.Archive(ctx, documentID, identity.UserID, identity.Role)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) RestoreDocument(ctx context.Context, identity Identity, documentID string) (map[string]any, error) {
	doc, err := s.archiver.Restore(ctx, documentID, identity.UserID, identity.Role)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) PurgeDocument(ctx context.Context, identity Identity, documentID string) error {
	return s.archiver.Purge(ctx, documentID, identity.UserID, identity.Role)
}

func (s *Service) AuditTrail(ctx context.Context, documentID string, limit int) ([]map[string]any, error) {
	events, err := s.lifecycle.AuditTrail(ctx, documentID, limit)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(events))
	for _, event := range events {
		payloads = append(payloads, auditPayload(event))
	}
	return payloads, nil
}

// Search runs a full-text query over approved documents.
func (s *Service) Search(ctx context.Context, q, filterKind string, limit, offset int) (search.Response, error) {
	if s.searcher == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	query := search.Query{
		Text:       strings.TrimSpace(q),
		FilterKind: strings.TrimSpace(filterKind),
		Limit:      limit,
		Offset:     offset,
	}
	results, total, err := s.searcher.Search(ctx, query)
	if err != nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is unavailable", nil)
	}
	if results == nil {
		results = []search.Result{}
	}
	return search.Response{Results: results, Total: total, Query: query.Text}, nil
}
