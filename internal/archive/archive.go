// Package archive handles the retirement tail of the document lifecycle:
// soft archive, restore, and permanent purge. Archival is orthogonal to
// workflow status; a document keeps its status while archived and
// resumes from it when restored.
package archive

import (
	"context"

	"vellum/api/internal/engine"
	"vellum/api/internal/logger"
	"vellum/api/internal/metrics"
	"vellum/api/internal/rbac"
	"vellum/api/internal/store"
)

// Store is the slice of the primary store the archive service consumes.
type Store interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	SetArchived(ctx context.Context, documentID string, archived bool, actor string) (bool, error)
	DeleteArchived(ctx context.Context, documentID string) (bool, error)
	AppendAudit(ctx context.Context, event store.AuditEvent) error
}

// Publisher receives archive transitions for downstream propagation.
type Publisher interface {
	DocumentArchived(ctx context.Context, doc store.Document)
	DocumentRestored(ctx context.Context, doc store.Document)
	DocumentPurged(ctx context.Context, doc store.Document)
}

// ArtifactRemover deletes a document's uploaded artifact from object
// storage. A nil remover disables artifact cleanup.
type ArtifactRemover interface {
	Remove(ctx context.Context, key string) error
}

type Service struct {
	store     Store
	pub       Publisher
	artifacts ArtifactRemover
	log       *logger.Logger
	metrics   *metrics.Metrics
}

func NewService(st Store, pub Publisher, artifacts ArtifactRemover, log *logger.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:     st,
		pub:       pub,
		artifacts: artifacts,
		log:       log.Component("archive"),
		metrics:   m,
	}
}

// Archive soft-deletes a document. Authors may archive only their own
// documents; moderators and admins may archive any.
func (s *Service) Archive(ctx context.Context, documentID, actor, role string) (store.Document, error) {
	normalized := rbac.Normalize(role)
	if !rbac.Can(normalized, rbac.ActionArchive) {
		return store.Document{}, engine.ErrForbidden
	}

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if normalized == rbac.RoleAuthor && doc.CreatedBy != actor {
		return store.Document{}, engine.ErrForbidden
	}

	ok, err := s.store.SetArchived(ctx, documentID, true, actor)
	if err != nil {
		return store.Document{}, err
	}
	if !ok {
		s.metrics.TransitionsTotal.WithLabelValues("archive", "conflict").Inc()
		return store.Document{}, &engine.TransitionError{Status: "archived", Action: "archive"}
	}

	s.metrics.TransitionsTotal.WithLabelValues("archive", "ok").Inc()
	s.audit(ctx, actor, "archive", documentID, "archived", nil)

	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	s.pub.DocumentArchived(ctx, updated)
	return updated, nil
}

// Restore brings an archived document back in its pre-archive status.
func (s *Service) Restore(ctx context.Context, documentID, actor, role string) (store.Document, error) {
	normalized := rbac.Normalize(role)
	if !rbac.Can(normalized, rbac.ActionArchive) {
		return store.Document{}, engine.ErrForbidden
	}

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if normalized == rbac.RoleAuthor && doc.CreatedBy != actor {
		return store.Document{}, engine.ErrForbidden
	}

	ok, err := s.store.SetArchived(ctx, documentID, false, actor)
	if err != nil {
		return store.Document{}, err
	}
	if !ok {
		s.metrics.TransitionsTotal.WithLabelValues("restore", "conflict").Inc()
		return store.Document{}, &engine.TransitionError{Status: doc.Status, Action: "restore"}
	}

	s.metrics.TransitionsTotal.WithLabelValues("restore", "ok").Inc()
	s.audit(ctx, actor, "restore", documentID, "restored from archive", nil)

	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	s.pub.DocumentRestored(ctx, updated)
	return updated, nil
}

// Purge permanently deletes an archived document. Admin only, and only
// from the archive; a live document must be archived first. The row
// delete is the commit point; artifact and index cleanup afterwards are
// best-effort.
func (s *Service) Purge(ctx context.Context, documentID, actor, role string) error {
	if !rbac.Can(rbac.Normalize(role), rbac.ActionPurge) {
		return engine.ErrForbidden
	}

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !doc.Archived {
		return &engine.TransitionError{Status: doc.Status, Action: "purge"}
	}

	ok, err := s.store.DeleteArchived(ctx, documentID)
	if err != nil {
		return err
	}
	if !ok {
		// Raced with a restore or another purge.
		s.metrics.TransitionsTotal.WithLabelValues("purge", "conflict").Inc()
		return &engine.TransitionError{Status: doc.Status, Action: "purge"}
	}

	s.metrics.TransitionsTotal.WithLabelValues("purge", "ok").Inc()
	s.audit(ctx, actor, "purge", documentID, "permanently deleted", map[string]any{
		"artifactKey": doc.ArtifactKey,
	})

	if s.artifacts != nil && doc.ArtifactKey != "" {
		if err := s.artifacts.Remove(ctx, doc.ArtifactKey); err != nil {
			s.log.Error().Err(err).Str("artifact_key", doc.ArtifactKey).Msg("artifact cleanup failed; object orphaned")
		}
	}
	s.pub.DocumentPurged(ctx, doc)
	return nil
}

func (s *Service) audit(ctx context.Context, actor, action, documentID, description string, metadata map[string]any) {
	err := s.store.AppendAudit(ctx, store.AuditEvent{
		ActorID:     actor,
		Action:      action,
		DocumentID:  documentID,
		Description: description,
		Metadata:    metadata,
	})
	if err != nil {
		s.log.Error().Err(err).Str("action", action).Str("document_id", documentID).Msg("audit append failed")
	}
}
