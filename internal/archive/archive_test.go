package archive

import (
	"context"
	"errors"
	"testing"

	"vellum/api/internal/engine"
	"vellum/api/internal/logger"
	"vellum/api/internal/metrics"
	"vellum/api/internal/store"
)

type fakeArchiveStore struct {
	getFn    func(context.Context, string) (store.Document, error)
	setFn    func(context.Context, string, bool, string) (bool, error)
	deleteFn func(context.Context, string) (bool, error)
	audits   []store.AuditEvent
}

func (f *fakeArchiveStore) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	if f.getFn != nil {
		return f.getFn(ctx, documentID)
	}
	return store.Document{}, store.ErrNotFound
}

func (f *fakeArchiveStore) SetArchived(ctx context.Context, documentID string, archived bool, actor string) (bool, error) {
	if f.setFn != nil {
		return f.setFn(ctx, documentID, archived, actor)
	}
	return false, nil
}

func (f *fakeArchiveStore) DeleteArchived(ctx context.Context, documentID string) (bool, error) {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, documentID)
	}
	return false, nil
}

func (f *fakeArchiveStore) AppendAudit(ctx context.Context, event store.AuditEvent) error {
	f.audits = append(f.audits, event)
	return nil
}

type fakeArchivePublisher struct {
	archived []string
	restored []string
	purged   []string
}

func (p *fakeArchivePublisher) DocumentArchived(ctx context.Context, doc store.Document) {
	p.archived = append(p.archived, doc.ID)
}

func (p *fakeArchivePublisher) DocumentRestored(ctx context.Context, doc store.Document) {
	p.restored = append(p.restored, doc.ID)
}

func (p *fakeArchivePublisher) DocumentPurged(ctx context.Context, doc store.Document) {
	p.purged = append(p.purged, doc.ID)
}

type fakeRemover struct {
	removed []string
	fail    bool
}

func (f *fakeRemover) Remove(ctx context.Context, key string) error {
	if f.fail {
		return errors.New("object store down")
	}
	f.removed = append(f.removed, key)
	return nil
}

func newTestService(st Store, pub Publisher, remover ArtifactRemover) *Service {
	m, _ := metrics.New()
	return NewService(st, pub, remover, logger.Nop(), m)
}

func TestArchiveAuthorOwnDocument(t *testing.T) {
	doc := store.Document{ID: "doc_1", Status: store.StatusDraft, CreatedBy: "amira"}
	st := &fakeArchiveStore{
		getFn: func(ctx context.Context, id string) (store.Document, error) {
			return doc, nil
		},
		setFn: func(ctx context.Context, id string, archived bool, actor string) (bool, error) {
			doc.Archived = archived
			return true, nil
		},
	}
	pub := &fakeArchivePublisher{}
	svc := newTestService(st, pub, nil)

	archived, err := svc.Archive(context.Background(), "doc_1", "amira", "author")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !archived.Archived {
		t.Fatal("document should be archived")
	}
	if len(pub.archived) != 1 {
		t.Fatalf("archived fanout = %v, want one event", pub.archived)
	}
	if len(st.audits) != 1 || st.audits[0].Action != "archive" {
		t.Fatalf("audits = %+v, want one archive event", st.audits)
	}
}

func TestArchiveAuthorForeignDocument(t *testing.T) {
	st := &fakeArchiveStore{
		getFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, CreatedBy: "bram"}, nil
		},
	}
	svc := newTestService(st, &fakeArchivePublisher{}, nil)

	_, err := svc.Archive(context.Background(), "doc_1", "amira", "author")
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestArchiveModeratorAnyDocument(t *testing.T) {
	st := &fakeArchiveStore{
		getFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, CreatedBy: "bram"}, nil
		},
		setFn: func(ctx context.Context, id string, archived bool, actor string) (bool, error) {
			return true, nil
		},
	}
	svc := newTestService(st, &fakeArchivePublisher{}, nil)

	if _, err := svc.Archive(context.Background(), "doc_1", "mod", "moderator"); err != nil {
		t.Fatalf("moderator archive: %v", err)
	}
}

func TestArchiveAlreadyArchived(t *testing.T) {
	st := &fakeArchiveStore{
		getFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, CreatedBy: "amira", Archived: true}, nil
		},
		setFn: func(ctx context.Context, id string, archived bool, actor string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(st, &fakeArchivePublisher{}, nil)

	_, err := svc.Archive(context.Background(), "doc_1", "amira", "author")
	var transition *engine.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("err = %v, want transition error", err)
	}
}

func TestRestoreKeepsStatus(t *testing.T) {
	doc := store.Document{ID: "doc_1", Status: store.StatusApproved, CreatedBy: "amira", Archived: true}
	st := &fakeArchiveStore{
		getFn: func(ctx context.Context, id string) (store.Document, error) {
			return doc, nil
		},
		setFn: func(ctx context.Context, id string, archived bool, actor string) (bool, error) {
			doc.Archived = archived
			return true, nil
		},
	}
	pub := &fakeArchivePublisher{}
	svc := newTestService(st, pub, nil)

	restored, err := svc.Restore(context.Background(), "doc_1", "amira", "author")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Archived {
		t.Fatal("document should not be archived anymore")
	}
	if restored.Status != store.StatusApproved {
		t.Fatalf("status = %s, restore must preserve the pre-archive status", restored.Status)
	}
	if len(pub.restored) != 1 {
		t.Fatalf("restored fanout = %v, want one event", pub.restored)
	}
}

func TestPurgeRequiresAdmin(t *testing.T) {
	svc := newTestService(&fakeArchiveStore{}, &fakeArchivePublisher{}, nil)

	err := svc.Purge(context.Background(), "doc_1", "mod", "moderator")
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestPurgeLiveDocument(t *testing.T) {
	st := &fakeArchiveStore{
		getFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Status: store.StatusApproved, Archived: false}, nil
		},
	}
	svc := newTestService(st, &fakeArchivePublisher{}, nil)

	err := svc.Purge(context.Background(), "doc_1", "root", "admin")
	var transition *engine.TransitionError
	if !errors.As(err, &transition) || transition.Action != "purge" {
		t.Fatalf("err = %v, want purge transition error", err)
	}
}

func TestPurgeRemovesArtifactAndFansOut(t *testing.T) {
	st := &fakeArchiveStore{
		getFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Archived: true, ArtifactKey: "uploads/doc_1.pdf"}, nil
		},
		deleteFn: func(ctx context.Context, id string) (bool, error) {
			return true, nil
		},
	}
	pub := &fakeArchivePublisher{}
	remover := &fakeRemover{}
	svc := newTestService(st, pub, remover)

	if err := svc.Purge(context.Background(), "doc_1", "root", "admin"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(remover.removed) != 1 || remover.removed[0] != "uploads/doc_1.pdf" {
		t.Fatalf("removed = %v, want artifact key", remover.removed)
	}
	if len(pub.purged) != 1 {
		t.Fatalf("purged fanout = %v, want one event", pub.purged)
	}
}

// A failed artifact delete orphans the object but must not fail the purge:
// the row delete has already committed.
func TestPurgeSurvivesArtifactFailure(t *testing.T) {
	st := &fakeArchiveStore{
		getFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Archived: true, ArtifactKey: "uploads/doc_1.pdf"}, nil
		},
		deleteFn: func(ctx context.Context, id string) (bool, error) {
			return true, nil
		},
	}
	svc := newTestService(st, &fakeArchivePublisher{}, &fakeRemover{fail: true})

	if err := svc.Purge(context.Background(), "doc_1", "root", "admin"); err != nil {
		t.Fatalf("Purge should succeed despite artifact failure, got %v", err)
	}
}
