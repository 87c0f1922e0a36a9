// Package fanout propagates committed lifecycle transitions to downstream
// read models. Every sink is optional and every delivery is best-effort:
// a sink failure is logged and counted, never surfaced to the caller.
package fanout

import (
	"context"
	"fmt"

	"vellum/api/internal/logger"
	"vellum/api/internal/metrics"
	"vellum/api/internal/notify"
	"vellum/api/internal/store"
)

// SearchIndex mirrors approved documents into the search engine.
type SearchIndex interface {
	Upsert(ctx context.Context, doc store.Document) error
	Remove(ctx context.Context, documentID string) error
}

// Notifier delivers human-facing notifications.
type Notifier interface {
	PushToAll(ctx context.Context, title, body string) error
	EmailBroadcast(ctx context.Context, subject, html string, recipients []string) error
}

// Broadcaster emits realtime events for connected clients.
type Broadcaster interface {
	Emit(ctx context.Context, event string, payload any) error
}

// SubscriberDirectory resolves broadcast email recipients.
type SubscriberDirectory interface {
	ListSubscriberEmails(ctx context.Context) ([]string, error)
}

// Publisher fans a transition out to all configured sinks. Any sink may be
// nil, in which case it is skipped.
type Publisher struct {
	index       SearchIndex
	notifier    Notifier
	broadcaster Broadcaster
	directory   SubscriberDirectory
	log         *logger.Logger
	metrics     *metrics.Metrics
}

func NewPublisher(index SearchIndex, notifier Notifier, broadcaster Broadcaster, directory SubscriberDirectory, log *logger.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		index:       index,
		notifier:    notifier,
		broadcaster: broadcaster,
		directory:   directory,
		log:         log.Component("fanout"),
		metrics:     m,
	}
}

// BatchApproved mirrors every approved document into the search index,
// emits a realtime event per document, and, only on the batch's first
// approval, notifies subscribers. Re-approving a batch that already had an
// approved document must not re-notify.
func (p *Publisher) BatchApproved(ctx context.Context, docs []store.Document, firstApproval bool) {
	if len(docs) == 0 {
		return
	}
	p.metrics.FanoutEventsTotal.WithLabelValues("batch_approved").Inc()

	for _, doc := range docs {
		p.try(ctx, "search", func(ctx context.Context) error {
			if p.index == nil {
				return nil
			}
			return p.index.Upsert(ctx, doc)
		})
		p.try(ctx, "realtime", func(ctx context.Context) error {
			if p.broadcaster == nil {
				return nil
			}
			return p.broadcaster.Emit(ctx, "document.approved", map[string]any{
				"id":       doc.ID,
				"kind":     doc.Kind,
				"title":    doc.Title,
				"groupKey": doc.GroupKey,
				"batchKey": doc.BatchKey,
			})
		})
	}

	if !firstApproval {
		return
	}

	lead := docs[0]
	p.try(ctx, "push", func(ctx context.Context) error {
		if p.notifier == nil {
			return nil
		}
		return p.notifier.PushToAll(ctx, "New content published", lead.Title)
	})
	p.try(ctx, "email", func(ctx context.Context) error {
		if p.notifier == nil || p.directory == nil {
			return nil
		}
		recipients, err := p.directory.ListSubscriberEmails(ctx)
		if err != nil {
			return fmt.Errorf("resolving subscribers: %w", err)
		}
		if len(recipients) == 0 {
			return nil
		}
		titles := make([]string, 0, len(docs))
		for _, doc := range docs {
			titles = append(titles, doc.Title)
		}
		html, err := notify.RenderPublicationEmail(notify.PublicationData{
			AppName: "Vellum",
			Titles:  titles,
		})
		if err != nil {
			return fmt.Errorf("rendering broadcast: %w", err)
		}
		subject := fmt.Sprintf("Published: %s", lead.Title)
		return p.notifier.EmailBroadcast(ctx, subject, html, recipients)
	})
}

// DocumentDemoted removes a superseded document from the search index and
// tells connected clients it is gone.
func (p *Publisher) DocumentDemoted(ctx context.Context, doc store.Document) {
	p.metrics.FanoutEventsTotal.WithLabelValues("document_demoted").Inc()
	p.try(ctx, "search", func(ctx context.Context) error {
		if p.index == nil {
			return nil
		}
		return p.index.Remove(ctx, doc.ID)
	})
	p.try(ctx, "realtime", func(ctx context.Context) error {
		if p.broadcaster == nil {
			return nil
		}
		return p.broadcaster.Emit(ctx, "document.demoted", map[string]any{
			"id":       doc.ID,
			"groupKey": doc.GroupKey,
		})
	})
}

// DocumentArchived hides a document from search while it sits in the
// archive.
func (p *Publisher) DocumentArchived(ctx context.Context, doc store.Document) {
	p.metrics.FanoutEventsTotal.WithLabelValues("document_archived").Inc()
	p.try(ctx, "search", func(ctx context.Context) error {
		if p.index == nil {
			return nil
		}
		return p.index.Remove(ctx, doc.ID)
	})
	p.try(ctx, "realtime", func(ctx context.Context) error {
		if p.broadcaster == nil {
			return nil
		}
		return p.broadcaster.Emit(ctx, "document.archived", map[string]any{"id": doc.ID})
	})
}

// DocumentRestored re-indexes a restored document if it came back in the
// approved state.
func (p *Publisher) DocumentRestored(ctx context.Context, doc store.Document) {
	p.metrics.FanoutEventsTotal.WithLabelValues("document_restored").Inc()
	if doc.Status == store.StatusApproved {
		p.try(ctx, "search", func(ctx context.Context) error {
			if p.index == nil {
				return nil
			}
			return p.index.Upsert(ctx, doc)
		})
	}
	p.try(ctx, "realtime", func(ctx context.Context) error {
		if p.broadcaster == nil {
			return nil
		}
		return p.broadcaster.Emit(ctx, "document.restored", map[string]any{"id": doc.ID})
	})
}

// DocumentPurged clears the last downstream traces of a purged document.
func (p *Publisher) DocumentPurged(ctx context.Context, doc store.Document) {
	p.metrics.FanoutEventsTotal.WithLabelValues("document_purged").Inc()
	p.try(ctx, "search", func(ctx context.Context) error {
		if p.index == nil {
			return nil
		}
		return p.index.Remove(ctx, doc.ID)
	})
	p.try(ctx, "realtime", func(ctx context.Context) error {
		if p.broadcaster == nil {
			return nil
		}
		return p.broadcaster.Emit(ctx, "document.purged", map[string]any{"id": doc.ID})
	})
}

func (p *Publisher) try(ctx context.Context, sink string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		p.metrics.FanoutFailuresTotal.WithLabelValues(sink).Inc()
		p.log.Error().Err(err).Str("sink", sink).Msg("fanout delivery failed")
	}
}
