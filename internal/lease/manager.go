// Package lease provides time-bounded single-writer coordination for
// governed documents. A lease is two nullable fields on the document row,
// mutated exclusively through the store's conditional-update primitive.
package lease

import (
	"context"
	"strings"
	"time"

	"vellum/api/internal/engine"
	"vellum/api/internal/logger"
	"vellum/api/internal/metrics"
	"vellum/api/internal/store"
)

// Store is the slice of the primary store the lease manager needs. Each
// method is a single atomic conditional write.
type Store interface {
	AcquireLease(ctx context.Context, documentID, userID string, reclaimAfter time.Duration) (store.LeaseGrant, error)
	ReleaseLease(ctx context.Context, documentID, userID string) (bool, error)
	SweepLeases(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Manager grants, releases and reclaims edit leases.
type Manager struct {
	store   Store
	ttl     time.Duration
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewManager(st Store, ttl time.Duration, log *logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   st,
		ttl:     ttl,
		log:     log.Component("lease"),
		metrics: m,
	}
}

// Acquire attempts to take the edit lease on a document. A denial is not
// an error: the grant carries the active holder and lease age so the
// caller can present "X is editing" feedback.
func (m *Manager) Acquire(ctx context.Context, documentID, userID string) (store.LeaseGrant, error) {
	if strings.TrimSpace(documentID) == "" {
		return store.LeaseGrant{}, &engine.ValidationError{Field: "documentId", Reason: "required"}
	}
	if strings.TrimSpace(userID) == "" {
		return store.LeaseGrant{}, &engine.ValidationError{Field: "userId", Reason: "required"}
	}

	grant, err := m.store.AcquireLease(ctx, documentID, userID, m.ttl)
	if err != nil {
		return store.LeaseGrant{}, err
	}
	if grant.Granted {
		m.metrics.LeaseGrantsTotal.Inc()
		if grant.Reclaimed {
			m.metrics.LeaseReclaimsTotal.Inc()
			m.log.Info().
				Str("document_id", documentID).
				Str("user_id", userID).
				Msg("expired lease reclaimed")
		}
	} else {
		m.metrics.LeaseDenialsTotal.Inc()
	}
	return grant, nil
}

// Release clears the lease if userID holds it; anyone else's release is a
// no-op so an unrelated user cannot clear another's editing session.
func (m *Manager) Release(ctx context.Context, documentID, userID string) (bool, error) {
	if strings.TrimSpace(documentID) == "" {
		return false, &engine.ValidationError{Field: "documentId", Reason: "required"}
	}
	if strings.TrimSpace(userID) == "" {
		return false, &engine.ValidationError{Field: "userId", Reason: "required"}
	}
	return m.store.ReleaseLease(ctx, documentID, userID)
}

// TTL returns the reclaim TTL applied on acquire.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Sweeper clears abandoned leases on a fixed interval, independently of
// on-demand acquires. The age condition lives inside the store's
// conditional write, so a lease renewed between tick and statement
// survives.
type Sweeper struct {
	store   Store
	every   time.Duration
	maxAge  time.Duration
	log     *logger.Logger
	metrics *metrics.Metrics
	done    chan struct{}
}

func NewSweeper(st Store, every, maxAge time.Duration, log *logger.Logger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		store:   st,
		every:   every,
		maxAge:  maxAge,
		log:     log.Component("lease-sweeper"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Start runs the sweep loop until Close is called.
func (s *Sweeper) Start() {
	go s.loop()
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cleared, err := s.store.SweepLeases(ctx, s.maxAge)
	if err != nil {
		s.log.Error().Err(err).Msg("lease sweep failed")
		return
	}
	if cleared > 0 {
		s.metrics.LeasesSweptTotal.Add(float64(cleared))
		s.log.Info().Int64("cleared", cleared).Msg("abandoned leases cleared")
	}
}

// Close stops the sweep loop.
func (s *Sweeper) Close() {
	close(s.done)
}
