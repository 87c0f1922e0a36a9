package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: document not found")

// PostgresStore is the primary store. Every lease, version and status
// mutation is a single conditional UPDATE so that concurrent callers are
// resolved by the database, not by application locks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const documentColumns = `
	id, kind, title, content, status, version, group_key, batch_key,
	lease_holder, lease_started_at, archived, archived_at, artifact_key,
	created_by, updated_by, created_at, updated_at
`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	err := row.Scan(
		&doc.ID,
		&doc.Kind,
		&doc.Title,
		&doc.Content,
		&doc.Status,
		&doc.Version,
		&doc.GroupKey,
		&doc.BatchKey,
		&doc.LeaseHolder,
		&doc.LeaseStartedAt,
		&doc.Archived,
		&doc.ArchivedAt,
		&doc.ArtifactKey,
		&doc.CreatedBy,
		&doc.UpdatedBy,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	return doc, err
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, kind, title, content, status, version, group_key, batch_key, artifact_key, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9, $9)
	`, doc.ID, doc.Kind, doc.Title, doc.Content, StatusDraft, doc.GroupKey, doc.BatchKey, doc.ArtifactKey, doc.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, filter ListFilter) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE 1=1`
	args := make([]any, 0, 4)
	if !filter.IncludeArchived {
		query += ` AND archived = FALSE`
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += ` AND kind = $` + strconv.Itoa(len(args))
	}
	if filter.GroupKey != "" {
		args = append(args, filter.GroupKey)
		query += ` AND group_key = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// AcquireLease grants the edit lease to userID when the document is
// unleased, already held by userID (re-grant refreshes the start time), or
// held by a lease older than reclaimAfter. The grant is one conditional
// UPDATE; a concurrent acquire on the same document loses the race inside
// the database, never in application code.
func (s *PostgresStore) AcquireLease(ctx context.Context, documentID, userID string, reclaimAfter time.Duration) (LeaseGrant, error) {
	// The self-join exposes the pre-update holder, so callers can tell a
	// fresh grant from a reclaim.
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents d
		SET lease_holder=$2, lease_started_at=NOW()
		FROM documents prev
		WHERE prev.id=d.id AND d.id=$1
		  AND (d.lease_holder IS NULL
		       OR d.lease_holder=$2
		       OR d.lease_started_at < NOW() - make_interval(secs => $3))
		RETURNING d.lease_started_at, prev.lease_holder
	`, documentID, userID, reclaimAfter.Seconds())

	var startedAt time.Time
	var prevHolder sql.NullString
	err := row.Scan(&startedAt, &prevHolder)
	if err == nil {
		grant := LeaseGrant{Granted: true, Holder: userID, StartedAt: startedAt}
		if prevHolder.Valid && prevHolder.String != userID {
			grant.Reclaimed = true
		}
		return grant, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return LeaseGrant{}, fmt.Errorf("acquire lease: %w", err)
	}

	// Denied or document missing; report the active holder. The holder can
	// change between the UPDATE and this read, which only affects the
	// feedback shown to the caller.
	var holder sql.NullString
	var leaseStarted sql.NullTime
	var now time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT lease_holder, lease_started_at, NOW() FROM documents WHERE id=$1
	`, documentID).Scan(&holder, &leaseStarted, &now)
	if errors.Is(err, sql.ErrNoRows) {
		return LeaseGrant{}, ErrNotFound
	}
	if err != nil {
		return LeaseGrant{}, fmt.Errorf("read lease state: %w", err)
	}
	grant := LeaseGrant{Granted: false, Holder: holder.String}
	if leaseStarted.Valid {
		grant.StartedAt = leaseStarted.Time
		grant.Age = now.Sub(leaseStarted.Time)
	}
	return grant, nil
}

// ReleaseLease clears the lease only when userID is the current holder.
// A release by anyone else is a no-op, reported via the bool.
func (s *PostgresStore) ReleaseLease(ctx context.Context, documentID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET lease_holder=NULL, lease_started_at=NULL
		WHERE id=$1 AND lease_holder=$2
	`, documentID, userID)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lease rows: %w", err)
	}
	return affected > 0, nil
}

// SweepLeases clears every lease older than maxAge. The age condition sits
// inside the UPDATE, so a lease renewed between the sweeper's tick and this
// statement is left alone.
func (s *PostgresStore) SweepLeases(ctx context.Context, maxAge time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET lease_holder=NULL, lease_started_at=NULL
		WHERE lease_holder IS NOT NULL
		  AND lease_started_at < NOW() - make_interval(secs => $1)
	`, maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("sweep leases: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep leases rows: %w", err)
	}
	return affected, nil
}

// UpdateContentIfCurrent commits a content edit when expectedVersion still
// matches and holder still owns the lease. Content write, version bump and
// lease clear are one all-or-nothing statement. Returns the new version.
func (s *PostgresStore) UpdateContentIfCurrent(ctx context.Context, documentID string, expectedVersion int64, holder, title, content string) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET title=$4, content=$5, version=version+1,
		    lease_holder=NULL, lease_started_at=NULL,
		    updated_by=$3, updated_at=NOW()
		WHERE id=$1 AND version=$2 AND lease_holder=$3 AND archived=FALSE
		RETURNING version
	`, documentID, expectedVersion, holder, title, content)

	var newVersion int64
	err := row.Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("update content: %w", err)
	}
	return newVersion, true, nil
}

// SubmitPending moves an author's draft or rejected document to pending.
// Author identity, status, version and lease are all conditions of the
// same write; the lease is consumed by the submission.
func (s *PostgresStore) SubmitPending(ctx context.Context, documentID, author string, expectedVersion int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status=$4, version=version+1,
		    lease_holder=NULL, lease_started_at=NULL,
		    updated_by=$2, updated_at=NOW()
		WHERE id=$1 AND created_by=$2 AND version=$3
		  AND lease_holder=$2
		  AND status IN ($5, $6) AND archived=FALSE
	`, documentID, author, expectedVersion, StatusPending, StatusDraft, StatusRejected)
	if err != nil {
		return false, fmt.Errorf("submit document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("submit document rows: %w", err)
	}
	return affected > 0, nil
}

// TransitionStatus conditionally moves a document from one of the given
// statuses to another, bumping the version. Used by approve, reject and
// group supersession; each call is one independent conditional write.
func (s *PostgresStore) TransitionStatus(ctx context.Context, documentID string, from []string, to, actor string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status=$3, version=version+1, updated_by=$4, updated_at=NOW()
		WHERE id=$1 AND status = ANY($2) AND archived=FALSE
	`, documentID, from, to, actor)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition status rows: %w", err)
	}
	return affected > 0, nil
}

// SetArchived flips the archive flag. Archiving an archived document (or
// restoring a live one) affects zero rows.
func (s *PostgresStore) SetArchived(ctx context.Context, documentID string, archived bool, actor string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET archived=$2,
		    archived_at=CASE WHEN $2 THEN NOW() ELSE NULL END,
		    version=version+1, updated_by=$3, updated_at=NOW()
		WHERE id=$1 AND archived = NOT $2
	`, documentID, archived, actor)
	if err != nil {
		return false, fmt.Errorf("set archived: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set archived rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteArchived hard-deletes a document, but only while it is archived.
func (s *PostgresStore) DeleteArchived(ctx context.Context, documentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1 AND archived=TRUE`, documentID)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete document rows: %w", err)
	}
	return affected > 0, nil
}

// ListBatch returns the documents of one upload batch, optionally narrowed
// to a status.
func (s *PostgresStore) ListBatch(ctx context.Context, batchKey, status string) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE batch_key=$1 AND archived=FALSE`
	args := []any{batchKey}
	if status != "" {
		args = append(args, status)
		query += ` AND status=$2`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batch: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch: %w", err)
	}
	return items, nil
}

// ListGroupApproved returns approved documents in a supersession group,
// excluding one batch (the batch currently being approved).
func (s *PostgresStore) ListGroupApproved(ctx context.Context, groupKey, excludeBatchKey string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE group_key=$1 AND status=$2 AND batch_key <> $3
	`, groupKey, StatusApproved, excludeBatchKey)
	if err != nil {
		return nil, fmt.Errorf("list group approved: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group: %w", err)
	}
	return items, nil
}

// CountBatchApproved reports how many documents of a batch are approved.
func (s *PostgresStore) CountBatchApproved(ctx context.Context, batchKey string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents WHERE batch_key=$1 AND status=$2
	`, batchKey, StatusApproved).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count batch approved: %w", err)
	}
	return count, nil
}

// AppendAudit records one audit log row.
func (s *PostgresStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (actor_id, action, document_id, description, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, event.ActorID, event.Action, event.DocumentID, event.Description, string(payload))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail for a document, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, documentID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, action, document_id, description, metadata, created_at
		FROM audit_events
		WHERE document_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var event AuditEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.ActorID, &event.Action, &event.DocumentID, &event.Description, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return items, nil
}
