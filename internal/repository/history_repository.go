package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eoffice-suite/be-approvals/internal/apperr"
	"github.com/eoffice-suite/be-approvals/internal/database"
)

// HistoryRepository appends and reads the immutable approval ledger. Entries
// are never updated or deleted; AppendTx is the only mutation and is always
// invoked inside the same transaction as the envelope transition it records,
// so sequence numbers stay gapless.
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// HistoryFilter narrows ListProcessedByUser results. All set fields combine
// with AND semantics.
type HistoryFilter struct {
	RequestType  *RequestType
	DepartmentID *string
	Status       *RequestStatus // current envelope status
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
}

// AppendTx inserts one ledger entry within tx, assigning the next sequence
// number for the request.
func (r *HistoryRepository) AppendTx(ctx context.Context, tx pgx.Tx, entry *HistoryEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperr.Wrap(err, "failed to marshal history metadata")
		}
	}

	entry.ID = uuid.NewString()
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO approval_history
		    (id, request_id, sequence_number, actor_user_code,
		     action, comment, metadata, occurred_at)
		VALUES ($1, $2,
		        (SELECT COALESCE(MAX(sequence_number), 0) + 1
		         FROM approval_history WHERE request_id = $2),
		        $3, $4, $5, $6, $7)
		RETURNING sequence_number
	`

	err := tx.QueryRow(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.ActorUserCode,
		entry.Action,
		entry.Comment,
		metadataJSON,
		entry.OccurredAt,
	).Scan(&entry.SequenceNumber)
	if err != nil {
		return apperr.Wrap(err, "failed to append history entry")
	}
	return nil
}

// ListForRequest returns the full ledger for a request ordered by sequence.
func (r *HistoryRepository) ListForRequest(ctx context.Context, requestID string) ([]*HistoryEntry, error) {
	query := selectHistory + `
		WHERE request_id = $1
		ORDER BY sequence_number ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list history entries")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListProcessedByUser returns ledger entries recorded by a user, filtered and
// paginated, newest first. Envelope attributes (type, department, current
// status) come from a join on approval_requests.
func (r *HistoryRepository) ListProcessedByUser(ctx context.Context, userCode string, f HistoryFilter) ([]*HistoryEntry, int64, error) {
	base := `
		FROM approval_history h
		JOIN approval_requests q ON q.id = h.request_id
		WHERE h.actor_user_code = $1
	`

	args := []any{userCode}
	argCount := 2

	if f.RequestType != nil {
		base += fmt.Sprintf(" AND q.request_type = $%d", argCount)
		args = append(args, *f.RequestType)
		argCount++
	}
	if f.DepartmentID != nil {
		base += fmt.Sprintf(" AND q.department_id = $%d", argCount)
		args = append(args, *f.DepartmentID)
		argCount++
	}
	if f.Status != nil {
		base += fmt.Sprintf(" AND q.status = $%d", argCount)
		args = append(args, *f.Status)
		argCount++
	}
	if f.From != nil {
		base += fmt.Sprintf(" AND h.occurred_at >= $%d", argCount)
		args = append(args, *f.From)
		argCount++
	}
	if f.To != nil {
		base += fmt.Sprintf(" AND h.occurred_at <= $%d", argCount)
		args = append(args, *f.To)
		argCount++
	}

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) "+base, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Wrap(err, "failed to count history entries")
	}

	query := `
		SELECT h.id, h.request_id, h.sequence_number, h.actor_user_code,
		       h.action, h.comment, h.metadata, h.occurred_at
	` + base + `
		ORDER BY h.occurred_at DESC, h.sequence_number DESC
	` + fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperr.Wrap(err, "failed to list processed history")
	}
	defer rows.Close()

	entries, err := r.scanRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectHistory = `
	SELECT id, request_id, sequence_number, actor_user_code,
	       action, comment, metadata, occurred_at
	FROM approval_history
`

func (r *HistoryRepository) scanRows(rows pgx.Rows) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	for rows.Next() {
		entry := &HistoryEntry{}
		var metadataJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.SequenceNumber,
			&entry.ActorUserCode,
			&entry.Action,
			&entry.Comment,
			&metadataJSON,
			&entry.OccurredAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to scan history entry")
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, apperr.Wrap(err, "failed to unmarshal history metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
