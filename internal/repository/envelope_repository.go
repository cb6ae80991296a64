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

// EnvelopeRepository persists request envelopes together with their
// snapshotted approval chains. Every state transition is written with its
// ledger entries in one transaction, guarded by the envelope's optimistic
// version stamp: the loser of a concurrent race gets ConcurrentModification
// and the row is left untouched.
type EnvelopeRepository struct {
	db      *database.DB
	history *HistoryRepository
}

// NewEnvelopeRepository creates a new EnvelopeRepository.
func NewEnvelopeRepository(db *database.DB, history *HistoryRepository) *EnvelopeRepository {
	return &EnvelopeRepository{db: db, history: history}
}

// EnvelopeFilter narrows envelope listings. All set fields combine with AND
// semantics.
type EnvelopeFilter struct {
	RequestType  *RequestType
	DepartmentID *string
	Status       *RequestStatus
	Page         int
	PageSize     int
}

// Create inserts the envelope, issues its code from the request-code
// sequence, and appends the creation ledger entry, all in one transaction.
// The code is assigned exactly once here and never mutated.
func (r *EnvelopeRepository) Create(ctx context.Context, env *RequestEnvelope, created *HistoryEntry) error {
	chainJSON, err := json.Marshal(env.Chain)
	if err != nil {
		return apperr.Wrap(err, "failed to marshal chain snapshot")
	}

	env.ID = uuid.NewString()
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now
	env.Version = 1

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var seq int64
		if err := tx.QueryRow(ctx, `SELECT nextval('approval_request_code_seq')`).Scan(&seq); err != nil {
			return apperr.Wrap(err, "failed to issue request code")
		}
		env.Code = fmt.Sprintf("%s-%06d", env.RequestType.CodePrefix(), seq)

		query := `
			INSERT INTO approval_requests
			    (id, code, request_type, department_id,
			     requester_user_code, created_by_user_code,
			     status, chain_position, assignee_position_id,
			     chain, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`

		_, err := tx.Exec(ctx, query,
			env.ID,
			env.Code,
			env.RequestType,
			env.DepartmentID,
			env.RequesterUserCode,
			env.CreatedByUserCode,
			env.Status,
			env.ChainPosition,
			env.AssigneePositionID,
			chainJSON,
			env.Version,
			env.CreatedAt,
			env.UpdatedAt,
		)
		if err != nil {
			return apperr.Wrap(err, "failed to create request envelope")
		}

		created.RequestID = env.ID
		return r.history.AppendTx(ctx, tx, created)
	})
}

// GetByID retrieves an envelope with its chain snapshot.
func (r *EnvelopeRepository) GetByID(ctx context.Context, id string) (*RequestEnvelope, error) {
	env, err := r.scanEnvelope(r.db.QueryRow(ctx, selectEnvelope+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get request envelope")
	}
	return env, nil
}

// GetByCode retrieves an envelope by its human-readable code.
func (r *EnvelopeRepository) GetByCode(ctx context.Context, code string) (*RequestEnvelope, error) {
	env, err := r.scanEnvelope(r.db.QueryRow(ctx, selectEnvelope+` WHERE code = $1`, code))
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("approval_request", code)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get request envelope")
	}
	return env, nil
}

// ApplyTransition writes the envelope's new status, chain pointer and
// assignee plus the ledger entries describing the transition, in one
// transaction. The update is compare-and-swapped on env.Version; on success
// the in-memory envelope's version and timestamp are refreshed.
func (r *EnvelopeRepository) ApplyTransition(ctx context.Context, env *RequestEnvelope, entries []*HistoryEntry) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_requests
			SET status               = $3,
			    chain_position       = $4,
			    assignee_position_id = $5,
			    version              = version + 1,
			    updated_at           = NOW()
			WHERE id = $1 AND version = $2
		`

		tag, err := tx.Exec(ctx, query,
			env.ID,
			env.Version,
			env.Status,
			env.ChainPosition,
			env.AssigneePositionID,
		)
		if err != nil {
			return apperr.Wrap(err, "failed to update request envelope")
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM approval_requests WHERE id = $1)`, env.ID,
			).Scan(&exists); err != nil {
				return apperr.Wrap(err, "failed to check request existence")
			}
			if !exists {
				return apperr.NotFound("approval_request", env.ID)
			}
			return apperr.ConcurrentModification(env.ID)
		}

		for _, entry := range entries {
			entry.RequestID = env.ID
			if err := r.history.AppendTx(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	env.Version++
	env.UpdatedAt = time.Now().UTC()
	return nil
}

// ListPendingForPositions returns envelopes awaiting action by any of the
// given org positions, filtered and paginated, oldest first.
func (r *EnvelopeRepository) ListPendingForPositions(ctx context.Context, positionIDs []string, f EnvelopeFilter) ([]*RequestEnvelope, int64, error) {
	if len(positionIDs) == 0 {
		return []*RequestEnvelope{}, 0, nil
	}

	where := `
		WHERE assignee_position_id = ANY($1)
		  AND status = ANY($2)
	`
	args := []any{positionIDs, statusStrings(ActionableStatuses())}
	argCount := 3

	where, args, argCount = appendEnvelopeFilters(where, args, argCount, f)

	return r.listEnvelopes(ctx, where, args, argCount, f, "created_at ASC")
}

// ListByRequester returns a requester's own envelopes, newest first.
func (r *EnvelopeRepository) ListByRequester(ctx context.Context, userCode string, f EnvelopeFilter) ([]*RequestEnvelope, int64, error) {
	where := ` WHERE requester_user_code = $1`
	args := []any{userCode}
	argCount := 2

	where, args, argCount = appendEnvelopeFilters(where, args, argCount, f)

	return r.listEnvelopes(ctx, where, args, argCount, f, "created_at DESC")
}

// CountPendingForPositions counts envelopes awaiting action by any of the
// given org positions.
func (r *EnvelopeRepository) CountPendingForPositions(ctx context.Context, positionIDs []string) (int64, error) {
	if len(positionIDs) == 0 {
		return 0, nil
	}

	query := `
		SELECT COUNT(*)
		FROM approval_requests
		WHERE assignee_position_id = ANY($1)
		  AND status = ANY($2)
	`

	var n int64
	err := r.db.QueryRow(ctx, query, positionIDs, statusStrings(ActionableStatuses())).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(err, "failed to count pending requests")
	}
	return n, nil
}

// ── query building and scan helpers ──────────────────────────────────────────

const selectEnvelope = `
	SELECT id, code, request_type, department_id,
	       requester_user_code, created_by_user_code,
	       status, chain_position, assignee_position_id,
	       chain, version, created_at, updated_at
	FROM approval_requests
`

func appendEnvelopeFilters(where string, args []any, argCount int, f EnvelopeFilter) (string, []any, int) {
	if f.RequestType != nil {
		where += fmt.Sprintf(" AND request_type = $%d", argCount)
		args = append(args, *f.RequestType)
		argCount++
	}
	if f.DepartmentID != nil {
		where += fmt.Sprintf(" AND department_id = $%d", argCount)
		args = append(args, *f.DepartmentID)
		argCount++
	}
	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, *f.Status)
		argCount++
	}
	return where, args, argCount
}

func (r *EnvelopeRepository) listEnvelopes(ctx context.Context, where string, args []any, argCount int, f EnvelopeFilter, order string) ([]*RequestEnvelope, int64, error) {
	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM approval_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Wrap(err, "failed to count request envelopes")
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 {
		pageSize = 50
	}

	query := selectEnvelope + where +
		" ORDER BY " + order +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperr.Wrap(err, "failed to list request envelopes")
	}
	defer rows.Close()

	envelopes := make([]*RequestEnvelope, 0)
	for rows.Next() {
		env, err := r.scanEnvelope(rows)
		if err != nil {
			return nil, 0, apperr.Wrap(err, "failed to scan request envelope")
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, total, nil
}

type envelopeScanner interface {
	Scan(dest ...any) error
}

func (r *EnvelopeRepository) scanEnvelope(row envelopeScanner) (*RequestEnvelope, error) {
	env := &RequestEnvelope{}
	var chainJSON []byte

	err := row.Scan(
		&env.ID,
		&env.Code,
		&env.RequestType,
		&env.DepartmentID,
		&env.RequesterUserCode,
		&env.CreatedByUserCode,
		&env.Status,
		&env.ChainPosition,
		&env.AssigneePositionID,
		&chainJSON,
		&env.Version,
		&env.CreatedAt,
		&env.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(chainJSON, &env.Chain); err != nil {
		return nil, apperr.Wrap(err, "failed to unmarshal chain snapshot")
	}
	return env, nil
}

func statusStrings(statuses []RequestStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
