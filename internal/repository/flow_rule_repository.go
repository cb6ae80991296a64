package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eoffice-suite/be-approvals/internal/apperr"
	"github.com/eoffice-suite/be-approvals/internal/database"
)

// FlowRuleRepository handles CRUD for approval_flow_rules.
type FlowRuleRepository struct {
	db *database.DB
}

// NewFlowRuleRepository creates a new FlowRuleRepository.
func NewFlowRuleRepository(db *database.DB) *FlowRuleRepository {
	return &FlowRuleRepository{db: db}
}

// Create inserts a new flow rule.
func (r *FlowRuleRepository) Create(ctx context.Context, rule *ApprovalFlowRule) error {
	if rule.FromLevel > rule.ToLevel {
		return apperr.InvalidInput("from_level", "must not exceed to_level")
	}

	rule.ID = uuid.NewString()
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	query := `
		INSERT INTO approval_flow_rules
		    (id, department_id, request_type, rule_name, is_active,
		     from_level, to_level, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(ctx, query,
		rule.ID,
		rule.DepartmentID,
		rule.RequestType,
		rule.RuleName,
		rule.IsActive,
		rule.FromLevel,
		rule.ToLevel,
		rule.Priority,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		return apperr.Wrap(err, "failed to create approval flow rule")
	}
	return nil
}

// GetByID retrieves a rule by primary key.
func (r *FlowRuleRepository) GetByID(ctx context.Context, id string) (*ApprovalFlowRule, error) {
	query := selectRule + ` WHERE id = $1`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("approval_flow_rule", id)
	}
	return rule, err
}

// List returns all rules for a department, optionally filtered to active only.
func (r *FlowRuleRepository) List(ctx context.Context, departmentID string, activeOnly bool) ([]*ApprovalFlowRule, error) {
	query := selectRule + ` WHERE department_id = $1`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY priority ASC, rule_name ASC"

	rows, err := r.db.Query(ctx, query, departmentID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list approval flow rules")
	}
	defer rows.Close()

	var rules []*ApprovalFlowRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to scan approval flow rule")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// FindActive returns the active rule for the exact (department, type) pair,
// lowest priority first. Returns nil (no error) when no rule is configured,
// which sends the resolver to the type's default chain.
func (r *FlowRuleRepository) FindActive(ctx context.Context, departmentID string, requestType RequestType) (*ApprovalFlowRule, error) {
	query := selectRule + `
		WHERE department_id = $1
		  AND request_type = $2
		  AND is_active = TRUE
		ORDER BY priority ASC
		LIMIT 1
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, departmentID, requestType))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, "failed to find approval flow rule")
	}
	return rule, nil
}

// Update persists changes to an existing rule.
func (r *FlowRuleRepository) Update(ctx context.Context, rule *ApprovalFlowRule) error {
	if rule.FromLevel > rule.ToLevel {
		return apperr.InvalidInput("from_level", "must not exceed to_level")
	}

	query := `
		UPDATE approval_flow_rules
		SET rule_name  = $2,
		    is_active  = $3,
		    from_level = $4,
		    to_level   = $5,
		    priority   = $6,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.ID,
		rule.RuleName,
		rule.IsActive,
		rule.FromLevel,
		rule.ToLevel,
		rule.Priority,
	).Scan(&rule.UpdatedAt)

	if err == pgx.ErrNoRows {
		return apperr.NotFound("approval_flow_rule", rule.ID)
	}
	if err != nil {
		return apperr.Wrap(err, "failed to update approval flow rule")
	}
	return nil
}

// Delete removes an approval flow rule. In-flight requests are unaffected:
// their chains were snapshotted at submission.
func (r *FlowRuleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_flow_rules WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, "failed to delete approval flow rule")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("approval_flow_rule", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectRule = `
	SELECT id, department_id, request_type, rule_name, is_active,
	       from_level, to_level, priority, created_at, updated_at
	FROM approval_flow_rules
`

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *FlowRuleRepository) scanRule(row ruleScanner) (*ApprovalFlowRule, error) {
	rule := &ApprovalFlowRule{}
	err := row.Scan(
		&rule.ID,
		&rule.DepartmentID,
		&rule.RequestType,
		&rule.RuleName,
		&rule.IsActive,
		&rule.FromLevel,
		&rule.ToLevel,
		&rule.Priority,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rule, nil
}
