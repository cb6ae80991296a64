package repository

import "time"

// ── Domain types for the approval engine ─────────────────────────────────────

// RequestType identifies the feature that owns a request's payload. The set
// is open: unknown types route through the default chain and a generic code
// prefix, so new features need no schema change here.
type RequestType string

const (
	TypeLeaveRequest      RequestType = "leave_request"
	TypeMemoNotification  RequestType = "memo_notification"
	TypeFormIT            RequestType = "form_it"
	TypePurchase          RequestType = "purchase"
	TypeTimekeeping       RequestType = "timekeeping"
	TypeSAP               RequestType = "sap"
	TypeInternalMemoHR    RequestType = "internal_memo_hr"
	TypeResignationLetter RequestType = "resignation_letter"
	TypeTerminationLetter RequestType = "termination_letter"
	TypeVote              RequestType = "vote"
)

// codePrefixes maps request types to the human-readable code prefix issued at
// creation. Unknown types fall back to "REQ".
var codePrefixes = map[RequestType]string{
	TypeLeaveRequest:      "LR",
	TypeMemoNotification:  "MN",
	TypeFormIT:            "IT",
	TypePurchase:          "PU",
	TypeTimekeeping:       "TK",
	TypeSAP:               "SAP",
	TypeInternalMemoHR:    "HR",
	TypeResignationLetter: "RS",
	TypeTerminationLetter: "TM",
	TypeVote:              "VT",
}

// CodePrefix returns the code prefix for the type.
func (t RequestType) CodePrefix() string {
	if p, ok := codePrefixes[t]; ok {
		return p
	}
	return "REQ"
}

// RequestStatus is the lifecycle status of a request envelope.
type RequestStatus string

const (
	StatusPending       RequestStatus = "pending"
	StatusInProcess     RequestStatus = "in_process"
	StatusAssigned      RequestStatus = "assigned"
	StatusFinalApproval RequestStatus = "final_approval"
	StatusCompleted     RequestStatus = "completed"
	StatusReject        RequestStatus = "reject"
	StatusWaitConfirm   RequestStatus = "wait_confirm"
	StatusWaitQuote     RequestStatus = "wait_quote"
)

var validStatuses = map[RequestStatus]bool{
	StatusPending:       true,
	StatusInProcess:     true,
	StatusAssigned:      true,
	StatusFinalApproval: true,
	StatusCompleted:     true,
	StatusReject:        true,
	StatusWaitConfirm:   true,
	StatusWaitQuote:     true,
}

var terminalStatuses = map[RequestStatus]bool{
	StatusCompleted: true,
	StatusReject:    true,
}

// actionableStatuses are the states in which a request sits in an approver's
// queue and counts toward their pending badge.
var actionableStatuses = map[RequestStatus]bool{
	StatusPending:       true,
	StatusAssigned:      true,
	StatusInProcess:     true,
	StatusFinalApproval: true,
}

// IsValid reports whether s is a known status.
func (s RequestStatus) IsValid() bool { return validStatuses[s] }

// IsTerminal reports whether s permits no further transitions.
func (s RequestStatus) IsTerminal() bool { return terminalStatuses[s] }

// IsActionable reports whether a request in s awaits an approver decision.
func (s RequestStatus) IsActionable() bool { return actionableStatuses[s] }

// IsParked reports whether s is a purchasing side-state awaiting external
// input before the chain resumes.
func (s RequestStatus) IsParked() bool {
	return s == StatusWaitConfirm || s == StatusWaitQuote
}

// ActionableStatuses returns the actionable status set in a stable order,
// for SQL "status = ANY(...)" filters.
func ActionableStatuses() []RequestStatus {
	return []RequestStatus{StatusPending, StatusAssigned, StatusInProcess, StatusFinalApproval}
}

// HistoryAction is the kind of a ledger entry.
type HistoryAction string

const (
	ActionCreated HistoryAction = "created"
	ActionApprove HistoryAction = "approve"
	ActionReject  HistoryAction = "reject"
	ActionAssign  HistoryAction = "assign"
	ActionConfirm HistoryAction = "confirm"
	ActionQuote   HistoryAction = "quote"
	// ActionSkip records a vacant position bypassed during assignment. Written
	// with the system actor, never by a user.
	ActionSkip HistoryAction = "skip"
)

// SystemActor is the actor code recorded on engine-generated entries such as
// vacant-position skips.
const SystemActor = "system"

// ChainStep is one snapshotted step of a resolved approval chain. Chains are
// resolved once at submission and stored on the envelope; later org changes
// never alter who must approve an in-flight request.
type ChainStep struct {
	Index         int    `json:"index"`
	OrgPositionID string `json:"org_position_id"`
	PositionLevel int    `json:"position_level"`
	PositionTitle string `json:"position_title,omitempty"`
}

// RequestEnvelope is the generic, type-agnostic record the engine owns for
// every submitted request. Feature payloads live in feature-owned tables and
// are referenced by id only.
type RequestEnvelope struct {
	ID                 string        `json:"id"`
	Code               string        `json:"code"` // issued once at creation, immutable
	RequestType        RequestType   `json:"request_type"`
	DepartmentID       string        `json:"department_id"`
	RequesterUserCode  string        `json:"requester_user_code"`
	CreatedByUserCode  string        `json:"created_by_user_code"`
	Status             RequestStatus `json:"status"`
	ChainPosition      int           `json:"chain_position"` // -1 before first assignment
	AssigneePositionID *string       `json:"assignee_position_id,omitempty"`
	Chain              []ChainStep   `json:"chain"`
	Version            int64         `json:"version"` // optimistic concurrency stamp
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// CurrentStep returns the chain step at the envelope's pointer, or nil when
// the pointer is before the first step or past the end.
func (e *RequestEnvelope) CurrentStep() *ChainStep {
	if e.ChainPosition < 0 || e.ChainPosition >= len(e.Chain) {
		return nil
	}
	return &e.Chain[e.ChainPosition]
}

// ApprovalFlowRule configures a custom approval chain for one department and
// request type as a sequential range of org-position levels.
type ApprovalFlowRule struct {
	ID           string      `json:"id"`
	DepartmentID string      `json:"department_id"`
	RequestType  RequestType `json:"request_type"`
	RuleName     string      `json:"rule_name"`
	IsActive     bool        `json:"is_active"`
	FromLevel    int         `json:"from_level"`
	ToLevel      int         `json:"to_level"`
	Priority     int         `json:"priority"` // lower = evaluated first
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// HistoryEntry is one immutable record in the approval ledger.
type HistoryEntry struct {
	ID             string         `json:"id"`
	RequestID      string         `json:"request_id"`
	SequenceNumber int            `json:"sequence_number"` // strictly increasing per request, from 1
	ActorUserCode  string         `json:"actor_user_code"`
	Action         HistoryAction  `json:"action"`
	Comment        *string        `json:"comment,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// OrgPosition is a role within a department's hierarchy, served by the org
// directory. A position may be held by zero or more users; a holder-less
// position is vacant and skipped at assignment time.
type OrgPosition struct {
	ID           string `json:"id"`
	DepartmentID string `json:"department_id"`
	Level        int    `json:"level"` // ascending seniority
	Title        string `json:"title"`
}
