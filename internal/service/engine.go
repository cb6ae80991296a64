package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/eoffice-suite/be-approvals/internal/apperr"
	"github.com/eoffice-suite/be-approvals/internal/repository"
)

// EnvelopeStore persists request envelopes and their transitions.
type EnvelopeStore interface {
	Create(ctx context.Context, env *repository.RequestEnvelope, created *repository.HistoryEntry) error
	GetByID(ctx context.Context, id string) (*repository.RequestEnvelope, error)
	GetByCode(ctx context.Context, code string) (*repository.RequestEnvelope, error)
	ApplyTransition(ctx context.Context, env *repository.RequestEnvelope, entries []*repository.HistoryEntry) error
	ListPendingForPositions(ctx context.Context, positionIDs []string, f repository.EnvelopeFilter) ([]*repository.RequestEnvelope, int64, error)
	ListByRequester(ctx context.Context, userCode string, f repository.EnvelopeFilter) ([]*repository.RequestEnvelope, int64, error)
	CountPendingForPositions(ctx context.Context, positionIDs []string) (int64, error)
}

// HistoryStore reads the approval ledger.
type HistoryStore interface {
	ListForRequest(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error)
	ListProcessedByUser(ctx context.Context, userCode string, f repository.HistoryFilter) ([]*repository.HistoryEntry, int64, error)
}

// Notifier publishes approval events. Implementations must be fire-and-forget:
// a failed publish is logged by the implementation and never surfaces here.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType string, env *repository.RequestEnvelope, actorUserCode string, recipients []string, payload map[string]any)
}

// Decision is an approver's verdict on the current step.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Notification event types.
const (
	EventAssigned    = "request_assigned"
	EventCompleted   = "request_completed"
	EventRejected    = "request_rejected"
	EventCancelled   = "request_cancelled"
	EventWaitConfirm = "request_wait_confirm"
	EventWaitQuote   = "request_wait_quote"
	EventResumed     = "request_resumed"
)

// AssignmentEngine owns every state transition of a request envelope: it
// assigns the next approver, validates actors, applies approve/reject and the
// purchasing side-states, and records exactly one ledger entry per accepted
// action (plus Skip entries for vacant positions). All writes go through the
// store's optimistic version check, so concurrent actions on one request are
// serialized and the loser fails with ConcurrentModification.
type AssignmentEngine struct {
	envelopes EnvelopeStore
	history   HistoryStore
	resolver  *FlowResolver
	directory DirectoryClient
	counters  *QueueCounters
	notifier  Notifier
	log       zerolog.Logger
}

// NewAssignmentEngine creates a new AssignmentEngine. notifier may be nil
// when notifications are disabled.
func NewAssignmentEngine(
	envelopes EnvelopeStore,
	history HistoryStore,
	resolver *FlowResolver,
	directory DirectoryClient,
	counters *QueueCounters,
	notifier Notifier,
	log zerolog.Logger,
) *AssignmentEngine {
	return &AssignmentEngine{
		envelopes: envelopes,
		history:   history,
		resolver:  resolver,
		directory: directory,
		counters:  counters,
		notifier:  notifier,
		log:       log,
	}
}

// SubmitRequest is the generic envelope a feature submits for approval. The
// feature keeps its payload in its own tables and references the returned
// id/code.
type SubmitRequest struct {
	RequestType       repository.RequestType
	DepartmentID      string
	RequesterUserCode string
	CreatedByUserCode string // defaults to the requester
	Comment           string
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit resolves the approval chain, creates the envelope in Pending with
// the chain snapshotted, logs Created, and assigns the first step. A request
// is never created without a resolvable chain.
func (e *AssignmentEngine) Submit(ctx context.Context, req SubmitRequest) (*repository.RequestEnvelope, error) {
	if req.RequestType == "" {
		return nil, apperr.InvalidInput("request_type", "is required")
	}
	if req.DepartmentID == "" {
		return nil, apperr.InvalidInput("department_id", "is required")
	}
	if req.RequesterUserCode == "" {
		return nil, apperr.InvalidInput("requester_user_code", "is required")
	}
	if req.CreatedByUserCode == "" {
		req.CreatedByUserCode = req.RequesterUserCode
	}

	chain, err := e.resolver.ResolveChain(ctx, req.DepartmentID, req.RequestType)
	if err != nil {
		return nil, err
	}

	env := &repository.RequestEnvelope{
		RequestType:       req.RequestType,
		DepartmentID:      req.DepartmentID,
		RequesterUserCode: req.RequesterUserCode,
		CreatedByUserCode: req.CreatedByUserCode,
		Status:            repository.StatusPending,
		ChainPosition:     -1,
		Chain:             chain,
	}

	created := &repository.HistoryEntry{
		ActorUserCode: req.CreatedByUserCode,
		Action:        repository.ActionCreated,
		Comment:       optionalComment(req.Comment),
	}

	if err := e.envelopes.Create(ctx, env, created); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("request_id", env.ID).
		Str("code", env.Code).
		Str("request_type", string(env.RequestType)).
		Int("chain_steps", len(env.Chain)).
		Msg("approval request created")

	if err := e.advance(ctx, env, false, nil); err != nil {
		// Envelope stays Pending; the creation itself succeeded, so hand
		// its identity back with the error instead of inviting a duplicate
		// resubmission.
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			return env, apperr.Wrap(err, "failed to assign first approver").WithRequest(env.ID)
		}
		if ae.RequestID == "" {
			return env, ae.WithRequest(env.ID)
		}
		return env, err
	}
	return env, nil
}

// ── Act ───────────────────────────────────────────────────────────────────────

// Act applies an approver's decision on the current step. The actor must hold
// the envelope's current assignee position; Approve advances the chain,
// Reject terminates it with the pointer frozen.
func (e *AssignmentEngine) Act(ctx context.Context, requestID, actorUserCode string, decision Decision, comment string) (*repository.RequestEnvelope, error) {
	if actorUserCode == "" {
		return nil, apperr.InvalidInput("actor_user_code", "is required")
	}

	env, err := e.envelopes.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if err := e.assertActionable(ctx, env, actorUserCode); err != nil {
		return nil, err
	}

	switch decision {
	case DecisionApprove:
		entry := &repository.HistoryEntry{
			ActorUserCode: actorUserCode,
			Action:        repository.ActionApprove,
			Comment:       optionalComment(comment),
		}
		if err := e.advance(ctx, env, true, []*repository.HistoryEntry{entry}); err != nil {
			return nil, err
		}

	case DecisionReject:
		if comment == "" {
			return nil, apperr.InvalidInput("comment", "rejection comment is required")
		}
		prevPosition := env.AssigneePositionID
		env.Status = repository.StatusReject
		env.AssigneePositionID = nil // chain pointer stays frozen

		entry := &repository.HistoryEntry{
			ActorUserCode: actorUserCode,
			Action:        repository.ActionReject,
			Comment:       optionalComment(comment),
		}
		if err := e.envelopes.ApplyTransition(ctx, env, []*repository.HistoryEntry{entry}); err != nil {
			return nil, err
		}

		e.invalidatePositions(ctx, prevPosition)
		e.notify(ctx, EventRejected, env, actorUserCode, []string{env.RequesterUserCode}, nil)

	default:
		return nil, apperr.InvalidInput("decision", "must be approve or reject")
	}

	return env, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel lets the requester withdraw a request no approver has acted on yet.
// The envelope is never deleted: cancellation is a Reject-like terminal
// transition with the requester as actor, preserving the ledger.
func (e *AssignmentEngine) Cancel(ctx context.Context, requestID, actorUserCode string) (*repository.RequestEnvelope, error) {
	env, err := e.envelopes.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if env.Status.IsTerminal() {
		return nil, apperr.AlreadyTerminal(env.ID, string(env.Status))
	}
	if env.RequesterUserCode != actorUserCode {
		return nil, apperr.New(apperr.KindAuthorization, apperr.CodeNotRequester,
			"only the requester may cancel a request").WithRequest(env.ID)
	}

	acted, err := e.anyApproverActed(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	if acted {
		return nil, apperr.New(apperr.KindState, apperr.CodeInvalidTransition,
			"request can no longer be cancelled: an approver has already acted").WithRequest(env.ID)
	}

	prevPosition := env.AssigneePositionID
	env.Status = repository.StatusReject
	env.AssigneePositionID = nil

	entry := &repository.HistoryEntry{
		ActorUserCode: actorUserCode,
		Action:        repository.ActionReject,
		Metadata:      map[string]any{"cancelled": true},
	}
	if err := e.envelopes.ApplyTransition(ctx, env, []*repository.HistoryEntry{entry}); err != nil {
		return nil, err
	}

	e.invalidatePositions(ctx, prevPosition)
	e.notify(ctx, EventCancelled, env, actorUserCode, []string{env.RequesterUserCode}, nil)
	return env, nil
}

// ── Purchasing side-states ────────────────────────────────────────────────────

// RequestConfirmation parks a purchasing request in WaitConfirm until the
// requester confirms; only the current assignee may park it.
func (e *AssignmentEngine) RequestConfirmation(ctx context.Context, requestID, actorUserCode, comment string) (*repository.RequestEnvelope, error) {
	return e.park(ctx, requestID, actorUserCode, comment,
		repository.StatusWaitConfirm, repository.ActionConfirm, EventWaitConfirm)
}

// Confirm resumes a WaitConfirm request back onto its chain.
func (e *AssignmentEngine) Confirm(ctx context.Context, requestID, actorUserCode, comment string) (*repository.RequestEnvelope, error) {
	return e.resume(ctx, requestID, actorUserCode, comment,
		repository.StatusWaitConfirm, repository.ActionConfirm, nil)
}

// RequestQuote parks a purchasing request in WaitQuote until a supplier
// quote is attached; only the current assignee may park it.
func (e *AssignmentEngine) RequestQuote(ctx context.Context, requestID, actorUserCode, comment string) (*repository.RequestEnvelope, error) {
	return e.park(ctx, requestID, actorUserCode, comment,
		repository.StatusWaitQuote, repository.ActionQuote, EventWaitQuote)
}

// AttachQuote records the supplier quote reference and resumes a WaitQuote
// request back onto its chain.
func (e *AssignmentEngine) AttachQuote(ctx context.Context, requestID, actorUserCode, quoteRef, comment string) (*repository.RequestEnvelope, error) {
	if quoteRef == "" {
		return nil, apperr.InvalidInput("quote_ref", "is required")
	}
	return e.resume(ctx, requestID, actorUserCode, comment,
		repository.StatusWaitQuote, repository.ActionQuote, map[string]any{"quote_ref": quoteRef})
}

func (e *AssignmentEngine) park(
	ctx context.Context,
	requestID, actorUserCode, comment string,
	parked repository.RequestStatus,
	action repository.HistoryAction,
	event string,
) (*repository.RequestEnvelope, error) {
	env, err := e.envelopes.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if env.RequestType != repository.TypePurchase {
		return nil, apperr.New(apperr.KindState, apperr.CodeInvalidTransition,
			"only purchasing requests support this transition").WithRequest(env.ID)
	}
	if err := e.assertActionable(ctx, env, actorUserCode); err != nil {
		return nil, err
	}

	env.Status = parked
	entry := &repository.HistoryEntry{
		ActorUserCode: actorUserCode,
		Action:        action,
		Comment:       optionalComment(comment),
		Metadata:      map[string]any{"phase": "requested"},
	}
	if err := e.envelopes.ApplyTransition(ctx, env, []*repository.HistoryEntry{entry}); err != nil {
		return nil, err
	}

	e.invalidatePositions(ctx, env.AssigneePositionID)
	e.notify(ctx, event, env, actorUserCode, []string{env.RequesterUserCode}, nil)
	return env, nil
}

func (e *AssignmentEngine) resume(
	ctx context.Context,
	requestID, actorUserCode, comment string,
	parked repository.RequestStatus,
	action repository.HistoryAction,
	metadata map[string]any,
) (*repository.RequestEnvelope, error) {
	env, err := e.envelopes.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if env.Status != parked {
		return nil, apperr.Newf(apperr.KindState, apperr.CodeInvalidTransition,
			"request is not in %s", parked).WithRequest(env.ID)
	}
	if err := e.assertMayResume(ctx, env, actorUserCode); err != nil {
		return nil, err
	}

	approved, err := e.anyApprovalRecorded(ctx, env.ID)
	if err != nil {
		return nil, err
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["phase"] = "done"

	entry := &repository.HistoryEntry{
		ActorUserCode: actorUserCode,
		Action:        action,
		Comment:       optionalComment(comment),
		Metadata:      metadata,
	}

	// The seat may have emptied while the request was parked. Re-enter the
	// chain at the vacated step so it is skipped like any other vacancy.
	if env.AssigneePositionID != nil {
		holders, err := e.directory.GetHolders(ctx, *env.AssigneePositionID)
		if err != nil {
			return nil, apperr.Wrap(err, "failed to resolve position holders").WithRequest(env.ID)
		}
		if len(holders) == 0 {
			env.ChainPosition--
			if err := e.advance(ctx, env, approved, []*repository.HistoryEntry{entry}); err != nil {
				return nil, err
			}
			return env, nil
		}
	}

	env.Status = assignmentStatus(env.ChainPosition, len(env.Chain), approved)
	if err := e.envelopes.ApplyTransition(ctx, env, []*repository.HistoryEntry{entry}); err != nil {
		return nil, err
	}

	e.invalidatePositions(ctx, env.AssigneePositionID)
	e.notifyAssignee(ctx, EventResumed, env, actorUserCode)
	return env, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns an envelope by id.
func (e *AssignmentEngine) GetRequest(ctx context.Context, requestID string) (*repository.RequestEnvelope, error) {
	return e.envelopes.GetByID(ctx, requestID)
}

// GetRequestByCode returns an envelope by its human-readable code.
func (e *AssignmentEngine) GetRequestByCode(ctx context.Context, code string) (*repository.RequestEnvelope, error) {
	return e.envelopes.GetByCode(ctx, code)
}

// GetRequestHistory returns the full ledger for a request, ordered by
// sequence number.
func (e *AssignmentEngine) GetRequestHistory(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error) {
	if _, err := e.envelopes.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return e.history.ListForRequest(ctx, requestID)
}

// ListPending returns the envelopes currently awaiting action by any position
// the user holds.
func (e *AssignmentEngine) ListPending(ctx context.Context, userCode string, f repository.EnvelopeFilter) ([]*repository.RequestEnvelope, int64, error) {
	positions, err := e.directory.PositionsHeldBy(ctx, userCode)
	if err != nil {
		return nil, 0, apperr.Wrap(err, "failed to resolve user positions")
	}
	return e.envelopes.ListPendingForPositions(ctx, positions, f)
}

// ListMyRequests returns the user's own submitted envelopes.
func (e *AssignmentEngine) ListMyRequests(ctx context.Context, userCode string, f repository.EnvelopeFilter) ([]*repository.RequestEnvelope, int64, error) {
	return e.envelopes.ListByRequester(ctx, userCode, f)
}

// ListProcessed returns the ledger entries a user has recorded, filtered and
// paginated.
func (e *AssignmentEngine) ListProcessed(ctx context.Context, userCode string, f repository.HistoryFilter) ([]*repository.HistoryEntry, int64, error) {
	return e.history.ListProcessedByUser(ctx, userCode, f)
}

// ── Internal transitions ──────────────────────────────────────────────────────

// advance moves the chain pointer to the next occupied position. Vacant
// positions are skipped explicitly, each logged as a Skip entry; an exhausted
// chain completes the request. The envelope write and all accumulated entries
// commit atomically, so a failed advance leaves the stored envelope unchanged
// and a retry never double-advances.
func (e *AssignmentEngine) advance(ctx context.Context, env *repository.RequestEnvelope, afterApproval bool, entries []*repository.HistoryEntry) error {
	prevPosition := env.AssigneePositionID
	actor := actorOf(entries)

	pos := env.ChainPosition
	for {
		pos++
		if pos >= len(env.Chain) {
			env.Status = repository.StatusCompleted
			env.ChainPosition = len(env.Chain)
			env.AssigneePositionID = nil
			if err := e.envelopes.ApplyTransition(ctx, env, entries); err != nil {
				return err
			}

			e.invalidatePositions(ctx, prevPosition)
			e.notify(ctx, EventCompleted, env, actor, []string{env.RequesterUserCode}, nil)
			e.log.Info().Str("request_id", env.ID).Str("code", env.Code).Msg("approval request completed")
			return nil
		}

		step := env.Chain[pos]
		holders, err := e.directory.GetHolders(ctx, step.OrgPositionID)
		if err != nil {
			return apperr.Wrap(err, "failed to resolve position holders").WithRequest(env.ID)
		}

		if len(holders) == 0 {
			e.log.Warn().
				Str("request_id", env.ID).
				Str("position_id", step.OrgPositionID).
				Int("chain_index", pos).
				Msg("vacant position skipped")
			entries = append(entries, &repository.HistoryEntry{
				ActorUserCode: repository.SystemActor,
				Action:        repository.ActionSkip,
				Metadata: map[string]any{
					"org_position_id": step.OrgPositionID,
					"chain_index":     pos,
				},
			})
			continue
		}

		env.ChainPosition = pos
		positionID := step.OrgPositionID
		env.AssigneePositionID = &positionID
		env.Status = assignmentStatus(pos, len(env.Chain), afterApproval)
		entries = append(entries, &repository.HistoryEntry{
			ActorUserCode: repository.SystemActor,
			Action:        repository.ActionAssign,
			Metadata: map[string]any{
				"org_position_id": positionID,
				"chain_index":     pos,
			},
		})

		if err := e.envelopes.ApplyTransition(ctx, env, entries); err != nil {
			return err
		}

		e.invalidatePositions(ctx, prevPosition, &positionID)
		e.notify(ctx, EventAssigned, env, actor, holders, map[string]any{"chain_index": pos})
		return nil
	}
}

// assignmentStatus picks the status for a fresh assignment: FinalApproval on
// the last chain step, InProcess once at least one approval happened,
// Assigned otherwise.
func assignmentStatus(pos, chainLen int, afterApproval bool) repository.RequestStatus {
	switch {
	case pos == chainLen-1:
		return repository.StatusFinalApproval
	case afterApproval:
		return repository.StatusInProcess
	default:
		return repository.StatusAssigned
	}
}

// assertActionable validates that env accepts an approver action and that the
// actor holds the current assignee position. Authorization always re-reads
// the live envelope, never a counter or cache.
func (e *AssignmentEngine) assertActionable(ctx context.Context, env *repository.RequestEnvelope, actorUserCode string) error {
	if env.Status.IsTerminal() {
		return apperr.AlreadyTerminal(env.ID, string(env.Status))
	}
	if env.Status.IsParked() {
		return apperr.Newf(apperr.KindState, apperr.CodeInvalidTransition,
			"request is parked in %s", env.Status).WithRequest(env.ID)
	}
	if env.AssigneePositionID == nil {
		return apperr.New(apperr.KindState, apperr.CodeInvalidTransition,
			"request has no current assignee").WithRequest(env.ID)
	}

	holds, err := e.directory.UserHoldsPosition(ctx, actorUserCode, *env.AssigneePositionID)
	if err != nil {
		return apperr.Wrap(err, "failed to verify assignee position").WithRequest(env.ID)
	}
	if !holds {
		return apperr.NotCurrentAssignee(env.ID, actorUserCode)
	}
	return nil
}

// assertMayResume allows the requester or the parked assignee to resume a
// side-state.
func (e *AssignmentEngine) assertMayResume(ctx context.Context, env *repository.RequestEnvelope, actorUserCode string) error {
	if actorUserCode == env.RequesterUserCode {
		return nil
	}
	if env.AssigneePositionID != nil {
		holds, err := e.directory.UserHoldsPosition(ctx, actorUserCode, *env.AssigneePositionID)
		if err != nil {
			return apperr.Wrap(err, "failed to verify assignee position").WithRequest(env.ID)
		}
		if holds {
			return nil
		}
	}
	return apperr.NotCurrentAssignee(env.ID, actorUserCode)
}

// anyApproverActed reports whether any approver decision or side-state action
// has been recorded for the request.
func (e *AssignmentEngine) anyApproverActed(ctx context.Context, requestID string) (bool, error) {
	entries, err := e.history.ListForRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		switch entry.Action {
		case repository.ActionApprove, repository.ActionReject, repository.ActionConfirm, repository.ActionQuote:
			return true, nil
		}
	}
	return false, nil
}

// anyApprovalRecorded reports whether at least one Approve entry exists.
func (e *AssignmentEngine) anyApprovalRecorded(ctx context.Context, requestID string) (bool, error) {
	entries, err := e.history.ListForRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.Action == repository.ActionApprove {
			return true, nil
		}
	}
	return false, nil
}

// invalidatePositions refreshes pending counters for the holders of the given
// positions. Best effort, off the critical path.
func (e *AssignmentEngine) invalidatePositions(ctx context.Context, positions ...*string) {
	if e.counters == nil {
		return
	}
	var ids []string
	for _, p := range positions {
		if p != nil {
			ids = append(ids, *p)
		}
	}
	e.counters.InvalidatePositions(ctx, ids...)
}

func (e *AssignmentEngine) notify(ctx context.Context, eventType string, env *repository.RequestEnvelope, actor string, recipients []string, payload map[string]any) {
	if e.notifier == nil {
		return
	}
	e.notifier.PublishApprovalEvent(ctx, eventType, env, actor, recipients, payload)
}

// notifyAssignee notifies the holders of the current assignee position.
func (e *AssignmentEngine) notifyAssignee(ctx context.Context, eventType string, env *repository.RequestEnvelope, actor string) {
	if e.notifier == nil || env.AssigneePositionID == nil {
		return
	}
	holders, err := e.directory.GetHolders(ctx, *env.AssigneePositionID)
	if err != nil {
		e.log.Warn().Err(err).Str("request_id", env.ID).Msg("could not resolve notification recipients")
		return
	}
	e.notifier.PublishApprovalEvent(ctx, eventType, env, actor, holders, nil)
}

func actorOf(entries []*repository.HistoryEntry) string {
	for _, entry := range entries {
		if entry.ActorUserCode != repository.SystemActor {
			return entry.ActorUserCode
		}
	}
	return repository.SystemActor
}

func optionalComment(comment string) *string {
	if comment == "" {
		return nil
	}
	return &comment
}
