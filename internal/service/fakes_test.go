package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eoffice-suite/be-approvals/internal/apperr"
	"github.com/eoffice-suite/be-approvals/internal/repository"
)

// ── In-memory envelope store ──────────────────────────────────────────────────

type fakeEnvelopeStore struct {
	mu        sync.Mutex
	seq       int64
	envelopes map[string]*repository.RequestEnvelope
	histories map[string][]*repository.HistoryEntry

	// beforeApply runs once before the next ApplyTransition CAS check, to
	// interleave a competing transition.
	beforeApply func()
	// failNextApply makes the next ApplyTransition fail before writing.
	failNextApply error
}

func newFakeEnvelopeStore() *fakeEnvelopeStore {
	return &fakeEnvelopeStore{
		envelopes: make(map[string]*repository.RequestEnvelope),
		histories: make(map[string][]*repository.HistoryEntry),
	}
}

func (s *fakeEnvelopeStore) Create(ctx context.Context, env *repository.RequestEnvelope, created *repository.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	env.ID = fmt.Sprintf("req-%d", s.seq)
	env.Code = fmt.Sprintf("%s-%06d", env.RequestType.CodePrefix(), s.seq)
	env.Version = 1
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now

	s.envelopes[env.ID] = cloneEnvelope(env)

	created.RequestID = env.ID
	s.appendLocked(created)
	return nil
}

func (s *fakeEnvelopeStore) GetByID(ctx context.Context, id string) (*repository.RequestEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.envelopes[id]
	if !ok {
		return nil, apperr.NotFound("approval_request", id)
	}
	return cloneEnvelope(env), nil
}

func (s *fakeEnvelopeStore) GetByCode(ctx context.Context, code string) (*repository.RequestEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, env := range s.envelopes {
		if env.Code == code {
			return cloneEnvelope(env), nil
		}
	}
	return nil, apperr.NotFound("approval_request", code)
}

func (s *fakeEnvelopeStore) ApplyTransition(ctx context.Context, env *repository.RequestEnvelope, entries []*repository.HistoryEntry) error {
	if hook := s.beforeApply; hook != nil {
		s.beforeApply = nil
		hook()
	}
	if err := s.failNextApply; err != nil {
		s.failNextApply = nil
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.envelopes[env.ID]
	if !ok {
		return apperr.NotFound("approval_request", env.ID)
	}
	if stored.Version != env.Version {
		return apperr.ConcurrentModification(env.ID)
	}

	env.Version++
	env.UpdatedAt = time.Now().UTC()
	s.envelopes[env.ID] = cloneEnvelope(env)

	for _, entry := range entries {
		entry.RequestID = env.ID
		s.appendLocked(entry)
	}
	return nil
}

func (s *fakeEnvelopeStore) ListPendingForPositions(ctx context.Context, positionIDs []string, f repository.EnvelopeFilter) ([]*repository.RequestEnvelope, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.RequestEnvelope
	for _, env := range s.envelopes {
		if env.AssigneePositionID == nil || !env.Status.IsActionable() {
			continue
		}
		if !contains(positionIDs, *env.AssigneePositionID) {
			continue
		}
		if !matchesFilter(env, f) {
			continue
		}
		out = append(out, cloneEnvelope(env))
	}
	return out, int64(len(out)), nil
}

func (s *fakeEnvelopeStore) ListByRequester(ctx context.Context, userCode string, f repository.EnvelopeFilter) ([]*repository.RequestEnvelope, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.RequestEnvelope
	for _, env := range s.envelopes {
		if env.RequesterUserCode != userCode || !matchesFilter(env, f) {
			continue
		}
		out = append(out, cloneEnvelope(env))
	}
	return out, int64(len(out)), nil
}

func (s *fakeEnvelopeStore) CountPendingForPositions(ctx context.Context, positionIDs []string) (int64, error) {
	envelopes, total, err := s.ListPendingForPositions(ctx, positionIDs, repository.EnvelopeFilter{})
	_ = envelopes
	return total, err
}

func (s *fakeEnvelopeStore) entriesFor(requestID string) []*repository.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*repository.HistoryEntry(nil), s.histories[requestID]...)
}

func (s *fakeEnvelopeStore) appendLocked(entry *repository.HistoryEntry) {
	entry.SequenceNumber = len(s.histories[entry.RequestID]) + 1
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	s.histories[entry.RequestID] = append(s.histories[entry.RequestID], entry)
}

// The fake store doubles as the history reader, mirroring how the real
// repositories share one database.
func (s *fakeEnvelopeStore) ListForRequest(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error) {
	return s.entriesFor(requestID), nil
}

func (s *fakeEnvelopeStore) ListProcessedByUser(ctx context.Context, userCode string, f repository.HistoryFilter) ([]*repository.HistoryEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.HistoryEntry
	for requestID, entries := range s.histories {
		env := s.envelopes[requestID]
		for _, entry := range entries {
			if entry.ActorUserCode != userCode {
				continue
			}
			if !matchesHistoryFilter(env, entry, f) {
				continue
			}
			out = append(out, entry)
		}
	}
	return out, int64(len(out)), nil
}

// matchesHistoryFilter mirrors the repository's join semantics: type,
// department and status come from the owning envelope, the date bounds from
// the entry itself, all AND-combined.
func matchesHistoryFilter(env *repository.RequestEnvelope, entry *repository.HistoryEntry, f repository.HistoryFilter) bool {
	if env == nil {
		return false
	}
	if f.RequestType != nil && env.RequestType != *f.RequestType {
		return false
	}
	if f.DepartmentID != nil && env.DepartmentID != *f.DepartmentID {
		return false
	}
	if f.Status != nil && env.Status != *f.Status {
		return false
	}
	if f.From != nil && entry.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && entry.OccurredAt.After(*f.To) {
		return false
	}
	return true
}

func cloneEnvelope(env *repository.RequestEnvelope) *repository.RequestEnvelope {
	c := *env
	c.Chain = append([]repository.ChainStep(nil), env.Chain...)
	if env.AssigneePositionID != nil {
		id := *env.AssigneePositionID
		c.AssigneePositionID = &id
	}
	return &c
}

func matchesFilter(env *repository.RequestEnvelope, f repository.EnvelopeFilter) bool {
	if f.RequestType != nil && env.RequestType != *f.RequestType {
		return false
	}
	if f.DepartmentID != nil && env.DepartmentID != *f.DepartmentID {
		return false
	}
	if f.Status != nil && env.Status != *f.Status {
		return false
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ── Rule store ────────────────────────────────────────────────────────────────

type fakeRuleStore struct {
	mu    sync.Mutex
	rules map[string]*repository.ApprovalFlowRule // keyed department|type
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{rules: make(map[string]*repository.ApprovalFlowRule)}
}

func (s *fakeRuleStore) put(rule *repository.ApprovalFlowRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.DepartmentID+"|"+string(rule.RequestType)] = rule
}

func (s *fakeRuleStore) remove(departmentID string, t repository.RequestType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, departmentID+"|"+string(t))
}

func (s *fakeRuleStore) FindActive(ctx context.Context, departmentID string, t repository.RequestType) (*repository.ApprovalFlowRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule := s.rules[departmentID+"|"+string(t)]
	if rule == nil || !rule.IsActive {
		return nil, nil
	}
	return rule, nil
}

// ── Org directory ─────────────────────────────────────────────────────────────

type fakeDirectory struct {
	mu        sync.Mutex
	positions map[string][]repository.OrgPosition // by department
	holders   map[string][]string                 // by position id
	listCalls int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		positions: make(map[string][]repository.OrgPosition),
		holders:   make(map[string][]string),
	}
}

func (d *fakeDirectory) addPosition(p repository.OrgPosition, holders ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.positions[p.DepartmentID] = append(d.positions[p.DepartmentID], p)
	d.holders[p.ID] = holders
}

func (d *fakeDirectory) setHolders(positionID string, holders ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holders[positionID] = holders
}

func (d *fakeDirectory) ListPositions(ctx context.Context, departmentID string) ([]repository.OrgPosition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listCalls++
	return append([]repository.OrgPosition(nil), d.positions[departmentID]...), nil
}

func (d *fakeDirectory) GetHolders(ctx context.Context, positionID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.holders[positionID]...), nil
}

func (d *fakeDirectory) UserHoldsPosition(ctx context.Context, userCode, positionID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return contains(d.holders[positionID], userCode), nil
}

func (d *fakeDirectory) PositionsHeldBy(ctx context.Context, userCode string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for positionID, holders := range d.holders {
		if contains(holders, userCode) {
			out = append(out, positionID)
		}
	}
	return out, nil
}

// ── Notifier ──────────────────────────────────────────────────────────────────

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) PublishApprovalEvent(ctx context.Context, eventType string, env *repository.RequestEnvelope, actorUserCode string, recipients []string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *fakeNotifier) eventTypes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// ── Engine harness ────────────────────────────────────────────────────────────

type engineFixture struct {
	store     *fakeEnvelopeStore
	rules     *fakeRuleStore
	directory *fakeDirectory
	notifier  *fakeNotifier
	resolver  *FlowResolver
	counters  *QueueCounters
	engine    *AssignmentEngine
}

func newEngineFixture() *engineFixture {
	store := newFakeEnvelopeStore()
	rules := newFakeRuleStore()
	directory := newFakeDirectory()
	notifier := &fakeNotifier{}
	log := zerolog.Nop()

	resolver := NewFlowResolver(rules, directory, time.Minute, log)
	counters := NewQueueCounters(store, directory, log)
	engine := NewAssignmentEngine(store, store, resolver, directory, counters, notifier, log)

	return &engineFixture{
		store:     store,
		rules:     rules,
		directory: directory,
		notifier:  notifier,
		resolver:  resolver,
		counters:  counters,
		engine:    engine,
	}
}

// seedDepartment registers a three-level hierarchy with one holder each:
// supervisor (level 1), manager (level 2), director (level 3).
func (f *engineFixture) seedDepartment(departmentID string) {
	f.directory.addPosition(repository.OrgPosition{
		ID: departmentID + "-pos-1", DepartmentID: departmentID, Level: 1, Title: "Supervisor",
	}, departmentID+"-supervisor")
	f.directory.addPosition(repository.OrgPosition{
		ID: departmentID + "-pos-2", DepartmentID: departmentID, Level: 2, Title: "Manager",
	}, departmentID+"-manager")
	f.directory.addPosition(repository.OrgPosition{
		ID: departmentID + "-pos-3", DepartmentID: departmentID, Level: 3, Title: "Director",
	}, departmentID+"-director")
}
