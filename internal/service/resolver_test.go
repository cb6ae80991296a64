package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eoffice-suite/be-approvals/internal/apperr"
	"github.com/eoffice-suite/be-approvals/internal/repository"
)

func newTestResolver(rules *fakeRuleStore, directory *fakeDirectory) *FlowResolver {
	return NewFlowResolver(rules, directory, time.Minute, zerolog.Nop())
}

func seedLevels(directory *fakeDirectory, departmentID string, levels ...int) {
	titles := map[int]string{1: "Supervisor", 2: "Manager", 3: "Director", 4: "VP", 5: "CEO"}
	for _, level := range levels {
		directory.addPosition(repository.OrgPosition{
			ID:           positionID(departmentID, level),
			DepartmentID: departmentID,
			Level:        level,
			Title:        titles[level],
		}, "holder-of-"+positionID(departmentID, level))
	}
}

func positionID(departmentID string, level int) string {
	return departmentID + "-pos-" + string(rune('0'+level))
}

func TestResolveChainCustomRuleLevelRange(t *testing.T) {
	rules := newFakeRuleStore()
	directory := newFakeDirectory()
	seedLevels(directory, "dept-it", 1, 2, 3, 4, 5)
	rules.put(&repository.ApprovalFlowRule{
		ID:           "rule-1",
		DepartmentID: "dept-it",
		RequestType:  repository.TypeFormIT,
		RuleName:     "IT escalation",
		IsActive:     true,
		FromLevel:    2,
		ToLevel:      4,
	})

	resolver := newTestResolver(rules, directory)
	chain, err := resolver.ResolveChain(context.Background(), "dept-it", repository.TypeFormIT)
	require.NoError(t, err)

	require.Len(t, chain, 3)
	assert.Equal(t, []int{2, 3, 4}, chainLevels(chain))
	for i, step := range chain {
		assert.Equal(t, i, step.Index)
	}
}

func TestResolveChainDefaultWhenNoRule(t *testing.T) {
	rules := newFakeRuleStore()
	directory := newFakeDirectory()
	seedLevels(directory, "dept-hr", 1, 2, 3)

	resolver := newTestResolver(rules, directory)

	// Leave requests default to levels {1, 2}.
	chain, err := resolver.ResolveChain(context.Background(), "dept-hr", repository.TypeLeaveRequest)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, chainLevels(chain))

	// Purchases default to levels {1, 2, 3}.
	chain, err = resolver.ResolveChain(context.Background(), "dept-hr", repository.TypePurchase)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, chainLevels(chain))

	// An inactive rule behaves like no rule.
	rules.put(&repository.ApprovalFlowRule{
		ID:           "rule-off",
		DepartmentID: "dept-hr",
		RequestType:  repository.TypeTimekeeping,
		IsActive:     false,
		FromLevel:    1,
		ToLevel:      3,
	})
	chain, err = resolver.ResolveChain(context.Background(), "dept-hr", repository.TypeTimekeeping)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, chainLevels(chain))
}

func TestResolveChainUnknownTypeFallsBack(t *testing.T) {
	rules := newFakeRuleStore()
	directory := newFakeDirectory()
	seedLevels(directory, "dept-x", 1, 2, 3)

	resolver := newTestResolver(rules, directory)
	chain, err := resolver.ResolveChain(context.Background(), "dept-x", repository.RequestType("new_feature"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, chainLevels(chain))
}

func TestResolveChainDeterministicAndCached(t *testing.T) {
	rules := newFakeRuleStore()
	directory := newFakeDirectory()
	seedLevels(directory, "dept-fin", 1, 2, 3)

	resolver := newTestResolver(rules, directory)
	ctx := context.Background()

	first, err := resolver.ResolveChain(ctx, "dept-fin", repository.TypePurchase)
	require.NoError(t, err)
	second, err := resolver.ResolveChain(ctx, "dept-fin", repository.TypePurchase)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, directory.listCalls, "second resolution should be served from cache")

	// Callers get independent copies, never the cached slice.
	first[0].OrgPositionID = "mutated"
	third, err := resolver.ResolveChain(ctx, "dept-fin", repository.TypePurchase)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", third[0].OrgPositionID)
}

func TestResolveChainInvalidateOnRuleChange(t *testing.T) {
	rules := newFakeRuleStore()
	directory := newFakeDirectory()
	seedLevels(directory, "dept-ops", 1, 2, 3)

	resolver := newTestResolver(rules, directory)
	ctx := context.Background()

	chain, err := resolver.ResolveChain(ctx, "dept-ops", repository.TypeFormIT)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, chainLevels(chain))

	rules.put(&repository.ApprovalFlowRule{
		ID:           "rule-2",
		DepartmentID: "dept-ops",
		RequestType:  repository.TypeFormIT,
		IsActive:     true,
		FromLevel:    2,
		ToLevel:      3,
	})

	// Still the cached default until the rule change invalidates.
	chain, err = resolver.ResolveChain(ctx, "dept-ops", repository.TypeFormIT)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, chainLevels(chain))

	resolver.Invalidate("dept-ops", repository.TypeFormIT)
	chain, err = resolver.ResolveChain(ctx, "dept-ops", repository.TypeFormIT)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, chainLevels(chain))
}

func TestResolveChainInvalidateDepartment(t *testing.T) {
	rules := newFakeRuleStore()
	directory := newFakeDirectory()
	seedLevels(directory, "dept-a", 1, 2)
	seedLevels(directory, "dept-b", 1, 2)

	resolver := newTestResolver(rules, directory)
	ctx := context.Background()

	_, err := resolver.ResolveChain(ctx, "dept-a", repository.TypeLeaveRequest)
	require.NoError(t, err)
	_, err = resolver.ResolveChain(ctx, "dept-b", repository.TypeLeaveRequest)
	require.NoError(t, err)
	calls := directory.listCalls

	resolver.InvalidateDepartment("dept-a")

	_, err = resolver.ResolveChain(ctx, "dept-a", repository.TypeLeaveRequest)
	require.NoError(t, err)
	_, err = resolver.ResolveChain(ctx, "dept-b", repository.TypeLeaveRequest)
	require.NoError(t, err)
	assert.Equal(t, calls+1, directory.listCalls, "only dept-a should be re-resolved")
}

func TestResolveChainNoPathConfigured(t *testing.T) {
	rules := newFakeRuleStore()
	directory := newFakeDirectory()

	resolver := newTestResolver(rules, directory)
	_, err := resolver.ResolveChain(context.Background(), "dept-empty", repository.TypeLeaveRequest)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNoApprovalPath, apperr.CodeOf(err))
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestResolveChainRequiresDepartment(t *testing.T) {
	resolver := newTestResolver(newFakeRuleStore(), newFakeDirectory())
	_, err := resolver.ResolveChain(context.Background(), "", repository.TypeLeaveRequest)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func chainLevels(chain []repository.ChainStep) []int {
	levels := make([]int, len(chain))
	for i, step := range chain {
		levels[i] = step.PositionLevel
	}
	return levels
}
