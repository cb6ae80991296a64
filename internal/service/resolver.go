package service

import (
	"context"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/eoffice-suite/be-approvals/internal/apperr"
	"github.com/eoffice-suite/be-approvals/internal/repository"
)

// RuleStore looks up custom approval flow rules.
type RuleStore interface {
	FindActive(ctx context.Context, departmentID string, requestType repository.RequestType) (*repository.ApprovalFlowRule, error)
}

// DirectoryClient resolves org structure from the directory service.
type DirectoryClient interface {
	// ListPositions returns all org positions in a department.
	ListPositions(ctx context.Context, departmentID string) ([]repository.OrgPosition, error)
	// GetHolders returns the user codes currently holding a position.
	GetHolders(ctx context.Context, positionID string) ([]string, error)
	// UserHoldsPosition reports whether a user currently holds a position.
	UserHoldsPosition(ctx context.Context, userCode, positionID string) (bool, error)
	// PositionsHeldBy returns the ids of all positions a user holds.
	PositionsHeldBy(ctx context.Context, userCode string) ([]string, error)
}

// defaultChainLevels is the per-type default chain, expressed as org-position
// levels resolved within the requester's department, used when no custom rule
// exists for the (department, type) pair.
var defaultChainLevels = map[repository.RequestType][]int{
	repository.TypeLeaveRequest:      {1, 2},
	repository.TypeMemoNotification:  {1, 2},
	repository.TypeFormIT:            {1, 2},
	repository.TypePurchase:          {1, 2, 3},
	repository.TypeTimekeeping:       {1},
	repository.TypeSAP:               {1, 2, 3},
	repository.TypeInternalMemoHR:    {1, 2},
	repository.TypeResignationLetter: {1, 2, 3},
	repository.TypeTerminationLetter: {1, 2, 3},
	repository.TypeVote:              {1},
}

// fallbackChainLevels covers request types with no dedicated default.
var fallbackChainLevels = []int{1, 2}

// FlowResolver resolves the ordered approver chain for a department and
// request type: a custom rule's level range when one is configured, the
// type's default chain otherwise. Resolution is a pure read and cached per
// (department, type); cache eviction never touches chains already
// snapshotted onto in-flight envelopes.
type FlowResolver struct {
	rules     RuleStore
	directory DirectoryClient
	cache     *gocache.Cache
	log       zerolog.Logger
}

// NewFlowResolver creates a resolver with the given chain cache TTL.
func NewFlowResolver(rules RuleStore, directory DirectoryClient, cacheTTL time.Duration, log zerolog.Logger) *FlowResolver {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &FlowResolver{
		rules:     rules,
		directory: directory,
		cache:     gocache.New(cacheTTL, 2*cacheTTL),
		log:       log,
	}
}

// ResolveChain returns the ordered approver steps for the pair. An empty
// result is a configuration error: a request must never be created without a
// resolvable chain.
func (r *FlowResolver) ResolveChain(ctx context.Context, departmentID string, requestType repository.RequestType) ([]repository.ChainStep, error) {
	if departmentID == "" {
		return nil, apperr.InvalidInput("department_id", "is required")
	}

	key := chainCacheKey(departmentID, requestType)
	if cached, found := r.cache.Get(key); found {
		return cloneChain(cached.([]repository.ChainStep)), nil
	}

	chain, err := r.resolve(ctx, departmentID, requestType)
	if err != nil {
		return nil, err
	}

	r.cache.Set(key, chain, gocache.DefaultExpiration)
	return cloneChain(chain), nil
}

// Invalidate evicts the cached chain for one (department, type) pair. Called
// on flow rule changes.
func (r *FlowResolver) Invalidate(departmentID string, requestType repository.RequestType) {
	r.cache.Delete(chainCacheKey(departmentID, requestType))
}

// InvalidateDepartment evicts all cached chains for a department. Called when
// the department is re-parented in the org tree.
func (r *FlowResolver) InvalidateDepartment(departmentID string) {
	prefix := departmentID + "|"
	for key := range r.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Delete(key)
		}
	}
}

func (r *FlowResolver) resolve(ctx context.Context, departmentID string, requestType repository.RequestType) ([]repository.ChainStep, error) {
	rule, err := r.rules.FindActive(ctx, departmentID, requestType)
	if err != nil {
		return nil, err
	}

	positions, err := r.directory.ListPositions(ctx, departmentID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list department positions")
	}

	var selected []repository.OrgPosition
	if rule != nil {
		for _, p := range positions {
			if p.Level >= rule.FromLevel && p.Level <= rule.ToLevel {
				selected = append(selected, p)
			}
		}
	} else {
		levels := defaultChainLevels[requestType]
		if levels == nil {
			levels = fallbackChainLevels
		}
		byLevel := make(map[int][]repository.OrgPosition)
		for _, p := range positions {
			byLevel[p.Level] = append(byLevel[p.Level], p)
		}
		for _, level := range levels {
			selected = append(selected, byLevel[level]...)
		}
	}

	// Ascending seniority, stable within a level.
	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Level != selected[j].Level {
			return selected[i].Level < selected[j].Level
		}
		return selected[i].Title < selected[j].Title
	})

	if len(selected) == 0 {
		return nil, apperr.NoApprovalPathConfigured(departmentID, string(requestType))
	}

	chain := make([]repository.ChainStep, len(selected))
	for i, p := range selected {
		chain[i] = repository.ChainStep{
			Index:         i,
			OrgPositionID: p.ID,
			PositionLevel: p.Level,
			PositionTitle: p.Title,
		}
	}

	r.log.Debug().
		Str("department_id", departmentID).
		Str("request_type", string(requestType)).
		Int("steps", len(chain)).
		Bool("custom_rule", rule != nil).
		Msg("approval chain resolved")

	return chain, nil
}

func chainCacheKey(departmentID string, requestType repository.RequestType) string {
	return departmentID + "|" + string(requestType)
}

func cloneChain(chain []repository.ChainStep) []repository.ChainStep {
	out := make([]repository.ChainStep, len(chain))
	copy(out, chain)
	return out
}
