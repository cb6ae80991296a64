package service

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// QueueCounters serves the "pending approvals" badge counts. Counts are
// derived from live envelope state and cached per user; the cache is
// invalidated on every transition touching a position the user holds, so
// badges are never stale beyond one transition. Counters are presentation
// only; authorization decisions never consult them.
type QueueCounters struct {
	envelopes EnvelopeStore
	directory DirectoryClient
	cache     *gocache.Cache
	log       zerolog.Logger
}

// NewQueueCounters creates a counter service with a short-lived cache.
func NewQueueCounters(envelopes EnvelopeStore, directory DirectoryClient, log zerolog.Logger) *QueueCounters {
	return &QueueCounters{
		envelopes: envelopes,
		directory: directory,
		cache:     gocache.New(time.Minute, 5*time.Minute),
		log:       log,
	}
}

// CountPendingFor returns the number of requests awaiting action by any
// position the user holds.
func (c *QueueCounters) CountPendingFor(ctx context.Context, userCode string) (int64, error) {
	if cached, found := c.cache.Get(userCode); found {
		return cached.(int64), nil
	}

	positions, err := c.directory.PositionsHeldBy(ctx, userCode)
	if err != nil {
		return 0, err
	}

	n, err := c.envelopes.CountPendingForPositions(ctx, positions)
	if err != nil {
		return 0, err
	}

	c.cache.Set(userCode, n, gocache.DefaultExpiration)
	return n, nil
}

// InvalidateUser drops the cached count for one user.
func (c *QueueCounters) InvalidateUser(userCode string) {
	c.cache.Delete(userCode)
}

// InvalidatePositions drops cached counts for every holder of the given
// positions. Best effort: a directory failure here only delays the badge
// refresh until the cache TTL expires.
func (c *QueueCounters) InvalidatePositions(ctx context.Context, positionIDs ...string) {
	for _, positionID := range positionIDs {
		holders, err := c.directory.GetHolders(ctx, positionID)
		if err != nil {
			c.log.Warn().Err(err).Str("position_id", positionID).Msg("counter invalidation skipped")
			continue
		}
		for _, userCode := range holders {
			c.cache.Delete(userCode)
		}
	}
}
