package services

import (
	"context"
	"fmt"
	"time"

	"tourstream/internal/core/domain"
	"tourstream/internal/core/ports"
	"tourstream/pkg/cache"
	"tourstream/pkg/circuitbreaker"
	"tourstream/pkg/logger"

	"go.uber.org/zap"
)

// rosterService fronts the roster collaborator with a TTL cache and a
// circuit breaker. The roster is advisory: a failed fetch degrades to an
// empty roster rather than an error surfaced to the session.
type rosterService struct {
	fetch   ports.RosterFetchFunc
	cache   *cache.Cache
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewRosterService wraps fetch with caching at the given TTL.
func NewRosterService(fetch ports.RosterFetchFunc, ttl time.Duration, log *zap.Logger) ports.RosterService {
	s := &rosterService{
		fetch:   fetch,
		cache:   cache.New(ttl),
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:  logger.ForComponent(log, "roster"),
	}
	s.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		s.logger.Warnw("roster breaker state changed", "from", from.String(), "to", to.String())
	})
	return s
}

func (s *rosterService) Roster(ctx context.Context, roomID domain.RoomID) ([]domain.RosterEntry, error) {
	key := "roster:" + string(roomID)

	value, err := s.cache.GetOrSet(ctx, key, func(ctx context.Context) (interface{}, error) {
		var entries []domain.RosterEntry
		err := s.breaker.Execute(ctx, func() error {
			var fetchErr error
			entries, fetchErr = s.fetch(ctx, roomID)
			return fetchErr
		})
		if err != nil {
			return nil, err
		}
		return entries, nil
	})
	if err != nil {
		s.logger.Warnw("roster fetch failed", "room_id", roomID, "error", err)
		return nil, err
	}

	entries, ok := value.([]domain.RosterEntry)
	if !ok {
		return nil, fmt.Errorf("unexpected roster cache entry for room %s", roomID)
	}
	return entries, nil
}

func (s *rosterService) Invalidate(roomID domain.RoomID) {
	s.cache.Delete("roster:" + string(roomID))
}
