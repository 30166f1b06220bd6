package membership

import (
	"context"
	"log/slog"
	"time"

	"unichat-realtime/internal/rooms"
)

// Cache stores string lists with a TTL. *redis.Client satisfies it.
type Cache interface {
	GetList(ctx context.Context, key string) ([]string, bool, error)
	SetList(ctx context.Context, key string, values []string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// CachedSource fronts a MembershipSource with a cache. Any cache failure
// falls through to the source; only source errors are returned.
type CachedSource struct {
	source rooms.MembershipSource
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedSource(source rooms.MembershipSource, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSource{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "membership"),
	}
}

func coursesKey(userID string) string { return "rooms:courses:" + userID }
func groupsKey(userID string) string { return "rooms:groups:" + userID }

func (s *CachedSource) CourseIDs(ctx context.Context, userID string) ([]string, error) {
	return s.cached(ctx, coursesKey(userID), func() ([]string, error) {
		return s.source.CourseIDs(ctx, userID)
	})
}

func (s *CachedSource) GroupChatRooms(ctx context.Context, userID string) ([]string, error) {
	return s.cached(ctx, groupsKey(userID), func() ([]string, error) {
		return s.source.GroupChatRooms(ctx, userID)
	})
}

// Invalidate drops both cached lists so the next resolution reads the source.
func (s *CachedSource) Invalidate(ctx context.Context, userID string) error {
	return s.cache.Del(ctx, coursesKey(userID), groupsKey(userID))
}

func (s *CachedSource) cached(ctx context.Context, key string, load func() ([]string, error)) ([]string, error) {
	values, ok, err := s.cache.GetList(ctx, key)
	if err != nil {
		s.logger.Warn("[MEMBERSHIP] Cache read failed", "key", key, "error", err)
	} else if ok {
		return values, nil
	}

	values, err = load()
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetList(ctx, key, values, s.ttl); err != nil {
		s.logger.Warn("[MEMBERSHIP] Cache write failed", "key", key, "error", err)
	}
	return values, nil
}
