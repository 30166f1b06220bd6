package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// MembershipSource is the external membership collaborator. The two queries
// are independent so one can fail without the other.
type MembershipSource interface {
	CourseIDs(ctx context.Context, userID string) ([]string, error)
	GroupChatRooms(ctx context.Context, userID string) ([]string, error)
}

// Resolution is the room set derived for a user. Err carries the sub-queries
// that failed; Rooms holds whatever succeeded.
type Resolution struct {
	Rooms []string
	Err   error
}

func (r Resolution) Complete() bool {
	return r.Err == nil
}

type Resolver struct {
	source MembershipSource
	logger *slog.Logger
}

func NewResolver(source MembershipSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		source: source,
		logger: logger.With("component", "resolver"),
	}
}

// ResolveRoomsForUser derives the course and group-chat rooms for userID. A
// failing sub-query is logged and the rest is still returned; the only hard
// error is ctx being done, in which case the caller abandons the connection.
func (r *Resolver) ResolveRoomsForUser(ctx context.Context, userID string) (Resolution, error) {
	seen := make(map[string]struct{})
	var errs []error

	courses, err := r.source.CourseIDs(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return Resolution{}, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("course rooms: %w", err))
	}
	for _, id := range courses {
		if id != "" {
			seen[id] = struct{}{}
		}
	}

	groups, err := r.source.GroupChatRooms(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return Resolution{}, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("group chat rooms: %w", err))
	}
	for _, id := range groups {
		if id != "" {
			seen[id] = struct{}{}
		}
	}

	res := Resolution{Rooms: make([]string, 0, len(seen))}
	for id := range seen {
		res.Rooms = append(res.Rooms, id)
	}
	sort.Strings(res.Rooms)

	if len(errs) > 0 {
		res.Err = errors.Join(errs...)
		r.logger.Warn("[ROOMS] Partial membership resolution", "user", userID, "rooms", len(res.Rooms), "error", res.Err)
	} else {
		r.logger.Debug("[ROOMS] Resolved rooms", "user", userID, "rooms", len(res.Rooms))
	}
	return res, nil
}
