package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"unichat-realtime/internal/models"
)

// MembershipHandler is invoked once per membership change received.
type MembershipHandler func(ctx context.Context, change models.MembershipChange)

// SubscribeToMembershipChanges listens on membership:* until ctx is done.
// It returns an error only if the subscription could not be established.
func SubscribeToMembershipChanges(ctx context.Context, client *Client, handle MembershipHandler) error {
	pattern := membershipChannelPrefix + "*"
	pubsub := client.rdb.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	client.logger.Info("[REDIS] Subscribed to membership changes", "pattern", pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			client.logger.Info("[REDIS] Membership subscription stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				client.logger.Info("[REDIS] Redis pub/sub channel closed")
				return nil
			}
			change, err := decodeMembershipChange(msg.Channel, msg.Payload)
			if err != nil {
				client.logger.Warn("[REDIS] Dropping membership change", "channel", msg.Channel, "error", err)
				continue
			}
			handle(ctx, change)
		}
	}
}

// decodeMembershipChange accepts a JSON MembershipChange or an empty payload;
// the user id from the channel name fills in a missing userId.
func decodeMembershipChange(channel, payload string) (models.MembershipChange, error) {
	var change models.MembershipChange
	if strings.TrimSpace(payload) != "" {
		if err := json.Unmarshal([]byte(payload), &change); err != nil {
			return change, fmt.Errorf("decode payload: %w", err)
		}
	}
	if change.UserID == "" {
		change.UserID = strings.TrimPrefix(channel, membershipChannelPrefix)
	}
	if change.UserID == "" {
		return change, fmt.Errorf("no user id in %q", channel)
	}
	return change, nil
}
