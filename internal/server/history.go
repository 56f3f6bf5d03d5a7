package server

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// historyLoader fetches the recent messages of a room for a newly joined
// connection. Concurrent loads of the same room share one store query.
type historyLoader struct {
	store   MessageStore
	limit   int
	logger  *slog.Logger
	metrics *hubMetrics
	group   singleflight.Group
}

// load returns room's messages oldest first. A store failure yields an empty
// history. The returned slice may be shared with other callers and must not
// be modified.
func (l *historyLoader) load(ctx context.Context, room string) []chat.Message {
	v, err, _ := l.group.Do(room, func() (any, error) {
		messages, err := l.store.FindMessagesByRoom(ctx, room, l.limit)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(messages, func(i, j int) bool {
			return messages[i].Timestamp.Before(messages[j].Timestamp)
		})
		return messages, nil
	})
	if err != nil {
		l.metrics.recordStoreFailure("find_messages_by_room")
		l.logger.Error("Failed to load room history", "room", room, "error", err)
		return []chat.Message{}
	}

	messages, _ := v.([]chat.Message)
	if messages == nil {
		return []chat.Message{}
	}
	return messages
}
