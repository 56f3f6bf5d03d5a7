package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// DefaultOnlineKey is the Redis set holding online usernames.
const DefaultOnlineKey = "roomchat:online"

// RedisPresence mirrors the online flag of users into a Redis set so that
// other tooling can read presence without touching the database. All other
// store operations go to the embedded SQLStore.
type RedisPresence struct {
	*SQLStore
	client *redis.Client
	key    string
}

// NewRedisPresence wraps base with a Redis online-set mirror stored at key.
func NewRedisPresence(base *SQLStore, client *redis.Client, key string) *RedisPresence {
	if key == "" {
		key = DefaultOnlineKey
	}
	return &RedisPresence{SQLStore: base, client: client, key: key}
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis not available at %s: %w", addr, err)
	}
	return client, nil
}

// SetUserOnline writes the flag to the database and the Redis set. Both
// writes are attempted; their errors are joined.
func (p *RedisPresence) SetUserOnline(ctx context.Context, username string, online bool) error {
	dbErr := p.SQLStore.SetUserOnline(ctx, username, online)
	return errors.Join(dbErr, p.mirror(ctx, username, online))
}

// Login finds or creates the user and adds it to the online set.
func (p *RedisPresence) Login(ctx context.Context, username string) (*chat.User, error) {
	user, err := p.SQLStore.Login(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := p.mirror(ctx, username, true); err != nil {
		return nil, err
	}
	return user, nil
}

// Logout marks the user offline in the database and removes it from the
// online set.
func (p *RedisPresence) Logout(ctx context.Context, username string) error {
	dbErr := p.SQLStore.Logout(ctx, username)
	return errors.Join(dbErr, p.mirror(ctx, username, false))
}

func (p *RedisPresence) mirror(ctx context.Context, username string, online bool) error {
	var err error
	if online {
		err = p.client.SAdd(ctx, p.key, username).Err()
	} else {
		err = p.client.SRem(ctx, p.key, username).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to mirror online=%t for %s: %w", online, username, err)
	}
	return nil
}

// OnlineUsers returns the sorted members of the Redis online set.
func (p *RedisPresence) OnlineUsers(ctx context.Context) ([]string, error) {
	names, err := p.client.SMembers(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read online set: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Reset clears the online set. Called at startup, since a fresh process has
// no live connections.
func (p *RedisPresence) Reset(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("failed to reset online set: %w", err)
	}
	return nil
}

// Close closes the Redis client and the database.
func (p *RedisPresence) Close() error {
	return errors.Join(p.client.Close(), p.SQLStore.Close())
}
