package presence

import (
	"context"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

const defaultDirectoryKey = "threads:online"

// compareAndDelete removes the user's field only while it still holds the
// connection being torn down.
// KEYS[1] = directory hash
// ARGV[1] = user id
// ARGV[2] = connection id
const luaCompareAndDelete = `
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`

// Directory is a registry shared by every instance of the service.
type Directory interface {
	Register(ctx context.Context, userId, connId string) error
	Unregister(ctx context.Context, userId, connId string) (bool, error)
	Lookup(ctx context.Context, userId string) (string, bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

// RedisDirectory keeps the user -> connection mapping in a Redis hash.
type RedisDirectory struct {
	client *redis.Client
	key    string
	cad    *redis.Script
}

var _ Directory = (*RedisDirectory)(nil)

func NewRedisDirectory(client *redis.Client, key string) *RedisDirectory {
	if key == "" {
		key = defaultDirectoryKey
	}
	return &RedisDirectory{
		client: client,
		key:    key,
		cad:    redis.NewScript(luaCompareAndDelete),
	}
}

func (d *RedisDirectory) Register(ctx context.Context, userId, connId string) error {
	if err := d.client.HSet(ctx, d.key, userId, connId).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", userId, err)
	}
	return nil
}

func (d *RedisDirectory) Unregister(ctx context.Context, userId, connId string) (bool, error) {
	n, err := d.cad.Run(ctx, d.client, []string{d.key}, userId, connId).Int()
	if err != nil {
		return false, fmt.Errorf("compare and delete %s: %w", userId, err)
	}
	return n == 1, nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, userId string) (string, bool, error) {
	connId, err := d.client.HGet(ctx, d.key, userId).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s: %w", userId, err)
	}
	return connId, true, nil
}

func (d *RedisDirectory) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := d.client.HKeys(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hkeys: %w", err)
	}
	slices.Sort(users)
	return users, nil
}
