// Package redis implements the covpipe.Cache interface over a Redis
// server or cluster, including the advisory lock protocol the pipeline
// serialises per-commit work with.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/covpipe/covpipe"
)

type client struct {
	conn    *Connection
	isOwner bool
}

var errNotOpen = fmt.Errorf("Redis connection is not open, 'can't create new client")

// NewClient returns a Cache backed by the singleton Redis connection.
// OpenConnection must have been called.
func NewClient() covpipe.Cache {
	return &client{
		conn: connection,
	}
}

// NewConnectionClient opens a new Redis connection then returns a client
// wrapper for it. Returned wrapper has "Close" method you can call when you
// don't need it anymore.
func NewConnectionClient(options Options) covpipe.CloseableCache {
	c := openConnection(options)
	return &client{
		conn:    c,
		isOwner: true,
	}
}

// Close this client's connection.
func (c *client) Close() error {
	if !c.isOwner || c.conn == nil {
		return nil
	}
	err := closeConnection(c.conn)
	c.conn = nil
	return err
}

// keyNotFound will detect whether error signifies key not found by Redis.
func (c *client) keyNotFound(err error) bool {
	return err == redis.Nil
}

// Ping tests connectivity for redis (PONG should be returned).
func (c *client) Ping(ctx context.Context) error {
	if c.conn == nil {
		return errNotOpen
	}
	return c.conn.Client.Ping(ctx).Err()
}

// Set executes the redis Set command.
func (c *client) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if c.conn == nil {
		return errNotOpen
	}
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	return c.conn.Client.Set(ctx, key, value, expiration).Err()
}

// Get executes the redis Get command.
func (c *client) Get(ctx context.Context, key string) (bool, string, error) {
	if c.conn == nil {
		return false, "", errNotOpen
	}
	s, err := c.conn.Client.Get(ctx, key).Result()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

// GetEx executes the redis GetEx command.
func (c *client) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	if c.conn == nil {
		return false, "", errNotOpen
	}
	s, err := c.conn.Client.GetEx(ctx, key, expiration).Result()
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

// SetStruct marshals value then executes the redis Set command.
func (c *client) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	if c.conn == nil {
		return errNotOpen
	}
	if expiration < 0 {
		return nil
	}
	ba, err := covpipe.DefaultMarshaler.Marshal(value)
	if err != nil {
		return err
	}
	return c.conn.Client.Set(ctx, key, ba, expiration).Err()
}

// GetStruct executes the redis Get command and unmarshals into target.
func (c *client) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	if c.conn == nil {
		return false, errNotOpen
	}
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	ba, err := c.conn.Client.Get(ctx, key).Bytes()
	if err == nil {
		err = covpipe.DefaultMarshaler.Unmarshal(ba, target)
	}
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}

// Delete executes the redis Del command.
func (c *client) Delete(ctx context.Context, keys []string) (bool, error) {
	if c.conn == nil {
		return false, errNotOpen
	}
	rs := c.conn.Client.Del(ctx, keys...)
	err := rs.Err()
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}

// RPush appends values to the list at key.
func (c *client) RPush(ctx context.Context, key string, values ...[]byte) error {
	if c.conn == nil {
		return errNotOpen
	}
	args := make([]any, len(values))
	for i := range values {
		args[i] = values[i]
	}
	return c.conn.Client.RPush(ctx, key, args...).Err()
}

// LPop pops one element from the head of the list at key. Missing key or
// empty list returns (false, nil, nil).
func (c *client) LPop(ctx context.Context, key string) (bool, []byte, error) {
	if c.conn == nil {
		return false, nil, errNotOpen
	}
	ba, err := c.conn.Client.LPop(ctx, key).Bytes()
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, ba, err
}

// LLen returns the length of the list at key.
func (c *client) LLen(ctx context.Context, key string) (int64, error) {
	if c.conn == nil {
		return 0, errNotOpen
	}
	return c.conn.Client.LLen(ctx, key).Result()
}

// SAdd adds members to the set at key.
func (c *client) SAdd(ctx context.Context, key string, members ...string) error {
	if c.conn == nil {
		return errNotOpen
	}
	args := make([]any, len(members))
	for i := range members {
		args[i] = members[i]
	}
	return c.conn.Client.SAdd(ctx, key, args...).Err()
}

// SRem removes members from the set at key.
func (c *client) SRem(ctx context.Context, key string, members ...string) error {
	if c.conn == nil {
		return errNotOpen
	}
	args := make([]any, len(members))
	for i := range members {
		args[i] = members[i]
	}
	return c.conn.Client.SRem(ctx, key, args...).Err()
}

// SMove atomically moves member from source to destination. Returns false
// when member was not in source.
func (c *client) SMove(ctx context.Context, source string, destination string, member string) (bool, error) {
	if c.conn == nil {
		return false, errNotOpen
	}
	return c.conn.Client.SMove(ctx, source, destination, member).Result()
}

// SCard returns the cardinality of the set at key.
func (c *client) SCard(ctx context.Context, key string) (int64, error) {
	if c.conn == nil {
		return 0, errNotOpen
	}
	return c.conn.Client.SCard(ctx, key).Result()
}

// SMembers returns all members of the set at key.
func (c *client) SMembers(ctx context.Context, key string) ([]string, error) {
	if c.conn == nil {
		return nil, errNotOpen
	}
	return c.conn.Client.SMembers(ctx, key).Result()
}

// SRandMemberN returns up to count distinct random members of the set at key.
func (c *client) SRandMemberN(ctx context.Context, key string, count int64) ([]string, error) {
	if c.conn == nil {
		return nil, errNotOpen
	}
	return c.conn.Client.SRandMemberN(ctx, key, count).Result()
}

// HSet sets the given fields on the hash at key.
func (c *client) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	if c.conn == nil {
		return errNotOpen
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return c.conn.Client.HSet(ctx, key, args...).Err()
}

// HGetAll returns all fields of the hash at key. Missing key yields an
// empty map.
func (c *client) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	if c.conn == nil {
		return nil, errNotOpen
	}
	m, err := c.conn.Client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	r := make(map[string][]byte, len(m))
	for f, v := range m {
		r[f] = []byte(v)
	}
	return r, nil
}

// Expire sets a TTL on key.
func (c *client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if c.conn == nil {
		return errNotOpen
	}
	return c.conn.Client.Expire(ctx, key, ttl).Err()
}

// Incr increments the integer at key by one, returning the new value.
func (c *client) Incr(ctx context.Context, key string) (int64, error) {
	if c.conn == nil {
		return 0, errNotOpen
	}
	return c.conn.Client.Incr(ctx, key).Result()
}

// IncrBy increments the integer at key by n, returning the new value.
func (c *client) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	if c.conn == nil {
		return 0, errNotOpen
	}
	return c.conn.Client.IncrBy(ctx, key, n).Result()
}

// ZAdd adds member with score to the sorted set at key.
func (c *client) ZAdd(ctx context.Context, key string, score float64, member []byte) error {
	if c.conn == nil {
		return errNotOpen
	}
	return c.conn.Client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZPopByScore removes and returns up to count members with score <= max.
// Used for due-time delivery of scheduled tasks.
func (c *client) ZPopByScore(ctx context.Context, key string, max float64, count int64) ([][]byte, error) {
	if c.conn == nil {
		return nil, errNotOpen
	}
	members, err := c.conn.Client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", max),
		Count: count,
	}).Result()
	if err != nil {
		return nil, err
	}
	r := make([][]byte, 0, len(members))
	for _, m := range members {
		// Only the caller that removes the member owns it; ZRem returns the
		// removed count so concurrent poppers never double-deliver.
		n, err := c.conn.Client.ZRem(ctx, key, m).Result()
		if err != nil {
			return r, err
		}
		if n > 0 {
			r = append(r, []byte(m))
		}
	}
	return r, nil
}
