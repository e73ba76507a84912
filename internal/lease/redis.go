package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces lease keys.
const DefaultRedisPrefix = "aptsync:lease:"

// Redis is a Manager shared by every instance talking to the same server.
// Acquire is SET NX PX; Renew and Release are token-checked scripts.
type Redis struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedis returns a Redis-backed Manager. An empty prefix uses
// DefaultRedisPrefix.
func NewRedis(client redis.UniversalClient, prefix string) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{Client: client, Prefix: prefix}, nil
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", addr, err)
	}
	return NewRedis(client, prefix)
}

func (m *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("lease key cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ok, err := m.Client.SetNX(ctx, m.key(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrConflict
	}
	return &Lease{Key: key, Token: token, ExpiresAt: now.Add(ttl)}, nil
}

func (m *Redis) Renew(ctx context.Context, l *Lease, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !valid(l) {
		return nil, errors.New("valid lease is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now().UTC()
	res, err := renewScript.Run(ctx, m.Client, []string{m.key(l.Key)}, l.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("renewing lease %s: %w", l.Key, err)
	}
	if res != 1 {
		return nil, ErrConflict
	}
	return &Lease{Key: l.Key, Token: l.Token, ExpiresAt: now.Add(ttl)}, nil
}

// Release deletes the key if l still owns it. It runs on its own context so
// that a cancelled sync does not keep the lease until the TTL lapses.
func (m *Redis) Release(_ context.Context, l *Lease) error {
	if !valid(l) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := releaseScript.Run(ctx, m.Client, []string{m.key(l.Key)}, l.Token).Int(); err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.Key, err)
	}
	return nil
}

// Close closes the underlying client.
func (m *Redis) Close() error {
	return m.Client.Close()
}

func (m *Redis) key(key string) string {
	return m.Prefix + key
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating lease token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var renewScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
