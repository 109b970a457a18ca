package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const keyPrefix = "finsight:report:lease:"

var (
	ErrNotConfigured = errors.New("lease_client_not_configured")
	ErrInvalidTTL    = errors.New("lease_ttl_must_be_positive")
)

// UserLease keeps two scheduler instances off the same user at once. It only
// narrows duplicate delivery; the conditional cursor update stays the
// authority on which dispatch counts.
type UserLease struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) (*UserLease, error) {
	if client == nil {
		return nil, ErrNotConfigured
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	return &UserLease{
		client: client,
		script: redis.NewScript(releaseScript),
		ttl:    ttl,
	}, nil
}

func Key(userID snowflake.ID) string {
	return keyPrefix + userID.String()
}

// Acquire returns a token when the lease was taken. ok is false when another
// holder owns it.
func (l *UserLease) Acquire(ctx context.Context, userID snowflake.ID) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrNotConfigured
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, Key(userID), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease: %w", err)
	}
	return token, ok, nil
}

// Release drops the lease if token still owns it.
func (l *UserLease) Release(ctx context.Context, userID snowflake.ID, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{Key(userID)}, token).Err()
}
