// Package redisstore keeps impersonation session contexts in Redis so that
// several server instances share one view of who is impersonating whom.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/juanfont/masquerade/impersonation"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "masquerade:impersonation:"

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Contexts implements impersonation.ContextStore on Redis. Set uses SET NX
// so only one session per scope can exist across instances. Keys never
// expire on their own: a session only disappears through the service's end
// path, which writes the end entry first.
type Contexts struct {
	client redis.UniversalClient
}

// NewContexts creates a Redis backed context store.
func NewContexts(client redis.UniversalClient) *Contexts {
	return &Contexts{client: client}
}

// Key returns the Redis key holding the session of scope.
func Key(scope impersonation.Scope) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, scope.AdminID, scope.LoginSessionID)
}

// For implements impersonation.ContextStore.
func (c *Contexts) For(scope impersonation.Scope) impersonation.SessionContext {
	return &redisContext{client: c.client, key: Key(scope)}
}

type redisContext struct {
	client redis.UniversalClient
	key    string
}

func (r *redisContext) Set(ctx context.Context, session *impersonation.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	if !ok {
		return impersonation.ErrAlreadyActive
	}
	return nil
}

func (r *redisContext) Get(ctx context.Context) (*impersonation.Session, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	var session impersonation.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &session, nil
}

func (r *redisContext) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}
