package hub

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// presence mirror key: lifeos:presence:<user>
// Value is the gateway id; the TTL bounds how long a crashed gateway keeps a
// user looking online.
func presenceKey(userID string) string { return "lifeos:presence:" + userID }

// PresenceMirror keeps a best-effort copy of who is online on which gateway
// in Redis, so a horizontally scaled deployment can answer lookups without
// asking every node. Mirror failures are logged, never surfaced: the local
// presence table stays authoritative for this gateway.
type PresenceMirror struct {
	client    *redis.Client
	gatewayID string
	ttl       time.Duration
	logger    *zap.Logger
}

// PresenceMirrorConfig configures the Redis mirror.
type PresenceMirrorConfig struct {
	Client    *redis.Client
	GatewayID string
	TTL       time.Duration
	Logger    *zap.Logger
}

// NewPresenceMirror wraps an established Redis client. A nil client yields a
// disabled mirror whose operations are no-ops.
func NewPresenceMirror(cfg PresenceMirrorConfig) *PresenceMirror {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceMirror{
		client:    cfg.Client,
		gatewayID: cfg.GatewayID,
		ttl:       ttl,
		logger:    logger,
	}
}

// Online marks the user online on this gateway and renews the TTL.
func (m *PresenceMirror) Online(ctx context.Context, userID string) {
	if m.client == nil {
		return
	}
	if err := m.client.Set(ctx, presenceKey(userID), m.gatewayID, m.ttl).Err(); err != nil {
		m.logger.Warn("presence mirror online failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Offline deletes the user's mirror entry.
func (m *PresenceMirror) Offline(ctx context.Context, userID string) {
	if m.client == nil {
		return
	}
	if err := m.client.Del(ctx, presenceKey(userID)).Err(); err != nil {
		m.logger.Warn("presence mirror offline failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Lookup reports whether any gateway currently holds the user online.
func (m *PresenceMirror) Lookup(ctx context.Context, userID string) (string, bool, error) {
	if m.client == nil {
		return "", false, nil
	}
	gatewayID, err := m.client.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return gatewayID, true, nil
}
