package limiter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisAudit appends decisions to a capped redis list so every gateway in a
// fleet feeds one shared trail. Failures are logged and dropped; the audit
// trail must never slow down or fail a check.
type redisAudit struct {
	client  redis.Cmdable
	key     string
	max     int64
	timeout time.Duration
}

// RedisAuditOption configures a redis audit sink.
type RedisAuditOption func(*redisAudit)

// WithAuditKey sets the list key decisions are pushed to.
// Defaults to "gate:audit:adaptive".
func WithAuditKey(key string) RedisAuditOption {
	return func(a *redisAudit) {
		if key != "" {
			a.key = key
		}
	}
}

// WithAuditMax caps how many decisions the list retains.
// Defaults to 4096.
func WithAuditMax(n int64) RedisAuditOption {
	return func(a *redisAudit) {
		if n > 0 {
			a.max = n
		}
	}
}

// NewRedisAudit creates an audit sink backed by a capped redis list
// (LPUSH + LTRIM, newest first).
func NewRedisAudit(client redis.Cmdable, opts ...RedisAuditOption) AuditSink {
	a := &redisAudit{
		client:  client,
		key:     "gate:audit:adaptive",
		max:     4096,
		timeout: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordAdaptive implements AuditSink.
func (a *redisAudit) RecordAdaptive(ctx context.Context, d AdaptiveDecision) {
	payload, err := json.Marshal(d)
	if err != nil {
		log.Error().Err(err).Str("decision_id", d.ID).Msg("failed to marshal adaptive decision")
		return
	}

	ctx, cancel := opCtx(ctx, a.timeout)
	defer cancel()

	_, err = a.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, a.key, payload)
		p.LTrim(ctx, a.key, 0, a.max-1)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("decision_id", d.ID).Msg("failed to record adaptive decision")
	}
}
