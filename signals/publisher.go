package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/limiter"
)

// Publisher broadcasts signals to every listening gateway instance.
type Publisher struct {
	client  redis.Cmdable
	channel string
}

// NewPublisher creates a publisher on the given Redis client.
func NewPublisher(client redis.Cmdable, opts ...Option) *Publisher {
	if client == nil {
		panic("signals: redis client cannot be nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Publisher{client: client, channel: o.Channel}
}

// PublishSystemLoad broadcasts a system load snapshot.
func (p *Publisher) PublishSystemLoad(ctx context.Context, u limiter.SystemLoadUpdate) error {
	return p.publish(ctx, KindSystemLoad, u)
}

// PublishUserBehavior broadcasts a behavior update for one identity.
func (p *Publisher) PublishUserBehavior(ctx context.Context, identity string, u limiter.UserBehaviorUpdate) error {
	return p.publish(ctx, KindUserBehavior, behaviorPayload{Identity: identity, Update: u})
}

// PublishPolicyPut broadcasts a policy to add or replace.
func (p *Publisher) PublishPolicyPut(ctx context.Context, pc limiter.PolicyConfig) error {
	return p.publish(ctx, KindPolicyPut, pc)
}

// PublishPolicyDelete broadcasts removal of a named policy.
func (p *Publisher) PublishPolicyDelete(ctx context.Context, name string) error {
	return p.publish(ctx, KindPolicyDelete, policyDeletePayload{Name: name})
}

func (p *Publisher) publish(ctx context.Context, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signals: marshal %s payload: %w", kind, err)
	}
	env := Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		At:      time.Now().UTC(),
		Payload: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signals: marshal %s envelope: %w", kind, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		log.Error().Err(err).Str("kind", kind).Str("channel", p.channel).Msg("failed to publish signal")
		return fmt.Errorf("signals: publish %s: %w", kind, err)
	}
	log.Debug().Str("kind", kind).Str("signal_id", env.ID).Msg("signal published")
	return nil
}
