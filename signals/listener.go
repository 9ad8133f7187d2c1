package signals

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/limiter"
)

// Listener applies broadcast signals to a local RateLimiter. Every gateway
// instance runs one listener so load snapshots, behavior updates and policy
// changes published anywhere take effect everywhere.
type Listener struct {
	client  redis.UniversalClient
	rl      *limiter.RateLimiter
	channel string
}

// NewListener creates a listener that applies signals to rl.
// Subscribe requires a concrete client, so redis.UniversalClient is taken
// here instead of redis.Cmdable.
func NewListener(client redis.UniversalClient, rl *limiter.RateLimiter, opts ...Option) *Listener {
	if client == nil {
		panic("signals: redis client cannot be nil")
	}
	if rl == nil {
		panic("signals: rate limiter cannot be nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Listener{client: client, rl: rl, channel: o.Channel}
}

// Run subscribes to the signal channel and applies incoming signals until
// ctx is cancelled. Malformed signals are logged and skipped.
func (l *Listener) Run(ctx context.Context) error {
	sub := l.client.Subscribe(ctx, l.channel)
	defer sub.Close()

	// Confirm the subscription before consuming so a bad address or auth
	// failure surfaces immediately instead of as a silent dead listener.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("signals: subscribe %s: %w", l.channel, err)
	}

	log.Info().Str("channel", l.channel).Msg("listening for limiter signals")
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("channel", l.channel).Msg("signal listener stopping")
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				log.Warn().Str("channel", l.channel).Msg("signal subscription channel closed")
				return nil
			}
			if err := l.apply([]byte(msg.Payload)); err != nil {
				log.Error().Err(err).Str("channel", l.channel).Msg("failed to apply signal")
			}
		}
	}
}

// apply decodes one envelope and mutates the local limiter accordingly.
func (l *Listener) apply(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("signals: unmarshal envelope: %w", err)
	}

	switch env.Kind {
	case KindSystemLoad:
		var u limiter.SystemLoadUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			return fmt.Errorf("signals: unmarshal %s payload: %w", env.Kind, err)
		}
		l.rl.UpdateSystemLoad(u)

	case KindUserBehavior:
		var bp behaviorPayload
		if err := json.Unmarshal(env.Payload, &bp); err != nil {
			return fmt.Errorf("signals: unmarshal %s payload: %w", env.Kind, err)
		}
		if bp.Identity == "" {
			return fmt.Errorf("signals: %s signal without identity", env.Kind)
		}
		l.rl.UpdateUserBehavior(bp.Identity, bp.Update)

	case KindPolicyPut:
		var pc limiter.PolicyConfig
		if err := json.Unmarshal(env.Payload, &pc); err != nil {
			return fmt.Errorf("signals: unmarshal %s payload: %w", env.Kind, err)
		}
		if err := l.rl.AddPolicy(pc.Policy()); err != nil {
			return fmt.Errorf("signals: apply %s: %w", env.Kind, err)
		}

	case KindPolicyDelete:
		var pd policyDeletePayload
		if err := json.Unmarshal(env.Payload, &pd); err != nil {
			return fmt.Errorf("signals: unmarshal %s payload: %w", env.Kind, err)
		}
		l.rl.RemovePolicy(pd.Name)

	default:
		return fmt.Errorf("%w: %s", errUnknownKind, env.Kind)
	}

	log.Debug().Str("kind", env.Kind).Str("signal_id", env.ID).Msg("signal applied")
	return nil
}
