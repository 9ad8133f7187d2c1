// Package signals propagates limiter state between gateway instances over
// Redis Pub/Sub. System load snapshots, user behavior updates and policy
// changes published by one instance are applied by every listening instance.
package signals

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/toolink/gate/limiter"
)

// Signal kinds carried in the envelope.
const (
	KindSystemLoad   = "system-load"
	KindUserBehavior = "user-behavior"
	KindPolicyPut    = "policy-put"
	KindPolicyDelete = "policy-delete"
)

// Default Redis channel for signal broadcast.
const defaultChannel = "gate:signals"

var errUnknownKind = errors.New("signals: unknown signal kind")

// Envelope is the wire format for a single signal.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// behaviorPayload carries a user behavior update for one identity.
type behaviorPayload struct {
	Identity string                     `json:"identity"`
	Update   limiter.UserBehaviorUpdate `json:"update"`
}

// policyDeletePayload names the policy to remove.
type policyDeletePayload struct {
	Name string `json:"name"`
}

// Options holds configuration shared by Publisher and Listener.
type Options struct {
	// Channel is the Redis Pub/Sub channel signals travel on.
	// Defaults to "gate:signals".
	Channel string
}

// Option is a function type used to configure publishers and listeners.
type Option func(*Options)

// WithChannel sets the Redis channel used for signal broadcast.
func WithChannel(channel string) Option {
	return func(o *Options) {
		if channel != "" {
			o.Channel = channel
		}
	}
}

func defaultOptions() Options {
	return Options{Channel: defaultChannel}
}
