package limiter

import (
	"math"
	"sync"
	"time"
)

// UserBehavior aggregates one identity's recent traffic profile. The engine
// does not measure these itself; an external collector feeds them in through
// UpdateUserBehavior at whatever cadence it has fresh numbers.
type UserBehavior struct {
	RequestRate       float64 `json:"request_rate"`        // requests per second, informational
	ErrorRate         float64 `json:"error_rate"`          // fraction of requests that errored
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	Burstiness        float64 `json:"burstiness"`  // 0 steady .. 1 extremely bursty
	Consistency       float64 `json:"consistency"` // 0 erratic .. 1 very regular
	Reputation        float64 `json:"reputation"`  // 0 hostile .. 1 trusted
}

// SystemLoad is the gateway-wide health snapshot adaptive limits react to.
type SystemLoad struct {
	CPU       float64 `json:"cpu"`    // percent
	Memory    float64 `json:"memory"` // percent
	LatencyMs float64 `json:"latency_ms"`
	ErrorRate float64 `json:"error_rate"`
}

// defaultBehavior is the profile assumed for identities never reported on.
// The values sit in the neutral band of every scaling rule except
// reputation, where 0.5 contributes the exactly-neutral factor 1.0, so an
// unknown user at neutral load keeps their full base limit.
func defaultBehavior() UserBehavior {
	return UserBehavior{
		RequestRate:       0,
		ErrorRate:         0.05,
		AvgResponseTimeMs: 200,
		Burstiness:        0.5,
		Consistency:       0.5,
		Reputation:        0.5,
	}
}

// defaultLoad mirrors defaultBehavior for the system snapshot.
func defaultLoad() SystemLoad {
	return SystemLoad{CPU: 50, Memory: 50, LatencyMs: 100, ErrorRate: 0.02}
}

// UserBehaviorUpdate carries a partial behavior report; nil fields keep
// their current value.
type UserBehaviorUpdate struct {
	RequestRate       *float64 `json:"request_rate,omitempty"`
	ErrorRate         *float64 `json:"error_rate,omitempty"`
	AvgResponseTimeMs *float64 `json:"avg_response_time_ms,omitempty"`
	Burstiness        *float64 `json:"burstiness,omitempty"`
	Consistency       *float64 `json:"consistency,omitempty"`
	Reputation        *float64 `json:"reputation,omitempty"`
}

// SystemLoadUpdate carries a partial load report; nil fields keep their
// current value.
type SystemLoadUpdate struct {
	CPU       *float64 `json:"cpu,omitempty"`
	Memory    *float64 `json:"memory,omitempty"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
	ErrorRate *float64 `json:"error_rate,omitempty"`
}

// behaviorTable tracks behavior profiles by identity. Lookups on the check
// path take the read lock only.
type behaviorTable struct {
	mu   sync.RWMutex
	byID map[string]UserBehavior
}

func newBehaviorTable() *behaviorTable {
	return &behaviorTable{byID: make(map[string]UserBehavior)}
}

func (t *behaviorTable) get(identity string) UserBehavior {
	t.mu.RLock()
	b, ok := t.byID[identity]
	t.mu.RUnlock()
	if !ok {
		return defaultBehavior()
	}
	return b
}

func (t *behaviorTable) update(identity string, u UserBehaviorUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.byID[identity]
	if !ok {
		b = defaultBehavior()
	}
	if u.RequestRate != nil {
		b.RequestRate = *u.RequestRate
	}
	if u.ErrorRate != nil {
		b.ErrorRate = *u.ErrorRate
	}
	if u.AvgResponseTimeMs != nil {
		b.AvgResponseTimeMs = *u.AvgResponseTimeMs
	}
	if u.Burstiness != nil {
		b.Burstiness = *u.Burstiness
	}
	if u.Consistency != nil {
		b.Consistency = *u.Consistency
	}
	if u.Reputation != nil {
		b.Reputation = *u.Reputation
	}
	t.byID[identity] = b
}

// loadState holds the current system load snapshot.
type loadState struct {
	mu   sync.RWMutex
	load SystemLoad
}

func newLoadState() *loadState {
	return &loadState{load: defaultLoad()}
}

func (s *loadState) get() SystemLoad {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load
}

func (s *loadState) update(u SystemLoadUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CPU != nil {
		s.load.CPU = *u.CPU
	}
	if u.Memory != nil {
		s.load.Memory = *u.Memory
	}
	if u.LatencyMs != nil {
		s.load.LatencyMs = *u.LatencyMs
	}
	if u.ErrorRate != nil {
		s.load.ErrorRate = *u.ErrorRate
	}
}

// adaptiveMultiplier scales a base limit from the caller's behavior and the
// system's health. Each rule contributes a factor; well-behaved callers on a
// healthy system earn more headroom, noisy callers on a loaded system lose
// it. The product is clamped to [0.1, 3.0] so no input can zero out or
// explode a limit.
func adaptiveMultiplier(b UserBehavior, l SystemLoad) float64 {
	m := 1.0

	if b.ErrorRate < 0.01 {
		m *= 1.5
	} else if b.ErrorRate > 0.1 {
		m *= 0.5
	}

	if b.AvgResponseTimeMs < 100 {
		m *= 1.2
	} else if b.AvgResponseTimeMs > 500 {
		m *= 0.8
	}

	if b.Burstiness > 0.8 {
		m *= 0.7
	}
	if b.Consistency > 0.9 {
		m *= 1.3
	}

	m *= 0.5 + b.Reputation

	if l.CPU < 50 {
		m *= 1.2
	} else if l.CPU > 80 {
		m *= 0.6
	}

	if l.ErrorRate < 0.01 {
		m *= 1.1
	} else if l.ErrorRate > 0.05 {
		m *= 0.7
	}

	if m < minMultiplier {
		m = minMultiplier
	}
	if m > maxMultiplier {
		m = maxMultiplier
	}
	return m
}

// adjustLimit applies a multiplier to a base limit. The floor of 1 keeps a
// harshly clamped small limit from denying everything forever.
func adjustLimit(base int64, multiplier float64) int64 {
	adjusted := int64(math.Floor(float64(base) * multiplier))
	if adjusted < 1 {
		adjusted = 1
	}
	return adjusted
}

// AdaptiveDecision is the audit record of one adaptive limit computation.
type AdaptiveDecision struct {
	ID            string       `json:"id"`
	At            time.Time    `json:"at"`
	Identity      string       `json:"identity"`
	Policy        string       `json:"policy"`
	BaseLimit     int64        `json:"base_limit"`
	AdjustedLimit int64        `json:"adjusted_limit"`
	Multiplier    float64      `json:"multiplier"`
	Behavior      UserBehavior `json:"behavior"`
	Load          SystemLoad   `json:"load"`
}
