package limiter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Policy describes one admission rule: who it applies to (Conditions), how
// much traffic it admits (Limit per Window) and with which algorithm.
type Policy struct {
	Name      string
	Algorithm string

	// Limit is the number of requests admitted per Window.
	Limit  int64
	Window time.Duration

	// Burst is the starting token balance for the token bucket algorithm.
	// Nil means start at full capacity; pointing at zero starts empty.
	Burst *int64

	// Priority orders evaluation, highest first. Policies registered
	// earlier win ties.
	Priority int

	// Conditions must ALL match for the policy to apply. A policy without
	// conditions matches every request.
	Conditions []Condition

	// Overrides substitute limit/window/algorithm when their condition
	// matches; the first matching override wins and the policy name stays.
	Overrides []Override

	seq int // registration sequence, breaks priority ties
}

// Override substitutes parts of its policy for requests matching Condition.
type Override struct {
	Condition Condition
	Limit     *int64
	Window    *time.Duration
	Algorithm *string
}

// validate rejects policies the engine cannot evaluate at all. Unknown
// algorithm names pass here on purpose: they are a runtime fail-open case,
// not a registration error, so a fleet can roll out new algorithm names
// before every instance understands them.
func (p *Policy) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidPolicy)
	}
	if p.Limit <= 0 {
		return fmt.Errorf("%w: policy %q has invalid limit %d, must be positive", ErrInvalidPolicy, p.Name, p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: policy %q has invalid window %s, must be positive", ErrInvalidPolicy, p.Name, p.Window)
	}
	return nil
}

// prepare compiles condition regexes. Invalid patterns are logged and left
// evaluating false rather than rejected; see Condition.prepare.
func (p *Policy) prepare() {
	for i := range p.Conditions {
		p.Conditions[i].prepare(p.Name)
	}
	for i := range p.Overrides {
		p.Overrides[i].Condition.prepare(p.Name)
	}
}

// matches reports whether every condition of the policy holds for req.
func (p *Policy) matches(req *Request) bool {
	for i := range p.Conditions {
		if !p.Conditions[i].matches(req) {
			return false
		}
	}
	return true
}

// effectivePolicy is a policy after override substitution, ready to dispatch.
type effectivePolicy struct {
	name      string
	algorithm string
	limit     int64
	window    time.Duration
	burst     *int64
}

// effective applies the first matching override to a copy of the policy's
// dispatch parameters. The name is never overridden.
func (p *Policy) effective(req *Request) effectivePolicy {
	e := effectivePolicy{
		name:      p.Name,
		algorithm: p.Algorithm,
		limit:     p.Limit,
		window:    p.Window,
		burst:     p.Burst,
	}
	for i := range p.Overrides {
		o := &p.Overrides[i]
		if !o.Condition.matches(req) {
			continue
		}
		if o.Limit != nil {
			e.limit = *o.Limit
		}
		if o.Window != nil {
			e.window = *o.Window
		}
		if o.Algorithm != nil {
			e.algorithm = *o.Algorithm
		}
		break
	}
	return e
}

// keyFor derives the storage key for req under this effective policy:
// name:identity, plus the path for per-endpoint policies so each endpoint
// counts separately.
func (e effectivePolicy) keyFor(req *Request) string {
	key := e.name + ":" + identityOf(req)
	if strings.Contains(e.name, "endpoint") {
		key += ":" + req.Path
	}
	return key
}

// identityOf picks the most specific identity a request carries: the user,
// else the api key, else the client ip.
func identityOf(req *Request) string {
	switch {
	case req.UserID != "":
		return "user:" + req.UserID
	case req.APIKey != "":
		return "key:" + req.APIKey
	default:
		return "ip:" + req.IP
	}
}

// behaviorIdentity is the identity behavior profiles are tracked under:
// the user id when known, the client ip otherwise. API keys are deliberately
// not used; a key shared by many clients has no single behavior.
func behaviorIdentity(req *Request) string {
	if req.UserID != "" {
		return req.UserID
	}
	return req.IP
}

// policyRegistry holds the registered policies in evaluation order:
// priority descending, registration order ascending on ties. Reads vastly
// outnumber writes, so the ordered snapshot is rebuilt on write and handed
// out under a read lock.
type policyRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*Policy
	ordered []*Policy
	nextSeq int
}

func newPolicyRegistry() *policyRegistry {
	return &policyRegistry{byName: make(map[string]*Policy)}
}

// add registers p, replacing any policy with the same name. A replaced
// policy keeps its original position among equal priorities.
func (r *policyRegistry) add(p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byName[p.Name]; ok {
		p.seq = old.seq
	} else {
		p.seq = r.nextSeq
		r.nextSeq++
	}
	r.byName[p.Name] = p
	r.rebuild()
}

// remove drops the named policy, reporting whether it existed.
func (r *policyRegistry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; !ok {
		return false
	}
	delete(r.byName, name)
	r.rebuild()
	return true
}

// rebuild recomputes the evaluation order. Callers hold the write lock.
func (r *policyRegistry) rebuild() {
	ordered := make([]*Policy, 0, len(r.byName))
	for _, p := range r.byName {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].seq < ordered[j].seq
	})
	r.ordered = ordered
}

// snapshot returns the policies in evaluation order. The slice is shared;
// callers must not mutate it.
func (r *policyRegistry) snapshot() []*Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ordered
}
