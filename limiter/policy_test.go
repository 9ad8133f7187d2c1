package limiter

import (
	"errors"
	"testing"
	"time"
)

func policyNames(ps []*Policy) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}

func TestPolicyRegistry_EvaluationOrder(t *testing.T) {
	reg := newPolicyRegistry()
	reg.add(&Policy{Name: "low", Priority: 1})
	reg.add(&Policy{Name: "tie-a", Priority: 10})
	reg.add(&Policy{Name: "tie-b", Priority: 10})

	got := policyNames(reg.snapshot())
	want := []string{"tie-a", "tie-b", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}

	// Replacing keeps the original slot among equal priorities.
	reg.add(&Policy{Name: "tie-a", Priority: 10, Limit: 99})
	got = policyNames(reg.snapshot())
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order preserved after replacement %v, got %v", want, got)
		}
	}
	if reg.snapshot()[0].Limit != 99 {
		t.Errorf("expected the replacement's limit, got %d", reg.snapshot()[0].Limit)
	}

	if !reg.remove("tie-a") {
		t.Error("expected remove to report an existing policy")
	}
	if reg.remove("tie-a") {
		t.Error("expected remove to report a missing policy")
	}
	if got := policyNames(reg.snapshot()); len(got) != 2 {
		t.Errorf("expected 2 policies after removal, got %v", got)
	}
}

func TestPolicy_ValidateRejectsBrokenPolicies(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"empty name", Policy{Algorithm: AlgorithmSlidingWindow, Limit: 1, Window: time.Second}},
		{"zero limit", Policy{Name: "p", Algorithm: AlgorithmSlidingWindow, Window: time.Second}},
		{"negative limit", Policy{Name: "p", Algorithm: AlgorithmSlidingWindow, Limit: -1, Window: time.Second}},
		{"zero window", Policy{Name: "p", Algorithm: AlgorithmSlidingWindow, Limit: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.validate(); !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}

	ok := Policy{Name: "p", Algorithm: "not-a-real-algorithm", Limit: 1, Window: time.Second}
	if err := ok.validate(); err != nil {
		t.Errorf("unknown algorithm names are a runtime concern, not a validation error: %v", err)
	}
}

func TestPolicy_EffectiveAppliesFirstMatchingOverride(t *testing.T) {
	p := Policy{
		Name:      "api",
		Algorithm: AlgorithmSlidingWindow,
		Limit:     100,
		Window:    time.Hour,
		Overrides: []Override{
			{
				Condition: Condition{Field: "userTier", Operator: OpEquals, Value: "premium"},
				Limit:     ptr(int64(500)),
			},
			{
				Condition: Condition{Field: "userTier", Operator: OpEquals, Value: "premium"},
				Limit:     ptr(int64(1)),
			},
			{
				Condition: Condition{Field: "header.X-Canary", Operator: OpEquals, Value: "1"},
				Window:    ptr(time.Minute),
				Algorithm: ptr(AlgorithmFixedWindow),
			},
		},
	}
	p.prepare()

	premium := p.effective(&Request{Metadata: map[string]any{"userTier": "premium"}})
	if premium.limit != 500 {
		t.Errorf("expected the first matching override to win, got limit %d", premium.limit)
	}
	if premium.name != "api" {
		t.Errorf("overrides must not rename the policy, got %q", premium.name)
	}
	if premium.window != time.Hour {
		t.Errorf("untouched fields keep the policy values, got window %s", premium.window)
	}

	canary := p.effective(&Request{Headers: map[string]string{"X-Canary": "1"}})
	if canary.algorithm != AlgorithmFixedWindow || canary.window != time.Minute || canary.limit != 100 {
		t.Errorf("unexpected canary dispatch: %+v", canary)
	}

	plain := p.effective(&Request{})
	if plain.limit != 100 || plain.algorithm != AlgorithmSlidingWindow {
		t.Errorf("unexpected plain dispatch: %+v", plain)
	}
}

func TestEffectivePolicy_KeyDerivation(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		req    *Request
		want   string
	}{
		{"user beats api key", "api", &Request{UserID: "u1", APIKey: "k1", IP: "10.0.0.1"}, "api:user:u1"},
		{"api key beats ip", "api", &Request{APIKey: "k1", IP: "10.0.0.1"}, "api:key:k1"},
		{"ip is the floor", "api", &Request{IP: "10.0.0.1"}, "api:ip:10.0.0.1"},
		{"endpoint policies append the path", "endpoint-burst", &Request{IP: "10.0.0.1", Path: "/v1/items"}, "endpoint-burst:ip:10.0.0.1:/v1/items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := effectivePolicy{name: tt.policy}
			if got := e.keyFor(tt.req); got != tt.want {
				t.Errorf("expected key %q, got %q", tt.want, got)
			}
		})
	}
}

func TestBehaviorIdentity_IgnoresAPIKeys(t *testing.T) {
	if got := behaviorIdentity(&Request{UserID: "u1", APIKey: "k1", IP: "10.0.0.1"}); got != "u1" {
		t.Errorf("expected the user id, got %q", got)
	}
	if got := behaviorIdentity(&Request{APIKey: "k1", IP: "10.0.0.1"}); got != "10.0.0.1" {
		t.Errorf("behavior profiles track the ip when no user is known, got %q", got)
	}
}
