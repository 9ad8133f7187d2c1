package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/toolink/gate/limiter"
	"github.com/toolink/gate/signals"
)

// adminServer mutates the running limiter. Every mutation is also
// broadcast over the signal bus when one is configured, so the whole fleet
// converges on the same state.
type adminServer struct {
	rl  *limiter.RateLimiter
	pub *signals.Publisher
}

func newAdminServer(rl *limiter.RateLimiter, pub *signals.Publisher) *adminServer {
	return &adminServer{rl: rl, pub: pub}
}

func (a *adminServer) routes(cfg config) func(chi.Router) {
	return func(r chi.Router) {
		r.Use(adminThrottle(rate.NewLimiter(rate.Limit(cfg.adminRPS), cfg.adminBurst)))
		r.Get("/policies", a.listPolicies)
		r.Put("/policies", a.putPolicy)
		r.Delete("/policies/{name}", a.deletePolicy)
		r.Put("/load", a.putLoad)
		r.Put("/behavior/{identity}", a.putBehavior)
	}
}

// adminThrottle protects the admin API itself with a simple process-local
// token bucket. Admin calls are rare, anything past a trickle is abuse.
func adminThrottle(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type policySummary struct {
	Name      string `json:"name"`
	Algorithm string `json:"algorithm"`
	Limit     int64  `json:"limit"`
	Window    int64  `json:"window"` // seconds
	Priority  int    `json:"priority"`
}

func (a *adminServer) listPolicies(w http.ResponseWriter, _ *http.Request) {
	policies := a.rl.Policies()
	out := make([]policySummary, 0, len(policies))
	for _, p := range policies {
		out = append(out, policySummary{
			Name:      p.Name,
			Algorithm: p.Algorithm,
			Limit:     p.Limit,
			Window:    int64(p.Window.Seconds()),
			Priority:  p.Priority,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *adminServer) putPolicy(w http.ResponseWriter, r *http.Request) {
	var pc limiter.PolicyConfig
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		http.Error(w, "invalid policy body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.rl.AddPolicy(pc.Policy()); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if a.pub != nil {
		if err := a.pub.PublishPolicyPut(r.Context(), pc); err != nil {
			log.Error().Err(err).Str("policy", pc.Name).Msg("failed to broadcast policy update")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminServer) deletePolicy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	a.rl.RemovePolicy(name)
	if a.pub != nil {
		if err := a.pub.PublishPolicyDelete(r.Context(), name); err != nil {
			log.Error().Err(err).Str("policy", name).Msg("failed to broadcast policy removal")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminServer) putLoad(w http.ResponseWriter, r *http.Request) {
	var u limiter.SystemLoadUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid load body: "+err.Error(), http.StatusBadRequest)
		return
	}
	a.rl.UpdateSystemLoad(u)
	if a.pub != nil {
		if err := a.pub.PublishSystemLoad(r.Context(), u); err != nil {
			log.Error().Err(err).Msg("failed to broadcast system load")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminServer) putBehavior(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}
	var u limiter.UserBehaviorUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid behavior body: "+err.Error(), http.StatusBadRequest)
		return
	}
	a.rl.UpdateUserBehavior(identity, u)
	if a.pub != nil {
		if err := a.pub.PublishUserBehavior(r.Context(), identity, u); err != nil {
			log.Error().Err(err).Str("identity", identity).Msg("failed to broadcast behavior update")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode admin response")
	}
}
