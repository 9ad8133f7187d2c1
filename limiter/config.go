package limiter

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Valid storage types
var validStorage = map[string]bool{
	StorageMemory:      true,
	StorageRedis:       true,
	StorageRedisLocked: true,
}

// Valid condition operators
var validOperators = map[string]bool{
	OpEquals:   true,
	OpContains: true,
	OpMatches:  true,
	OpIn:       true,
	OpGreater:  true,
	OpLess:     true,
}

// Config holds the on-disk configuration: the storage backend and the
// policy set. Windows are expressed in whole seconds.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Policies []PolicyConfig `yaml:"policies"`
}

// StorageConfig selects and parameterizes the backing store.
type StorageConfig struct {
	Type        string `yaml:"type"` // "memory", "redis" or "redis-locked"
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	KeyPrefix   string `yaml:"key_prefix"`
	OpTimeoutMs int    `yaml:"op_timeout_ms"`
}

// PolicyConfig is the serialized form of a Policy.
type PolicyConfig struct {
	Name       string            `yaml:"name" json:"name"`
	Algorithm  string            `yaml:"algorithm" json:"algorithm"`
	Limit      int64             `yaml:"limit" json:"limit"`
	Window     int64             `yaml:"window" json:"window"` // seconds
	Burst      *int64            `yaml:"burst,omitempty" json:"burst,omitempty"`
	Priority   int               `yaml:"priority" json:"priority"`
	Conditions []ConditionConfig `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Overrides  []OverrideConfig  `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// ConditionConfig is the serialized form of a Condition.
type ConditionConfig struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value" json:"value"`
}

// OverrideConfig is the serialized form of an Override.
type OverrideConfig struct {
	Condition ConditionConfig `yaml:"condition" json:"condition"`
	Limit     *int64          `yaml:"limit,omitempty" json:"limit,omitempty"`
	Window    *int64          `yaml:"window,omitempty" json:"window,omitempty"` // seconds
	Algorithm *string         `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
}

// LoadConfig reads, parses and validates a yaml config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("limiter: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("limiter: parse config %s: %w", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
	if c.Storage.Addr == "" {
		c.Storage.Addr = "localhost:6379"
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "gate:"
	}
	if c.Storage.OpTimeoutMs <= 0 {
		c.Storage.OpTimeoutMs = 250
	}
}

// Validate checks the config for mistakes the engine cannot work around.
// Unknown algorithm names only warn (they fail open at check time), unknown
// operators and invalid regexes only warn (those conditions never match);
// everything else here is fatal.
func (c *Config) Validate() error {
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("limiter: invalid storage type: %s, must be '%s', '%s' or '%s'", c.Storage.Type, StorageMemory, StorageRedis, StorageRedisLocked)
	}

	if len(c.Policies) == 0 {
		log.Warn().Msg("no policies defined in config, all traffic falls through to the default policy")
	}

	seenNames := make(map[string]bool)
	for i := range c.Policies {
		p := &c.Policies[i]

		if p.Name == "" {
			return fmt.Errorf("limiter: policy %d has no name", i)
		}
		if seenNames[p.Name] {
			return fmt.Errorf("limiter: duplicate policy name: %s", p.Name)
		}
		seenNames[p.Name] = true

		if p.Limit <= 0 {
			return fmt.Errorf("limiter: policy '%s' has invalid limit: %d, must be positive", p.Name, p.Limit)
		}
		if p.Window <= 0 {
			return fmt.Errorf("limiter: policy '%s' has invalid window: %d, must be positive", p.Name, p.Window)
		}

		if !knownAlgorithm(p.Algorithm) {
			log.Warn().Str("policy", p.Name).Str("algorithm", p.Algorithm).Msg("policy uses unknown algorithm, its checks will fail open")
		}

		for _, cond := range p.Conditions {
			if !validOperators[cond.Operator] {
				log.Warn().Str("policy", p.Name).Str("operator", cond.Operator).Msg("unknown condition operator, condition will never match")
			}
		}
		for _, o := range p.Overrides {
			if !validOperators[o.Condition.Operator] {
				log.Warn().Str("policy", p.Name).Str("operator", o.Condition.Operator).Msg("unknown override operator, override will never apply")
			}
			if o.Limit != nil && *o.Limit <= 0 {
				return fmt.Errorf("limiter: policy '%s' override has invalid limit: %d, must be positive", p.Name, *o.Limit)
			}
			if o.Window != nil && *o.Window <= 0 {
				return fmt.Errorf("limiter: policy '%s' override has invalid window: %d, must be positive", p.Name, *o.Window)
			}
		}
	}
	return nil
}

// Policy converts the serialized form into a runtime policy.
func (pc PolicyConfig) Policy() Policy {
	p := Policy{
		Name:      pc.Name,
		Algorithm: pc.Algorithm,
		Limit:     pc.Limit,
		Window:    time.Duration(pc.Window) * time.Second,
		Burst:     pc.Burst,
		Priority:  pc.Priority,
	}
	for _, cc := range pc.Conditions {
		p.Conditions = append(p.Conditions, Condition{Field: cc.Field, Operator: cc.Operator, Value: cc.Value})
	}
	for _, oc := range pc.Overrides {
		o := Override{
			Condition: Condition{Field: oc.Condition.Field, Operator: oc.Condition.Operator, Value: oc.Condition.Value},
			Limit:     oc.Limit,
			Algorithm: oc.Algorithm,
		}
		if oc.Window != nil {
			w := time.Duration(*oc.Window) * time.Second
			o.Window = &w
		}
		p.Overrides = append(p.Overrides, o)
	}
	return p
}

// ApplyPolicies registers every configured policy on rl and removes
// registered policies the config no longer contains. The built-in default
// and fallback behaviors are unaffected.
func (c *Config) ApplyPolicies(rl *RateLimiter) error {
	desired := make(map[string]bool, len(c.Policies))
	for _, pc := range c.Policies {
		desired[pc.Name] = true
		if err := rl.AddPolicy(pc.Policy()); err != nil {
			return err
		}
	}
	for _, existing := range rl.Policies() {
		if !desired[existing.Name] {
			rl.RemovePolicy(existing.Name)
		}
	}
	return nil
}
