package limiter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_ParsesPoliciesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: redis
  addr: redis.internal:6379
policies:
  - name: pro-tier
    algorithm: token-bucket
    limit: 1000
    window: 3600
    burst: 50
    priority: 10
    conditions:
      - field: userTier
        operator: equals
        value: pro
    overrides:
      - condition:
          field: header.X-Load-Test
          operator: equals
          value: "1"
        limit: 10
        window: 60
        algorithm: fixed-window
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, StorageRedis, cfg.Storage.Type)
	assert.Equal(t, "redis.internal:6379", cfg.Storage.Addr)
	assert.Equal(t, "gate:", cfg.Storage.KeyPrefix, "unset key prefix gets the default")
	assert.Equal(t, 250, cfg.Storage.OpTimeoutMs, "unset op timeout gets the default")

	require.Len(t, cfg.Policies, 1)
	p := cfg.Policies[0].Policy()
	assert.Equal(t, "pro-tier", p.Name)
	assert.Equal(t, AlgorithmTokenBucket, p.Algorithm)
	assert.Equal(t, int64(1000), p.Limit)
	assert.Equal(t, time.Hour, p.Window)
	require.NotNil(t, p.Burst)
	assert.Equal(t, int64(50), *p.Burst)
	assert.Equal(t, 10, p.Priority)

	require.Len(t, p.Conditions, 1)
	assert.Equal(t, "userTier", p.Conditions[0].Field)
	assert.Equal(t, OpEquals, p.Conditions[0].Operator)
	assert.Equal(t, "pro", p.Conditions[0].Value)

	require.Len(t, p.Overrides, 1)
	o := p.Overrides[0]
	assert.Equal(t, "header.X-Load-Test", o.Condition.Field)
	require.NotNil(t, o.Limit)
	assert.Equal(t, int64(10), *o.Limit)
	require.NotNil(t, o.Window)
	assert.Equal(t, time.Minute, *o.Window)
	require.NotNil(t, o.Algorithm)
	assert.Equal(t, AlgorithmFixedWindow, *o.Algorithm)
}

func TestLoadConfig_RejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown storage type",
			yaml: "storage:\n  type: dynamo\n",
		},
		{
			name: "unnamed policy",
			yaml: "policies:\n  - algorithm: token-bucket\n    limit: 10\n    window: 60\n",
		},
		{
			name: "duplicate policy names",
			yaml: `policies:
  - name: api
    algorithm: token-bucket
    limit: 10
    window: 60
  - name: api
    algorithm: sliding-window
    limit: 20
    window: 60
`,
		},
		{
			name: "zero limit",
			yaml: "policies:\n  - name: api\n    algorithm: token-bucket\n    limit: 0\n    window: 60\n",
		},
		{
			name: "zero window",
			yaml: "policies:\n  - name: api\n    algorithm: token-bucket\n    limit: 10\n    window: 0\n",
		},
		{
			name: "override with zero limit",
			yaml: `policies:
  - name: api
    algorithm: token-bucket
    limit: 10
    window: 60
    overrides:
      - condition:
          field: ip
          operator: equals
          value: "10.0.0.1"
        limit: 0
`,
		},
		{
			name: "invalid yaml",
			yaml: "\t:{",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfig_UnknownAlgorithmOnlyWarns(t *testing.T) {
	path := writeConfig(t, `policies:
  - name: experimental
    algorithm: quantum
    limit: 10
    window: 60
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Policies, 1)
	assert.Equal(t, "quantum", cfg.Policies[0].Algorithm)
}

func TestConfig_ApplyPoliciesSyncsTheRegistry(t *testing.T) {
	rl := newTestLimiter(t)
	mustAddPolicy(t, rl, Policy{Name: "a", Algorithm: AlgorithmFixedWindow, Limit: 5, Window: time.Minute})
	mustAddPolicy(t, rl, Policy{Name: "b", Algorithm: AlgorithmFixedWindow, Limit: 5, Window: time.Minute})

	cfg := &Config{Policies: []PolicyConfig{
		{Name: "b", Algorithm: AlgorithmSlidingWindow, Limit: 9, Window: 120},
	}}
	require.NoError(t, cfg.ApplyPolicies(rl))

	got := rl.Policies()
	require.Len(t, got, 1, "policies absent from the config are removed")
	assert.Equal(t, "b", got[0].Name)
	assert.Equal(t, AlgorithmSlidingWindow, got[0].Algorithm)
	assert.Equal(t, int64(9), got[0].Limit)
	assert.Equal(t, 2*time.Minute, got[0].Window)
}
