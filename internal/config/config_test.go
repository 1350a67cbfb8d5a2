package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchline/internal/config"
	"switchline/internal/domain"
	"switchline/internal/scheduler"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	s := cfg.SchedulerSettings()
	assert.Equal(t, 5*time.Second, s.LoopInterval)
	assert.Equal(t, []string{domain.BusinessStatusPending}, s.Consumer.ValidBusinessStatus)
	assert.Equal(t, 10*time.Minute, s.Consumer.ReclaimIdle)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
storage:
  default_scheme: durable_only
  merchants:
    T1: cache_first
drainer:
  backend: kafka
  kafka:
    brokers: [localhost:9092]
`))
	require.NoError(t, err)
	assert.Equal(t, "switchline-drainer", cfg.Drainer.Kafka.Topic)
	assert.Equal(t, "SCHEDULER_GROUP", cfg.Scheduler.Consumer.Group)

	schemes := cfg.Schemes()
	assert.Equal(t, domain.SchemeCacheFirst, schemes.SchemeFor("T1"))
	assert.Equal(t, domain.SchemeDurableOnly, schemes.SchemeFor("T2"))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"driver":   "database:\n  driver: mysql\n",
		"postgres": "database:\n  driver: postgres\n",
		"cache":    "cache:\n  backend: memcached\n",
		"drainer":  "drainer:\n  backend: kafka\n",
		"scheme":   "storage:\n  merchants:\n    T1: write_behind\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestInvalidSchedulerSettingsAreConfigurationErrors(t *testing.T) {
	_, err := config.FromYAML([]byte("scheduler:\n  consumer:\n    batch_size: 0\n"))
	require.ErrorIs(t, err, scheduler.ErrConfiguration)
}

func TestOverride(t *testing.T) {
	cfg := config.Default()
	env := map[string]string{
		"redis.addr":                  "redis:6379",
		"drainer.kafka.brokers":       "a:9092,b:9092",
		"scheduler.consumer.disabled": "true",
	}
	require.NoError(t, cfg.Override(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Drainer.Kafka.Brokers)
	assert.True(t, cfg.Scheduler.Consumer.Disabled)

	err := cfg.Override(func(k string) (string, bool) {
		if k == "redis.db" {
			return "zero", true
		}
		return "", false
	})
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	ws := t.TempDir()
	_, err := config.Load(ws)
	require.Error(t, err)

	cfg, err := config.LoadOptional(ws)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	require.NoError(t, os.MkdirAll(filepath.Dir(config.Path(ws)), 0o755))
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(config.GenerateDefault()), 0o644))
	cfg, err = config.Load(ws)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Cache.Backend)
}
