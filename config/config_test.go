package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/engine"
	"github.com/hupe1980/biomesh/flagpool"
	"github.com/hupe1980/biomesh/tool"
)

const sample = `
worker:
  addr: 10.0.0.7:7001
  listen: ":7001"
  tools_dir: /opt/biomesh/tools
  grace_period: 2s
flags:
  backend: sqlite
  path: ${BIOMESH_STATE:-/var/lib/biomesh}/flags.db
models:
  default:
    provider: openai
    model: gpt-4o
    api_key: ${BIOMESH_TEST_KEY}
  fast:
    provider: anthropic
    model: claude-haiku
agents:
  parser: fast
  titler: fast
retry:
  max_attempts: 5
  backoff: 250ms
logging:
  level: debug
  format: text
`

func TestParse(t *testing.T) {
	t.Setenv("BIOMESH_TEST_KEY", "sk-test")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateWorker())

	assert.Equal(t, "10.0.0.7:7001", cfg.Worker.Addr)
	assert.Equal(t, ":7001", cfg.Worker.ListenAddr())
	assert.Equal(t, 2*time.Second, cfg.Worker.GracePeriod)
	assert.Equal(t, core.DefaultReplanBudget, cfg.Worker.ReplanBudget)
	assert.Equal(t, "/var/lib/biomesh/flags.db", cfg.Flags.Path)
	assert.Equal(t, "sk-test", cfg.Models["default"].APIKey)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.Backoff)
	assert.Equal(t, ":7000", cfg.Dispatcher.Listen)

	assert.Equal(t, map[string]string{
		"parser":    "fast",
		"planner":   "default",
		"connector": "default",
		"responder": "default",
		"titler":    "fast",
	}, cfg.Agents.Presets())
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("BIOMESH_SET", "value")
	t.Setenv("BIOMESH_EMPTY", "")

	assert.Equal(t, "value", ExpandEnv("${BIOMESH_SET}"))
	assert.Equal(t, "value", ExpandEnv("${BIOMESH_SET:-other}"))
	assert.Equal(t, "other", ExpandEnv("${BIOMESH_EMPTY:-other}"))
	assert.Equal(t, "", ExpandEnv("${BIOMESH_UNSET_VARIABLE}"))
	assert.Equal(t, "$HOME stays", ExpandEnv("$HOME stays"))
}

func TestValidate(t *testing.T) {
	_, err := Parse([]byte(`
flags:
  backend: etcd
retry:
  max_attempts: 0
logging:
  format: xml
models:
  broken:
    provider: openai
`))
	require.Error(t, err)
	for _, field := range []string{"flags.backend", "retry.max_attempts", "logging.format", "models.broken.model"} {
		assert.ErrorContains(t, err, field)
	}
}

func TestValidateWorker(t *testing.T) {
	cfg, err := Parse([]byte(`
models:
  default:
    provider: openai
    model: gpt-4o
agents:
  planner: missing
`))
	require.NoError(t, err)
	err = cfg.ValidateWorker()
	require.Error(t, err)
	assert.ErrorContains(t, err, `agents.planner: unknown model preset "missing"`)

	cfg = Default()
	assert.ErrorContains(t, cfg.ValidateWorker(), "models")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biomesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOpenFlags(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{BackendFile, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := Default()
			cfg.Flags.Backend = backend
			cfg.Flags.Path = filepath.Join(t.TempDir(), "flags")

			store, err := cfg.OpenFlags(ctx)
			require.NoError(t, err)
			defer store.Close()

			require.NoError(t, store.Set(ctx, "10.0.0.7:7001", flagpool.StateIdle))
			e, err := store.Get(ctx, "10.0.0.7:7001")
			require.NoError(t, err)
			assert.Equal(t, flagpool.StateIdle, e.State)
		})
	}
}

func TestEngineOptions(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	logger := cfg.NewLogger("worker")
	client := cfg.NewModelClient(logger)
	assert.Equal(t, "default", client.Preset())

	reg, err := tool.NewRegistry("")
	require.NoError(t, err)
	orch := engine.New(reg, client, cfg.EngineOptions(logger))
	assert.NotNil(t, orch.Sessions())
}
