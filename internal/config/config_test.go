package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsOutOfRangeReviewThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.ReviewThreshold = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveClaimParallelism(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.ClaimParallelism = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsZeroDLQAttemptCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.DLQAttemptCap = 0
	assert.Error(t, cfg.Validate())
}

func TestNodeTimeout_FallsBackToDefault(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.NodeTimeout("evidence", time.Second))
	assert.Equal(t, 7*time.Second, cfg.Orchestrator.NodeTimeout("unconfigured-node", 7*time.Second))
}

func TestMerge_OverlaysNonZeroFields(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Orchestrator: OrchestratorConfig{ReviewThreshold: 0.9},
		Bus:          BusConfig{URL: "nats://prod:4222"},
	}
	base.Merge(override)

	assert.Equal(t, 0.9, base.Orchestrator.ReviewThreshold)
	assert.Equal(t, "nats://prod:4222", base.Bus.URL)
	assert.False(t, base.Bus.Embedded, "setting a URL should disable embedded mode")
	assert.Equal(t, 4, base.Orchestrator.ClaimParallelism, "unset override fields leave the base value untouched")
}

func TestMerge_NilOtherIsNoOp(t *testing.T) {
	base := DefaultConfig()
	before := *base
	base.Merge(nil)
	assert.Equal(t, before, *base)
}

func TestSaveAndLoadFromFile_RoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.ReviewThreshold = 0.42
	cfg.Review.RedisAddr = "redis.example:6379"

	path := filepath.Join(t.TempDir(), "nested", "orchestrator.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.42, loaded.Orchestrator.ReviewThreshold)
	assert.Equal(t, "redis.example:6379", loaded.Review.RedisAddr)
}

func TestLoadFromFile_MissingFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
