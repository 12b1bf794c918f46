package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/veriflow/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Review.RedisAddr = mr.Addr()
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestApp_StartStop(t *testing.T) {
	cfg := testConfig(t)
	app := NewApp(cfg, "test-owner", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, app.Start(ctx))
	assert.NotNil(t, app.orch)
	assert.NotNil(t, app.supervisor)
	assert.NotNil(t, app.hub)
	assert.NotNil(t, app.reviews)
	assert.NotNil(t, app.embeddedServer)

	app.Shutdown(5 * time.Second)
}

func TestApp_RunRecoveryOnly(t *testing.T) {
	cfg := testConfig(t)
	app := NewApp(cfg, "test-owner", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recovered, err := app.runRecoveryOnly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	app.Shutdown(5 * time.Second)
}

func TestApp_HardAbort(t *testing.T) {
	cfg := testConfig(t)
	app := NewApp(cfg, "test-owner", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, app.Start(ctx))
	app.HardAbort()
	app.Shutdown(5 * time.Second)
}
