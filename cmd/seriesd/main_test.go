package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/eventseries/internal/config"
	"github.com/cyp0633/eventseries/internal/lock"
	"github.com/cyp0633/eventseries/series/memory"
)

func TestNewLogger(t *testing.T) {
	t.Run("json at warn", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.LogFormat = "json"
		cfg.LogLevel = "warn"

		var buf bytes.Buffer
		logger, err := newLogger(&buf, cfg)
		require.NoError(t, err)

		logger.Info("hidden")
		logger.Warn("shown", "slug", "standup")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), `"msg":"shown"`)
		assert.Contains(t, buf.String(), `"slug":"standup"`)
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := newLogger(&buf, config.DefaultConfig())
		require.NoError(t, err)

		logger.Info("started")
		assert.Contains(t, buf.String(), "msg=started")
	})

	t.Run("bad level", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.LogLevel = "loud"
		_, err := newLogger(io.Discard, cfg)
		assert.Error(t, err)
	})
}

func TestLocalFallbacks(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.LockWait = 10 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg, logger)
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &memory.Store{}, store)

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	require.NoError(t, err)
	defer closeLocker()
	assert.IsType(t, &lock.Local{}, locker)

	unlock, err := locker.Lock(ctx, "k")
	require.NoError(t, err)
	_, err = locker.Lock(ctx, "k")
	assert.ErrorIs(t, err, lock.ErrHeld)
	unlock()
}
