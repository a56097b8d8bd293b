package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"updatebot/internal/config"
	"updatebot/internal/engine"
	"updatebot/internal/storage"
)

func TestOpenWiresLocalRuntime(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	rt, err := Open(context.Background(), dir, cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.Engine.Staleness)
	require.NotNil(t, rt.Engine.Converter)
	require.Nil(t, rt.Engine.Notifier)
	_, ok := rt.Engine.Store.(*storage.Local)
	require.True(t, ok)

	report, err := rt.Engine.CrawlAll(context.Background(), engine.CrawlFilter{})
	require.NoError(t, err)
	require.Empty(t, report.Roots)
}

func TestOpenFailsOnUnreachableRedis(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Staleness.Backend = "redis"
	cfg.Staleness.Addr = "127.0.0.1:1"
	_, err := Open(context.Background(), dir, cfg, nil, prometheus.NewRegistry())
	require.ErrorContains(t, err, "redis")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
}
