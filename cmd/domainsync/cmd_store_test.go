package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/domainsync/internal/agent"
	"github.com/p-blackswan/domainsync/internal/cache"
	"github.com/p-blackswan/domainsync/internal/config"
	"github.com/p-blackswan/domainsync/internal/outbox"
)

func storeEnv(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("STORE_PATH", path)
	t.Setenv("MGMT_AUTH_MODE", "none")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestQueueList(t *testing.T) {
	cfg := storeEnv(t)
	ctx := context.Background()

	storage, err := agent.OpenStorage(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	q := outbox.New(nil, storage.KV, outbox.Options{Namespace: cfg.StorageNamespace, StartOffline: true}, zerolog.Nop())
	_, err = q.Enqueue(ctx, outbox.ActionRenew, outbox.DomainPayload{Domain: "a.example"}, outbox.OriginUser)
	require.NoError(t, err)
	q.Stop()
	require.NoError(t, storage.Close())

	var items []outbox.Item
	require.NoError(t, json.Unmarshal([]byte(execute(t, "queue", "list", "--json")), &items))
	require.Len(t, items, 1)
	assert.Equal(t, outbox.ActionRenew, items[0].Action)

	queueJSON = false
	assert.Contains(t, execute(t, "queue", "list"), "certificate.renew")
}

func TestCacheClear(t *testing.T) {
	cfg := storeEnv(t)
	ctx := context.Background()

	storage, err := agent.OpenStorage(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	c := cache.New(storage.KV, cache.Options{Namespace: cfg.StorageNamespace + agent.CacheSubspace}, zerolog.Nop())
	require.True(t, c.Set(ctx, "proxy_status", map[string]bool{"running": true}, time.Hour))
	require.NoError(t, storage.Close())

	assert.Equal(t, "Removed 1 cache entries\n", execute(t, "cache", "clear"))
}
