package remote

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/domainsync/internal/cache"
	"github.com/p-blackswan/domainsync/internal/clock"
	"github.com/p-blackswan/domainsync/internal/models"
	"github.com/p-blackswan/domainsync/internal/outbox"
	"github.com/p-blackswan/domainsync/pkg/kvstore"
)

var _ outbox.Executor = (*Cached)(nil)

type published struct {
	channel string
	event   string
	data    map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(channel, event string, data any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{channel, event, data.(map[string]any)})
	return true
}

type cachedFixture struct {
	cached *Cached
	cache  *cache.Cache
	clk    *clock.Fake
	pub    *recordingPublisher
	hits   map[string]*atomic.Int32
}

func newCachedFixture(t *testing.T, handler func(w http.ResponseWriter, r *http.Request) bool) *cachedFixture {
	t.Helper()
	f := &cachedFixture{
		clk:  clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		pub:  &recordingPublisher{},
		hits: map[string]*atomic.Int32{},
	}
	var mu sync.Mutex
	client, server := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		c, ok := f.hits[r.URL.Path]
		if !ok {
			c = &atomic.Int32{}
			f.hits[r.URL.Path] = c
		}
		mu.Unlock()
		c.Add(1)
		if handler != nil && handler(w, r) {
			return
		}
		switch r.URL.Path {
		case "/api/cert/status":
			writeEnvelope(w, true, "", map[string]any{"status": "valid"})
		case "/api/dns/records":
			writeEnvelope(w, true, "", []map[string]any{{"type": "A", "name": "www", "value": "10.0.0.1"}})
		case "/api/proxy/status":
			writeEnvelope(w, true, "", map[string]any{"running": true})
		default:
			writeEnvelope(w, true, "", nil)
		}
	})
	t.Cleanup(server.Close)

	store := kvstore.NewMemoryStore(kvstore.MemoryOptions{})
	f.cache = cache.New(store, cache.Options{Namespace: "domain_cache_", Clock: f.clk}, zerolog.Nop())
	f.cached = NewCached(client, f.cache, f.pub, zerolog.Nop())
	return f
}

func (f *cachedFixture) count(path string) int32 {
	if c, ok := f.hits[path]; ok {
		return c.Load()
	}
	return 0
}

func TestCached_CertificateStatusTTL(t *testing.T) {
	f := newCachedFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec, err := f.cached.CertificateStatus(ctx, "a.example")
		require.NoError(t, err)
		assert.Equal(t, models.CertStatusValid, rec.Status)
	}
	assert.Equal(t, int32(1), f.count("/api/cert/status"))

	f.clk.Advance(CertStatusTTL + time.Millisecond)
	_, err := f.cached.CertificateStatus(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.count("/api/cert/status"))
}

func TestCached_RenewInvalidatesAndPublishes(t *testing.T) {
	f := newCachedFixture(t, nil)
	ctx := context.Background()

	_, err := f.cached.CertificateStatus(ctx, "a.example")
	require.NoError(t, err)
	_, ok := f.cache.Get(ctx, CertStatusKey("a.example"))
	require.True(t, ok)

	require.NoError(t, f.cached.RenewCertificate(ctx, "a.example"))
	_, ok = f.cache.Get(ctx, CertStatusKey("a.example"))
	assert.False(t, ok)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, "certificate", f.pub.events[0].channel)
	assert.Equal(t, "renewed", f.pub.events[0].event)
	assert.Equal(t, map[string]any{"domain": "a.example", "success": true}, f.pub.events[0].data)
}

func TestCached_RejectedRenewPublishesFailure(t *testing.T) {
	f := newCachedFixture(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/api/cert/renew" {
			writeEnvelope(w, false, "no", nil)
			return true
		}
		return false
	})

	err := f.cached.RenewCertificate(context.Background(), "a.example")
	require.Error(t, err)
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, false, f.pub.events[0].data["success"])
}

func TestCached_TransportFailureDoesNotPublish(t *testing.T) {
	f := newCachedFixture(t, func(w http.ResponseWriter, r *http.Request) bool {
		http.Error(w, "down", http.StatusBadGateway)
		return true
	})

	require.Error(t, f.cached.StartProxy(context.Background()))
	assert.Empty(t, f.pub.events)
}

func TestCached_ProxyStatusAndToggle(t *testing.T) {
	f := newCachedFixture(t, nil)
	ctx := context.Background()

	st, err := f.cached.ProxyStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	_, err = f.cached.ProxyStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.count("/api/proxy/status"))

	require.NoError(t, f.cached.StopProxy(ctx))
	_, err = f.cached.ProxyStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.count("/api/proxy/status"))

	require.NoError(t, f.cached.StartProxy(ctx))
	require.Len(t, f.pub.events, 2)
	assert.Equal(t, "stopped", f.pub.events[0].event)
	assert.Equal(t, "started", f.pub.events[1].event)
	assert.Equal(t, "proxy", f.pub.events[1].channel)
}

func TestCached_AddDNSRecordInvalidatesLists(t *testing.T) {
	f := newCachedFixture(t, nil)
	ctx := context.Background()

	_, err := f.cached.DNSRecords(ctx, "a.example")
	require.NoError(t, err)
	_, err = f.cached.DNSRecords(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.count("/api/dns/records"))

	require.NoError(t, f.cached.AddDNSRecord(ctx, models.DNSRecord{Domain: "a.example", Type: "A", Name: "api", Value: "10.0.0.2"}))

	_, ok := f.cache.Get(ctx, DNSRecordsKey("a.example"))
	assert.False(t, ok)
	_, ok = f.cache.Get(ctx, DNSRecordsKey(""))
	assert.False(t, ok)
}

func TestCached_CheckCertificateBypassesCache(t *testing.T) {
	f := newCachedFixture(t, nil)
	ctx := context.Background()

	_, err := f.cached.CertificateStatus(ctx, "a.example")
	require.NoError(t, err)
	require.NoError(t, f.cached.CheckCertificate(ctx, "a.example"))
	assert.Equal(t, int32(2), f.count("/api/cert/status"))
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "cert_status_default", CertStatusKey(""))
	assert.Equal(t, "cert_status_x.com", CertStatusKey("x.com"))
	assert.Equal(t, "dns_records_all", DNSRecordsKey(""))
	assert.Equal(t, "dns_records_x.com", DNSRecordsKey("x.com"))
}
