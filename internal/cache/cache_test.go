package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/domainsync/internal/clock"
	"github.com/p-blackswan/domainsync/pkg/kvstore"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) (*Cache, *kvstore.MemoryStore, *clock.Fake) {
	t.Helper()
	store := kvstore.NewMemoryStore(kvstore.MemoryOptions{})
	clk := clock.NewFake(epoch)
	c := New(store, Options{Namespace: "domain_cache_", Clock: clk}, zerolog.Nop())
	return c, store, clk
}

type certStatus struct {
	Domain string `json:"domain"`
	Status string `json:"status"`
}

func TestSetGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	require.True(t, c.Set(ctx, "cert_status_a.com", certStatus{"a.com", "valid"}, time.Minute))

	var got certStatus
	require.True(t, c.GetInto(ctx, "cert_status_a.com", &got))
	assert.Equal(t, certStatus{"a.com", "valid"}, got)

	raw, ok := c.Get(ctx, "cert_status_a.com")
	require.True(t, ok)
	assert.JSONEq(t, `{"domain":"a.com","status":"valid"}`, string(raw))
}

func TestGet_NeverSet(t *testing.T) {
	c, _, _ := newTestCache(t)
	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestGet_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	c, store, clk := newTestCache(t)

	require.True(t, c.Set(ctx, "k", 1, 1000*time.Millisecond))

	clk.Advance(1000 * time.Millisecond)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok, "entry is still valid at exactly its expiry")

	clk.Advance(time.Millisecond)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)

	_, err := store.Get(ctx, "domain_cache_k")
	assert.ErrorIs(t, err, kvstore.ErrNotFound, "expired read removes the entry")
}

func TestSet_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newTestCache(t)

	require.True(t, c.Set(ctx, "k", "v", 0))

	clk.Advance(DefaultTTL)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	clk.Advance(time.Millisecond)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestSet_Overwrites(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	c.Set(ctx, "k", "first", time.Minute)
	c.Set(ctx, "k", "second", time.Minute)

	var got string
	require.True(t, c.GetInto(ctx, "k", &got))
	assert.Equal(t, "second", got)
}

func TestGet_CorruptEntryRemoved(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCache(t)

	require.NoError(t, store.Set(ctx, "domain_cache_bad", []byte("{not json")))

	_, ok := c.Get(ctx, "bad")
	assert.False(t, ok)

	_, err := store.Get(ctx, "domain_cache_bad")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestGetInto_WrongShapeIsMiss(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	c.Set(ctx, "k", "a string", time.Minute)

	var dst certStatus
	assert.False(t, c.GetInto(ctx, "k", &dst))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestSet_QuotaExceededReturnsFalse(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore(kvstore.MemoryOptions{QuotaBytes: 64})
	c := New(store, Options{Namespace: "domain_cache_", Clock: clock.NewFake(epoch)}, zerolog.Nop())

	big := make([]byte, 128)
	assert.False(t, c.Set(ctx, "big", big, time.Minute))

	_, ok := c.Get(ctx, "big")
	assert.False(t, ok)
}

func TestSet_UnencodableValue(t *testing.T) {
	c, _, _ := newTestCache(t)
	assert.False(t, c.Set(context.Background(), "ch", make(chan int), time.Minute))
}

func TestClear_OnlyNamespace(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestCache(t)

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)
	require.NoError(t, store.Set(ctx, "domain_offline_queue", []byte("[]")))
	require.NoError(t, store.Set(ctx, "unrelated", []byte("x")))

	assert.Equal(t, 2, c.Clear(ctx))

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	_, err := store.Get(ctx, "domain_offline_queue")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "unrelated")
	assert.NoError(t, err)
}

type failingStore struct{ kvstore.Store }

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (failingStore) Set(context.Context, string, []byte) error   { return errors.New("disk gone") }
func (failingStore) Delete(context.Context, string) error        { return errors.New("disk gone") }
func (failingStore) Keys(context.Context, string) ([]string, error) {
	return nil, errors.New("disk gone")
}

func TestStoreFailuresDegradeToMiss(t *testing.T) {
	ctx := context.Background()
	c := New(failingStore{}, Options{Namespace: "x_"}, zerolog.Nop())

	assert.False(t, c.Set(ctx, "k", 1, time.Minute))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.NotPanics(t, func() { c.Remove(ctx, "k") })
	assert.Equal(t, 0, c.Clear(ctx))
}
