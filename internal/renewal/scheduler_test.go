package renewal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/domainsync/internal/clock"
	"github.com/p-blackswan/domainsync/internal/models"
	"github.com/p-blackswan/domainsync/internal/notify"
	"github.com/p-blackswan/domainsync/internal/outbox"
	"github.com/p-blackswan/domainsync/pkg/kvstore"
)

var now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type stubLister struct {
	certs []models.CertificateRecord
	err   error
	calls int
}

func (l *stubLister) ListCertificates(context.Context) ([]models.CertificateRecord, error) {
	l.calls++
	return l.certs, l.err
}

type enqueued struct {
	kind   outbox.ActionKind
	domain string
	origin outbox.Origin
	at     time.Time
}

type recordingQueue struct {
	mu    sync.Mutex
	clk   clock.Clock
	items []enqueued
}

func (q *recordingQueue) Enqueue(_ context.Context, kind outbox.ActionKind, data any, origin outbox.Origin) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, enqueued{
		kind:   kind,
		domain: data.(outbox.DomainPayload).Domain,
		origin: origin,
		at:     q.clk.Now(),
	})
	return "id", nil
}

func (q *recordingQueue) All() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.items...)
}

func expiresIn(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func cert(domain string, status models.CertificateStatus, left time.Duration) models.CertificateRecord {
	return models.CertificateRecord{Domain: domain, Status: status, Expiry: expiresIn(left)}
}

type harness struct {
	clk    *clock.Fake
	lister *stubLister
	queue  *recordingQueue
	config *ConfigStore
	rec    *notify.Recorder
	s      *Scheduler
}

func newHarness(t *testing.T, certs ...models.CertificateRecord) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(now),
		lister: &stubLister{certs: certs},
		rec:    &notify.Recorder{},
	}
	h.queue = &recordingQueue{clk: h.clk}
	h.config = NewConfigStore(kvstore.NewMemoryStore(kvstore.MemoryOptions{}), "domain_", zerolog.Nop())
	h.s = NewScheduler(h.lister, h.queue, h.config, Options{Clock: h.clk, Sink: h.rec}, zerolog.Nop())
	t.Cleanup(h.s.Stop)
	return h
}

func TestEvaluate_ZeroDaysRenewsImmediately(t *testing.T) {
	h := newHarness(t)
	d := h.s.Evaluate(context.Background(), cert("a.example", models.CertStatusValid, 0))

	assert.Equal(t, 0, d.DaysLeft)
	assert.True(t, d.Renew)
	assert.Equal(t, time.Duration(0), d.Delay)

	items := h.queue.All()
	require.Len(t, items, 1)
	assert.Equal(t, outbox.ActionRenew, items[0].kind)
	assert.Equal(t, "a.example", items[0].domain)
	assert.Equal(t, outbox.OriginSystem, items[0].origin)
}

func TestEvaluate_FortyFiveDaysNeverRenews(t *testing.T) {
	for _, autoRenew := range []bool{true, false} {
		h := newHarness(t)
		cfg := DefaultConfig()
		cfg.AutoRenew = autoRenew
		require.NoError(t, h.config.Update(context.Background(), cfg))

		d := h.s.Evaluate(context.Background(), cert("a.example", models.CertStatusValid, 45*day))
		assert.False(t, d.Renew)
		assert.Empty(t, h.queue.All())
		assert.Empty(t, h.s.PendingRenewals())
	}
}

func TestEvaluate_DelayBands(t *testing.T) {
	tests := []struct {
		days  int
		delay time.Duration
	}{
		{1, 0},
		{2, day},
		{7, day},
		{8, 7 * day},
		{30, 7 * day},
	}
	for _, tt := range tests {
		h := newHarness(t)
		d := h.s.Evaluate(context.Background(), cert("a.example", models.CertStatusValid, time.Duration(tt.days)*day))
		assert.Equal(t, tt.days, d.DaysLeft)
		assert.True(t, d.Renew, "days=%d", tt.days)
		assert.Equal(t, tt.delay, d.Delay, "days=%d", tt.days)
	}
}

func TestEvaluate_DelayedRenewalFiresOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := cert("a.example", models.CertStatusValid, 5*day)

	h.s.Evaluate(ctx, rec)
	h.s.Evaluate(ctx, rec)
	assert.Equal(t, []string{"a.example"}, h.s.PendingRenewals())
	assert.Empty(t, h.queue.All())

	h.clk.Advance(day - time.Second)
	assert.Empty(t, h.queue.All())

	h.clk.Advance(time.Second)
	items := h.queue.All()
	require.Len(t, items, 1)
	assert.Equal(t, now.Add(day), items[0].at)
	assert.Empty(t, h.s.PendingRenewals())
}

func TestEvaluate_AutoRenewOff(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.AutoRenew = false
	require.NoError(t, h.config.Update(context.Background(), cfg))

	d := h.s.Evaluate(context.Background(), cert("a.example", models.CertStatusValid, day))
	assert.False(t, d.Renew)
	assert.Empty(t, h.queue.All())
	// notifications are independent of auto-renew
	assert.True(t, d.Notified)
}

func TestEvaluate_SkipsNoneAndInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, status := range []models.CertificateStatus{models.CertStatusNone, models.CertStatusInvalid, ""} {
		d := h.s.Evaluate(ctx, cert("a.example", status, day))
		assert.False(t, d.Renew)
		assert.False(t, d.Notified)
	}
	assert.Empty(t, h.queue.All())
	assert.Empty(t, h.rec.All())
}

func TestEvaluate_Notifications(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.s.Evaluate(ctx, cert("a.example", models.CertStatusValid, 14*day))
	h.s.Evaluate(ctx, cert("b.example", models.CertStatusValid, 7*day))
	h.s.Evaluate(ctx, cert("c.example", models.CertStatusValid, 1*day))
	h.s.Evaluate(ctx, cert("d.example", models.CertStatusValid, 13*day))

	notes := h.rec.All()
	require.Len(t, notes, 3)
	assert.Equal(t, notify.Notification{Message: "Certificate for a.example expires in 14 days", Severity: notify.Info}, notes[0])
	assert.Equal(t, notify.Notification{Message: "Certificate for b.example expires in 7 days", Severity: notify.Warning}, notes[1])
	assert.Equal(t, notify.Notification{Message: "Certificate for c.example expires in 1 day", Severity: notify.Warning}, notes[2])
}

func TestCheckAll_NotifiesOncePerDayPerCycle(t *testing.T) {
	rec := cert("a.example", models.CertStatusValid, 60*day)
	h := newHarness(t, rec, rec)
	ctx := context.Background()

	require.NoError(t, h.s.CheckAll(ctx, false))
	assert.Len(t, h.rec.All(), 1)

	// an update in the same cycle does not repeat the notification
	h.s.Evaluate(ctx, rec)
	assert.Len(t, h.rec.All(), 1)

	// the next pass is a new cycle
	require.NoError(t, h.s.CheckAll(ctx, false))
	assert.Len(t, h.rec.All(), 2)
}

func TestCheckAll_Manual(t *testing.T) {
	h := newHarness(t, cert("a.example", models.CertStatusValid, 90*day))
	ctx := context.Background()

	require.NoError(t, h.s.CheckAll(ctx, true))
	notes := h.rec.All()
	require.Len(t, notes, 1)
	assert.Equal(t, "Certificates checked successfully", notes[0].Message)
	assert.Equal(t, notify.Success, notes[0].Severity)
	assert.Len(t, h.s.Known(), 1)

	h.rec.Reset()
	h.lister.err = errors.New("connection refused")
	require.Error(t, h.s.CheckAll(ctx, true))
	notes = h.rec.All()
	require.Len(t, notes, 1)
	assert.Equal(t, "Failed to check certificates: connection refused", notes[0].Message)
	assert.Equal(t, notify.Error, notes[0].Severity)
}

func TestCheckAll_BackgroundFailureIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.lister.err = errors.New("boom")
	require.Error(t, h.s.CheckAll(context.Background(), false))
	assert.Empty(t, h.rec.All())
}

func TestCheckAll_DoesNotCancelPendingTimers(t *testing.T) {
	h := newHarness(t, cert("a.example", models.CertStatusValid, 20*day))
	ctx := context.Background()

	require.NoError(t, h.s.CheckAll(ctx, false))
	require.Equal(t, []string{"a.example"}, h.s.PendingRenewals())

	h.clk.Advance(3 * day)
	require.NoError(t, h.s.CheckAll(ctx, true))
	assert.Equal(t, 1, h.clk.Pending())

	h.clk.Advance(4 * day)
	assert.Len(t, h.queue.All(), 1)
}

func TestStart_PeriodicPassReReadsInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.CheckIntervalMs = 60_000
	require.NoError(t, h.config.Update(ctx, cfg))

	h.s.Start(ctx)
	h.clk.Advance(0)
	assert.Equal(t, 1, h.lister.calls)

	h.clk.Advance(time.Minute)
	assert.Equal(t, 2, h.lister.calls)

	cfg.CheckIntervalMs = 120_000
	require.NoError(t, h.config.Update(ctx, cfg))
	h.clk.Advance(time.Minute) // already armed with the old interval
	assert.Equal(t, 3, h.lister.calls)
	h.clk.Advance(time.Minute)
	assert.Equal(t, 3, h.lister.calls)
	h.clk.Advance(time.Minute)
	assert.Equal(t, 4, h.lister.calls)

	h.s.Stop()
	h.clk.Advance(time.Hour)
	assert.Equal(t, 4, h.lister.calls)
}

func TestHandleUpdate(t *testing.T) {
	h := newHarness(t, cert("a.example", models.CertStatusValid, 90*day))
	ctx := context.Background()
	require.NoError(t, h.s.CheckAll(ctx, false))

	require.NoError(t, h.s.HandleUpdate(ctx, []byte(`{"event":"renewed","domain":"a.example","success":true}`)))
	require.NoError(t, h.s.HandleUpdate(ctx, []byte(`{"event":"expired","domain":"a.example"}`)))

	notes := h.rec.All()
	require.Len(t, notes, 2)
	assert.Equal(t, notify.Notification{Message: "Certificate renewed for a.example", Severity: notify.Success}, notes[0])
	assert.Equal(t, notify.Notification{Message: "Certificate expired for a.example", Severity: notify.Error}, notes[1])

	// the expired record is re-evaluated and renewed right away
	items := h.queue.All()
	require.Len(t, items, 1)
	assert.Equal(t, "a.example", items[0].domain)

	assert.Error(t, h.s.HandleUpdate(ctx, []byte(`{`)))
}

func TestHandleUpdate_StatusChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	expiry := now.Add(3 * day)
	payload := `{"event":"status","domain":"b.example","status":"valid","expiry":"` + expiry.Format(time.RFC3339) + `"}`
	require.NoError(t, h.s.HandleUpdate(ctx, []byte(payload)))

	assert.Equal(t, []string{"b.example"}, h.s.PendingRenewals())
	known := h.s.Known()
	require.Len(t, known, 1)
	assert.Equal(t, models.CertStatusValid, known[0].Status)
}
