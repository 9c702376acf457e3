// Package agent wires the sync components together: the expiring cache in
// front of the admin API, the durable action queue that executes
// mutations, the renewal scheduler, and the real-time channel that drives
// cache invalidation and connectivity.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/domainsync/internal/cache"
	"github.com/p-blackswan/domainsync/internal/channel"
	"github.com/p-blackswan/domainsync/internal/clock"
	serrors "github.com/p-blackswan/domainsync/internal/errors"
	"github.com/p-blackswan/domainsync/internal/health"
	"github.com/p-blackswan/domainsync/internal/metrics"
	"github.com/p-blackswan/domainsync/internal/models"
	"github.com/p-blackswan/domainsync/internal/notify"
	"github.com/p-blackswan/domainsync/internal/outbox"
	"github.com/p-blackswan/domainsync/internal/remote"
	"github.com/p-blackswan/domainsync/internal/renewal"
	"github.com/p-blackswan/domainsync/pkg/kvstore"
)

// CacheSubspace keeps cache entries apart from the queue and settings keys
// so clearing the cache never touches them.
const CacheSubspace = "cache_"

// Options configures an Agent.
type Options struct {
	// Namespace prefixes every persisted key. Default "domain_".
	Namespace         string
	CacheTTL          time.Duration
	QueueSyncInterval time.Duration
	// SchedulerSeedFile is a YAML file applied when no scheduler settings
	// are persisted yet.
	SchedulerSeedFile string

	Clock       clock.Clock
	Sink        notify.Sink
	Metrics     *metrics.Metrics
	DeadLetters DeadLetterStore
}

// Agent is the composition root of the sync layer.
type Agent struct {
	store   kvstore.Store
	api     *remote.Cached
	channel *channel.Client // nil when real-time updates are disabled
	cache   *cache.Cache
	queue   *outbox.Queue
	config  *renewal.ConfigStore
	sched   *renewal.Scheduler
	dead    DeadLetterStore
	clock   clock.Clock
	sink    notify.Sink
	opts    Options
	logger  zerolog.Logger

	mu      sync.Mutex
	subs    []*channel.Subscription
	started bool
}

// New builds the agent. ch may be nil.
func New(store kvstore.Store, client *remote.Client, ch *channel.Client, opts Options, logger zerolog.Logger) *Agent {
	if opts.Namespace == "" {
		opts.Namespace = "domain_"
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Sink == nil {
		opts.Sink = notify.NewLogSink(logger)
	}

	c := cache.New(store, cache.Options{
		Namespace:  opts.Namespace + CacheSubspace,
		DefaultTTL: opts.CacheTTL,
		Clock:      opts.Clock,
		Metrics:    opts.Metrics,
	}, logger)

	var pub remote.Publisher
	if ch != nil {
		pub = ch
	}
	api := remote.NewCached(client, c, pub, logger)

	var dead outbox.DeadLetters
	if opts.DeadLetters != nil {
		dead = deadLetterRecorder{opts.DeadLetters}
	}
	q := outbox.New(api, store, outbox.Options{
		Namespace:     opts.Namespace,
		SweepInterval: opts.QueueSyncInterval,
		Clock:         opts.Clock,
		Sink:          opts.Sink,
		Metrics:       opts.Metrics,
		DeadLetters:   dead,
	}, logger)

	cfgStore := renewal.NewConfigStore(store, opts.Namespace, logger)
	sched := renewal.NewScheduler(api, q, cfgStore, renewal.Options{
		Clock:   opts.Clock,
		Sink:    opts.Sink,
		Metrics: opts.Metrics,
	}, logger)

	return &Agent{
		store:   store,
		api:     api,
		channel: ch,
		cache:   c,
		queue:   q,
		config:  cfgStore,
		sched:   sched,
		dead:    opts.DeadLetters,
		clock:   opts.Clock,
		sink:    opts.Sink,
		opts:    opts,
		logger:  logger.With().Str("component", "agent").Logger(),
	}
}

// Start restores persisted state, starts the queue and scheduler and
// connects the channel. A failed first connect is not fatal; the channel
// keeps reconnecting on its own.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	if err := a.config.Load(ctx, a.opts.SchedulerSeedFile); err != nil {
		return fmt.Errorf("loading scheduler config: %w", err)
	}
	if err := a.queue.Load(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Starting with an empty queue")
	}

	if a.channel != nil {
		a.subscribe()
	}
	a.queue.Start(ctx)
	a.sched.Start(ctx)

	if a.channel != nil {
		if err := a.channel.Connect(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Initial channel connect failed, retrying in background")
		}
	}

	a.logger.Info().
		Int("queued", a.queue.Pending()).
		Bool("realtime", a.channel != nil).
		Msg("Sync agent started")
	return nil
}

// Stop halts timers, closes the channel and drops listeners.
func (a *Agent) Stop() {
	a.sched.Stop()
	a.queue.Stop()
	if a.channel != nil {
		a.channel.Disconnect()
	}

	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	a.logger.Info().Msg("Sync agent stopped")
}

// RegisterHealthChecks adds the agent's dependencies to checker.
func (a *Agent) RegisterHealthChecks(checker *health.Checker) {
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checker.Register("store", health.PingCheck(p.Ping))
	} else {
		checker.Register("store", func(context.Context) health.Status { return health.StatusOK })
	}

	if a.channel != nil {
		checker.Register("channel", func(context.Context) health.Status {
			switch {
			case a.channel.IsConnected():
				return health.StatusOK
			case a.channel.Exhausted():
				return health.StatusDown
			default:
				return health.StatusDegraded
			}
		})
	}
}

// Queue exposes the action queue.
func (a *Agent) Queue() *outbox.Queue { return a.queue }

// Scheduler exposes the renewal scheduler.
func (a *Agent) Scheduler() *renewal.Scheduler { return a.sched }

// Cache exposes the expiring cache.
func (a *Agent) Cache() *cache.Cache { return a.cache }

// API exposes the cache-fronted admin API client.
func (a *Agent) API() *remote.Cached { return a.api }

// QueueItems returns a snapshot of the pending actions.
func (a *Agent) QueueItems() []outbox.Item { return a.queue.Items() }

// Online reports whether the queue is draining.
func (a *Agent) Online() bool { return a.queue.Online() }

// SyncNow attempts the head of the queue immediately.
func (a *Agent) SyncNow(ctx context.Context) { a.queue.ProcessQueue(ctx) }

// SchedulerConfig returns the active scheduler settings.
func (a *Agent) SchedulerConfig() renewal.Config { return a.config.Current() }

// UpdateSchedulerConfig validates and persists new scheduler settings.
func (a *Agent) UpdateSchedulerConfig(ctx context.Context, cfg renewal.Config) error {
	if err := a.config.Update(ctx, cfg); err != nil {
		return err
	}
	a.logger.Info().
		Bool("auto_renew", cfg.AutoRenew).
		Int("renew_threshold_days", cfg.RenewThresholdDays).
		Msg("Scheduler settings updated")
	return nil
}

// ResetSchedulerConfig restores the default scheduler settings.
func (a *Agent) ResetSchedulerConfig(ctx context.Context) error {
	return a.config.Reset(ctx)
}

// Enqueue queues a user-initiated action.
func (a *Agent) Enqueue(ctx context.Context, kind outbox.ActionKind, data json.RawMessage) (string, error) {
	return a.queue.Enqueue(ctx, kind, data, outbox.OriginUser)
}

// RenewCertificate queues a user renewal. An empty domain renews the
// default certificate.
func (a *Agent) RenewCertificate(ctx context.Context, domain string) (string, error) {
	domain = strings.TrimSpace(domain)
	a.cache.Remove(ctx, remote.CertStatusKey(domain))
	return a.queue.Enqueue(ctx, outbox.ActionRenew, outbox.DomainPayload{Domain: domain}, outbox.OriginUser)
}

// RemoveCertificate queues a user deletion.
func (a *Agent) RemoveCertificate(ctx context.Context, domain string) (string, error) {
	if err := requireDomain(domain); err != nil {
		return "", err
	}
	a.cache.Remove(ctx, remote.CertStatusKey(domain))
	return a.queue.Enqueue(ctx, outbox.ActionRemove, outbox.DomainPayload{Domain: domain}, outbox.OriginUser)
}

// BulkRenew queues one renewal per domain, in order. It stops at the first
// rejected domain and returns the ids queued so far.
func (a *Agent) BulkRenew(ctx context.Context, domains []string) ([]string, error) {
	ids := make([]string, 0, len(domains))
	for _, d := range domains {
		if err := requireDomain(d); err != nil {
			return ids, fmt.Errorf("renew %q: %w", d, err)
		}
		id, err := a.RenewCertificate(ctx, d)
		if err != nil {
			return ids, fmt.Errorf("renew %q: %w", d, err)
		}
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		a.sink.Notify(fmt.Sprintf("Queued renewal for %d certificate%s", len(ids), plural(len(ids))), notify.Info)
	}
	return ids, nil
}

// AddDNSRecord validates and queues a new record.
func (a *Agent) AddDNSRecord(ctx context.Context, record models.DNSRecord) (string, error) {
	return a.queue.Enqueue(ctx, outbox.ActionAddDNSRecord, outbox.DNSRecordPayload{Record: record}, outbox.OriginUser)
}

// DNSRecords returns the cache-fronted record list, optionally for one
// domain.
func (a *Agent) DNSRecords(ctx context.Context, domain string) ([]models.DNSRecord, error) {
	return a.api.DNSRecords(ctx, strings.TrimSpace(domain))
}

// ProxyStatus returns the cache-fronted proxy state.
func (a *Agent) ProxyStatus(ctx context.Context) (models.ProxyStatus, error) {
	return a.api.ProxyStatus(ctx)
}

// StartProxy starts the reverse proxy. It runs immediately rather than
// through the queue; the caller sees the server's answer.
func (a *Agent) StartProxy(ctx context.Context) error {
	if err := a.api.StartProxy(ctx); err != nil {
		return err
	}
	a.sink.Notify("Proxy started", notify.Success)
	return nil
}

// StopProxy stops the reverse proxy.
func (a *Agent) StopProxy(ctx context.Context) error {
	if err := a.api.StopProxy(ctx); err != nil {
		return err
	}
	a.sink.Notify("Proxy stopped", notify.Success)
	return nil
}

// UpdateSettings queues a remote settings change.
func (a *Agent) UpdateSettings(ctx context.Context, key string, value json.RawMessage) (string, error) {
	return a.queue.Enqueue(ctx, outbox.ActionSettings, outbox.SettingsPayload{Key: key, Value: value}, outbox.OriginUser)
}

// CheckCertificates runs a manual check-all pass.
func (a *Agent) CheckCertificates(ctx context.Context) error {
	return a.sched.CheckAll(ctx, true)
}

// CertificateView is a certificate with its derived state.
type CertificateView struct {
	models.CertificateRecord
	DaysLeft   int          `json:"daysLeft"`
	Band       renewal.Band `json:"band"`
	StatusText string       `json:"statusText"`
}

// View derives the display state of rec.
func (a *Agent) View(rec models.CertificateRecord) CertificateView {
	now := a.clock.Now()
	return CertificateView{
		CertificateRecord: rec,
		DaysLeft:          renewal.DaysLeft(rec.Expiry, now),
		Band:              renewal.BandFor(rec, now),
		StatusText:        renewal.StatusText(rec, now),
	}
}

// CertificateStatus returns the cache-fronted status of one certificate.
func (a *Agent) CertificateStatus(ctx context.Context, domain string) (CertificateView, error) {
	rec, err := a.api.CertificateStatus(ctx, domain)
	if err != nil {
		return CertificateView{}, err
	}
	return a.View(rec), nil
}

// Certificates returns the certificates seen by the last scheduler pass.
func (a *Agent) Certificates() []CertificateView {
	known := a.sched.Known()
	out := make([]CertificateView, 0, len(known))
	for _, rec := range known {
		out = append(out, a.View(rec))
	}
	return out
}

// ClearCache drops every cache entry and returns how many were removed.
func (a *Agent) ClearCache(ctx context.Context) int {
	n := a.cache.Clear(ctx)
	a.logger.Info().Int("removed", n).Msg("Cache cleared")
	return n
}

// DeadLetters returns dropped actions, newest first. It is empty when no
// dead-letter store is configured.
func (a *Agent) DeadLetters(ctx context.Context, limit int) ([]DroppedAction, error) {
	if a.dead == nil {
		return nil, nil
	}
	return a.dead.ListDropped(ctx, limit)
}

// ResolveDeadLetter marks a dropped action as handled.
func (a *Agent) ResolveDeadLetter(ctx context.Context, id string) error {
	if a.dead == nil {
		return fmt.Errorf("%w: no dead-letter store", serrors.ErrUnavailable)
	}
	return a.dead.Resolve(ctx, id)
}

func requireDomain(domain string) error {
	if strings.TrimSpace(domain) == "" {
		return fmt.Errorf("%w: domain is required", serrors.ErrInvalidInput)
	}
	return nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
