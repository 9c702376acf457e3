// Package renewal decides when certificates are renewed and when their
// owners are told about upcoming expiry. Renewals are never executed
// directly; they are enqueued on the durable action queue.
package renewal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/domainsync/internal/clock"
	serrors "github.com/p-blackswan/domainsync/internal/errors"
	"github.com/p-blackswan/domainsync/internal/metrics"
	"github.com/p-blackswan/domainsync/internal/models"
	"github.com/p-blackswan/domainsync/internal/notify"
	"github.com/p-blackswan/domainsync/internal/outbox"
)

// Lister fetches the current certificate list.
type Lister interface {
	ListCertificates(ctx context.Context) ([]models.CertificateRecord, error)
}

// Enqueuer accepts renewal actions. *outbox.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind outbox.ActionKind, data any, origin outbox.Origin) (string, error)
}

// Options configures a Scheduler.
type Options struct {
	Clock   clock.Clock
	Sink    notify.Sink
	Metrics *metrics.Metrics
}

// Decision is the outcome of evaluating one certificate.
type Decision struct {
	Domain    string
	DaysLeft  int
	Band      Band
	Renew     bool
	Delay     time.Duration
	Scheduled bool // a timer was armed or the renewal was enqueued
	Notified  bool
}

// Scheduler evaluates certificates on a periodic pass, on demand and on
// channel updates.
type Scheduler struct {
	lister  Lister
	queue   Enqueuer
	config  *ConfigStore
	clock   clock.Clock
	sink    notify.Sink
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	known    map[string]models.CertificateRecord
	pending  map[string]clock.Timer
	notified map[string]int // domain -> day already notified in this cycle
	loop     clock.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
}

// NewScheduler creates a scheduler. Start begins the periodic pass.
func NewScheduler(lister Lister, queue Enqueuer, config *ConfigStore, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Sink == nil {
		opts.Sink = notify.NewLogSink(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		lister:   lister,
		queue:    queue,
		config:   config,
		clock:    opts.Clock,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		logger:   logger.With().Str("component", "renewal").Logger(),
		known:    make(map[string]models.CertificateRecord),
		pending:  make(map[string]clock.Timer),
		notified: make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs a first pass right away and then one pass per configured
// interval. The interval is re-read after every pass.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.loop != nil {
		return
	}
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loop = s.clock.AfterFunc(0, s.tick)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.CheckAll(ctx, false); err != nil {
		s.logger.Warn().Err(err).Msg("Periodic certificate check failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.loop = s.clock.AfterFunc(s.config.Current().CheckInterval(), s.tick)
}

// Stop cancels the periodic pass and all pending renewal timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.loop != nil {
		s.loop.Stop()
	}
	for domain, t := range s.pending {
		t.Stop()
		delete(s.pending, domain)
	}
	s.cancel()
}

// CheckAll lists certificates and evaluates each one. A manual pass
// reports its outcome through the notification sink.
func (s *Scheduler) CheckAll(ctx context.Context, manual bool) error {
	certs, err := s.lister.ListCertificates(ctx)
	if err != nil {
		s.metrics.RecordError("renewal", "list")
		s.logger.Error().Err(err).Bool("manual", manual).Msg("Failed to check certificates")
		if manual {
			s.sink.Notify(fmt.Sprintf("Failed to check certificates: %v", err), notify.Error)
		}
		return err
	}

	s.mu.Lock()
	s.notified = make(map[string]int)
	s.known = make(map[string]models.CertificateRecord, len(certs))
	for _, c := range certs {
		s.known[c.Domain] = c
	}
	s.mu.Unlock()

	cfg := s.config.Current()
	for _, c := range certs {
		s.evaluate(ctx, cfg, c)
	}

	s.logger.Debug().Int("certificates", len(certs)).Bool("manual", manual).Msg("Certificate check complete")
	if manual {
		s.sink.Notify("Certificates checked successfully", notify.Success)
	}
	return nil
}

// Evaluate applies the current settings to a single record.
func (s *Scheduler) Evaluate(ctx context.Context, rec models.CertificateRecord) Decision {
	return s.evaluate(ctx, s.config.Current(), rec)
}

func (s *Scheduler) evaluate(ctx context.Context, cfg Config, rec models.CertificateRecord) Decision {
	now := s.clock.Now()
	d := Decision{
		Domain:   rec.Domain,
		DaysLeft: DaysLeft(rec.Expiry, now),
		Band:     BandFor(rec, now),
	}
	if rec.Domain == "" {
		return d
	}
	if rec.Status != models.CertStatusValid && rec.Status != models.CertStatusExpired {
		return d
	}
	if rec.Expiry == nil && rec.Status == models.CertStatusValid {
		return d
	}
	if rec.Status == models.CertStatusExpired && d.DaysLeft > 0 {
		d.DaysLeft = 0
	}

	if cfg.AutoRenew && d.DaysLeft <= cfg.RenewThresholdDays {
		if delay, ok := RenewalDelay(d.DaysLeft); ok {
			d.Renew = true
			d.Delay = delay
			d.Scheduled = s.scheduleRenewal(ctx, rec.Domain, d.DaysLeft, delay)
		}
	}

	if cfg.Notifies(d.DaysLeft) && s.markNotified(rec.Domain, d.DaysLeft) {
		d.Notified = true
		severity := notify.Info
		if d.DaysLeft <= 7 {
			severity = notify.Warning
		}
		s.sink.Notify(expiryMessage(rec.Domain, d.DaysLeft), severity)
	}
	return d
}

func expiryMessage(domain string, days int) string {
	unit := "days"
	if days == 1 {
		unit = "day"
	}
	return fmt.Sprintf("Certificate for %s expires in %d %s", domain, days, unit)
}

func (s *Scheduler) markNotified(domain string, days int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.notified[domain]; ok && prev == days {
		return false
	}
	s.notified[domain] = days
	return true
}

// scheduleRenewal enqueues now for a zero delay, otherwise arms one timer
// per domain. An existing timer is left alone.
func (s *Scheduler) scheduleRenewal(ctx context.Context, domain string, daysLeft int, delay time.Duration) bool {
	if delay <= 0 {
		s.metrics.RecordRenewalScheduled("immediate")
		s.logger.Info().Str("domain", domain).Int("days_left", daysLeft).Msg("Renewing certificate now")
		return s.enqueueRenewal(ctx, domain)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.pending[domain]; ok {
		return false
	}
	s.pending[domain] = s.clock.AfterFunc(delay, func() { s.fireRenewal(domain) })

	label := "7d"
	if delay <= day {
		label = "1d"
	}
	s.metrics.RecordRenewalScheduled(label)
	s.logger.Info().Str("domain", domain).Int("days_left", daysLeft).Dur("delay", delay).Msg("Scheduling certificate renewal")
	return true
}

func (s *Scheduler) fireRenewal(domain string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, domain)
	ctx := s.ctx
	s.mu.Unlock()

	s.enqueueRenewal(ctx, domain)
}

func (s *Scheduler) enqueueRenewal(ctx context.Context, domain string) bool {
	if _, err := s.queue.Enqueue(ctx, outbox.ActionRenew, outbox.DomainPayload{Domain: domain}, outbox.OriginSystem); err != nil {
		s.logger.Error().Err(err).Str("domain", domain).Msg("Failed to queue certificate renewal")
		return false
	}
	return true
}

// HandleUpdate consumes a payload from the certificate channel.
func (s *Scheduler) HandleUpdate(ctx context.Context, payload json.RawMessage) error {
	var ev models.CertificateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed certificate update")
		return fmt.Errorf("%w: certificate update: %v", serrors.ErrMalformed, err)
	}
	if ev.Domain == "" {
		return nil
	}

	switch ev.Event {
	case "renewed":
		s.sink.Notify(fmt.Sprintf("Certificate renewed for %s", ev.Domain), notify.Success)
	case "expired":
		s.sink.Notify(fmt.Sprintf("Certificate expired for %s", ev.Domain), notify.Error)
	}

	rec, ok := s.mergeKnown(ev)
	if ok {
		s.Evaluate(ctx, rec)
	}
	return nil
}

// mergeKnown folds the event into the last known record.
func (s *Scheduler) mergeKnown(ev models.CertificateEvent) (models.CertificateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, known := s.known[ev.Domain]
	if !known {
		rec = models.CertificateRecord{Domain: ev.Domain}
	}
	if ev.Status != "" {
		rec.Status = models.CertificateStatus(ev.Status)
	} else if ev.Event == "expired" {
		rec.Status = models.CertStatusExpired
	}
	if ev.Expiry != nil {
		rec.Expiry = ev.Expiry
	}
	if rec.Status == "" {
		return rec, false
	}
	s.known[ev.Domain] = rec
	return rec, true
}

// Known returns the last seen certificates sorted by domain.
func (s *Scheduler) Known() []models.CertificateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CertificateRecord, 0, len(s.known))
	for _, rec := range s.known {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// PendingRenewals returns the domains with an armed renewal timer.
func (s *Scheduler) PendingRenewals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for domain := range s.pending {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}
