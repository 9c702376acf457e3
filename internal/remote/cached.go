package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/domainsync/internal/cache"
	serrors "github.com/p-blackswan/domainsync/internal/errors"
	"github.com/p-blackswan/domainsync/internal/models"
)

// Cache lifetimes of the fronted reads.
const (
	CertStatusTTL  = 30 * time.Second
	DNSRecordsTTL  = 60 * time.Second
	ProxyStatusTTL = 10 * time.Second
)

// CertStatusKey is the cache key of a certificate status read.
func CertStatusKey(domain string) string {
	if domain == "" {
		domain = "default"
	}
	return "cert_status_" + domain
}

// DNSRecordsKey is the cache key of a DNS records read.
func DNSRecordsKey(domain string) string {
	if domain == "" {
		domain = "all"
	}
	return "dns_records_" + domain
}

// ProxyStatusKey is the cache key of the proxy status read.
const ProxyStatusKey = "proxy_status"

// Publisher announces local mutations to other clients. The channel client
// satisfies it; delivery is best effort.
type Publisher interface {
	Publish(channel, event string, data any) bool
}

// Cached fronts the client's reads with the expiring cache and invalidates
// affected entries on every mutation. It implements the action queue's
// Executor.
type Cached struct {
	*Client
	cache  *cache.Cache
	pub    Publisher
	logger zerolog.Logger
}

// NewCached wraps c. pub may be nil.
func NewCached(c *Client, ch *cache.Cache, pub Publisher, logger zerolog.Logger) *Cached {
	return &Cached{
		Client: c,
		cache:  ch,
		pub:    pub,
		logger: logger.With().Str("component", "remote-cache").Logger(),
	}
}

func (c *Cached) publish(channel, event string, data any) {
	if c.pub == nil {
		return
	}
	if !c.pub.Publish(channel, event, data) {
		c.logger.Debug().Str("channel", channel).Str("event", event).Msg("Event not published, channel offline")
	}
}

// outcome reports whether the server answered, and with which verdict.
func outcome(err error) (answered, success bool) {
	if err == nil {
		return true, true
	}
	var rejected *serrors.RejectedError
	if errors.As(err, &rejected) {
		return true, false
	}
	return false, false
}

// CertificateStatus returns the cached status or fetches and caches it.
func (c *Cached) CertificateStatus(ctx context.Context, domain string) (models.CertificateRecord, error) {
	var rec models.CertificateRecord
	if c.cache.GetInto(ctx, CertStatusKey(domain), &rec) {
		return rec, nil
	}
	rec, err := c.Client.CertificateStatus(ctx, domain)
	if err != nil {
		return rec, err
	}
	c.cache.Set(ctx, CertStatusKey(domain), rec, CertStatusTTL)
	return rec, nil
}

// CheckCertificate refreshes the cached status from the server.
func (c *Cached) CheckCertificate(ctx context.Context, domain string) error {
	c.cache.Remove(ctx, CertStatusKey(domain))
	_, err := c.CertificateStatus(ctx, domain)
	return err
}

// RenewCertificate invalidates the status and announces the outcome.
func (c *Cached) RenewCertificate(ctx context.Context, domain string) error {
	c.cache.Remove(ctx, CertStatusKey(domain))
	err := c.Client.RenewCertificate(ctx, domain)
	if answered, ok := outcome(err); answered {
		c.publish("certificate", "renewed", map[string]any{"domain": domain, "success": ok})
	}
	return err
}

// RemoveCertificate invalidates the status and deletes the certificate.
func (c *Cached) RemoveCertificate(ctx context.Context, domain string) error {
	c.cache.Remove(ctx, CertStatusKey(domain))
	err := c.Client.RemoveCertificate(ctx, domain)
	if answered, ok := outcome(err); answered {
		c.publish("certificate", "removed", map[string]any{"domain": domain, "success": ok})
	}
	return err
}

// DNSRecords returns cached records or fetches and caches them.
func (c *Cached) DNSRecords(ctx context.Context, domain string) ([]models.DNSRecord, error) {
	var records []models.DNSRecord
	if c.cache.GetInto(ctx, DNSRecordsKey(domain), &records) {
		return records, nil
	}
	records, err := c.Client.DNSRecords(ctx, domain)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, DNSRecordsKey(domain), records, DNSRecordsTTL)
	return records, nil
}

// AddDNSRecord invalidates the affected record lists.
func (c *Cached) AddDNSRecord(ctx context.Context, record models.DNSRecord) error {
	c.cache.Remove(ctx, DNSRecordsKey(record.Domain))
	c.cache.Remove(ctx, DNSRecordsKey(""))
	err := c.Client.AddDNSRecord(ctx, record)
	if answered, ok := outcome(err); answered {
		c.publish("dns", "record_added", map[string]any{"domain": record.Domain, "success": ok})
	}
	return err
}

// ProxyStatus returns the cached proxy status or fetches and caches it.
func (c *Cached) ProxyStatus(ctx context.Context) (models.ProxyStatus, error) {
	var st models.ProxyStatus
	if c.cache.GetInto(ctx, ProxyStatusKey, &st) {
		return st, nil
	}
	st, err := c.Client.ProxyStatus(ctx)
	if err != nil {
		return st, err
	}
	c.cache.Set(ctx, ProxyStatusKey, st, ProxyStatusTTL)
	return st, nil
}

// StartProxy invalidates the proxy status and announces the outcome.
func (c *Cached) StartProxy(ctx context.Context) error {
	c.cache.Remove(ctx, ProxyStatusKey)
	err := c.Client.StartProxy(ctx)
	if answered, ok := outcome(err); answered {
		c.publish("proxy", "started", map[string]any{"success": ok})
	}
	return err
}

// StopProxy invalidates the proxy status and announces the outcome.
func (c *Cached) StopProxy(ctx context.Context) error {
	c.cache.Remove(ctx, ProxyStatusKey)
	err := c.Client.StopProxy(ctx)
	if answered, ok := outcome(err); answered {
		c.publish("proxy", "stopped", map[string]any{"success": ok})
	}
	return err
}

// UpdateSettings passes through; settings are never cached.
func (c *Cached) UpdateSettings(ctx context.Context, key string, value json.RawMessage) error {
	return c.Client.UpdateSettings(ctx, key, value)
}
