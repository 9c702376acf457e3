// Package remote is the HTTP client for the router's admin API. Every
// endpoint answers with the envelope {success, message, data}.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/domainsync/internal/errors"
	"github.com/p-blackswan/domainsync/internal/metrics"
	"github.com/p-blackswan/domainsync/internal/models"
	"github.com/p-blackswan/domainsync/internal/retry"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Envelope is the response body of every endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var recordValidate = validator.New()

// DefaultSlowThreshold is the call duration above which a warning is logged.
const DefaultSlowThreshold = time.Second

// Client wraps the admin API.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	retry      retry.Config
	metrics    *metrics.Metrics
	slow       time.Duration
	logger     zerolog.Logger
}

// NewClient creates a client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry.DefaultConfig(),
		slow:       DefaultSlowThreshold,
		logger:     logger.With().Str("component", "remote").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// SetRetry replaces the retry policy used for reads.
func (c *Client) SetRetry(cfg retry.Config) {
	c.retry = cfg
}

// SetMetrics records call durations into m.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// SetSlowThreshold changes the slow-call warning threshold. 0 disables it.
func (c *Client) SetSlowThreshold(d time.Duration) {
	c.slow = d
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// call performs one request and unwraps the envelope. A success=false
// answer comes back as *serrors.RejectedError together with the envelope.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any) (*Envelope, error) {
	u := c.baseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.observe(method, path, time.Since(start))
	if err != nil {
		return nil, classify(path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("API call")

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := serrors.NewAPIError(path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 {
			apiErr.Err = serrors.ErrUnavailable
		}
		return nil, apiErr
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decoding %s response: %v", serrors.ErrMalformed, path, err)
	}
	if !env.Success {
		return &env, &serrors.RejectedError{Operation: path, Message: env.Message}
	}
	return &env, nil
}

func (c *Client) observe(method, path string, elapsed time.Duration) {
	c.metrics.ObserveDuration(path, elapsed.Seconds())
	if c.slow > 0 && elapsed > c.slow {
		c.logger.Warn().
			Str("method", method).
			Str("path", path).
			Dur("duration", elapsed).
			Msg("Slow API call")
	}
}

func classify(path string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %v", path, serrors.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", path, serrors.ErrUnavailable, err)
}

// read performs an idempotent GET with retries and decodes data into dst.
func (c *Client) read(ctx context.Context, path string, query url.Values, dst any) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		env, err := c.call(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return err
		}
		if dst == nil || len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return fmt.Errorf("%w: decoding %s data: %v", serrors.ErrMalformed, path, err)
		}
		return nil
	})
}

// mutate performs a POST once. Mutations are retried by the action queue,
// not here.
func (c *Client) mutate(ctx context.Context, path string, body any) (*Envelope, error) {
	if body == nil {
		body = struct{}{}
	}
	return c.call(ctx, http.MethodPost, path, nil, body)
}

func domainQuery(domain string) url.Values {
	if domain == "" {
		return nil
	}
	return url.Values{"domain": {domain}}
}

func domainBody(domain string) any {
	if domain == "" {
		return struct{}{}
	}
	return map[string]string{"domain": domain}
}

// CertificateStatus fetches the status of one certificate.
func (c *Client) CertificateStatus(ctx context.Context, domain string) (models.CertificateRecord, error) {
	var rec models.CertificateRecord
	if err := c.read(ctx, "cert/status", domainQuery(domain), &rec); err != nil {
		return models.CertificateRecord{}, err
	}
	if rec.Domain == "" {
		rec.Domain = domain
	}
	return rec, nil
}

// CheckCertificate asks the server to re-check a certificate.
func (c *Client) CheckCertificate(ctx context.Context, domain string) error {
	_, err := c.CertificateStatus(ctx, domain)
	return err
}

// ListCertificates returns every certificate the server knows.
func (c *Client) ListCertificates(ctx context.Context) ([]models.CertificateRecord, error) {
	var list models.CertificateList
	if err := c.read(ctx, "cert/list", nil, &list); err != nil {
		return nil, err
	}
	return list.Certificates, nil
}

// RenewCertificate starts a renewal.
func (c *Client) RenewCertificate(ctx context.Context, domain string) error {
	_, err := c.mutate(ctx, "cert/renew", domainBody(domain))
	return err
}

// RemoveCertificate deletes a certificate.
func (c *Client) RemoveCertificate(ctx context.Context, domain string) error {
	if domain == "" {
		return fmt.Errorf("%w: domain is required", serrors.ErrInvalidInput)
	}
	_, err := c.mutate(ctx, "cert/remove", domainBody(domain))
	return err
}

// DNSRecords lists records, optionally for one domain.
func (c *Client) DNSRecords(ctx context.Context, domain string) ([]models.DNSRecord, error) {
	var records []models.DNSRecord
	if err := c.read(ctx, "dns/records", domainQuery(domain), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// AddDNSRecord creates a record after validating it locally.
func (c *Client) AddDNSRecord(ctx context.Context, record models.DNSRecord) error {
	if err := recordValidate.Struct(record); err != nil {
		return serrors.Permanent(fmt.Errorf("%w: %v", serrors.ErrInvalidInput, err))
	}
	_, err := c.mutate(ctx, "dns/add", record)
	return err
}

// ProxyStatus reports whether the reverse proxy runs.
func (c *Client) ProxyStatus(ctx context.Context) (models.ProxyStatus, error) {
	var st models.ProxyStatus
	err := c.read(ctx, "proxy/status", nil, &st)
	return st, err
}

// StartProxy starts the reverse proxy.
func (c *Client) StartProxy(ctx context.Context) error {
	_, err := c.mutate(ctx, "proxy/start", nil)
	return err
}

// StopProxy stops the reverse proxy.
func (c *Client) StopProxy(ctx context.Context) error {
	_, err := c.mutate(ctx, "proxy/stop", nil)
	return err
}

// UpdateSettings writes one setting, or the whole settings object when key
// is empty.
func (c *Client) UpdateSettings(ctx context.Context, key string, value json.RawMessage) error {
	var body any = value
	if key != "" {
		body = map[string]json.RawMessage{key: value}
	}
	_, err := c.mutate(ctx, "settings", body)
	return err
}
