package mgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/domainsync/internal/agent"
	"github.com/p-blackswan/domainsync/internal/health"
	"github.com/p-blackswan/domainsync/internal/models"
	"github.com/p-blackswan/domainsync/internal/outbox"
	"github.com/p-blackswan/domainsync/internal/renewal"
	"github.com/p-blackswan/domainsync/internal/requestid"
)

// Service is the part of the sync agent the API drives. *agent.Agent
// satisfies it.
type Service interface {
	QueueItems() []outbox.Item
	Online() bool
	SyncNow(ctx context.Context)
	Enqueue(ctx context.Context, kind outbox.ActionKind, data json.RawMessage) (string, error)
	DeadLetters(ctx context.Context, limit int) ([]agent.DroppedAction, error)
	ResolveDeadLetter(ctx context.Context, id string) error

	Certificates() []agent.CertificateView
	CheckCertificates(ctx context.Context) error
	CertificateStatus(ctx context.Context, domain string) (agent.CertificateView, error)
	RenewCertificate(ctx context.Context, domain string) (string, error)
	BulkRenew(ctx context.Context, domains []string) ([]string, error)
	RemoveCertificate(ctx context.Context, domain string) (string, error)

	DNSRecords(ctx context.Context, domain string) ([]models.DNSRecord, error)
	AddDNSRecord(ctx context.Context, record models.DNSRecord) (string, error)
	ProxyStatus(ctx context.Context) (models.ProxyStatus, error)
	StartProxy(ctx context.Context) error
	StopProxy(ctx context.Context) error

	SchedulerConfig() renewal.Config
	UpdateSchedulerConfig(ctx context.Context, cfg renewal.Config) error
	ResetSchedulerConfig(ctx context.Context) error

	ClearCache(ctx context.Context) int
}

var _ Service = (*agent.Agent)(nil)

const defaultDeadLetterLimit = 50

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	svc       Service
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc Service, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		svc:       svc,
		checker:   checker,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

func (h *Handlers) log(c *fiber.Ctx) zerolog.Logger {
	return requestid.Logger(c.UserContext(), h.logger)
}

func domainParam(c *fiber.Ctx) string {
	d, err := url.PathUnescape(c.Params("domain"))
	if err != nil {
		return c.Params("domain")
	}
	return d
}

// ListQueue handles GET /api/v1/queue.
func (h *Handlers) ListQueue(c *fiber.Ctx) error {
	items := h.svc.QueueItems()
	return c.JSON(QueueResponse{
		Online:  h.svc.Online(),
		Pending: len(items),
		Items:   items,
	})
}

// EnqueueAction handles POST /api/v1/queue.
func (h *Handlers) EnqueueAction(c *fiber.Ctx) error {
	var req EnqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.Action == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_action", "Bad Request",
			"Action is required")
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage(`{}`)
	}

	id, err := h.svc.Enqueue(c.UserContext(), req.Action, req.Data)
	if err != nil {
		return errorResponse(c, err)
	}
	log := h.log(c)
	log.Info().Str("id", id).Str("action", string(req.Action)).Msg("Action queued via API")
	return c.Status(fiber.StatusAccepted).JSON(QueuedResponse{ID: id})
}

// SyncQueue handles POST /api/v1/queue/sync.
func (h *Handlers) SyncQueue(c *fiber.Ctx) error {
	h.svc.SyncNow(c.UserContext())
	return c.SendStatus(fiber.StatusAccepted)
}

// ListDropped handles GET /api/v1/queue/dropped.
func (h *Handlers) ListDropped(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultDeadLetterLimit)
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	dropped, err := h.svc.DeadLetters(c.UserContext(), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	if dropped == nil {
		dropped = []agent.DroppedAction{}
	}
	return c.JSON(fiber.Map{"dropped": dropped, "count": len(dropped)})
}

// ResolveDropped handles POST /api/v1/queue/dropped/:id/resolve.
func (h *Handlers) ResolveDropped(c *fiber.Ctx) error {
	if err := h.svc.ResolveDeadLetter(c.UserContext(), c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListCertificates handles GET /api/v1/certificates.
func (h *Handlers) ListCertificates(c *fiber.Ctx) error {
	certs := h.svc.Certificates()
	return c.JSON(fiber.Map{"certificates": certs, "count": len(certs)})
}

// CheckCertificates handles POST /api/v1/certificates/check.
func (h *Handlers) CheckCertificates(c *fiber.Ctx) error {
	if err := h.svc.CheckCertificates(c.UserContext()); err != nil {
		return errorResponse(c, err)
	}
	certs := h.svc.Certificates()
	return c.JSON(fiber.Map{"certificates": certs, "count": len(certs)})
}

// BulkRenew handles POST /api/v1/certificates/renew.
func (h *Handlers) BulkRenew(c *fiber.Ctx) error {
	var req BulkRenewRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if len(req.Domains) == 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_domains", "Bad Request",
			"At least one domain is required")
	}

	ids, err := h.svc.BulkRenew(c.UserContext(), req.Domains)
	if err != nil {
		if len(ids) == 0 {
			return errorResponse(c, err)
		}
		log := h.log(c)
		log.Warn().Err(err).Int("queued", len(ids)).Msg("Bulk renewal stopped early")
	}
	return c.Status(fiber.StatusAccepted).JSON(QueuedResponse{IDs: ids})
}

// CertificateStatus handles GET /api/v1/certificates/:domain/status.
func (h *Handlers) CertificateStatus(c *fiber.Ctx) error {
	view, err := h.svc.CertificateStatus(c.UserContext(), domainParam(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(view)
}

// RenewCertificate handles POST /api/v1/certificates/:domain/renew.
func (h *Handlers) RenewCertificate(c *fiber.Ctx) error {
	id, err := h.svc.RenewCertificate(c.UserContext(), domainParam(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(QueuedResponse{ID: id})
}

// RemoveCertificate handles DELETE /api/v1/certificates/:domain.
func (h *Handlers) RemoveCertificate(c *fiber.Ctx) error {
	id, err := h.svc.RemoveCertificate(c.UserContext(), domainParam(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(QueuedResponse{ID: id})
}

// ListDNSRecords handles GET /api/v1/dns/records?domain=.
func (h *Handlers) ListDNSRecords(c *fiber.Ctx) error {
	records, err := h.svc.DNSRecords(c.UserContext(), c.Query("domain"))
	if err != nil {
		return errorResponse(c, err)
	}
	if records == nil {
		records = []models.DNSRecord{}
	}
	return c.JSON(fiber.Map{"records": records, "count": len(records)})
}

// AddDNSRecord handles POST /api/v1/dns/records.
func (h *Handlers) AddDNSRecord(c *fiber.Ctx) error {
	var rec models.DNSRecord
	if err := c.BodyParser(&rec); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	id, err := h.svc.AddDNSRecord(c.UserContext(), rec)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(QueuedResponse{ID: id})
}

// GetProxy handles GET /api/v1/proxy.
func (h *Handlers) GetProxy(c *fiber.Ctx) error {
	st, err := h.svc.ProxyStatus(c.UserContext())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(st)
}

// StartProxy handles POST /api/v1/proxy/start.
func (h *Handlers) StartProxy(c *fiber.Ctx) error {
	return h.toggleProxy(c, "start", h.svc.StartProxy)
}

// StopProxy handles POST /api/v1/proxy/stop.
func (h *Handlers) StopProxy(c *fiber.Ctx) error {
	return h.toggleProxy(c, "stop", h.svc.StopProxy)
}

func (h *Handlers) toggleProxy(c *fiber.Ctx, op string, fn func(context.Context) error) error {
	if err := fn(c.UserContext()); err != nil {
		return errorResponse(c, err)
	}
	log := h.log(c)
	log.Info().Str("op", op).Msg("Proxy toggled via API")
	st, err := h.svc.ProxyStatus(c.UserContext())
	if err != nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(st)
}

// GetSchedulerSettings handles GET /api/v1/settings/scheduler.
func (h *Handlers) GetSchedulerSettings(c *fiber.Ctx) error {
	return c.JSON(h.svc.SchedulerConfig())
}

// PutSchedulerSettings handles PUT /api/v1/settings/scheduler. Fields
// missing from the body keep their current value.
func (h *Handlers) PutSchedulerSettings(c *fiber.Ctx) error {
	cfg := h.svc.SchedulerConfig()
	if err := json.Unmarshal(c.Body(), &cfg); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if err := h.svc.UpdateSchedulerConfig(c.UserContext(), cfg); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(h.svc.SchedulerConfig())
}

// ResetSchedulerSettings handles DELETE /api/v1/settings/scheduler.
func (h *Handlers) ResetSchedulerSettings(c *fiber.Ctx) error {
	if err := h.svc.ResetSchedulerConfig(c.UserContext()); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(h.svc.SchedulerConfig())
}

// ClearCache handles DELETE /api/v1/cache.
func (h *Handlers) ClearCache(c *fiber.Ctx) error {
	n := h.svc.ClearCache(c.UserContext())
	return c.JSON(fiber.Map{"removed": n})
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(fiber.Map{"status": "ok"})
	}
	results := h.checker.RunAll(c.UserContext())
	status := "ok"
	for _, s := range results {
		if s != health.StatusOK {
			status = string(s)
			if s == health.StatusDown {
				break
			}
		}
	}
	return c.JSON(fiber.Map{
		"status": status,
		"checks": results,
		"uptime": fmt.Sprintf("%.0fs", time.Since(h.startTime).Seconds()),
	})
}
