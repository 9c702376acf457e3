package mgmt

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/domainsync/internal/clock"
	"github.com/p-blackswan/domainsync/internal/health"
	"github.com/p-blackswan/domainsync/internal/metrics"
	"github.com/p-blackswan/domainsync/internal/requestid"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
	TLSCert     string
	TLSKey      string

	// Clock drives the rate limiter. Default real time.
	Clock clock.Clock
}

// Server is the management API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new management API server. m may be
// nil.
func NewServer(cfg ServerConfig, svc Service, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "mgmt_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(NewHandlers(svc, checker, logger), checker, m)
	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	s.app.Use(func(c *fiber.Ctx) error {
		id := requestid.Resolve(c.Get(requestid.Header))
		c.Set(requestid.Header, id)
		c.Locals("request_id", id)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), id))
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit, cfg.Clock))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	s.app.Use(func(c *fiber.Ctx) error {
		if isOpsEndpoint(c.Path()) {
			return c.Next()
		}
		log := requestid.Logger(c.UserContext(), s.logger)
		log.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Msg("mgmt api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, checker *health.Checker, m *metrics.Metrics) {
	s.app.Get("/healthz", health.LivenessHandler())
	if checker != nil {
		s.app.Get("/readyz", checker.ReadinessHandler())
	} else {
		s.app.Get("/readyz", health.LivenessHandler())
	}
	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")
	v1.Get("/health", h.HealthDetail)

	q := v1.Group("/queue")
	q.Get("/", h.ListQueue)
	q.Post("/", requireRole(RoleOperator), h.EnqueueAction)
	q.Post("/sync", requireRole(RoleOperator), h.SyncQueue)
	q.Get("/dropped", h.ListDropped)
	q.Post("/dropped/:id/resolve", requireRole(RoleOperator), h.ResolveDropped)

	certs := v1.Group("/certificates")
	certs.Get("/", h.ListCertificates)
	certs.Post("/check", requireRole(RoleOperator), h.CheckCertificates)
	certs.Post("/renew", requireRole(RoleOperator), h.BulkRenew)
	certs.Get("/:domain/status", h.CertificateStatus)
	certs.Post("/:domain/renew", requireRole(RoleOperator), h.RenewCertificate)
	certs.Delete("/:domain", requireRole(RoleOperator), h.RemoveCertificate)

	dns := v1.Group("/dns")
	dns.Get("/records", h.ListDNSRecords)
	dns.Post("/records", requireRole(RoleOperator), h.AddDNSRecord)

	proxy := v1.Group("/proxy")
	proxy.Get("/", h.GetProxy)
	proxy.Post("/start", requireRole(RoleOperator), h.StartProxy)
	proxy.Post("/stop", requireRole(RoleOperator), h.StopProxy)

	v1.Get("/settings/scheduler", h.GetSchedulerSettings)
	v1.Put("/settings/scheduler", requireRole(RoleAdmin), h.PutSchedulerSettings)
	v1.Delete("/settings/scheduler", requireRole(RoleAdmin), h.ResetSchedulerSettings)

	v1.Delete("/cache", requireRole(RoleAdmin), h.ClearCache)
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("Management API server starting")

	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(addr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Management API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return problemResponse(c, fe.Code, "http_error", utils.StatusMessage(fe.Code), fe.Message)
		}

		logger.Error().
			Err(err).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Unhandled error")
		return problemResponse(c, fiber.StatusInternalServerError,
			"internal_error", "Internal Server Error",
			"An internal error occurred")
	}
}
