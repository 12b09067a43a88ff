// Package server exposes the engine over HTTP using Fiber.
package server

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/ambientloop/keel/internal/engine"
	"github.com/ambientloop/keel/internal/health"
	"github.com/ambientloop/keel/internal/metrics"
	"github.com/ambientloop/keel/internal/requestid"
)

// Config holds the HTTP server settings.
type Config struct {
	ListenAddr string
	APIKey     string // empty disables auth
}

// Server is the engine's Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config Config
}

// New creates and wires the HTTP server.
func New(cfg Config, eng *engine.Engine, checker *health.Checker,
	metricsCollector *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "server").Logger(),
		config: cfg,
	}

	handlers := NewHandlers(eng, checker, logger)
	s.setupMiddleware(cfg, logger)
	s.setupRoutes(handlers, metricsCollector)
	return s
}

func (s *Server) setupMiddleware(cfg Config, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	// API key auth; probes and metrics stay open
	s.app.Use(func(c *fiber.Ctx) error {
		if cfg.APIKey == "" {
			return c.Next()
		}
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		if c.Get("X-API-Key") != cfg.APIKey {
			logger.Warn().Str("path", path).Str("method", c.Method()).
				Msg("unauthorized request")
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_api_key", "Unauthorized", "valid X-API-Key header required")
		}
		return c.Next()
	})

	// Request logging, skipping noisy probes
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, metricsCollector *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	if metricsCollector != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	}

	v1 := s.app.Group("/v1")
	v1.Post("/events", h.SubmitEvent)
	v1.Post("/signals", h.SubmitSignal)
	v1.Post("/actions", h.RequestAction)
	v1.Get("/receipts/:id", h.GetReceipt)
	v1.Get("/receipts/:id/explain", h.ExplainReceipt)
	v1.Get("/trust", h.GetTrust)
	v1.Post("/trust/stepback", h.StepBack)
	v1.Get("/health", h.GetHealth)
	v1.Post("/health/recover", h.RecoverHealth)
	v1.Post("/sync/trust", h.SyncTrust)
	v1.Post("/sync/records", h.SyncRecords)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8086"
	}
	s.logger.Info().Str("addr", addr).Msg("http server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("http server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "an internal error occurred"
		}
		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
