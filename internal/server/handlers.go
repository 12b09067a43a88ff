package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ambientloop/keel/internal/engine"
	kerrors "github.com/ambientloop/keel/internal/errors"
	"github.com/ambientloop/keel/internal/event"
	"github.com/ambientloop/keel/internal/health"
	"github.com/ambientloop/keel/internal/syncer"
	"github.com/ambientloop/keel/internal/trust"
)

// Handlers holds dependencies for the HTTP handlers.
type Handlers struct {
	engine    *engine.Engine
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(eng *engine.Engine, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		engine:    eng,
		checker:   checker,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// SubmitEvent handles POST /v1/events.
func (h *Handlers) SubmitEvent(c *fiber.Ctx) error {
	var req SubmitEventRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "invalid request body: "+err.Error())
	}

	ev := event.Event{
		Timestamp:  req.Timestamp,
		Kind:       event.Kind(req.Kind),
		Awareness:  event.Awareness(req.Awareness),
		Confidence: req.Confidence,
		Context:    req.Context,
		Source:     req.Source,
	}
	if err := h.engine.SubmitEvent(c.Context(), ev); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

// SubmitSignal handles POST /v1/signals.
func (h *Handlers) SubmitSignal(c *fiber.Ctx) error {
	var req SubmitSignalRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "invalid request body: "+err.Error())
	}
	if err := h.engine.SubmitRawSignal(c.Context(), req.Kind, req.Value, req.Timestamp, req.Source); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

// RequestAction handles POST /v1/actions.
func (h *Handlers) RequestAction(c *fiber.Ctx) error {
	var req ActionRequestBody
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "invalid request body: "+err.Error())
	}

	grant, err := h.engine.RequestAction(c.Context(), engine.ActionRequest{
		Kind:            trust.ActionKind(req.Kind),
		Confidence:      req.Confidence,
		Inputs:          req.Inputs,
		Alternatives:    req.Alternatives,
		PrimaryReason:   req.PrimaryReason,
		SecondaryReason: req.SecondaryReason,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(grant)
}

// ExplainReceipt handles GET /v1/receipts/:id/explain.
func (h *Handlers) ExplainReceipt(c *fiber.Ctx) error {
	text, err := h.engine.ExplainReceipt(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"id": c.Params("id"), "explanation": text})
}

// GetReceipt handles GET /v1/receipts/:id.
func (h *Handlers) GetReceipt(c *fiber.Ctx) error {
	r, err := h.engine.Receipt(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(r)
}

// GetTrust handles GET /v1/trust.
func (h *Handlers) GetTrust(c *fiber.Ctx) error {
	s := h.engine.TrustState()
	return c.JSON(fiber.Map{
		"phase":                  s.Phase.String(),
		"score":                  s.Score,
		"days_active":            s.DaysActive,
		"accepted_count":         s.AcceptedCount,
		"completed_count":        s.CompletedCount,
		"override_count":         s.OverrideCount,
		"consecutive_rejections": s.ConsecutiveRejections,
		"updated_at":             s.UpdatedAt,
	})
}

// StepBack handles POST /v1/trust/stepback.
func (h *Handlers) StepBack(c *fiber.Ctx) error {
	var req StepBackRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "invalid request body: "+err.Error())
	}
	s, err := h.engine.StepBack(c.Context(), req.Reason)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"phase": s.Phase.String(), "score": s.Score})
}

// GetHealth handles GET /v1/health.
func (h *Handlers) GetHealth(c *fiber.Ctx) error {
	s := h.engine.HealthState()
	return c.JSON(fiber.Map{
		"mode":         s.Mode.String(),
		"counters":     s.Counters,
		"last_success": s.LastSuccess,
	})
}

// RecoverHealth handles POST /v1/health/recover.
func (h *Handlers) RecoverHealth(c *fiber.Ctx) error {
	s := h.engine.RecoverHealth()
	return c.JSON(fiber.Map{"mode": s.Mode.String()})
}

// SyncTrust handles POST /v1/sync/trust (a peer pushing its trust state).
func (h *Handlers) SyncTrust(c *fiber.Ctx) error {
	var p syncer.Payload
	if err := c.BodyParser(&p); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "invalid request body: "+err.Error())
	}
	merged, err := h.engine.ApplyTrustSync(c.Context(), p)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(syncer.FromState(merged))
}

// SyncRecords handles POST /v1/sync/records: batch conflict resolution for
// per-domain records. Each pair is settled independently; a mismatched pair
// rejects the whole batch before any resolution runs.
func (h *Handlers) SyncRecords(c *fiber.Ctx) error {
	var req SyncRecordsRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "invalid request body: "+err.Error())
	}
	for _, p := range req.Pairs {
		if p.Local.ID != p.Remote.ID || p.Local.Domain != p.Remote.Domain {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_input", "Bad Request",
				"pair must reference the same logical record and domain")
		}
	}

	out := make([]RecordResolution, 0, len(req.Pairs))
	for _, p := range req.Pairs {
		winner, res := h.engine.ResolveRecord(p.Local, p.Remote)
		out = append(out, RecordResolution{
			ID:         p.Local.ID,
			Resolution: string(res),
			Winner:     winner,
		})
	}
	return c.JSON(fiber.Map{"resolutions": out})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if !h.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// errorResponse maps classified engine errors to HTTP problem responses.
func errorResponse(c *fiber.Ctx, err error) error {
	var capErr *kerrors.CapabilityError
	switch {
	case errors.As(err, &capErr):
		return problemResponse(c, fiber.StatusForbidden,
			"capability_denied", "Forbidden", capErr.Error())
	case errors.Is(err, kerrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", err.Error())
	case errors.Is(err, kerrors.ErrInvalidInput), errors.Is(err, kerrors.ErrUnknownKind),
		errors.Is(err, kerrors.ErrInvalidConfig):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_input", "Bad Request", err.Error())
	case errors.Is(err, kerrors.ErrTierWindow):
		return problemResponse(c, fiber.StatusConflict,
			"tier_window", "Conflict", err.Error())
	case errors.Is(err, kerrors.ErrUnavailable), errors.Is(err, kerrors.ErrTimeout):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", err.Error())
	default:
		return problemResponse(c, fiber.StatusInternalServerError,
			"internal_error", "Internal Server Error", err.Error())
	}
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
