package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/pitchtrainer/pkg/response"
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

type HealthHandler struct {
	checks   map[string]Checker
	features map[string]bool
	timeout  time.Duration
}

// NewHealthHandler creates the handler. checks must pass for the service
// to be healthy; features only report which optional integrations are on.
func NewHealthHandler(checks map[string]Checker, features map[string]bool) *HealthHandler {
	return &HealthHandler{checks: checks, features: features, timeout: 2 * time.Second}
}

// Root handles GET /
func (h *HealthHandler) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	body := fiber.Map{
		"status":       status,
		"dependencies": deps,
		"services":     h.features,
	}
	if status != "ok" {
		return response.Unavailable(c, "Dependency check failed", body)
	}
	return response.OK(c, body)
}
