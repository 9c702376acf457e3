// Package mgmt serves the management API of the sync agent.
package mgmt

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"

	serrors "github.com/p-blackswan/domainsync/internal/errors"
	"github.com/p-blackswan/domainsync/internal/outbox"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// EnqueueRequest is the body of POST /api/v1/queue.
type EnqueueRequest struct {
	Action outbox.ActionKind `json:"action"`
	Data   json.RawMessage   `json:"data"`
}

// BulkRenewRequest is the body of POST /api/v1/certificates/renew.
type BulkRenewRequest struct {
	Domains []string `json:"domains"`
}

// QueuedResponse acknowledges queued actions.
type QueuedResponse struct {
	ID  string   `json:"id,omitempty"`
	IDs []string `json:"ids,omitempty"`
}

// QueueResponse is the body of GET /api/v1/queue.
type QueueResponse struct {
	Online  bool          `json:"online"`
	Pending int           `json:"pending"`
	Items   []outbox.Item `json:"items"`
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

// errorResponse maps a sync error to its problem response.
func errorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, serrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	case errors.Is(err, serrors.ErrUnknownAction):
		return problemResponse(c, fiber.StatusBadRequest, "unknown_action", "Bad Request", err.Error())
	case errors.Is(err, serrors.ErrMalformed):
		return problemResponse(c, fiber.StatusBadRequest, "malformed", "Bad Request", err.Error())
	case errors.Is(err, serrors.ErrRejected):
		return problemResponse(c, fiber.StatusBadGateway, "rejected", "Bad Gateway", err.Error())
	case errors.Is(err, serrors.ErrTimeout):
		return problemResponse(c, fiber.StatusGatewayTimeout, "upstream_timeout", "Gateway Timeout", err.Error())
	case errors.Is(err, serrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable, "upstream_unavailable", "Service Unavailable", err.Error())
	case errors.Is(err, serrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, serrors.ErrStorage):
		return problemResponse(c, fiber.StatusInternalServerError, "storage_error", "Internal Server Error", err.Error())
	default:
		return err
	}
}
