package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/http/dto"
	"github.com/participant-hub/identity/internal/middleware"
)

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return fiber.StatusBadRequest
	case apperr.KindNotFound:
		return fiber.StatusNotFound
	case apperr.KindConflict:
		return fiber.StatusConflict
	case apperr.KindExternalDependency:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error:     msg,
		Kind:      string(apperr.KindValidation),
		RequestID: requestID(c),
	})
}

// writeError maps a service error to its HTTP status. Typed errors report
// their message and details; the wrapped cause is only logged. Untyped
// errors are masked.
func writeError(c *fiber.Ctx, log *zap.Logger, err error) error {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	resp := dto.ErrorResponse{Error: err.Error(), Kind: string(kind), RequestID: requestID(c)}

	var ae *apperr.Error
	typed := errors.As(err, &ae)
	if typed {
		resp.Error = ae.Message
		resp.Details = ae.Details
	}
	if status >= fiber.StatusInternalServerError {
		log.Error("request failed",
			zap.String("request_id", resp.RequestID),
			zap.String("path", c.Path()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		// untyped errors may carry driver text
		if !typed {
			resp.Error = "internal error"
		}
	}
	if kind == apperr.KindConflict {
		c.Set("Retry-After", "1")
	}
	return c.Status(status).JSON(resp)
}

func requestID(c *fiber.Ctx) string {
	id, _ := c.Locals(middleware.CtxRequestID).(string)
	return id
}
