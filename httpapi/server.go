// Package httpapi is the thin HTTP front-end over workerpool.Control,
// built with fiber the way every service module in the retrieved
// pack's yqhp-server standardizes on it: a handler struct holding its
// dependencies, routes registered by a Setup-style function, uniform
// JSON envelopes for success and failure.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/taskloom/poolmgr/protocol"
	"github.com/taskloom/poolmgr/workerpool"
)

// Handler wires the HTTP surface to a Control instance.
type Handler struct {
	control       *workerpool.Control
	logger        *zap.Logger
	submitTimeout time.Duration
}

// NewHandler builds a Handler. submitTimeout bounds how long a
// request waits for the worker's reply before responding 504; it does
// not cancel the underlying task, which keeps running to completion
// regardless.
func NewHandler(control *workerpool.Control, logger *zap.Logger, submitTimeout time.Duration) *Handler {
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Handler{control: control, logger: logger, submitTimeout: submitTimeout}
}

// Setup registers every /example route onto app.
func Setup(app *fiber.App, h *Handler) {
	group := app.Group("/example")
	group.Post("/pool", h.submitPool)
	group.Post("/oneShot", h.submitOneShot)
	group.Get("/stats", h.stats)
}

type submitPoolRequest struct {
	PoolName   string          `json:"poolName"`
	WorkerTask json.RawMessage `json:"workerTask"`
}

func (h *Handler) submitPool(c *fiber.Ctx) error {
	var req submitPoolRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}

	reply, err := h.awaitSubmission(c.Context(), func(ctx context.Context, deliver workerpool.Callback) error {
		res, err := h.control.SubmitPoolTask(ctx, req.WorkerTask, deliver, req.PoolName)
		if err != nil {
			return err
		}
		if !res.OK {
			return errPoolRejected(res.Message)
		}
		return nil
	})
	return h.respondReply(c, reply, err)
}

type submitOneShotRequest struct {
	WorkerScript        string          `json:"workerScript"`
	WorkerTask          json.RawMessage `json:"workerTask"`
	WorkerMemoryLimitMB int             `json:"workerMemoryLimitMB"`
}

func (h *Handler) submitOneShot(c *fiber.Ctx) error {
	var req submitOneShotRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed request body")
	}

	reply, err := h.awaitSubmission(c.Context(), func(ctx context.Context, deliver workerpool.Callback) error {
		return h.control.SubmitOneShotTask(ctx, req.WorkerScript, req.WorkerTask, deliver, req.WorkerMemoryLimitMB)
	})
	return h.respondReply(c, reply, err)
}

func (h *Handler) stats(c *fiber.Ctx) error {
	stats, err := h.control.GetStats(c.Context(), c.Query("poolName"))
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return ok(c, stats)
}

// rejectedSubmission carries the synchronous SubmitPoolTask rejection
// message so the HTTP layer can tell it apart from a submission-path
// context error.
type rejectedSubmission struct{ message string }

func (r rejectedSubmission) Error() string { return r.message }

func errPoolRejected(message string) error { return rejectedSubmission{message: message} }

// awaitSubmission runs submit, which either returns an error (a
// synchronous rejection or a submission-path context error) or hands
// deliver on as the worker's callback, and blocks until the reply
// arrives or h.submitTimeout elapses.
func (h *Handler) awaitSubmission(parent context.Context, submit func(ctx context.Context, deliver workerpool.Callback) error) (protocol.Reply, error) {
	ctx, cancel := context.WithTimeout(parent, h.submitTimeout)
	defer cancel()

	replies := make(chan protocol.Reply, 1)
	deliver := func(r protocol.Reply) {
		select {
		case replies <- r:
		default:
		}
	}

	if err := submit(ctx, deliver); err != nil {
		return protocol.Reply{}, err
	}

	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

func (h *Handler) respondReply(c *fiber.Ctx, reply protocol.Reply, err error) error {
	if err != nil {
		var rejected rejectedSubmission
		if errors.As(err, &rejected) {
			return fail(c, fiber.StatusNotFound, rejected.message)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(c, fiber.StatusGatewayTimeout, "timed out waiting for worker reply")
		}
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	if !reply.OK {
		return fail(c, fiber.StatusInternalServerError, string(reply.Data))
	}
	return ok(c, json.RawMessage(reply.Data))
}
