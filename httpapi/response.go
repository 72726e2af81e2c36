package httpapi

import "github.com/gofiber/fiber/v2"

// envelope is the uniform JSON shape every endpoint replies with.
type envelope struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(envelope{OK: true, Data: data})
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(envelope{OK: false, Message: message})
}
