package engine

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func RegisterRoutes(app *fiber.App, h *Handler) {
	api := app.Group("/api")

	apps := api.Group("/apps")
	apps.Post("/", h.CreateApp)
	apps.Get("/", h.ListApps)
	apps.Patch("/:app", h.UpdateApp)

	apps.Post("/:app/tables", h.DefineTable)
	apps.Get("/:app/tables", h.ListTables)
	apps.Get("/:app/tables/:table", h.GetTable)
	apps.Patch("/:app/tables/:table", h.UpdateTable)
	apps.Delete("/:app/tables/:table", h.DeleteTable)
	apps.Post("/:app/tables/:table/columns", h.AddColumn)
	apps.Delete("/:app/tables/:table/columns/:column", h.DropColumn)

	apps.Get("/:app/data/:table", h.List)
	apps.Post("/:app/data/:table/query", h.Query)
	apps.Post("/:app/data/:table", h.Create)
	apps.Get("/:app/data/:table/:id", h.GetByID)
	apps.Put("/:app/data/:table/:id", h.Update)
	apps.Patch("/:app/data/:table/:id", h.Update)
	apps.Delete("/:app/data/:table/:id", h.Delete)

	apps.Post("/:app/widgets/run", h.RunWidget)
}

// ErrorHandler renders errors that escaped the handlers. Unmapped errors
// are logged and reported as INTERNAL_ERROR.
func ErrorHandler(logger *zap.SugaredLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if appErr := AsAppError(err); appErr != nil {
			return respondError(c, appErr)
		}
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code := "INTERNAL_ERROR"
			switch fe.Code {
			case fiber.StatusNotFound:
				code = "NOT_FOUND"
			case fiber.StatusMethodNotAllowed:
				code = "METHOD_NOT_ALLOWED"
			case fiber.StatusBadRequest:
				code = "INVALID_PAYLOAD"
			}
			return respondError(c, NewAppError(code, fe.Code, fe.Message))
		}
		logger.Errorw("Unhandled error", "method", c.Method(), "path", c.Path(), "error", err)
		return respondError(c, NewAppError("INTERNAL_ERROR", fiber.StatusInternalServerError, "Internal server error"))
	}
}
