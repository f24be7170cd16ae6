package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"tablekit/internal/engine"
	"tablekit/internal/instrument"
	"tablekit/internal/metadata"
	"tablekit/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

// openEngine connects the configured backend and loads every stored
// schema into a fresh registry.
func openEngine(ctx context.Context) (*engine.Engine, store.Backend, error) {
	backend, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	eng := engine.New(metadata.NewRegistry(), backend, logger, engine.Options{
		DefaultPageSize:  cfg.Query.DefaultPageSize,
		MaxPageSize:      cfg.Query.MaxPageSize,
		WidgetTableLimit: cfg.Widgets.TableLimit,
	})
	if err := eng.Load(ctx); err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("load schemas: %w", err)
	}
	return eng, backend, nil
}

func newApp(eng *engine.Engine) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(cfg.Instrumentation, instrument.NewLogInstrumenter(logger)))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	engine.RegisterRoutes(app, engine.NewHandler(eng))
	return app
}

func serve(ctx context.Context) error {
	eng, backend, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	app := newApp(eng)
	logger.Infow("Schemas loaded", "apps", len(eng.ListApps()))

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Infow("Starting server", "addr", addr, "driver", cfg.Database.Driver)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}
