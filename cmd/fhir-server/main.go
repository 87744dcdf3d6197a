package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medforge/fhir-server/internal/config"
	"github.com/medforge/fhir-server/internal/platform/db"
	"github.com/medforge/fhir-server/internal/platform/fhir"
	"github.com/medforge/fhir-server/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-server",
		Short: "FHIR R4 Resource Server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initDBCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Bootstrap the schema and seed the search parameter catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			adapter, err := db.Open(ctx, cfg.Backend, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
			if err != nil {
				return err
			}
			defer adapter.Close()

			store := fhir.NewStore(adapter, logger, fhir.Options{
				BaseURL:            cfg.BaseURL,
				ServerGeneratedIDs: cfg.UseServerGeneratedID,
			})
			return store.Bootstrap(ctx, cfg.ClearDataOnStartup)
		},
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	adapter, err := db.Open(ctx, cfg.Backend, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer adapter.Close()
	logger.Info().Str("backend", cfg.Backend).Msg("connected to database")

	store := fhir.NewStore(adapter, logger, fhir.Options{
		BaseURL:            cfg.BaseURL,
		ServerGeneratedIDs: cfg.UseServerGeneratedID,
	})
	if err := store.Bootstrap(ctx, cfg.ClearDataOnStartup); err != nil {
		logger.Fatal().Err(err).Msg("failed to bootstrap schema")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"backend": cfg.Backend,
		})
	})

	fhirGroup := e.Group("/fhir/r4")
	fhirGroup.Use(middleware.BearerAuth(cfg.AuthTokenSecret))

	handler := fhir.NewHandler(store, logger)
	handler.RegisterRoutes(fhirGroup)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()
	logger.Info().Str("port", cfg.Port).Msg("fhir server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
	return nil
}
