package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"devicehub/internal/config"
	"devicehub/internal/delivery"
	apierrors "devicehub/internal/errors"
	"devicehub/internal/files"
	"devicehub/internal/infrastructure"
	"devicehub/internal/license"
	customMiddleware "devicehub/internal/middleware"
	"devicehub/internal/presence"
	"devicehub/internal/security"
	"devicehub/internal/services"
	"devicehub/internal/storage"
	"devicehub/internal/storage/jsonstore"
	"devicehub/internal/storage/sqlitestore"
	handlers "devicehub/internal/transport/http"
	ws "devicehub/internal/websocket"
	"devicehub/pkg/contracts/events"
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Paths         *config.Paths
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BusinessMetrics
	ErrorHandler  *apierrors.ErrorHandler

	Store       storage.Store
	Presence    *presence.Registry
	Panels      *presence.PanelDirectory
	Ledger      *license.Ledger
	Coordinator *delivery.Coordinator
	Packages    *services.PackageService
	Health      *services.HealthService
	Hub         *ws.Hub

	operatorKey *security.OperatorKey

	closeOnce sync.Once
	closeErr  error
}

// New wires every component from cfg. A nil logger selects the process
// logger configured from cfg.Logging.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		var err error
		logger, err = infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("storage_driver", cfg.Storage.Driver))

	paths, err := cfg.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}
	logger.Info("Resolved paths",
		slog.String("data_dir", paths.DataDir),
		slog.String("artifacts_dir", paths.ArtifactsDir),
		slog.String("logs_dir", paths.LogsDir))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	metrics, err := infrastructure.NewBusinessMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Paths:         paths,
		Logger:        logger,
		OTelProviders: otelProviders,
		Metrics:       metrics,
		ErrorHandler:  apierrors.NewErrorHandler(logger, false),
	}

	if err := app.initializeServices(context.Background()); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices builds the domain components in dependency order.
func (a *Application) initializeServices(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = store

	audit := license.MultiLog{store}
	if a.Config.Audit.SheetsEnabled() {
		sheets, err := license.NewSheetsActivationLog(ctx, a.Config.Audit, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize sheets activation log: %w", err)
		}
		audit = append(audit, sheets)
		a.Logger.Info("Mirroring activations to Google Sheets",
			slog.String("spreadsheet_id", a.Config.Audit.SheetsSpreadsheetID))
	}

	a.Presence = presence.NewRegistry(presence.Options{
		GraceInterval: a.Config.Presence.GraceInterval,
		Logger:        a.Logger,
	})
	a.Panels = presence.NewPanelDirectory(presence.SystemClock())

	a.Hub = ws.NewHub(nil, ws.OptionsFromConfig(a.Config.WebSocket), a.Logger, a.Metrics)
	a.Presence.SetNotifier(a.publishSnapshot)

	a.Ledger = license.NewLedger(store, audit, a.Presence, a.Logger, a.Metrics)

	materializer := files.NewMaterializer(a.Paths.ArtifactsDir, a.Logger)
	a.Coordinator = delivery.NewCoordinator(store, a.Presence, a.Hub, materializer, delivery.Options{
		DefaultTTL:         a.Config.Delivery.DefaultGrantTTL,
		TombstoneRetention: a.Config.Delivery.TombstoneRetention,
		PublicBaseURL:      a.Config.Delivery.PublicBaseURL,
	}, a.Logger, a.Metrics)

	a.Packages = services.NewPackageService(store, a.Logger)
	a.Health = services.NewHealthService(a.Paths, a.Config.Storage.Driver, a.Hub, a.Presence, a.Logger)

	validator := customMiddleware.NewValidator()
	a.Hub.SetDispatcher(ws.NewRouter(a.Hub, a.Presence, a.Panels, a.Ledger, validator, a.Logger))

	if a.Config.Security.OperatorKey != "" {
		key, err := security.NewOperatorKey(a.Config.Security.OperatorKey, security.DefaultKeyDerivationConfig())
		if err != nil {
			return fmt.Errorf("failed to derive operator key: %w", err)
		}
		a.operatorKey = key
	} else {
		a.Logger.Warn("No operator key configured, operator endpoints are open")
	}

	return nil
}

func (a *Application) openStore(ctx context.Context) (storage.Store, error) {
	switch a.Config.Storage.Driver {
	case config.StorageDriverSQLite:
		store, err := sqlitestore.Open(ctx, a.Paths.SQLiteFile, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	default:
		store, err := jsonstore.Open(a.Paths, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open json store: %w", err)
		}
		return store, nil
	}
}

// publishSnapshot runs under the registry lock, so it only touches the
// non-blocking broadcast queue and the gauge.
func (a *Application) publishSnapshot(snapshot []presence.Session) {
	a.Hub.Broadcast(events.MessageTypePresenceSnapshot, snapshot)
	a.Metrics.DevicesOnline.Record(context.Background(), int64(onlineCount(snapshot)))
}

func onlineCount(snapshot []presence.Session) int {
	n := 0
	for _, s := range snapshot {
		if s.State != presence.StateOffline {
			n++
		}
	}
	return n
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Minimal middleware only: the websocket handler needs the raw ResponseWriter.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	upgrader := ws.Upgrader(a.Config.WebSocket.ReadBufferSize, a.Config.WebSocket.WriteBufferSize,
		a.Config.Security.AllowedOrigins, a.Logger)
	r.Get("/ws", ws.Handler(a.Hub, upgrader))

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	validator := customMiddleware.NewValidator()
	licenseHandler := handlers.NewLicenseHandler(a.Ledger, a.Presence, validator, a.ErrorHandler, a.Logger)
	deliveryHandler := handlers.NewDeliveryHandler(a.Coordinator, validator, a.ErrorHandler, a.Logger)
	packageHandler := handlers.NewPackageHandler(a.Packages, a.Coordinator, validator, a.ErrorHandler, a.Logger)
	statusHandler := handlers.NewStatusHandler(a.Presence, a.Panels, a.Hub, a.Health, validator, a.ErrorHandler, a.Logger)

	deviceLimit := a.deviceRateLimit()
	operatorOnly := customMiddleware.OperatorAuth(a.operatorKey, a.Logger, a.ErrorHandler)

	r.Group(func(r chi.Router) {
		// Order: OTel → Logger → Recoverer → SecurityHeaders → CORS
		r.Use(customMiddleware.OTel(a.OTelProviders.Tracer, a.Metrics))
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(apierrors.RecoveryMiddleware(a.ErrorHandler))
		r.Use(customMiddleware.SecurityHeaders)
		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
				AllowedOrigins: a.Config.Security.AllowedOrigins,
			}))
		}

		r.Get("/healthz", statusHandler.Health)

		// Downloads stream large archives and stay outside the request timeout.
		r.With(deviceLimit).Get("/download/{token}", deliveryHandler.Download)

		r.Route("/api", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout))

			r.Get("/health", statusHandler.Health)
			r.Get("/version", statusHandler.Version)
			r.Get("/status", statusHandler.Status)

			r.Group(func(r chi.Router) {
				r.Use(deviceLimit)
				r.Post("/licenses/validate", licenseHandler.Validate)
				r.Post("/ping", statusHandler.Ping)
			})

			r.Group(func(r chi.Router) {
				r.Use(operatorOnly)

				r.Get("/licenses", licenseHandler.List)
				r.Post("/licenses/{key}/release", licenseHandler.Release)
				r.Get("/licenses/export.xlsx", licenseHandler.ExportWorkbook)
				r.Get("/licenses/export.csv", licenseHandler.ExportCSV)

				r.Post("/assignments", deliveryHandler.Assign)
				r.Post("/deliveries/send", deliveryHandler.Send)
				r.Post("/deliveries/links", deliveryHandler.Link)
				r.Post("/maintenance/prune", deliveryHandler.Prune)

				r.Mount("/packages", packageHandler.Routes())
				r.Get("/devices", statusHandler.Devices)
			})
		})
	})

	a.Router = r
}

// deviceRateLimit returns the limiter guarding device-facing routes, or a
// pass-through when limiting is disabled.
func (a *Application) deviceRateLimit() func(http.Handler) http.Handler {
	rl := a.Config.Security.RateLimit
	if !rl.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return customMiddleware.NewRateLimiter(rl.RPS, rl.Burst, a.Logger, a.ErrorHandler).Handler
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Server.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run serves until ctx is cancelled or a component fails, then shuts
// everything down.
func (a *Application) Run(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("address", a.Server.Addr),
		slog.String("level", a.Config.Logging.Level))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Hub.Run(gctx)
	})

	g.Go(func() error {
		a.resyncLoop(gctx)
		return nil
	})

	g.Go(func() error {
		a.pruneLoop(gctx)
		return nil
	})

	g.Go(func() error {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.stopServer()
	})

	err := g.Wait()
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (a *Application) stopServer() error {
	a.Logger.Info("Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// Close releases the store and flushes telemetry. It is safe to call more
// than once and on an application that never ran.
func (a *Application) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.close()
	})
	return a.closeErr
}

func (a *Application) close() error {
	var errs []error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("Error shutting down OpenTelemetry", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	a.Logger.Info("Application shutdown complete")
	return errors.Join(errs...)
}

// resyncLoop periodically rebroadcasts the presence snapshot so late or
// lossy listeners converge.
func (a *Application) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Presence.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Presence.Publish()
		}
	}
}

// pruneLoop removes expired download grants at startup and on every tick.
func (a *Application) pruneLoop(ctx context.Context) {
	a.prune(ctx)

	ticker := time.NewTicker(a.Config.Delivery.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.prune(ctx)
		}
	}
}

func (a *Application) prune(ctx context.Context) {
	removed, err := a.Coordinator.Prune(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.Logger.ErrorContext(ctx, "Grant prune failed", slog.String("error", err.Error()))
		}
		return
	}
	if removed > 0 {
		a.Logger.InfoContext(ctx, "Pruned expired download grants", slog.Int("removed", removed))
	}
}
