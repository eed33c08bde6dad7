// Package server wires the configured stores, the impersonation service and
// the HTTP routes into a runnable application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/juanfont/masquerade/admin"
	"github.com/juanfont/masquerade/auth"
	"github.com/juanfont/masquerade/config"
	"github.com/juanfont/masquerade/database"
	"github.com/juanfont/masquerade/database/sqliteconfig"
	"github.com/juanfont/masquerade/impersonation"
	"github.com/juanfont/masquerade/middleware"
	"github.com/juanfont/masquerade/redisstore"
	"github.com/juanfont/masquerade/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// App is a configured masquerade server.
type App struct {
	cfg *config.Config

	DB          *database.Database
	Users       *database.UserStore
	Audit       *database.AuditStore
	Service     *impersonation.Service
	Permissions *impersonation.RolePermissions
	Sessions    *auth.SessionMiddleware

	redis      *redis.Client
	taskClient *tasks.Client
	metrics    *prometheus.Registry
	router     *mux.Router
}

// OpenDatabase opens the configured SQLite database.
func OpenDatabase(cfg config.DatabaseConfig) (*database.Database, error) {
	dbCfg := sqliteconfig.Default(cfg.Path)
	if !cfg.WriteAheadLog {
		dbCfg.JournalMode = sqliteconfig.JournalModeDelete
		dbCfg.WALAutocheckpoint = -1
	} else {
		dbCfg.WALAutocheckpoint = cfg.WALAutoCheckPoint
	}
	return database.NewWithConfig(dbCfg)
}

// New builds the application from cfg. Redis is only contacted when the
// redis session backend or the worker is enabled.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:     cfg,
		DB:      db,
		Users:   database.NewUserStore(db),
		Audit:   database.NewAuditStore(db),
		metrics: prometheus.NewRegistry(),
	}

	var contexts impersonation.ContextStore = impersonation.NewMemoryContexts()
	if cfg.SessionStore.Backend == config.BackendRedis {
		app.redis, err = redisstore.NewClient(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		contexts = redisstore.NewContexts(app.redis)
	}

	opts := []impersonation.Option{
		impersonation.WithTimeout(cfg.Impersonation.Timeout),
		impersonation.WithReconcileGrace(cfg.Impersonation.ReconcileGrace),
	}
	if cfg.Worker.Enabled {
		app.taskClient = tasks.NewClient(tasks.RedisOpt(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB))
		opts = append(opts, impersonation.WithScheduler(tasks.NewExpiryScheduler(app.taskClient)))
	}

	app.Permissions = &impersonation.RolePermissions{Users: app.Users, Roles: cfg.Impersonation.CapableRoles}
	guard := impersonation.NewGuard(app.Permissions, app.Users, impersonation.Policy{
		AllowPeerTargets: cfg.Impersonation.AllowPeerTargets,
	})
	app.Service = impersonation.NewService(guard, contexts, app.Audit, app.Users, opts...)

	app.Sessions = auth.NewSessionMiddleware(newCookieStore(cfg.Session), cfg.Session.CookieName, app.Users, app.Service)
	app.router = app.buildRouter()

	log.Info().
		Str("session_backend", cfg.SessionStore.Backend).
		Bool("worker", cfg.Worker.Enabled).
		Dur("timeout", cfg.Impersonation.Timeout).
		Msg("Application configured")

	return app, nil
}

func newCookieStore(cfg config.SessionConfig) *sessions.CookieStore {
	keys := [][]byte{[]byte(cfg.AuthenticationKey)}
	if cfg.EncryptionKey != "" {
		keys = append(keys, []byte(cfg.EncryptionKey))
	}
	store := sessions.NewCookieStore(keys...)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.CookieExpiry / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

func (a *App) buildRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Logging(log.Logger))
	router.Use(middleware.Recovery(log.Logger))
	router.Use(middleware.NewHTTPMetrics(a.metrics).Middleware)

	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, a.metrics}
	router.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", a.healthHandler).Methods(http.MethodGet)

	admin.NewHandlers(a.Service).RegisterRoutes(router, a.Sessions, a.Permissions)
	return router
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.DB.DB().PingContext(r.Context()); err != nil {
		log.Error().Err(err).Msg("Health check failed: database")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	if a.redis != nil {
		if err := a.redis.Ping(r.Context()).Err(); err != nil {
			log.Error().Err(err).Msg("Health check failed: redis")
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

// Handler returns the HTTP handler of the application.
func (a *App) Handler() http.Handler {
	return a.router
}

// Run reconciles the audit log, then serves HTTP (and the task worker when
// enabled) until ctx is cancelled. Reconcile repeats every sweep interval.
func (a *App) Run(ctx context.Context) error {
	a.reconcile(ctx)
	if interval := a.cfg.Impersonation.SweepInterval; interval > 0 {
		go a.sweep(ctx, interval)
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", a.cfg.ListenAddr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var worker *tasks.Server
	if a.cfg.Worker.Enabled {
		workerCfg := tasks.DefaultServerConfig()
		workerCfg.Concurrency = a.cfg.Worker.Concurrency
		worker = tasks.NewServer(tasks.RedisOpt(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB), workerCfg)
		tasks.RegisterHandlers(worker, a.Service)
		if err := worker.Start(); err != nil {
			errCh <- fmt.Errorf("task server: %w", err)
			worker = nil
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if worker != nil {
		worker.Shutdown()
	}
	return runErr
}

func (a *App) reconcile(ctx context.Context) {
	if _, err := a.Service.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to reconcile open impersonation entries")
	}
}

func (a *App) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reconcile(ctx)
		}
	}
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.taskClient != nil {
		errs = append(errs, a.taskClient.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}
