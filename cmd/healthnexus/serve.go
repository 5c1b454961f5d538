package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/healthnexus/platform/internal/adapters/hospital"
	"github.com/healthnexus/platform/internal/adapters/hospital/heliant"
	"github.com/healthnexus/platform/internal/ai"
	"github.com/healthnexus/platform/internal/appointment"
	"github.com/healthnexus/platform/internal/careteam"
	"github.com/healthnexus/platform/internal/clinical"
	"github.com/healthnexus/platform/internal/document"
	"github.com/healthnexus/platform/internal/family"
	"github.com/healthnexus/platform/internal/identity"
	"github.com/healthnexus/platform/internal/notification"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/config"
	"github.com/healthnexus/platform/internal/shared/database"
	"github.com/healthnexus/platform/internal/shared/events"
	"github.com/healthnexus/platform/internal/shared/metrics"
	secmiddleware "github.com/healthnexus/platform/internal/shared/middleware"
	"github.com/healthnexus/platform/internal/shared/session"
	"github.com/healthnexus/platform/internal/storage"
	"github.com/healthnexus/platform/internal/user"
	"go.uber.org/zap"
)

// App holds the process-wide dependencies that health checks inspect
type App struct {
	Config *config.Config
	Log    *zap.Logger
	DB     *database.DB
	Bus    *events.Bus
	Redis  *redis.Client
	Labs   hospital.LabSource
}

func runServer() error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := &App{Config: cfg, Log: log}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database not available: %w", err)
	}
	app.DB = db
	defer db.Close()

	applied, err := database.Migrate(ctx, db.Pool, log)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Info("migrations applied", zap.Int("count", applied))

	// Event streaming is optional; handlers skip a nil publisher.
	var publisher events.Publisher
	if cfg.KurrentDB.Enabled {
		bus, err := events.NewBus(ctx, cfg.KurrentDB)
		if err != nil {
			log.Warn("KurrentDB not available, running without event streaming", zap.Error(err))
		} else {
			app.Bus = bus
			publisher = bus
			defer bus.Close()
		}
	}

	var sessions session.Store
	if cfg.Redis.Addr != "" {
		app.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer app.Redis.Close()
		sessions = session.NewRedisStore(app.Redis)
	} else {
		log.Warn("REDIS_ADDR not set, refresh tokens are kept in memory")
		sessions = session.NewMemoryStore()
	}

	issuer := auth.NewIssuer(cfg.Auth)

	var verifier identity.Verifier
	if cfg.Identity.ProjectID != "" {
		verifier = identity.NewFirebaseVerifier(cfg.Identity.ProjectID, cfg.Identity.CertsURL, log)
	}
	gate := identity.NewGate(verifier, cfg.Auth.FixedOTP, cfg.Auth.FixedOTPEnabled, log)

	var model ai.Model
	if cfg.AI.Enabled() {
		gemini, err := ai.NewGeminiModel(ctx, cfg.AI)
		if err != nil {
			log.Warn("AI model not available", zap.Error(err))
		} else {
			model = gemini
		}
	}
	aiService := ai.NewService(model, cfg.AI.Timeout, log)

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage not available: %w", err)
	}

	notifier, closeProviders, err := newNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeProviders()
	if err := notifier.Start(ctx); err != nil {
		return err
	}
	defer notifier.Stop()

	if cfg.Hospital.Host != "" {
		labs, err := heliant.New(ctx, hospitalConfig(cfg.Hospital))
		if err != nil {
			log.Warn("hospital system not available, lab import disabled", zap.Error(err))
		} else {
			app.Labs = labs
			defer labs.Close()
		}
	}

	userRepo := user.NewRepository(db.Pool)
	careRepo := careteam.NewRepository(db.Pool)
	familyRepo := family.NewRepository(db.Pool)
	docRepo := document.NewRepository(db.Pool)
	apptRepo := appointment.NewRepository(db.Pool)

	docService := document.NewService(docRepo, blobs, careRepo, familyRepo, aiService, notifier, publisher, log)
	careService := careteam.NewService(careRepo, userRepo, docService, apptRepo)

	userHandler := user.NewHandler(userRepo, issuer, sessions, gate, publisher, log, cfg.Auth.DirectLogin)
	userHandler.SetFileCleaner(docService)
	careHandler := careteam.NewHandler(careService, notifier, publisher, log)
	familyHandler := family.NewHandler(familyRepo, userRepo, docService, apptRepo, gate, notifier, publisher, log, cfg.Auth.FamilyRequireVerification)
	docHandler := document.NewHandler(docService, int64(cfg.Storage.MaxUploadMB)<<20, log)
	apptHandler := appointment.NewHandler(apptRepo, careRepo, notifier, publisher, log)
	aiHandler := ai.NewHandler(aiService, log)
	clinicalHandler := clinical.NewHandler(careService, userRepo, docService, apptRepo, aiService, app.Labs, notifier, publisher, log)
	notificationHandler := notification.NewHandler(notifier)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler)

	limiter := secmiddleware.NewIPRateLimiter(cfg.Server.AuthRateLimit, cfg.Server.AuthRateBurst)

	r.Route("/api", func(r chi.Router) {
		r.With(limiter.Middleware).Mount("/auth", userHandler.AuthRoutes())
		r.Mount("/profile", userHandler.ProfileRoutes())

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(issuer))

			r.Mount("/connect", careHandler.Routes())
			r.Mount("/family", familyHandler.Routes())
			r.Mount("/documents", docHandler.Routes())
			r.Mount("/appointments", apptHandler.Routes())
			r.Mount("/ai", aiHandler.Routes())
			r.Mount("/doctor", clinicalHandler.Routes())
			r.Mount("/notifications", notificationHandler.Routes())
		})
	})

	// Uploads can exceed the default write window on slow links.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", zap.Error(err))
		}
		close(done)
	}()

	log.Info("HealthNexus API listening",
		zap.String("env", cfg.Server.Env),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("event_streaming", app.Bus != nil),
		zap.Bool("redis_sessions", app.Redis != nil),
		zap.Bool("ai", aiService.Enabled()),
		zap.Bool("hospital_labs", app.Labs != nil),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	log.Info("server stopped")
	return nil
}

// newNotifier registers the configured delivery providers. Channels without
// a real backend fall back to logging so local runs still show traffic.
func newNotifier(cfg *config.Config, log *zap.Logger) (*notification.Service, func(), error) {
	svc := notification.NewService(notification.ConfigFrom(cfg.Notification), log)
	closer := func() {}

	if cfg.Notification.SMSGatewayURL != "" {
		svc.Register(notification.ChannelSMS, notification.NewHTTPSMSProvider(cfg.Notification))
	} else {
		svc.Register(notification.ChannelSMS, notification.NewLogProvider(notification.ChannelSMS, log))
	}

	if cfg.Notification.MQTTBroker != "" {
		push, err := notification.NewMQTTPushProvider(cfg.Notification)
		if err != nil {
			return nil, nil, fmt.Errorf("push provider: %w", err)
		}
		svc.Register(notification.ChannelPush, push)
		closer = push.Close
	} else {
		svc.Register(notification.ChannelPush, notification.NewLogProvider(notification.ChannelPush, log))
	}

	return svc, closer, nil
}

func hospitalConfig(c config.HospitalConfig) heliant.Config {
	hc := heliant.DefaultHeliantConfig()
	hc.Host = c.Host
	if c.Port > 0 {
		hc.Port = c.Port
	}
	hc.Database = c.Database
	hc.User = c.User
	hc.Password = c.Password
	hc.Encrypt = c.Encrypt
	hc.InstitutionName = c.InstitutionName
	return hc
}
