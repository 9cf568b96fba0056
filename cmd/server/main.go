// Command server runs the companion backend: the HTTP API, the turn
// pipeline, the background analysis runner, and the notification scheduler.
//
// Startup order: env → config → logging → tracing → database → collaborators
// → router → HTTP server. Shutdown is graceful: SIGINT/SIGTERM drains the
// HTTP server, stops the notification sweep, and flushes the tracer.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/emberlabs/go-companion-backend/internal/analysis"
	"github.com/emberlabs/go-companion-backend/internal/config"
	httpapi "github.com/emberlabs/go-companion-backend/internal/http"
	"github.com/emberlabs/go-companion-backend/internal/model"
	"github.com/emberlabs/go-companion-backend/internal/notify"
	"github.com/emberlabs/go-companion-backend/internal/observability"
	"github.com/emberlabs/go-companion-backend/internal/pipeline"
	"github.com/emberlabs/go-companion-backend/internal/prompt"
	"github.com/emberlabs/go-companion-backend/internal/quota"
	"github.com/emberlabs/go-companion-backend/internal/repo"
	"github.com/emberlabs/go-companion-backend/internal/safety"
	"github.com/emberlabs/go-companion-backend/internal/services"
	"github.com/emberlabs/go-companion-backend/internal/sysutil"
)

const version = "1.0.0"

func main() {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	persona, err := os.ReadFile(cfg.PersonaPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.PersonaPath).Msg("persona template load failed")
	}
	routerPrompt, err := os.ReadFile(cfg.RouterPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RouterPath).Msg("router prompt load failed")
	}

	mc := model.NewClient(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelName)
	mc.RouterModel = cfg.RouterModel

	notifier := &notify.Scheduler{
		Delay: cfg.NotifyDelay,
		Send: func(userID, text string) {
			// Delivery sink; a push gateway would hang off here.
			log.Info().Str("user_id", userID).Str("text", text).Msg("re-engagement notification")
		},
	}
	if err := notifier.Start(); err != nil {
		log.Fatal().Err(err).Msg("notification scheduler start failed")
	}

	runner := &analysis.Runner{
		DB:        db,
		Analyst:   mc,
		Notifier:  notifier,
		Threshold: cfg.AnalysisThreshold,
		Window:    cfg.AnalysisWindow,
	}

	convSvc := services.NewConversationService(db)
	convSvc.HistoryWindow = cfg.HistoryWindow

	limiter := quota.Limiter{
		FreeDailyLimit: cfg.FreeDailyLimit,
		PremiumForAll:  cfg.PremiumForAll,
	}

	ctrl := &pipeline.Controller{
		DB:            db,
		Classifier:    mc,
		Generator:     mc,
		Gate:          safety.NewGate(),
		Limiter:       limiter,
		Composer:      prompt.Composer{BaseTemplate: string(persona)},
		Conversations: convSvc,
		Analysis:      runner,
		RouterPrompt:  string(routerPrompt),
		HistoryWindow: cfg.HistoryWindow,
		FactWindow:    cfg.FactWindow,
		FarewellDelay: cfg.FarewellDelay,
		Temperature:   cfg.Temperature,
	}

	profileSvc := &services.ProfileService{DB: db, Classifier: mc}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:       db,
		Pipeline: ctrl,
		ConvSvc:  convSvc,
		Profile:  profileSvc,
		Analysis: runner,
		Notifier: notifier,
		Limiter:  limiter,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete")
		}
		notifier.Stop()
		if err := shutdownOTel(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown incomplete")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("goodbye")
}
