// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/smsblast/internal/config"
	"github.com/unclebandit/smsblast/internal/controller"
	"github.com/unclebandit/smsblast/internal/db"
	"github.com/unclebandit/smsblast/internal/handler"
	"github.com/unclebandit/smsblast/internal/logger"
	"github.com/unclebandit/smsblast/internal/queue"
	"github.com/unclebandit/smsblast/internal/ratelimit"
	"github.com/unclebandit/smsblast/internal/repository"
	"github.com/unclebandit/smsblast/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Database")
	}
	defer conn.Close()

	store, closeStore, err := queue.OpenStatusStore(ctx, cfg.RedisURL, cfg.JobStatusTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Job status store")
	}
	defer closeStore()

	// Publish only; cmd/worker consumes.
	q, err := queue.NewRabbitMQQueue(cfg.RabbitMQURL, store, queue.DefaultBackoff(), cfg.QueueMaxAttempts)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ RabbitMQ")
	}
	defer q.Close()

	campaignController := &controller.CampaignController{
		CampaignService: &service.CampaignService{
			CampaignRepo: &repository.CampaignRepository{DB: conn},
			Queue:        q,
		},
	}
	importController := &controller.ImportController{
		ImportService: &service.ImportService{Queue: q, Store: store},
	}
	phoneNumberHandler := handler.NewPhoneNumberHandler(&ratelimit.Postgres{DB: conn})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/healthz", &handler.HealthHandler{DB: conn})
	campaignController.Routes(r)
	importController.Routes(r)
	r.Get("/phone-numbers/{phone}/rate-limit", phoneNumberHandler.RateLimitHandler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("🚀 Server running")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server")
	}
}
