package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pytask-manager/engine/internal/broker"
	"github.com/pytask-manager/engine/internal/config"
	"github.com/pytask-manager/engine/internal/coordinator"
	apierrors "github.com/pytask-manager/engine/internal/errors"
	"github.com/pytask-manager/engine/internal/events"
	"github.com/pytask-manager/engine/internal/httpapi"
	"github.com/pytask-manager/engine/internal/lock"
	"github.com/pytask-manager/engine/internal/logger"
	"github.com/pytask-manager/engine/internal/middleware"
	"github.com/pytask-manager/engine/internal/provisioner"
	"github.com/pytask-manager/engine/internal/recovery"
	"github.com/pytask-manager/engine/internal/scheduler"
	"github.com/pytask-manager/engine/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()
	log.Info().Msg("starting script execution engine")

	st, err := store.New(store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	log.Info().Msg("running database migrations")
	if err := st.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	if err := os.MkdirAll(cfg.ScriptsDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("scripts_dir", cfg.ScriptsDir).Msg("failed to create scripts directory")
	}

	prov := provisioner.New(cfg.ScriptsDir)
	brk := broker.New(cfg.ScriptsDir)

	locker, err := lock.New(lock.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		Enabled:  cfg.RedisEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up distributed lock")
	}
	defer locker.Close()
	if !locker.IsEnabled() {
		log.Warn().Msg("distributed lock disabled, relying solely on the execution store's unique index for serialization")
	}

	publisher, err := events.NewPublisher(events.Config{URL: cfg.NATSURL})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up event publisher")
	}
	defer publisher.Close()

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if closed, err := recovery.Sweep(startupCtx, st); err != nil {
		log.Error().Err(err).Msg("startup crash recovery sweep failed")
	} else if closed > 0 {
		log.Warn().Int("count", closed).Msg("startup crash recovery closed out unterminated executions")
	}
	startupCancel()

	var sched *scheduler.Scheduler
	coord := coordinator.New(st, prov, brk, locker, publisher, coordinator.Config{
		MaxExecutionTime: cfg.MaxExecutionTime,
		InstallTimeout:   cfg.InstallTimeout,
	}, schedulerRemoverFunc(func(id int64) {
		if sched != nil {
			sched.Remove(id)
		}
	}))
	sched = scheduler.New(coord)

	schedCtx, schedCancel := context.WithTimeout(context.Background(), 30*time.Second)
	schedules, err := st.ListActiveSchedules(schedCtx)
	schedCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load schedules")
	}
	eligible := coord.FilterEligibleSchedules(context.Background(), schedules)
	sched.LoadAll(eligible)
	defer sched.Stop()

	handler := httpapi.New(coord, brk, prov, st)
	handler.InstallTimeout = cfg.InstallTimeout

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(apierrors.Recovery())
	router.Use(middleware.StructuredLogger())
	router.Use(middleware.Timeout(middleware.DefaultTimeoutConfig()))
	router.Use(middleware.DefaultSizeLimiter())
	router.Use(apierrors.ErrorHandler())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := router.Group("/api/v1")
	handler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // streaming endpoints hold the connection open for the life of an execution
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}

	sched.Stop()

	// Give in-flight executions a grace period to reach a terminal status
	// on their own before the crash-recovery sweep closes out whatever is
	// still left (spec §4.G: the same sweep runs at startup and shutdown).
	time.Sleep(5 * time.Second)

	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if closed, err := recovery.Sweep(sweepCtx, st); err != nil {
		log.Error().Err(err).Msg("shutdown crash recovery sweep failed")
	} else if closed > 0 {
		log.Warn().Int("count", closed).Msg("shutdown crash recovery closed out unterminated executions")
	}
	sweepCancel()

	log.Info().Msg("graceful shutdown complete")
}

// schedulerRemoverFunc adapts a plain func(int64) to coordinator.ScheduleRemover.
type schedulerRemoverFunc func(scheduleID int64)

func (f schedulerRemoverFunc) Remove(scheduleID int64) { f(scheduleID) }
