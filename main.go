package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gowa-session/config"
	"gowa-session/internal/devserver"
	"gowa-session/internal/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logger.Init(cfg.LogMode, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if len(cfg.CORSAllowOrigins) == 0 {
		log.Info("CORS_ALLOW_ORIGINS is not set, allowing every origin")
	}

	srv := devserver.New(devserver.Config{
		MaxProfiles:  cfg.DevMaxProfiles,
		PairDelay:    cfg.DevPairDelay,
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
		AllowOrigins: cfg.CORSAllowOrigins,
		Logger:       log,
	})

	log.Info("dev backend starting",
		zap.String("port", cfg.DevPort),
		zap.Int("max_profiles", cfg.DevMaxProfiles),
		zap.Duration("pair_delay", cfg.DevPairDelay))

	go func() {
		if err := srv.Start(":" + cfg.DevPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("dev backend stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down dev backend...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	log.Info("Dev backend shutdown complete.")
}
