package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dealer-portal/esign-backend/internal/app"
	"dealer-portal/esign-backend/internal/config"
	"dealer-portal/esign-backend/internal/signing"
	"dealer-portal/esign-backend/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	once := flag.Bool("once", false, "run a single reminder sweep and exit")
	timeout := flag.Duration("timeout", 5*time.Minute, "maximum duration of one sweep")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	zlog, err := logger.NewLogger(cfg.Environment, cfg.Logging.Level)
	if err != nil {
		log.Fatal("Failed to create logger: ", err)
	}
	defer zlog.Sync()

	application, err := app.New(context.Background(), cfg, zlog, false)
	if err != nil {
		zlog.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer application.Close()

	scheduler, err := signing.NewReminderScheduler(application.Service, cfg.Signing.ReminderCron, *timeout, zlog)
	if err != nil {
		zlog.Fatal("Failed to create reminder scheduler", zap.Error(err))
	}

	if *once {
		scheduler.RunOnce()
		return
	}

	if err := scheduler.Start(); err != nil {
		zlog.Fatal("Failed to start reminder scheduler", zap.Error(err))
	}
	// catch up on anything that came due while the worker was down
	scheduler.RunOnce()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("Reminder worker shutting down")
	scheduler.Stop()
	application.Service.Wait()
}
