package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vault-backend/internal/app"
	"vault-backend/internal/config"
	"vault-backend/internal/db"
	"vault-backend/internal/router"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	}

	if err := config.LoadConfig(*configPath); err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	db.InitDB()

	container, err := app.InitializeContainer(logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize services")
	}

	container.Start()

	r := router.SetupRouter(
		container.AuthHandler,
		container.VaultHandler,
		container.WebSocketHandler,
		container.AuthMiddleware,
		logger,
	)

	addr := fmt.Sprintf("%s:%d", config.AppConfig.Server.Host, config.AppConfig.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		logger.WithField("addr", addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}

	container.Shutdown()
	logger.Info("stopped")
}
