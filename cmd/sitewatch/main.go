package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"sitewatch/internal/app"
	"sitewatch/internal/config"
)

func main() {
	cfg := config.Load()
	service, err := app.New(cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := service.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}
}
