package main

import (
	"context"
	"log"

	"github.com/chastnik/mm-bot-jira2excel/internal/bot"
	"github.com/chastnik/mm-bot-jira2excel/internal/config"
)

func main() {

	ctx := context.Background()

	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	app, err := bot.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}
}
