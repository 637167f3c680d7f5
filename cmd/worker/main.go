package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/studychat/internal/config"
	"github.com/suPer8Hu/studychat/internal/db"
	"github.com/suPer8Hu/studychat/internal/docqa"
	"github.com/suPer8Hu/studychat/internal/logging"
	"github.com/suPer8Hu/studychat/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo := docqa.NewRepo(db.Connect(cfg.DBDSN))
	if err := repo.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	proc := &docqa.Processor{
		Repo: repo,
		Asker: docqa.Runner{
			Command: cfg.DocQACommand,
			Script:  cfg.DocQAScript,
			Dir:     cfg.DocQADir,
			Timeout: cfg.DocQATimeout,
		},
	}

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbitmq")
	}
	defer consumer.Close()

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", consumer.Concurrency()).Msg("worker started")
	if err := consumer.Run(ctx, proc.Handle); err != nil {
		log.Fatal().Err(err).Msg("consume")
	}
}
