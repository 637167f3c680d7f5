package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/studychat/internal/ai"
	"github.com/suPer8Hu/studychat/internal/chat"
	"github.com/suPer8Hu/studychat/internal/config"
	"github.com/suPer8Hu/studychat/internal/db"
	"github.com/suPer8Hu/studychat/internal/docqa"
	"github.com/suPer8Hu/studychat/internal/httpapi"
	"github.com/suPer8Hu/studychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/studychat/internal/logging"
	"github.com/suPer8Hu/studychat/internal/store"
	"github.com/suPer8Hu/studychat/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs, closeBlobs, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("open session storage")
	}
	defer closeBlobs()

	reg := ai.NewDefaultRegistry(cfg.OllamaBaseURL, cfg.OllamaModel)
	streamer, err := reg.Streaming(ctx, cfg.AIProvider, cfg.OllamaModel)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.AIProvider).Msg("ai provider")
	}

	runner := docqa.Runner{
		Command: cfg.DocQACommand,
		Script:  cfg.DocQAScript,
		Dir:     cfg.DocQADir,
		Timeout: cfg.DocQATimeout,
	}
	chats := chat.Open(ctx, blobs, streamer,
		chat.WithContextWindow(cfg.ChatContextWindowSize),
		chat.WithInterruptMarker(cfg.InterruptMarker),
		chat.WithDocumentAsker(docqa.NewLocal(runner, cfg.DocQATempDir)),
	)

	// async document jobs are optional: without a broker the sync routes still work
	var jobs *docqa.Repo
	var publisher handlers.JobPublisher
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Warn().Err(err).Msg("rabbitmq unavailable, document jobs disabled")
	} else {
		defer pub.Close()
		jobs = docqa.NewRepo(db.Connect(cfg.DBDSN))
		if err := jobs.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate")
		}
		publisher = pub
	}

	h := handlers.NewHandler(cfg, chats, runner, jobs, publisher)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.StorageBackend).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
