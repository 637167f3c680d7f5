package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/studychat/internal/ai"
	"github.com/suPer8Hu/studychat/internal/chat"
	"github.com/suPer8Hu/studychat/internal/config"
	"github.com/suPer8Hu/studychat/internal/docqa"
	"github.com/suPer8Hu/studychat/internal/logging"
	"github.com/suPer8Hu/studychat/internal/repl"
	"github.com/suPer8Hu/studychat/internal/store"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "studychat",
	Short: "Study chat against a local model, with flashcards and PDF questions",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return errors.Wrapf(err, "read config %s", cfgFile)
			}
		}
		logging.Setup(v.GetString("log.level"), true)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		s, closeFn, err := openSession(ctx, config.FromViper(v))
		if err != nil {
			return err
		}
		defer closeFn()

		fmt.Fprintln(cmd.OutOrStdout(), "type /help for commands")
		return repl.New(s, cmd.InOrStdin(), cmd.OutOrStdout()).Run(ctx)
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List saved chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openSession(cmd.Context(), config.FromViper(v))
		if err != nil {
			return err
		}
		defer closeFn()
		repl.PrintThreads(cmd.OutOrStdout(), s.Snapshot())
		return nil
	},
}

// openSession rehydrates the session store from the configured backend.
func openSession(ctx context.Context, cfg config.Config) (*chat.Store, func() error, error) {
	blobs, closeFn, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, closeFn, err
	}
	streamer, err := ai.NewDefaultRegistry(cfg.OllamaBaseURL, cfg.OllamaModel).Streaming(ctx, cfg.AIProvider, cfg.OllamaModel)
	if err != nil {
		return nil, closeFn, err
	}

	var asker chat.DocumentAsker = docqa.NewClient(cfg.DocQAEndpoint)
	if v.GetBool("docqa.local") {
		asker = docqa.NewLocal(docqa.Runner{
			Command: cfg.DocQACommand,
			Script:  cfg.DocQAScript,
			Dir:     cfg.DocQADir,
			Timeout: cfg.DocQATimeout,
		}, cfg.DocQATempDir)
	}

	s := chat.Open(ctx, blobs, streamer,
		chat.WithContextWindow(cfg.ChatContextWindowSize),
		chat.WithInterruptMarker(cfg.InterruptMarker),
		chat.WithDocumentAsker(asker),
	)
	return s, closeFn, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bindFlag(key, name string) {
	_ = v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name))
}

func init() {
	// terminal defaults differ from the server's
	v.SetDefault("log.level", "warn")
	v.SetDefault("chat.interrupt_marker", " [response interrupted]")
	v.SetDefault("docqa.local", false)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "warn", "log level")
	bindFlag("log.level", "log-level")

	rootCmd.PersistentFlags().String("storage", "file", "session storage backend: file, memory, redis or sql")
	bindFlag("storage.backend", "storage")
	rootCmd.PersistentFlags().String("storage-dir", ".studychat", "directory for the file storage backend")
	bindFlag("storage.dir", "storage-dir")

	rootCmd.PersistentFlags().String("ollama-url", "http://localhost:11434", "model server base URL")
	bindFlag("ollama.base_url", "ollama-url")
	rootCmd.PersistentFlags().StringP("model", "m", "llama3", "model name")
	bindFlag("ollama.model", "model")
	rootCmd.PersistentFlags().Int("context-window", 0, "prior messages sent with each turn (0 = all)")
	bindFlag("chat.context_window_size", "context-window")
	rootCmd.PersistentFlags().String("interrupt-marker", " [response interrupted]", "text appended to a reply whose stream broke")
	bindFlag("chat.interrupt_marker", "interrupt-marker")

	rootCmd.PersistentFlags().String("docqa-endpoint", "http://localhost:8080/api/pdf", "document-question endpoint")
	bindFlag("docqa.endpoint", "docqa-endpoint")
	rootCmd.PersistentFlags().Bool("local-docqa", false, "run the document process locally instead of calling the endpoint")
	bindFlag("docqa.local", "local-docqa")

	rootCmd.AddCommand(chatCmd, threadsCmd)
}
