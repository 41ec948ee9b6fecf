package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"

	"chat-relay/internal/config"
	"chat-relay/internal/gateway"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/integrations/twilio"
	"chat-relay/internal/repository"
	"chat-relay/internal/repository/sqlite"
	"chat-relay/internal/usecase"
	"chat-relay/internal/worker"
)

// store is the combined persistence surface the processor daemon needs;
// both the DynamoDB and SQLite implementations satisfy it.
type store interface {
	usecase.ConversationStore
	usecase.QueueMarker
	worker.Queue
}

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := newLogger(cfg.Log)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load AWS config")
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create SSM client")
	}

	var st store
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.Store.SQLitePath).Msg("failed to open sqlite store")
		}
		defer func() { _ = s.Close() }()
		st = s
	default:
		s, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Store.ConversationsTable, cfg.Store.QueueTable)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create repository client")
		}
		st = s
	}

	gw, err := newGateway(cfg, ssmClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create LLM gateway")
	}

	deliverer, err := twilio.NewClient(ssmClient, cfg.Twilio.CredentialsParameter, cfg.Twilio.FromNumber)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create Twilio client")
	}

	processor, err := usecase.NewProcessor(st, st, gw, deliverer, usecase.NewPreferences(), logger,
		usecase.WithContextTurns(cfg.Processor.ContextTurns),
		usecase.WithMaxMessageLen(cfg.Processor.MaxMessageLen),
		usecase.WithSegmentPause(cfg.Processor.SegmentPause),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create queue processor")
	}

	w, err := worker.New(st, processor, logger,
		worker.WithPollInterval(cfg.Queue.PollInterval),
		worker.WithBatchSize(cfg.Queue.BatchSize),
		worker.WithRetention(cfg.Queue.Retention),
		worker.WithPurgeInterval(cfg.Queue.PurgeInterval),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create worker")
	}

	logger.Info().
		Str("storeBackend", cfg.Store.Backend).
		Str("provider", cfg.Backend.Provider).
		Msg("starting queue processor")

	if err := w.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker exited with error")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Str("service", "chat-relay-processor").Logger()
}

func newGateway(cfg *config.Config, keys gateway.KeyGetter) (*gateway.Gateway, error) {
	provider := cfg.Provider()
	base := gateway.ModelSpec{ID: provider.BaseModel, MaxOutputTokens: cfg.Backend.MaxOutputTokens}
	elevated := gateway.ModelSpec{ID: provider.ElevatedModel, MaxOutputTokens: cfg.Backend.MaxOutputTokens}

	if cfg.Backend.Provider == "openai" {
		client, err := gateway.NewOpenAIClient(keys, provider.APIKeyParameter, gateway.WithOpenAITimeout(cfg.Backend.Timeout))
		if err != nil {
			return nil, err
		}
		return gateway.New(client, base, elevated)
	}
	client, err := gateway.NewAnthropicClient(keys, provider.APIKeyParameter, gateway.WithAnthropicTimeout(cfg.Backend.Timeout))
	if err != nil {
		return nil, err
	}
	return gateway.New(client, base, elevated)
}
