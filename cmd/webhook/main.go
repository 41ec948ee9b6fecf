package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"

	"chat-relay/handler"
	"chat-relay/internal/repository"
)

func main() {
	ctx := context.Background()
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "chat-relay-webhook").Logger()

	conversationsTable := mustEnv(logger, "CONVERSATIONS_TABLE")
	queueTable := mustEnv(logger, "QUEUE_TABLE")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load AWS config")
	}

	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), conversationsTable, queueTable)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create repository client")
	}

	h, err := handler.NewHandler(store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create handler")
	}

	lambda.Start(h.Handle)
}

func mustEnv(logger zerolog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Fatal().Str("key", key).Msg("required environment variable is not set")
	}
	return v
}
