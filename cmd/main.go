package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"chat-backend/handler"
	"chat-backend/internal/integrations/openai"
	"chat-backend/internal/integrations/paramstore"
	"chat-backend/internal/repository"
	"chat-backend/internal/usecase"
)

func main() {
	ctx := context.Background()

	// Local runs pick up a .env file; in Lambda this is a no-op.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	// ---- Configuration (read only here) ----
	tableName := mustEnv("TABLE_NAME")
	tableARN := mustEnv("TABLE_ARN")
	accessRoleARN := mustEnv("TABLE_ACCESS_ROLE_ARN")
	paramPrefix := mustEnv("PARAM_PREFIX")
	defaultModel := mustEnv("DEFAULT_MODEL")
	maxListPages := envInt("MAX_LIST_QUERY_PAGES", repository.DefaultMaxListPages)
	deleteBatchSize := envInt("DELETE_BATCH_SIZE", repository.DefaultDeleteBatchSize)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	sessions, err := repository.NewSessionFactory(cfg, accessRoleARN, tableARN)
	if err != nil {
		slog.Error("failed to create session factory", "err", err)
		os.Exit(1)
	}
	stores := &storeFactory{
		sessions:  sessions,
		tableName: tableName,
		opts: []repository.StoreOption{
			repository.WithMaxListPages(maxListPages),
			repository.WithDeleteBatchSize(deleteBatchSize),
		},
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	llmClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create model client", "err", err)
		os.Exit(1)
	}

	chatService, err := usecase.NewChatService(stores, llmClient, defaultModel)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(stores, chatService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

// storeFactory builds caller-scoped repositories over a per-user table
// client from the session factory.
type storeFactory struct {
	sessions  *repository.SessionFactory
	tableName string
	opts      []repository.StoreOption
}

func (f *storeFactory) StoresFor(userID string) (usecase.Stores, error) {
	client, err := f.sessions.ClientFor(userID)
	if err != nil {
		return usecase.Stores{}, err
	}
	conversations, err := repository.NewConversationStore(client, f.tableName, f.opts...)
	if err != nil {
		return usecase.Stores{}, err
	}
	bots, err := repository.NewBotStore(client, f.tableName)
	if err != nil {
		return usecase.Stores{}, err
	}
	return usecase.Stores{Conversations: conversations, Bots: bots}, nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
