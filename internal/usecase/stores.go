package usecase

import (
	"context"

	"chat-backend/internal/domain"
)

// ConversationStore is the conversation repository contract consumed here and
// by the handler.
type ConversationStore interface {
	Put(ctx context.Context, userID string, conv domain.Conversation) error
	FindByUser(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
	FindByID(ctx context.Context, userID, conversationID string) (domain.Conversation, error)
	DeleteByID(ctx context.Context, userID, conversationID string) error
	DeleteAllByUser(ctx context.Context, userID string) (int, error)
	UpdateTitle(ctx context.Context, userID, conversationID, newTitle string) (string, error)
}

// BotStore is the bot repository contract.
type BotStore interface {
	Put(ctx context.Context, userID string, bot domain.Bot) error
	FindByUser(ctx context.Context, userID string, limit int) ([]domain.BotSummary, error)
	FindByID(ctx context.Context, userID, botID string) (domain.Bot, error)
	DeleteByID(ctx context.Context, userID, botID string) error
}

// Stores bundles the repositories scoped to one caller identity.
type Stores struct {
	Conversations ConversationStore
	Bots          BotStore
}

// StoreFactory builds caller-scoped stores. Implementations construct a
// fresh table client per user id so authorization scoping stays explicit.
type StoreFactory interface {
	StoresFor(userID string) (Stores, error)
}
