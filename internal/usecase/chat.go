package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"chat-backend/internal/domain"
	"chat-backend/internal/repository"
)

const (
	defaultNewTitle  = "New conversation"
	titleInstruction = "Write a short title, at most six words, summarizing the " +
		"conversation so far. Reply with the title only, no quotes."
)

// LLMClient generates a completion for a message sequence.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatService runs a chat turn end to end: extend the message tree, generate
// the reply, and persist both messages through the transactional Put.
type ChatService struct {
	stores       StoreFactory
	llm          LLMClient
	defaultModel string
}

// ChatInput is one incoming user message. ConversationID empty starts a new
// conversation; ParentMessageID empty continues the active branch.
type ChatInput struct {
	ConversationID  string
	BotID           string
	ParentMessageID string
	Model           string
	Content         domain.Content
}

// ChatOutput carries the assistant reply and where it landed in the tree.
type ChatOutput struct {
	ConversationID string
	MessageID      string
	Message        domain.Message
	CreateTime     float64
}

func NewChatService(stores StoreFactory, llm LLMClient, defaultModel string) (*ChatService, error) {
	if stores == nil {
		return nil, errors.New("usecase: store factory must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("usecase: default model must not be empty")
	}
	return &ChatService{stores: stores, llm: llm, defaultModel: defaultModel}, nil
}

// PostMessage appends the user's message, generates the assistant reply, and
// stores the updated conversation. A ChatInput naming an unknown
// conversation id starts a new conversation under that id.
func (s *ChatService) PostMessage(ctx context.Context, userID string, in ChatInput) (ChatOutput, error) {
	if strings.TrimSpace(in.Content.Body) == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message_body", nil)
	}
	model := in.Model
	if model == "" {
		model = s.defaultModel
	}

	st, err := s.stores.StoresFor(userID)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "store_init_error", err)
	}

	conv, err := s.loadOrCreate(ctx, st, userID, in)
	if err != nil {
		return ChatOutput{}, err
	}

	parentID := in.ParentMessageID
	if parentID == "" {
		parentID = conv.LastMessageID
	}
	var parent *string
	if parentID != "" {
		if _, ok := conv.MessageMap[parentID]; !ok {
			return ChatOutput{}, newError(ErrorInvalidInput, "unknown_parent_message", nil)
		}
		parent = &parentID
	}

	now := nowSeconds()
	content := in.Content
	if content.ContentType == "" {
		content.ContentType = "text"
	}
	userMsgID := uuid.NewString()
	conv.MessageMap[userMsgID] = domain.Message{
		Role:       domain.RoleUser,
		Content:    content,
		Model:      model,
		Parent:     parent,
		CreateTime: now,
	}
	if parent != nil {
		p := conv.MessageMap[*parent]
		p.Children = append(p.Children, userMsgID)
		conv.MessageMap[*parent] = p
	}

	prompt, err := s.buildPrompt(ctx, st, userID, conv, userMsgID)
	if err != nil {
		return ChatOutput{}, err
	}

	reply, err := s.llm.Chat(ctx, model, prompt)
	if err != nil {
		if coder, ok := statusCoder(err); ok && coder.HTTPStatusCode() == 429 {
			return ChatOutput{}, newError(ErrorRateLimited, "model_rate_limited", err)
		}
		return ChatOutput{}, newError(ErrorUpstream, "model_error", err)
	}

	replyID := uuid.NewString()
	replyMsg := domain.Message{
		Role:       domain.RoleAssistant,
		Content:    domain.Content{ContentType: "text", Body: reply},
		Model:      model,
		Parent:     &userMsgID,
		CreateTime: nowSeconds(),
	}
	conv.MessageMap[replyID] = replyMsg
	userMsg := conv.MessageMap[userMsgID]
	userMsg.Children = append(userMsg.Children, replyID)
	conv.MessageMap[userMsgID] = userMsg
	conv.LastMessageID = replyID

	if err := st.Conversations.Put(ctx, userID, conv); err != nil {
		var txErr *repository.TransactionError
		if errors.As(err, &txErr) {
			return ChatOutput{}, newError(ErrorConflict, "transaction_rejected", err)
		}
		return ChatOutput{}, newError(ErrorInternal, "store_write_error", err)
	}

	return ChatOutput{
		ConversationID: conv.ID,
		MessageID:      replyID,
		Message:        replyMsg,
		CreateTime:     replyMsg.CreateTime,
	}, nil
}

// ProposeTitle asks the model for a short title summarizing the active
// branch of the conversation.
func (s *ChatService) ProposeTitle(ctx context.Context, userID, conversationID string) (string, error) {
	st, err := s.stores.StoresFor(userID)
	if err != nil {
		return "", newError(ErrorInternal, "store_init_error", err)
	}
	conv, err := st.Conversations.FindByID(ctx, userID, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return "", newError(ErrorNotFound, "conversation_not_found", err)
		}
		return "", newError(ErrorInternal, "store_read_error", err)
	}

	prompt := activeBranch(conv)
	if len(prompt) == 0 {
		return "", newError(ErrorInvalidInput, "empty_conversation", nil)
	}
	prompt = append(prompt, domain.ChatMessage{
		Role:    string(domain.RoleUser),
		Content: titleInstruction,
	})

	model := s.defaultModel
	if last, ok := conv.MessageMap[conv.LastMessageID]; ok && last.Model != "" {
		model = last.Model
	}

	title, err := s.llm.Chat(ctx, model, prompt)
	if err != nil {
		if coder, ok := statusCoder(err); ok && coder.HTTPStatusCode() == 429 {
			return "", newError(ErrorRateLimited, "model_rate_limited", err)
		}
		return "", newError(ErrorUpstream, "model_error", err)
	}
	return strings.Trim(strings.TrimSpace(title), `"`), nil
}

func (s *ChatService) loadOrCreate(ctx context.Context, st Stores, userID string, in ChatInput) (domain.Conversation, error) {
	if in.ConversationID != "" {
		conv, err := st.Conversations.FindByID(ctx, userID, in.ConversationID)
		switch {
		case err == nil:
			return conv, nil
		case errors.Is(err, repository.ErrRecordNotFound):
			// fall through to create under the requested id
		default:
			return domain.Conversation{}, newError(ErrorInternal, "store_read_error", err)
		}
	}

	id := in.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	return domain.Conversation{
		ID:         id,
		Title:      defaultNewTitle,
		CreateTime: nowSeconds(),
		MessageMap: map[string]domain.Message{},
		BotID:      in.BotID,
	}, nil
}

// buildPrompt assembles the model input: the bot instruction as a system
// message when the conversation belongs to a bot, then the branch from the
// root down to fromID.
func (s *ChatService) buildPrompt(ctx context.Context, st Stores, userID string, conv domain.Conversation, fromID string) ([]domain.ChatMessage, error) {
	var prompt []domain.ChatMessage
	if conv.BotID != "" {
		bot, err := st.Bots.FindByID(ctx, userID, conv.BotID)
		if err != nil {
			if errors.Is(err, repository.ErrRecordNotFound) {
				return nil, newError(ErrorNotFound, "bot_not_found", err)
			}
			return nil, newError(ErrorInternal, "store_read_error", err)
		}
		if bot.Instruction != "" {
			prompt = append(prompt, domain.ChatMessage{
				Role:    string(domain.RoleSystem),
				Content: bot.Instruction,
			})
		}
	}
	return append(prompt, branchTo(conv, fromID)...), nil
}

// activeBranch returns the root-to-leaf messages along LastMessageID.
func activeBranch(conv domain.Conversation) []domain.ChatMessage {
	return branchTo(conv, conv.LastMessageID)
}

// branchTo walks parent links from the given message up to the root and
// returns the path in chronological order.
func branchTo(conv domain.Conversation, fromID string) []domain.ChatMessage {
	var reversed []domain.ChatMessage
	id := fromID
	for id != "" {
		msg, ok := conv.MessageMap[id]
		if !ok {
			break
		}
		reversed = append(reversed, domain.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content.Body,
		})
		if msg.Parent == nil {
			break
		}
		id = *msg.Parent
	}
	out := make([]domain.ChatMessage, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		out = append(out, reversed[i])
	}
	return out
}

func statusCoder(err error) (httpStatusCoder, bool) {
	var coder httpStatusCoder
	ok := errors.As(err, &coder)
	return coder, ok
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
