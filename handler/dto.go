package handler

import (
	"time"

	"chat-backend/internal/domain"
)

type contentDTO struct {
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

type messageDTO struct {
	Role       string     `json:"role"`
	Content    contentDTO `json:"content"`
	Model      string     `json:"model"`
	Children   []string   `json:"children"`
	Parent     *string    `json:"parent"`
	CreateTime float64    `json:"create_time"`
}

type chatRequest struct {
	ConversationID  string     `json:"conversation_id"`
	BotID           string     `json:"bot_id"`
	ParentMessageID string     `json:"parent_message_id"`
	Model           string     `json:"model"`
	Message         contentDTO `json:"message"`
}

type chatResponse struct {
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	Message        messageDTO `json:"message"`
	CreateTime     float64    `json:"create_time"`
}

type conversationResponse struct {
	ID            string                `json:"id"`
	Title         string                `json:"title"`
	CreateTime    float64               `json:"create_time"`
	LastMessageID string                `json:"last_message_id"`
	BotID         string                `json:"bot_id,omitempty"`
	MessageMap    map[string]messageDTO `json:"message_map"`
}

type conversationSummaryDTO struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	CreateTime float64 `json:"create_time"`
	Model      string  `json:"model"`
	BotID      string  `json:"bot_id,omitempty"`
}

type newTitleRequest struct {
	NewTitle string `json:"new_title"`
}

type newTitleResponse struct {
	Title string `json:"title"`
}

type proposedTitleResponse struct {
	Title string `json:"title"`
}

type botRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Instruction string `json:"instruction"`
}

type botDTO struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	Instruction  string  `json:"instruction"`
	CreateTime   float64 `json:"create_time"`
	LastUsedTime float64 `json:"last_used_time,omitempty"`
}

type botSummaryDTO struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	CreateTime   float64 `json:"create_time"`
	LastUsedTime float64 `json:"last_used_time,omitempty"`
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func toMessageDTO(msg domain.Message) messageDTO {
	return messageDTO{
		Role: string(msg.Role),
		Content: contentDTO{
			ContentType: msg.Content.ContentType,
			Body:        msg.Content.Body,
		},
		Model:      msg.Model,
		Children:   msg.Children,
		Parent:     msg.Parent,
		CreateTime: msg.CreateTime,
	}
}

func toBotDTO(bot domain.Bot) botDTO {
	return botDTO{
		ID:           bot.ID,
		Title:        bot.Title,
		Description:  bot.Description,
		Instruction:  bot.Instruction,
		CreateTime:   bot.CreateTime,
		LastUsedTime: bot.LastUsedTime,
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
