package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aws/aws-lambda-go/events"

	"chat-backend/internal/domain"
	"chat-backend/internal/repository"
	"chat-backend/internal/usecase"
)

// ChatUsecase is the chat orchestration consumed by the handler.
type ChatUsecase interface {
	PostMessage(ctx context.Context, userID string, in usecase.ChatInput) (usecase.ChatOutput, error)
	ProposeTitle(ctx context.Context, userID, conversationID string) (string, error)
}

// Handler translates API Gateway proxy events into store and usecase calls.
type Handler struct {
	stores usecase.StoreFactory
	chat   ChatUsecase
}

func NewHandler(stores usecase.StoreFactory, chat ChatUsecase) (*Handler, error) {
	if stores == nil {
		return nil, errors.New("handler: store factory must not be nil")
	}
	if chat == nil {
		return nil, errors.New("handler: chat usecase must not be nil")
	}
	return &Handler{stores: stores, chat: chat}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	route := req.Resource
	if route == "" {
		route = req.Path
	}

	if req.HTTPMethod == http.MethodGet && route == "/health" {
		return jsonResponse(http.StatusOK, map[string]string{"status": "ok"}), nil
	}

	userID, err := userIDFromRequest(req)
	if err != nil {
		return jsonResponse(http.StatusUnauthorized, errorBody{Error: "unauthorized"}), nil
	}

	switch req.HTTPMethod + " " + route {
	case "POST /conversation":
		return h.postMessage(ctx, userID, req), nil
	case "GET /conversation/{conversationId}":
		return h.getConversation(ctx, userID, req.PathParameters["conversationId"]), nil
	case "DELETE /conversation/{conversationId}":
		return h.deleteConversation(ctx, userID, req.PathParameters["conversationId"]), nil
	case "GET /conversations":
		return h.listConversations(ctx, userID), nil
	case "DELETE /conversations":
		return h.deleteAllConversations(ctx, userID), nil
	case "PATCH /conversation/{conversationId}/title":
		return h.updateTitle(ctx, userID, req.PathParameters["conversationId"], req.Body), nil
	case "GET /conversation/{conversationId}/proposed-title":
		return h.proposeTitle(ctx, userID, req.PathParameters["conversationId"]), nil
	case "POST /bot":
		return h.postBot(ctx, userID, req.Body), nil
	case "GET /bot":
		return h.listBots(ctx, userID, req.QueryStringParameters["limit"]), nil
	case "GET /bot/{botId}":
		return h.getBot(ctx, userID, req.PathParameters["botId"]), nil
	case "DELETE /bot/{botId}":
		return h.deleteBot(ctx, userID, req.PathParameters["botId"]), nil
	}
	return jsonResponse(http.StatusNotFound, errorBody{Error: "route_not_found"}), nil
}

func (h *Handler) postMessage(ctx context.Context, userID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var in chatRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return jsonResponse(http.StatusBadRequest, errorBody{Error: "malformed_body"})
	}
	out, err := h.chat.PostMessage(ctx, userID, usecase.ChatInput{
		ConversationID:  in.ConversationID,
		BotID:           in.BotID,
		ParentMessageID: in.ParentMessageID,
		Model:           in.Model,
		Content: domain.Content{
			ContentType: in.Message.ContentType,
			Body:        in.Message.Body,
		},
	})
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	return jsonResponse(http.StatusOK, chatResponse{
		ConversationID: out.ConversationID,
		MessageID:      out.MessageID,
		Message:        toMessageDTO(out.Message),
		CreateTime:     out.CreateTime,
	})
}

func (h *Handler) getConversation(ctx context.Context, userID, conversationID string) events.APIGatewayProxyResponse {
	st, err := h.stores.StoresFor(userID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	conv, err := st.Conversations.FindByID(ctx, userID, conversationID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID, "conversation_id", conversationID)
	}

	messageMap := make(map[string]messageDTO, len(conv.MessageMap))
	for id, msg := range conv.MessageMap {
		messageMap[id] = toMessageDTO(msg)
	}
	return jsonResponse(http.StatusOK, conversationResponse{
		ID:            conv.ID,
		Title:         conv.Title,
		CreateTime:    conv.CreateTime,
		LastMessageID: conv.LastMessageID,
		BotID:         conv.BotID,
		MessageMap:    messageMap,
	})
}

func (h *Handler) deleteConversation(ctx context.Context, userID, conversationID string) events.APIGatewayProxyResponse {
	st, err := h.stores.StoresFor(userID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	if err := st.Conversations.DeleteByID(ctx, userID, conversationID); err != nil {
		return h.errorResponse(err, "user_id", userID, "conversation_id", conversationID)
	}
	return jsonResponse(http.StatusNoContent, nil)
}

func (h *Handler) listConversations(ctx context.Context, userID string) events.APIGatewayProxyResponse {
	st, err := h.stores.StoresFor(userID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	summaries, err := st.Conversations.FindByUser(ctx, userID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	out := make([]conversationSummaryDTO, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, conversationSummaryDTO{
			ID:         s.ID,
			Title:      s.Title,
			CreateTime: s.CreateTime,
			Model:      s.Model,
			BotID:      s.BotID,
		})
	}
	return jsonResponse(http.StatusOK, out)
}

func (h *Handler) deleteAllConversations(ctx context.Context, userID string) events.APIGatewayProxyResponse {
	st, err := h.stores.StoresFor(userID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	// Best-effort: a partial failure is logged by the store and again here,
	// but the client still gets a success response.
	deleted, err := st.Conversations.DeleteAllByUser(ctx, userID)
	if err != nil {
		slog.Error("bulk delete incomplete", "user_id", userID, "deleted", deleted, "err", err)
	}
	return jsonResponse(http.StatusNoContent, nil)
}

func (h *Handler) updateTitle(ctx context.Context, userID, conversationID, body string) events.APIGatewayProxyResponse {
	var in newTitleRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return jsonResponse(http.StatusBadRequest, errorBody{Error: "malformed_body"})
	}
	if in.NewTitle == "" {
		return jsonResponse(http.StatusBadRequest, errorBody{Error: "empty_title"})
	}
	st, err := h.stores.StoresFor(userID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	title, err := st.Conversations.UpdateTitle(ctx, userID, conversationID, in.NewTitle)
	if err != nil {
		return h.errorResponse(err, "user_id", userID, "conversation_id", conversationID)
	}
	return jsonResponse(http.StatusOK, newTitleResponse{Title: title})
}

func (h *Handler) proposeTitle(ctx context.Context, userID, conversationID string) events.APIGatewayProxyResponse {
	title, err := h.chat.ProposeTitle(ctx, userID, conversationID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID, "conversation_id", conversationID)
	}
	return jsonResponse(http.StatusOK, proposedTitleResponse{Title: title})
}

func (h *Handler) postBot(ctx context.Context, userID, body string) events.APIGatewayProxyResponse {
	var in botRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return jsonResponse(http.StatusBadRequest, errorBody{Error: "malformed_body"})
	}
	if in.ID == "" || in.Title == "" {
		return jsonResponse(http.StatusBadRequest, errorBody{Error: "missing_bot_fields"})
	}
	st, err := h.stores.StoresFor(userID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	bot := domain.Bot{
		ID:          in.ID,
		Title:       in.Title,
		Description: in.Description,
		Instruction: in.Instruction,
		CreateTime:  nowSeconds(),
	}
	if err := st.Bots.Put(ctx, userID, bot); err != nil {
		return h.errorResponse(err, "user_id", userID, "bot_id", in.ID)
	}
	return jsonResponse(http.StatusOK, toBotDTO(bot))
}

func (h *Handler) listBots(ctx context.Context, userID, rawLimit string) events.APIGatewayProxyResponse {
	limit := 0
	if rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n < 0 {
			return jsonResponse(http.StatusBadRequest, errorBody{Error: "invalid_limit"})
		}
		limit = n
	}
	st, err := h.stores.StoresFor(userID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	bots, err := st.Bots.FindByUser(ctx, userID, limit)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	out := make([]botSummaryDTO, 0, len(bots))
	for _, b := range bots {
		out = append(out, botSummaryDTO{
			ID:           b.ID,
			Title:        b.Title,
			CreateTime:   b.CreateTime,
			LastUsedTime: b.LastUsedTime,
		})
	}
	return jsonResponse(http.StatusOK, out)
}

func (h *Handler) getBot(ctx context.Context, userID, botID string) events.APIGatewayProxyResponse {
	st, err := h.stores.StoresFor(userID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	bot, err := st.Bots.FindByID(ctx, userID, botID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID, "bot_id", botID)
	}
	return jsonResponse(http.StatusOK, toBotDTO(bot))
}

func (h *Handler) deleteBot(ctx context.Context, userID, botID string) events.APIGatewayProxyResponse {
	st, err := h.stores.StoresFor(userID)
	if err != nil {
		return h.errorResponse(err, "user_id", userID)
	}
	if err := st.Bots.DeleteByID(ctx, userID, botID); err != nil {
		return h.errorResponse(err, "user_id", userID, "bot_id", botID)
	}
	return jsonResponse(http.StatusNoContent, nil)
}

// errorResponse maps typed failures to HTTP statuses. Expected failures
// (not-found, validation) are client outcomes; everything else is logged with
// its context before surfacing as opaque 5xx.
func (h *Handler) errorResponse(err error, logCtx ...any) events.APIGatewayProxyResponse {
	if errors.Is(err, repository.ErrRecordNotFound) {
		return jsonResponse(http.StatusNotFound, errorBody{Error: "not_found"})
	}

	var uerr *usecase.Error
	if errors.As(err, &uerr) {
		switch uerr.Code {
		case usecase.ErrorInvalidInput:
			return jsonResponse(http.StatusBadRequest, errorBody{Error: "invalid_input", Reason: uerr.Reason})
		case usecase.ErrorNotFound:
			return jsonResponse(http.StatusNotFound, errorBody{Error: "not_found", Reason: uerr.Reason})
		case usecase.ErrorConflict:
			slog.Error("transactional write rejected", append(logCtx, "err", err)...)
			return jsonResponse(http.StatusConflict, errorBody{Error: "conflict", Reason: uerr.Reason})
		case usecase.ErrorRateLimited:
			return jsonResponse(http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
		case usecase.ErrorUpstream:
			slog.Error("upstream model failure", append(logCtx, "err", err)...)
			return jsonResponse(http.StatusBadGateway, errorBody{Error: "upstream_error"})
		}
	}

	var txErr *repository.TransactionError
	if errors.As(err, &txErr) {
		slog.Error("transactional write rejected", append(logCtx, "err", err)...)
		return jsonResponse(http.StatusConflict, errorBody{Error: "conflict"})
	}

	slog.Error("request failed", append(logCtx, "err", err)...)
	return jsonResponse(http.StatusInternalServerError, errorBody{Error: "internal_error"})
}

func userIDFromRequest(req events.APIGatewayProxyRequest) (string, error) {
	claims, ok := req.RequestContext.Authorizer["claims"].(map[string]interface{})
	if !ok {
		return "", errors.New("handler: missing authorizer claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("handler: missing sub claim")
	}
	return sub, nil
}

func jsonResponse(status int, body any) events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
	if body == nil {
		return resp
	}
	raw, err := json.Marshal(body)
	if err != nil {
		slog.Error("marshal response", "err", err)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"error":"internal_error"}`,
		}
	}
	resp.Body = string(raw)
	return resp
}
