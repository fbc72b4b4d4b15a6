package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-backend/internal/domain"
)

const (
	// skIndexName is the secondary index keyed on SK alone, used to look a
	// conversation up by id without knowing its partition in advance.
	skIndexName = "SKIndex"

	// DefaultMaxListPages bounds FindByUser to this many store pages. The cap
	// is protective, not a correctness guarantee: a partition with more data
	// returns a truncated list and a logged warning.
	DefaultMaxListPages = 5

	// DefaultDeleteBatchSize is the number of items removed per batched write
	// during a bulk delete. 25 is the store's per-batch ceiling.
	DefaultDeleteBatchSize = 25
)

// ConversationStore persists conversations in the single shared table. The
// value is stateless and safe for concurrent use; consistency relies on the
// store's conditional-write and transaction primitives, with last-write-wins
// between concurrent writers to the same conversation.
type ConversationStore struct {
	api             dynamodbAPI
	tableName       string
	maxListPages    int
	deleteBatchSize int
}

type StoreOption func(*ConversationStore)

// WithMaxListPages overrides the FindByUser page cap.
func WithMaxListPages(n int) StoreOption {
	return func(s *ConversationStore) {
		if n > 0 {
			s.maxListPages = n
		}
	}
}

// WithDeleteBatchSize overrides the bulk-delete batch size.
func WithDeleteBatchSize(n int) StoreOption {
	return func(s *ConversationStore) {
		if n > 0 && n <= DefaultDeleteBatchSize {
			s.deleteBatchSize = n
		}
	}
}

func NewConversationStore(api dynamodbAPI, tableName string, opts ...StoreOption) (*ConversationStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	s := &ConversationStore{
		api:             api,
		tableName:       tableName,
		maxListPages:    DefaultMaxListPages,
		deleteBatchSize: DefaultDeleteBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put upserts the full conversation record. When the conversation references
// a bot, the bot's LastUsedTime is bumped in the same transaction: both
// writes commit or neither does. A rejected transaction (including a missing
// bot) surfaces as *TransactionError.
func (s *ConversationStore) Put(ctx context.Context, userID string, conv domain.Conversation) error {
	if userID == "" || conv.ID == "" {
		return errors.New("repository: Put: user id and conversation id are required")
	}

	// A nil map would serialize to the JSON literal null; store an empty
	// object so the record always round-trips to a usable map.
	if conv.MessageMap == nil {
		conv.MessageMap = map[string]domain.Message{}
	}
	messageMap, err := json.Marshal(conv.MessageMap)
	if err != nil {
		return fmt.Errorf("repository: Put: marshal message map: %w", err)
	}

	item := map[string]types.AttributeValue{
		"PK":            strValue(userID),
		"SK":            strValue(ConversationSK(userID, conv.ID)),
		"Title":         strValue(conv.Title),
		"CreateTime":    numValue(conv.CreateTime),
		"MessageMap":    strValue(string(messageMap)),
		"LastMessageId": strValue(conv.LastMessageID),
	}
	if conv.BotID != "" {
		item["BotId"] = strValue(conv.BotID)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      item,
			},
		},
	}
	if conv.BotID != "" {
		transactItems = append(transactItems, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": strValue(userID),
					"SK": strValue(BotSK(userID, conv.BotID)),
				},
				UpdateExpression:    aws.String("SET LastUsedTime = :now"),
				ConditionExpression: aws.String(existsCondition),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":now": numValue(nowSeconds()),
				},
			},
		})
	}

	if _, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: transactItems,
	}); err != nil {
		return &TransactionError{Err: err}
	}
	return nil
}

// FindByUser returns summaries for all of a user's conversations, descending
// by sort key. Sort-key order is the store's native lexicographic order over
// conversation ids, not a chronological sort. The scan stops after the
// configured page cap and returns whatever was read so far; truncation is
// logged, never raised.
func (s *ConversationStore) FindByUser(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strValue(userID),
			":prefix": strValue(keyPrefix(kindConversation, userID)),
		},
		ScanIndexForward: aws.Bool(false),
	}

	var summaries []domain.ConversationSummary
	carriedModel := ""
	for page := 1; ; page++ {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: FindByUser query: %w", err)
		}
		for _, item := range out.Items {
			sum, err := itemToSummary(item, carriedModel)
			if err != nil {
				return nil, fmt.Errorf("repository: FindByUser: %w", err)
			}
			summaries = append(summaries, sum)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		if page >= s.maxListPages {
			slog.Warn("conversation listing truncated at page cap",
				"user_id", userID, "pages", page, "returned", len(summaries))
			break
		}
		// The next page reuses the model tag sampled from this page's first
		// item instead of re-parsing every message map; all messages of a
		// conversation carry the same model tag. Re-sampled every page so the
		// tag tracks the page it came from.
		if len(out.Items) > 0 {
			if m, err := modelFromMessageMap(optStrAttr(out.Items[0], "MessageMap")); err == nil {
				carriedModel = m
			}
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return summaries, nil
}

// FindByID looks a conversation up through the SK-only secondary index and
// rebuilds the full message tree. A missing conversation yields
// ErrRecordNotFound; more than one match cannot occur because ids are unique
// within the key space by construction.
func (s *ConversationStore) FindByID(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(skIndexName),
		KeyConditionExpression: aws.String("SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": strValue(ConversationSK(userID, conversationID)),
		},
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindByID query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.Conversation{}, fmt.Errorf("repository: conversation %q: %w", conversationID, ErrRecordNotFound)
	}
	conv, err := itemToConversation(out.Items[0])
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindByID: %w", err)
	}
	return conv, nil
}

// DeleteByID removes one conversation. The delete is conditional on the item
// existing; a failed condition yields ErrRecordNotFound, any other store
// failure propagates unchanged.
func (s *ConversationStore) DeleteByID(ctx context.Context, userID, conversationID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strValue(userID),
			"SK": strValue(ConversationSK(userID, conversationID)),
		},
		ConditionExpression: aws.String(existsCondition),
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: conversation %q: %w", conversationID, ErrRecordNotFound)
		}
		return fmt.Errorf("repository: DeleteByID: %w", err)
	}
	return nil
}

// DeleteAllByUser removes every conversation the user owns, in batches. The
// scan projects only the sort key. Bulk deletion is best-effort, not
// transactional: on a storage error the operation stops, already-deleted
// batches stay deleted, and the count of removed items is returned alongside
// the error so partial completion is observable.
func (s *ConversationStore) DeleteAllByUser(ctx context.Context, userID string) (int, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strValue(userID),
			":prefix": strValue(keyPrefix(kindConversation, userID)),
		},
		ProjectionExpression: aws.String("SK"),
	}

	deleted := 0
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			slog.Error("bulk delete scan failed, stopping",
				"user_id", userID, "deleted", deleted, "err", err)
			return deleted, fmt.Errorf("repository: DeleteAllByUser query: %w", err)
		}

		for start := 0; start < len(out.Items); start += s.deleteBatchSize {
			end := start + s.deleteBatchSize
			if end > len(out.Items) {
				end = len(out.Items)
			}
			batch := out.Items[start:end]
			if err := s.deleteBatch(ctx, userID, batch); err != nil {
				slog.Error("bulk delete batch failed, stopping",
					"user_id", userID, "deleted", deleted, "err", err)
				return deleted, fmt.Errorf("repository: DeleteAllByUser batch: %w", err)
			}
			deleted += len(batch)
		}

		if len(out.LastEvaluatedKey) == 0 {
			return deleted, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *ConversationStore) deleteBatch(ctx context.Context, userID string, items []map[string]types.AttributeValue) error {
	requests := make([]types.WriteRequest, 0, len(items))
	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return err
		}
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{
					"PK": strValue(userID),
					"SK": strValue(sk),
				},
			},
		})
	}
	// Unprocessed keys are not retried; the whole operation is best-effort.
	_, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{
			s.tableName: requests,
		},
	})
	return err
}

// UpdateTitle renames a conversation in place and returns the stored title.
// The update is conditional on the item existing; a failed condition yields
// ErrRecordNotFound.
func (s *ConversationStore) UpdateTitle(ctx context.Context, userID, conversationID, newTitle string) (string, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strValue(userID),
			"SK": strValue(ConversationSK(userID, conversationID)),
		},
		UpdateExpression:    aws.String("SET Title = :t"),
		ConditionExpression: aws.String(existsCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": strValue(newTitle),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionFailure(err) {
			return "", fmt.Errorf("repository: conversation %q: %w", conversationID, ErrRecordNotFound)
		}
		return "", fmt.Errorf("repository: UpdateTitle: %w", err)
	}
	return optStrAttr(out.Attributes, "Title"), nil
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func itemToSummary(item map[string]types.AttributeValue, carriedModel string) (domain.ConversationSummary, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	id, err := ConversationIDFromSK(sk)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	title, err := strAttr(item, "Title")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	createTime, err := numAttr(item, "CreateTime")
	if err != nil {
		return domain.ConversationSummary{}, err
	}

	model := carriedModel
	if model == "" {
		model, err = modelFromMessageMap(optStrAttr(item, "MessageMap"))
		if err != nil {
			return domain.ConversationSummary{}, err
		}
	}

	return domain.ConversationSummary{
		ID:         id,
		Title:      title,
		CreateTime: createTime,
		Model:      model,
		BotID:      optStrAttr(item, "BotId"),
	}, nil
}

// modelFromMessageMap samples the model tag from an arbitrary entry of the
// serialized message map. Any entry is representative because every message
// of a conversation carries the same model tag.
func modelFromMessageMap(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	var entries map[string]struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return "", &DecodeError{What: "message map", Value: raw, Err: err}
	}
	for _, entry := range entries {
		return entry.Model, nil
	}
	return "", nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Conversation{}, err
	}
	id, err := ConversationIDFromSK(sk)
	if err != nil {
		return domain.Conversation{}, err
	}
	title, err := strAttr(item, "Title")
	if err != nil {
		return domain.Conversation{}, err
	}
	createTime, err := numAttr(item, "CreateTime")
	if err != nil {
		return domain.Conversation{}, err
	}
	rawMap, err := strAttr(item, "MessageMap")
	if err != nil {
		return domain.Conversation{}, err
	}
	var messageMap map[string]domain.Message
	if err := json.Unmarshal([]byte(rawMap), &messageMap); err != nil {
		return domain.Conversation{}, &DecodeError{What: "message map", Value: rawMap, Err: err}
	}
	if messageMap == nil {
		messageMap = map[string]domain.Message{}
	}

	return domain.Conversation{
		ID:            id,
		Title:         title,
		CreateTime:    createTime,
		MessageMap:    messageMap,
		LastMessageID: optStrAttr(item, "LastMessageId"),
		BotID:         optStrAttr(item, "BotId"),
	}, nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
