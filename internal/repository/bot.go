package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-backend/internal/domain"
)

// BotStore persists bot presets in the same table as conversations, under
// the BOT sort-key tag. Simpler than the conversation store: point reads and
// writes, no transactions.
type BotStore struct {
	api       dynamodbAPI
	tableName string
}

func NewBotStore(api dynamodbAPI, tableName string) (*BotStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &BotStore{api: api, tableName: tableName}, nil
}

// Put upserts the bot record.
func (s *BotStore) Put(ctx context.Context, userID string, bot domain.Bot) error {
	if userID == "" || bot.ID == "" {
		return errors.New("repository: Put: user id and bot id are required")
	}

	item := map[string]types.AttributeValue{
		"PK":          strValue(userID),
		"SK":          strValue(BotSK(userID, bot.ID)),
		"Title":       strValue(bot.Title),
		"Description": strValue(bot.Description),
		"Instruction": strValue(bot.Instruction),
		"CreateTime":  numValue(bot.CreateTime),
	}
	if bot.LastUsedTime > 0 {
		item["LastUsedTime"] = numValue(bot.LastUsedTime)
	}

	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("repository: Put bot: %w", err)
	}
	return nil
}

// FindByUser returns the user's bots ordered by last-used time, most recent
// first; never-used bots sort last by creation time. A positive limit
// truncates the result.
func (s *BotStore) FindByUser(ctx context.Context, userID string, limit int) ([]domain.BotSummary, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strValue(userID),
			":prefix": strValue(keyPrefix(kindBot, userID)),
		},
	}

	var bots []domain.BotSummary
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: FindByUser query: %w", err)
		}
		for _, item := range out.Items {
			bot, err := itemToBotSummary(item)
			if err != nil {
				return nil, fmt.Errorf("repository: FindByUser: %w", err)
			}
			bots = append(bots, bot)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sort.SliceStable(bots, func(i, j int) bool {
		if bots[i].LastUsedTime != bots[j].LastUsedTime {
			return bots[i].LastUsedTime > bots[j].LastUsedTime
		}
		return bots[i].CreateTime > bots[j].CreateTime
	})
	if limit > 0 && len(bots) > limit {
		bots = bots[:limit]
	}
	return bots, nil
}

// FindByID fetches one bot by point read. A missing bot yields
// ErrRecordNotFound.
func (s *BotStore) FindByID(ctx context.Context, userID, botID string) (domain.Bot, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strValue(userID),
			"SK": strValue(BotSK(userID, botID)),
		},
	})
	if err != nil {
		return domain.Bot{}, fmt.Errorf("repository: FindByID get: %w", err)
	}
	if len(out.Item) == 0 {
		return domain.Bot{}, fmt.Errorf("repository: bot %q: %w", botID, ErrRecordNotFound)
	}
	return itemToBot(out.Item)
}

// DeleteByID removes one bot, conditional on it existing.
func (s *BotStore) DeleteByID(ctx context.Context, userID, botID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strValue(userID),
			"SK": strValue(BotSK(userID, botID)),
		},
		ConditionExpression: aws.String(existsCondition),
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: bot %q: %w", botID, ErrRecordNotFound)
		}
		return fmt.Errorf("repository: DeleteByID: %w", err)
	}
	return nil
}

func itemToBotSummary(item map[string]types.AttributeValue) (domain.BotSummary, error) {
	bot, err := itemToBot(item)
	if err != nil {
		return domain.BotSummary{}, err
	}
	return domain.BotSummary{
		ID:           bot.ID,
		Title:        bot.Title,
		CreateTime:   bot.CreateTime,
		LastUsedTime: bot.LastUsedTime,
	}, nil
}

func itemToBot(item map[string]types.AttributeValue) (domain.Bot, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Bot{}, err
	}
	id, err := BotIDFromSK(sk)
	if err != nil {
		return domain.Bot{}, err
	}
	title, err := strAttr(item, "Title")
	if err != nil {
		return domain.Bot{}, err
	}
	createTime, err := numAttr(item, "CreateTime")
	if err != nil {
		return domain.Bot{}, err
	}
	return domain.Bot{
		ID:           id,
		Title:        title,
		Description:  optStrAttr(item, "Description"),
		Instruction:  optStrAttr(item, "Instruction"),
		CreateTime:   createTime,
		LastUsedTime: optNumAttr(item, "LastUsedTime"),
	}, nil
}
