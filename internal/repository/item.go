package repository

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamodbAPI is the minimal DynamoDB surface the stores need: point get,
// point put, conditional update, conditional delete, prefix query,
// transactional multi-item write, and batched delete. *dynamodb.Client
// satisfies it; tests substitute fakes.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

const existsCondition = "attribute_exists(PK) AND attribute_exists(SK)"

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", &DecodeError{What: "attribute", Value: key}
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", &DecodeError{What: "attribute", Value: key}
	}
	return s.Value, nil
}

// optStrAttr reads a string attribute that may legitimately be absent.
func optStrAttr(item map[string]types.AttributeValue, key string) string {
	v, ok := item[key]
	if !ok {
		return ""
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return s.Value
}

func numAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	v, ok := item[key]
	if !ok {
		return 0, &DecodeError{What: "attribute", Value: key}
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, &DecodeError{What: "attribute", Value: key}
	}
	parsed, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, &DecodeError{What: "attribute", Value: key, Err: err}
	}
	return parsed, nil
}

func optNumAttr(item map[string]types.AttributeValue, key string) float64 {
	v, ok := item[key]
	if !ok {
		return 0
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	parsed, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func numValue(v float64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

func strValue(v string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: v}
}
