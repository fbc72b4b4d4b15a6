package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"chat-backend/internal/domain"
)

type fakeDynamo struct {
	queryOuts      []*dynamodb.QueryOutput
	repeatQueryOut *dynamodb.QueryOutput
	queryErr       error
	queryIns       []*dynamodb.QueryInput

	getOut    *dynamodb.GetItemOutput
	getErr    error
	lastGetIn *dynamodb.GetItemInput

	putErr    error
	lastPutIn *dynamodb.PutItemInput

	updateOut    *dynamodb.UpdateItemOutput
	updateErr    error
	lastUpdateIn *dynamodb.UpdateItemInput

	deleteErr    error
	lastDeleteIn *dynamodb.DeleteItemInput

	txErr    error
	lastTxIn *dynamodb.TransactWriteItemsInput

	batchErr       error
	batchFailAfter int
	batchIns       []*dynamodb.BatchWriteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetIn = in
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.getOut != nil {
		return f.getOut, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutIn = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryIns = append(f.queryIns, in)
	if len(f.queryOuts) > 0 {
		out := f.queryOuts[0]
		f.queryOuts = f.queryOuts[1:]
		return out, nil
	}
	if f.repeatQueryOut != nil {
		return f.repeatQueryOut, nil
	}
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	if f.updateOut != nil {
		return f.updateOut, nil
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteIn = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxIn = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batchIns = append(f.batchIns, in)
	if f.batchErr != nil && len(f.batchIns) > f.batchFailAfter {
		return nil, f.batchErr
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func mustConvStore(t *testing.T, db *fakeDynamo, opts ...StoreOption) *ConversationStore {
	t.Helper()
	s, err := NewConversationStore(db, "test-table", opts...)
	require.NoError(t, err)
	return s
}

func makeConvItem(userID, convID, title string, createTime float64, messageMap string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            strValue(userID),
		"SK":            strValue(ConversationSK(userID, convID)),
		"Title":         strValue(title),
		"CreateTime":    numValue(createTime),
		"MessageMap":    strValue(messageMap),
		"LastMessageId": strValue("m1"),
	}
}

func makeSKItem(userID, convID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"SK": strValue(ConversationSK(userID, convID)),
	}
}

func strPtr(s string) *string { return &s }

func sampleConversation() domain.Conversation {
	return domain.Conversation{
		ID:         "c1",
		Title:      "first chat",
		CreateTime: 1714000000.5,
		MessageMap: map[string]domain.Message{
			"m1": {
				Role:       domain.RoleUser,
				Content:    domain.Content{ContentType: "text", Body: "hello"},
				Model:      "gpt",
				Children:   []string{"m2"},
				CreateTime: 1714000000.25,
			},
			"m2": {
				Role:       domain.RoleAssistant,
				Content:    domain.Content{ContentType: "text", Body: "hi there"},
				Model:      "gpt",
				Parent:     strPtr("m1"),
				CreateTime: 1714000000.5,
			},
		},
		LastMessageID: "m2",
	}
}

func TestNewConversationStore_Validation(t *testing.T) {
	_, err := NewConversationStore(nil, "test-table")
	require.Error(t, err)

	_, err = NewConversationStore(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestPut_WithoutBot_SingleTransactItem(t *testing.T) {
	db := &fakeDynamo{}
	s := mustConvStore(t, db)

	require.NoError(t, s.Put(context.Background(), "u1", sampleConversation()))
	require.NotNil(t, db.lastTxIn)
	require.Len(t, db.lastTxIn.TransactItems, 1)

	item := db.lastTxIn.TransactItems[0].Put.Item
	require.Equal(t, "u1", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "u1#CONV#c1", item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "first chat", item["Title"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "1714000000.5", item["CreateTime"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "m2", item["LastMessageId"].(*types.AttributeValueMemberS).Value)
	_, hasBot := item["BotId"]
	require.False(t, hasBot)
}

func TestPut_WithBot_BumpsLastUsedTimeInSameTransaction(t *testing.T) {
	db := &fakeDynamo{}
	s := mustConvStore(t, db)

	conv := sampleConversation()
	conv.BotID = "b1"
	require.NoError(t, s.Put(context.Background(), "u1", conv))
	require.Len(t, db.lastTxIn.TransactItems, 2)

	put := db.lastTxIn.TransactItems[0].Put
	require.Equal(t, "b1", put.Item["BotId"].(*types.AttributeValueMemberS).Value)

	update := db.lastTxIn.TransactItems[1].Update
	require.Equal(t, "u1", update.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "u1#BOT#b1", update.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "SET LastUsedTime = :now", *update.UpdateExpression)
	require.Equal(t, existsCondition, *update.ConditionExpression)
}

func TestPut_TransactionRejected(t *testing.T) {
	// A rejected transaction (e.g. the referenced bot does not exist, so the
	// peer update's condition fails) applies neither write.
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{Message: aws.String("ConditionalCheckFailed")}}
	s := mustConvStore(t, db)

	conv := sampleConversation()
	conv.BotID = "missing"
	err := s.Put(context.Background(), "u1", conv)

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
}

func TestPut_NilMessageMapRoundTripsAsEmptyMap(t *testing.T) {
	db := &fakeDynamo{}
	s := mustConvStore(t, db)

	conv := sampleConversation()
	conv.MessageMap = nil
	require.NoError(t, s.Put(context.Background(), "u1", conv))

	stored := db.lastTxIn.TransactItems[0].Put.Item
	require.Equal(t, "{}", stored["MessageMap"].(*types.AttributeValueMemberS).Value)

	db.queryOuts = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{stored}}}
	got, err := s.FindByID(context.Background(), "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got.MessageMap)
	require.Empty(t, got.MessageMap)

	// Records written before the normalization hold the literal null; reading
	// one still yields a usable empty map.
	db.queryOuts = []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{makeConvItem("u1", "c1", "t", 100, "null")},
	}}
	got, err = s.FindByID(context.Background(), "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got.MessageMap)
}

func TestPut_RequiresIDs(t *testing.T) {
	s := mustConvStore(t, &fakeDynamo{})
	require.Error(t, s.Put(context.Background(), "", sampleConversation()))
	require.Error(t, s.Put(context.Background(), "u1", domain.Conversation{}))
}

func TestFindByUser_SinglePage(t *testing.T) {
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{
			Items: []map[string]types.AttributeValue{
				makeConvItem("u1", "c2", "newer", 200, `{"m1":{"model":"gpt"}}`),
				makeConvItem("u1", "c1", "older", 100, `{"m1":{"model":"gpt"}}`),
			},
		}},
	}
	s := mustConvStore(t, db)

	summaries, err := s.FindByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "c2", summaries[0].ID)
	require.Equal(t, "newer", summaries[0].Title)
	require.Equal(t, "gpt", summaries[0].Model)

	in := db.queryIns[0]
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *in.KeyConditionExpression)
	require.Equal(t, "u1", in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "u1#CONV#", in.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value)
	require.False(t, *in.ScanIndexForward)
}

func TestFindByUser_CarriesModelAcrossPages(t *testing.T) {
	// Each page's items carry the tag sampled from the page before them: the
	// first page parses its own message maps, and the third page's item (which
	// has no message map at all) gets page two's tag, not page one's.
	thirdPageItem := makeConvItem("u1", "c3", "third", 300, "")
	delete(thirdPageItem, "MessageMap")

	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{
			{
				Items:            []map[string]types.AttributeValue{makeConvItem("u1", "c1", "first", 100, `{"m1":{"model":"gpt"}}`)},
				LastEvaluatedKey: makeSKItem("u1", "c1"),
			},
			{
				Items:            []map[string]types.AttributeValue{makeConvItem("u1", "c2", "second", 200, `{"m1":{"model":"claude"}}`)},
				LastEvaluatedKey: makeSKItem("u1", "c2"),
			},
			{
				Items: []map[string]types.AttributeValue{thirdPageItem},
			},
		},
	}
	s := mustConvStore(t, db)

	summaries, err := s.FindByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	require.Equal(t, "gpt", summaries[0].Model)
	require.Equal(t, "gpt", summaries[1].Model)
	require.Equal(t, "claude", summaries[2].Model)

	require.Len(t, db.queryIns, 3)
	require.NotNil(t, db.queryIns[1].ExclusiveStartKey)
}

func TestFindByUser_StopsAtPageCap(t *testing.T) {
	// The store always reports another page; listing must stop at the cap
	// with a partial result instead of raising or spinning.
	db := &fakeDynamo{
		repeatQueryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				makeConvItem("u1", "c1", "t", 100, `{"m1":{"model":"gpt"}}`),
				makeConvItem("u1", "c2", "t", 100, `{"m1":{"model":"gpt"}}`),
			},
			LastEvaluatedKey: makeSKItem("u1", "c1"),
		},
	}
	s := mustConvStore(t, db)

	summaries, err := s.FindByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, db.queryIns, DefaultMaxListPages)
	require.Len(t, summaries, 2*DefaultMaxListPages)
}

func TestFindByUser_ConfigurablePageCap(t *testing.T) {
	db := &fakeDynamo{
		repeatQueryOut: &dynamodb.QueryOutput{
			Items:            []map[string]types.AttributeValue{makeConvItem("u1", "c1", "t", 100, `{"m1":{"model":"gpt"}}`)},
			LastEvaluatedKey: makeSKItem("u1", "c1"),
		},
	}
	s := mustConvStore(t, db, WithMaxListPages(2))

	summaries, err := s.FindByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, db.queryIns, 2)
	require.Len(t, summaries, 2)
}

func TestFindByUser_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ProvisionedThroughputExceededException")}
	s := mustConvStore(t, db)

	_, err := s.FindByUser(context.Background(), "u1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "FindByUser")
}

func TestFindByUser_MalformedMessageMap(t *testing.T) {
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{
			Items: []map[string]types.AttributeValue{makeConvItem("u1", "c1", "t", 100, "{not json")},
		}},
	}
	s := mustConvStore(t, db)

	_, err := s.FindByUser(context.Background(), "u1")
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
}

func TestFindByID_RoundTripsPutItem(t *testing.T) {
	db := &fakeDynamo{}
	s := mustConvStore(t, db)

	conv := sampleConversation()
	require.NoError(t, s.Put(context.Background(), "u1", conv))

	stored := db.lastTxIn.TransactItems[0].Put.Item
	db.queryOuts = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{stored}}}

	got, err := s.FindByID(context.Background(), "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, conv, got)
}

func TestFindByID_UsesSKIndex(t *testing.T) {
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{
			Items: []map[string]types.AttributeValue{makeConvItem("u1", "c1", "t", 100, `{}`)},
		}},
	}
	s := mustConvStore(t, db)

	_, err := s.FindByID(context.Background(), "u1", "c1")
	require.NoError(t, err)

	in := db.queryIns[0]
	require.Equal(t, skIndexName, *in.IndexName)
	require.Equal(t, "SK = :sk", *in.KeyConditionExpression)
	require.Equal(t, "u1#CONV#c1", in.ExpressionAttributeValues[":sk"].(*types.AttributeValueMemberS).Value)
}

func TestFindByID_NotFound(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{}}}
	s := mustConvStore(t, db)

	_, err := s.FindByID(context.Background(), "u1", "nope")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDeleteByID_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustConvStore(t, db)

	require.NoError(t, s.DeleteByID(context.Background(), "u1", "c1"))
	require.Equal(t, "u1", db.lastDeleteIn.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "u1#CONV#c1", db.lastDeleteIn.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, existsCondition, *db.lastDeleteIn.ConditionExpression)
}

func TestDeleteByID_NotFound(t *testing.T) {
	db := &fakeDynamo{deleteErr: &types.ConditionalCheckFailedException{Message: aws.String("no item")}}
	s := mustConvStore(t, db)

	err := s.DeleteByID(context.Background(), "u1", "c1")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDeleteByID_OtherErrorPropagates(t *testing.T) {
	db := &fakeDynamo{deleteErr: errors.New("network down")}
	s := mustConvStore(t, db)

	err := s.DeleteByID(context.Background(), "u1", "c1")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRecordNotFound)
}

func TestDeleteAllByUser_BatchesBySize(t *testing.T) {
	items := make([]map[string]types.AttributeValue, 60)
	for i := range items {
		items[i] = makeSKItem("u1", fmt.Sprintf("c%03d", i))
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: items}}}
	s := mustConvStore(t, db)

	deleted, err := s.DeleteAllByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 60, deleted)
	require.Len(t, db.batchIns, 3)
	require.Len(t, db.batchIns[0].RequestItems["test-table"], 25)
	require.Len(t, db.batchIns[2].RequestItems["test-table"], 10)

	require.Equal(t, "SK", *db.queryIns[0].ProjectionExpression)
}

func TestDeleteAllByUser_PartialFailureReportsCount(t *testing.T) {
	// Two batches succeed, the third fails: exactly two batches stay deleted
	// and the count says so.
	items := make([]map[string]types.AttributeValue, 60)
	for i := range items {
		items[i] = makeSKItem("u1", fmt.Sprintf("c%03d", i))
	}
	db := &fakeDynamo{
		queryOuts:      []*dynamodb.QueryOutput{{Items: items}},
		batchErr:       errors.New("throttled"),
		batchFailAfter: 2,
	}
	s := mustConvStore(t, db)

	deleted, err := s.DeleteAllByUser(context.Background(), "u1")
	require.Error(t, err)
	require.Equal(t, 50, deleted)
	require.Len(t, db.batchIns, 3)
}

func TestDeleteAllByUser_FollowsAllPages(t *testing.T) {
	// No page cap on the bulk delete, unlike listing.
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{
			{Items: []map[string]types.AttributeValue{makeSKItem("u1", "c1")}, LastEvaluatedKey: makeSKItem("u1", "c1")},
			{Items: []map[string]types.AttributeValue{makeSKItem("u1", "c2")}},
		},
	}
	s := mustConvStore(t, db)

	deleted, err := s.DeleteAllByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)
	require.Len(t, db.queryIns, 2)
	require.Len(t, db.batchIns, 2)
}

func TestDeleteAllByUser_ScanErrorStops(t *testing.T) {
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{
			{Items: []map[string]types.AttributeValue{makeSKItem("u1", "c1")}, LastEvaluatedKey: makeSKItem("u1", "c1")},
		},
		queryErr: errors.New("scan failed"),
	}
	s := mustConvStore(t, db)

	deleted, err := s.DeleteAllByUser(context.Background(), "u1")
	require.Error(t, err)
	require.Equal(t, 1, deleted)
}

func TestUpdateTitle_ReturnsStoredTitle(t *testing.T) {
	db := &fakeDynamo{
		updateOut: &dynamodb.UpdateItemOutput{
			Attributes: map[string]types.AttributeValue{"Title": strValue("renamed")},
		},
	}
	s := mustConvStore(t, db)

	title, err := s.UpdateTitle(context.Background(), "u1", "c1", "renamed")
	require.NoError(t, err)
	require.Equal(t, "renamed", title)

	in := db.lastUpdateIn
	require.Equal(t, "SET Title = :t", *in.UpdateExpression)
	require.Equal(t, existsCondition, *in.ConditionExpression)
	require.Equal(t, "renamed", in.ExpressionAttributeValues[":t"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, types.ReturnValueUpdatedNew, in.ReturnValues)
}

func TestUpdateTitle_NotFound(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{Message: aws.String("no item")}}
	s := mustConvStore(t, db)

	_, err := s.UpdateTitle(context.Background(), "u1", "c1", "renamed")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPartitionIsolation_KeysEmbedOwner(t *testing.T) {
	// Identical conversation ids under different users produce disjoint keys
	// and disjoint query ranges.
	db := &fakeDynamo{}
	s := mustConvStore(t, db)

	_, _ = s.FindByUser(context.Background(), "alice")
	_, _ = s.FindByUser(context.Background(), "bob")

	alicePrefix := db.queryIns[0].ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
	bobPrefix := db.queryIns[1].ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
	require.NotEqual(t, alicePrefix, bobPrefix)
	require.NotEqual(t, ConversationSK("alice", "c1"), ConversationSK("bob", "c1"))
}
