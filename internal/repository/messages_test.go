package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"persona-chat/internal/domain"
)

func newMessage(id string, author domain.Author, sec int64) domain.Message {
	return domain.Message{ID: id, Content: "text " + id, Author: author, Timestamp: time.Unix(sec, 0), Key: testKey}
}

func TestAppend_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := NewMessageStore(mustNewClient(t, db))
	msg := newMessage("m1", domain.AuthorUser, 1700000000)
	msg.LinkedItemID = "item-1"

	require.NoError(t, s.Append(context.Background(), msg))
	item := db.lastPutInput.Item
	require.Equal(t, "CONV#u1#p1", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "MSG#m1", item["SK"].(*types.AttributeValueMemberS).Value)
	require.True(t, item["isUser"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "1700000000.000000", item["timestamp"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "item-1", item["linkedItemId"].(*types.AttributeValueMemberS).Value)
	require.Nil(t, db.lastPutInput.ConditionExpression, "append is last-write-wins")
}

func TestAppend_OmitsEmptyLinkedItem(t *testing.T) {
	db := &fakeDynamo{}
	s := NewMessageStore(mustNewClient(t, db))
	require.NoError(t, s.Append(context.Background(), newMessage("m1", domain.AuthorAssistant, 1)))
	_, ok := db.lastPutInput.Item["linkedItemId"]
	require.False(t, ok)
	require.False(t, db.lastPutInput.Item["isUser"].(*types.AttributeValueMemberBOOL).Value)
}

func TestAppend_Validation(t *testing.T) {
	s := NewMessageStore(mustNewClient(t, &fakeDynamo{}))
	err := s.Append(context.Background(), domain.Message{Content: "x", Key: testKey})
	require.ErrorContains(t, err, "required")

	msg := newMessage("m1", domain.AuthorUser, 1)
	msg.Content = ""
	require.ErrorContains(t, s.Append(context.Background(), msg), "content")
}

func TestAppend_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")}
	s := NewMessageStore(mustNewClient(t, db))
	err := s.Append(context.Background(), newMessage("m1", domain.AuthorUser, 1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Append")
}

func TestFetchAll_SortsOutOfOrderWrites(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			makeMsgItem("c", "third", false, "1700000300", ""),
			makeMsgItem("a", "first", true, "1700000100", ""),
			makeMsgItem("b", "second", false, "1700000200.5", ""),
		},
	}}}
	s := NewMessageStore(mustNewClient(t, db))
	msgs, err := s.FetchAll(context.Background(), testKey)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)
	require.Equal(t, "third", msgs[2].Content)
	require.Equal(t, domain.AuthorUser, msgs[0].Author)
	require.Equal(t, testKey, msgs[1].Key)
}

func TestFetchAll_TieBreaksByID(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			makeMsgItem("zz", "later id", true, "1700000000", ""),
			makeMsgItem("aa", "earlier id", false, "1700000000", ""),
		},
	}}}
	s := NewMessageStore(mustNewClient(t, db))
	msgs, err := s.FetchAll(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, "aa", msgs[0].ID)
	require.Equal(t, "zz", msgs[1].ID)
}

func TestFetchAll_Empty(t *testing.T) {
	s := NewMessageStore(mustNewClient(t, &fakeDynamo{}))
	msgs, err := s.FetchAll(context.Background(), testKey)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestFetchAll_FollowsPagination(t *testing.T) {
	lastKey := itemKey("CONV#u1#p1", "MSG#a")
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{makeMsgItem("a", "one", true, "2", "")},
			LastEvaluatedKey: lastKey,
		},
		{
			Items: []map[string]types.AttributeValue{makeMsgItem("b", "two", false, "1", "")},
		},
	}}
	s := NewMessageStore(mustNewClient(t, db))
	msgs, err := s.FetchAll(context.Background(), testKey)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "two", msgs[0].Content)
	require.Len(t, db.queryInputs, 2)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.Equal(t, lastKey, db.queryInputs[1].ExclusiveStartKey)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.queryInputs[0].KeyConditionExpression)
}

func TestFetchAll_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	s := NewMessageStore(mustNewClient(t, db))
	_, err := s.FetchAll(context.Background(), testKey)
	require.Error(t, err)
	require.Contains(t, err.Error(), "FetchAll")
}

func TestFetchAll_MalformedItem(t *testing.T) {
	item := makeMsgItem("a", "one", true, "1", "")
	delete(item, "isUser")
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}}
	s := NewMessageStore(mustNewClient(t, db))
	_, err := s.FetchAll(context.Background(), testKey)
	require.Error(t, err)
	require.Contains(t, err.Error(), "isUser")
}

func TestFetchByLinkedItem_Filters(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			makeMsgItem("a", "about item", true, "2", "item-1"),
			makeMsgItem("b", "other item", true, "1", "item-2"),
			makeMsgItem("c", "no item", false, "3", ""),
			makeMsgItem("d", "reply", false, "1", "item-1"),
		},
	}}}
	s := NewMessageStore(mustNewClient(t, db))
	msgs, err := s.FetchByLinkedItem(context.Background(), testKey, "item-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "reply", msgs[0].Content)
	require.Equal(t, "about item", msgs[1].Content)
	require.Equal(t, "linkedItemId = :item", *db.queryInputs[0].FilterExpression)
}

func TestFetchByLinkedItem_RequiresItem(t *testing.T) {
	s := NewMessageStore(mustNewClient(t, &fakeDynamo{}))
	_, err := s.FetchByLinkedItem(context.Background(), testKey, "")
	require.Error(t, err)
}

func TestUpdate_RefreshesTimestamp(t *testing.T) {
	db := &fakeDynamo{}
	s := NewMessageStore(mustNewClient(t, db))
	fixed := time.Unix(1800000000, 0)
	s.now = func() time.Time { return fixed }

	ts, err := s.Update(context.Background(), testKey, "m1", "edited")
	require.NoError(t, err)
	require.True(t, fixed.Equal(ts))
	in := db.lastUpdateInput
	require.Equal(t, "MSG#m1", in.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "edited", in.ExpressionAttributeValues[":content"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "1800000000.000000", in.ExpressionAttributeValues[":ts"].(*types.AttributeValueMemberN).Value)
	require.Contains(t, *in.ConditionExpression, "attribute_exists")
}

func TestUpdate_Error(t *testing.T) {
	db := &fakeDynamo{updateErr: errors.New("ConditionalCheckFailedException")}
	s := NewMessageStore(mustNewClient(t, db))
	_, err := s.Update(context.Background(), testKey, "m1", "edited")
	require.ErrorContains(t, err, "Update")
}

func TestDelete(t *testing.T) {
	db := &fakeDynamo{}
	s := NewMessageStore(mustNewClient(t, db))
	require.NoError(t, s.Delete(context.Background(), testKey, "m1"))
	require.Equal(t, "MSG#m1", db.lastDeleteInput.Key["SK"].(*types.AttributeValueMemberS).Value)

	db.deleteErr = errors.New("AccessDeniedException")
	require.ErrorContains(t, s.Delete(context.Background(), testKey, "m1"), "Delete")
}

func TestDeleteConversation_DeletesEveryKey(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			makeMsgItem("a", "one", true, "1", ""),
			makeMsgItem("b", "two", false, "2", ""),
		},
	}}}
	s := NewMessageStore(mustNewClient(t, db))
	require.NoError(t, s.DeleteConversation(context.Background(), testKey))
	require.Len(t, db.batchInputs, 1)
	reqs := db.batchInputs[0].RequestItems["test-table"]
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].DeleteRequest.Key, 2)
}

func TestDeleteConversation_BatchError(t *testing.T) {
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{makeMsgItem("a", "one", true, "1", "")}}},
		batchErr:  errors.New("throttled"),
	}
	s := NewMessageStore(mustNewClient(t, db))
	require.ErrorContains(t, s.DeleteConversation(context.Background(), testKey), "DeleteConversation")
}
