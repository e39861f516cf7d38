package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-chat/internal/domain"
)

// MessageStore is the per-conversation message log. Items are keyed by
// message id, so the store does not keep them in timestamp order; every read
// sorts before returning.
type MessageStore struct {
	c   *Client
	now func() time.Time
}

// NewMessageStore creates a MessageStore on top of c.
func NewMessageStore(c *Client) *MessageStore {
	return &MessageStore{c: c, now: time.Now}
}

// Append writes msg keyed by its id. Writing the same id twice replaces the
// earlier item without merging.
func (s *MessageStore) Append(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || !msg.Key.Valid() {
		return errors.New("repository: Append: message id and conversation key are required")
	}
	if msg.Content == "" {
		return errors.New("repository: Append: content must not be empty")
	}
	_, err := s.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.c.tableName),
		Item:      messageItem(msg),
	})
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// FetchAll returns every message of the conversation in display order. An
// empty conversation yields an empty slice.
func (s *MessageStore) FetchAll(ctx context.Context, key domain.ConversationKey) ([]domain.Message, error) {
	items, err := s.c.queryPrefix(ctx, convPK(key), skPrefixMsg, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("repository: FetchAll query: %w", err)
	}
	return decodeMessages(key, items, "")
}

// FetchByLinkedItem returns the messages of the conversation that reference
// itemID, in display order.
func (s *MessageStore) FetchByLinkedItem(ctx context.Context, key domain.ConversationKey, itemID string) ([]domain.Message, error) {
	if itemID == "" {
		return nil, errors.New("repository: FetchByLinkedItem: item id is required")
	}
	items, err := s.c.queryPrefix(ctx, convPK(key), skPrefixMsg,
		aws.String("linkedItemId = :item"),
		map[string]types.AttributeValue{":item": &types.AttributeValueMemberS{Value: itemID}},
	)
	if err != nil {
		return nil, fmt.Errorf("repository: FetchByLinkedItem query: %w", err)
	}
	return decodeMessages(key, items, itemID)
}

// Update overwrites the content of an existing message and refreshes its
// timestamp to now. The new timestamp is returned.
func (s *MessageStore) Update(ctx context.Context, key domain.ConversationKey, id, content string) (time.Time, error) {
	if id == "" || content == "" {
		return time.Time{}, errors.New("repository: Update: id and content are required")
	}
	ts := s.now()
	_, err := s.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.c.tableName),
		Key:                 itemKey(convPK(key), msgSK(id)),
		UpdateExpression:    aws.String("SET content = :content, #ts = :ts"),
		ConditionExpression: aws.String("attribute_exists(PK) AND attribute_exists(SK)"),
		ExpressionAttributeNames: map[string]string{
			"#ts": "timestamp",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":content": &types.AttributeValueMemberS{Value: content},
			":ts":      epochAttr(ts),
		},
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: Update: %w", err)
	}
	return ts, nil
}

// Delete permanently removes one message.
func (s *MessageStore) Delete(ctx context.Context, key domain.ConversationKey, id string) error {
	if id == "" {
		return errors.New("repository: Delete: id is required")
	}
	if err := s.c.deleteItem(ctx, convPK(key), msgSK(id)); err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// DeleteConversation removes every message of the conversation. Batches that
// already succeeded stay deleted when a later batch fails.
func (s *MessageStore) DeleteConversation(ctx context.Context, key domain.ConversationKey) error {
	items, err := s.c.queryPrefix(ctx, convPK(key), skPrefixMsg, nil, nil)
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation query: %w", err)
	}
	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, keyOf(item))
	}
	if err := s.c.deleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	return nil
}

func decodeMessages(key domain.ConversationKey, items []map[string]types.AttributeValue, itemID string) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(key, item)
		if err != nil {
			return nil, fmt.Errorf("repository: decode message: %w", err)
		}
		if itemID != "" && msg.LinkedItemID != itemID {
			continue
		}
		msgs = append(msgs, msg)
	}
	domain.SortMessages(msgs)
	return msgs, nil
}

func itemToMessage(key domain.ConversationKey, item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	isUser, err := boolAttr(item, "isUser")
	if err != nil {
		return domain.Message{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.Message{}, err
	}
	author := domain.AuthorAssistant
	if isUser {
		author = domain.AuthorUser
	}
	return domain.Message{
		ID:           id,
		Content:      content,
		Author:       author,
		Timestamp:    ts,
		Key:          key,
		LinkedItemID: optStrAttr(item, "linkedItemId"),
	}, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(msg.Key)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(msg.ID)},
		"id":        &types.AttributeValueMemberS{Value: msg.ID},
		"content":   &types.AttributeValueMemberS{Value: msg.Content},
		"isUser":    &types.AttributeValueMemberBOOL{Value: msg.IsUser()},
		"timestamp": epochAttr(msg.Timestamp),
		"userId":    &types.AttributeValueMemberS{Value: msg.Key.UserID},
		"personaId": &types.AttributeValueMemberS{Value: msg.Key.PersonaID},
	}
	if msg.LinkedItemID != "" {
		item["linkedItemId"] = &types.AttributeValueMemberS{Value: msg.LinkedItemID}
	}
	return item
}
