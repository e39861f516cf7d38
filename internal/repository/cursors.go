package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-chat/internal/domain"
)

// UnreadTracker keeps one last-read cursor per conversation, stored under the
// owning user.
type UnreadTracker struct {
	c        *Client
	messages *MessageStore
	now      func() time.Time
}

// NewUnreadTracker creates an UnreadTracker that counts against messages.
func NewUnreadTracker(c *Client, messages *MessageStore) *UnreadTracker {
	return &UnreadTracker{c: c, messages: messages, now: time.Now}
}

func cursorSK(personaID string) string {
	return skPrefixCursor + personaID
}

// MarkRead moves the cursor of the conversation to now.
func (t *UnreadTracker) MarkRead(ctx context.Context, key domain.ConversationKey) error {
	_, err := t.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: userPK(key.UserID)},
			"SK":        &types.AttributeValueMemberS{Value: cursorSK(key.PersonaID)},
			"personaId": &types.AttributeValueMemberS{Value: key.PersonaID},
			"timestamp": epochAttr(t.now()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: MarkRead: %w", err)
	}
	return nil
}

// Cursor returns the last-read time, or the zero time when the conversation
// has never been opened.
func (t *UnreadTracker) Cursor(ctx context.Context, key domain.ConversationKey) (time.Time, error) {
	out, err := t.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.c.tableName),
		Key:            itemKey(userPK(key.UserID), cursorSK(key.PersonaID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: Cursor get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return time.Time{}, nil
	}
	ts, err := timeAttr(out.Item, "timestamp")
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: Cursor decode: %w", err)
	}
	return ts, nil
}

// UnreadCount counts assistant messages newer than the cursor.
func (t *UnreadTracker) UnreadCount(ctx context.Context, key domain.ConversationKey) (int, error) {
	cursor, err := t.Cursor(ctx, key)
	if err != nil {
		return 0, err
	}
	msgs, err := t.messages.FetchAll(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("repository: UnreadCount: %w", err)
	}
	n := 0
	for _, m := range msgs {
		if m.Author == domain.AuthorAssistant && m.Timestamp.After(cursor) {
			n++
		}
	}
	return n, nil
}

// DeleteCursor removes the conversation's cursor.
func (t *UnreadTracker) DeleteCursor(ctx context.Context, key domain.ConversationKey) error {
	if err := t.c.deleteItem(ctx, userPK(key.UserID), cursorSK(key.PersonaID)); err != nil {
		return fmt.Errorf("repository: DeleteCursor: %w", err)
	}
	return nil
}
