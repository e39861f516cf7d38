package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-chat/internal/domain"
)

const (
	skQuota    = "QUOTA"
	skOutreach = "OUTREACH"
)

// QuotaStore keeps per-user quota and outreach state on the shared table so
// every Lambda environment sees the same counts.
type QuotaStore struct {
	c *Client
}

func NewQuotaStore(c *Client) *QuotaStore {
	return &QuotaStore{c: c}
}

func (s *QuotaStore) get(ctx context.Context, userID, sk string) (map[string]types.AttributeValue, error) {
	out, err := s.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.c.tableName),
		Key:            itemKey(userPK(userID), sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.Item, nil
}

func (s *QuotaStore) put(ctx context.Context, item map[string]types.AttributeValue) error {
	_, err := s.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.c.tableName),
		Item:      item,
	})
	return err
}

// LoadQuota returns the stored state; found is false for a user with no row.
func (s *QuotaStore) LoadQuota(ctx context.Context, userID string) (domain.QuotaState, bool, error) {
	item, err := s.get(ctx, userID, skQuota)
	if err != nil {
		return domain.QuotaState{}, false, fmt.Errorf("repository: LoadQuota: %w", err)
	}
	if len(item) == 0 {
		return domain.QuotaState{}, false, nil
	}
	count, err := intAttr(item, "dailyMessageCount")
	if err != nil {
		return domain.QuotaState{}, false, fmt.Errorf("repository: LoadQuota decode: %w", err)
	}
	lastReset, err := optTimeAttr(item, "lastResetDate")
	if err != nil {
		return domain.QuotaState{}, false, fmt.Errorf("repository: LoadQuota decode: %w", err)
	}
	lastReward, err := optTimeAttr(item, "lastRewardDate")
	if err != nil {
		return domain.QuotaState{}, false, fmt.Errorf("repository: LoadQuota decode: %w", err)
	}
	state := domain.QuotaState{DailyCount: count, LastResetDate: lastReset, LastRewardDate: lastReward}
	state.CachedSubscribed, _ = boolAttr(item, "isSubscribedCache")
	state.RewardUsedToday, _ = boolAttr(item, "rewardWatchedToday")
	return state, true, nil
}

func (s *QuotaStore) SaveQuota(ctx context.Context, userID string, state domain.QuotaState) error {
	item := itemKey(userPK(userID), skQuota)
	item["dailyMessageCount"] = &types.AttributeValueMemberN{Value: strconv.Itoa(state.DailyCount)}
	item["lastResetDate"] = epochAttr(state.LastResetDate)
	item["isSubscribedCache"] = &types.AttributeValueMemberBOOL{Value: state.CachedSubscribed}
	item["rewardWatchedToday"] = &types.AttributeValueMemberBOOL{Value: state.RewardUsedToday}
	item["lastRewardDate"] = epochAttr(state.LastRewardDate)
	if err := s.put(ctx, item); err != nil {
		return fmt.Errorf("repository: SaveQuota: %w", err)
	}
	return nil
}

func (s *QuotaStore) DeleteQuota(ctx context.Context, userID string) error {
	if err := s.c.deleteItem(ctx, userPK(userID), skQuota); err != nil {
		return fmt.Errorf("repository: DeleteQuota: %w", err)
	}
	return nil
}

// LoadOutreach returns the zero state for a user with no row.
func (s *QuotaStore) LoadOutreach(ctx context.Context, userID string) (domain.OutreachState, error) {
	item, err := s.get(ctx, userID, skOutreach)
	if err != nil {
		return domain.OutreachState{}, fmt.Errorf("repository: LoadOutreach: %w", err)
	}
	if len(item) == 0 {
		return domain.OutreachState{}, nil
	}
	count, err := intAttr(item, "dailyCount")
	if err != nil {
		return domain.OutreachState{}, fmt.Errorf("repository: LoadOutreach decode: %w", err)
	}
	last, err := optTimeAttr(item, "lastOutreachAt")
	if err != nil {
		return domain.OutreachState{}, fmt.Errorf("repository: LoadOutreach decode: %w", err)
	}
	reset, err := optTimeAttr(item, "lastCountResetDate")
	if err != nil {
		return domain.OutreachState{}, fmt.Errorf("repository: LoadOutreach decode: %w", err)
	}
	return domain.OutreachState{LastOutreachAt: last, DailyCount: count, LastCountResetDate: reset}, nil
}

func (s *QuotaStore) SaveOutreach(ctx context.Context, userID string, state domain.OutreachState) error {
	item := itemKey(userPK(userID), skOutreach)
	item["lastOutreachAt"] = epochAttr(state.LastOutreachAt)
	item["dailyCount"] = &types.AttributeValueMemberN{Value: strconv.Itoa(state.DailyCount)}
	item["lastCountResetDate"] = epochAttr(state.LastCountResetDate)
	if err := s.put(ctx, item); err != nil {
		return fmt.Errorf("repository: SaveOutreach: %w", err)
	}
	return nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	n, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	v, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return v, nil
}

// optTimeAttr treats an absent attribute as the zero time.
func optTimeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	if _, ok := item[key]; !ok {
		return time.Time{}, nil
	}
	return timeAttr(item, key)
}
