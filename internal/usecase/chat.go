package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"persona-chat/internal/domain"
	"persona-chat/internal/quota"
)

const (
	defaultMarkReadDelay = 500 * time.Millisecond
	defaultMaxTextLen    = 1000
)

type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) error
	FetchAll(ctx context.Context, key domain.ConversationKey) ([]domain.Message, error)
	FetchByLinkedItem(ctx context.Context, key domain.ConversationKey, itemID string) ([]domain.Message, error)
}

type ReadTracker interface {
	MarkRead(ctx context.Context, key domain.ConversationKey) error
	UnreadCount(ctx context.Context, key domain.ConversationKey) (int, error)
}

type ProfileSource interface {
	GetPersona(ctx context.Context, userID, personaID string) (domain.Persona, error)
	GetLinkedItem(ctx context.Context, userID, itemID string) (domain.LinkedItem, error)
}

// SubscriptionSource is the authoritative "is this user subscribed" flag.
type SubscriptionSource interface {
	IsSubscribed(ctx context.Context, userID string) (bool, error)
}

type QuotaKeeper interface {
	SyncSubscription(ctx context.Context, userID string, authoritative bool) error
	Status(ctx context.Context, userID string) (quota.Status, error)
	RecordSend(ctx context.Context, userID string) error
	GrantRewardReset(ctx context.Context, userID string) error
}

type ReplyGenerator interface {
	Generate(ctx context.Context, in GenerateInput) (string, error)
}

// ChatService runs the send/receive cycle and the conversation operations
// the app screens call.
type ChatService struct {
	messages MessageStore
	reads    ReadTracker
	profiles ProfileSource
	subs     SubscriptionSource
	quota    QuotaKeeper
	gen      ReplyGenerator

	markReadDelay time.Duration
	maxTextLen    int
	now           func() time.Time
	afterFunc     func(d time.Duration, f func())
	logger        *slog.Logger
}

type ChatOption func(*ChatService)

// WithMarkReadDelay sets how long after a send the conversation is marked
// read. Zero marks it before Send returns.
func WithMarkReadDelay(d time.Duration) ChatOption {
	return func(s *ChatService) {
		if d >= 0 {
			s.markReadDelay = d
		}
	}
}

func WithMaxTextLength(n int) ChatOption {
	return func(s *ChatService) {
		if n > 0 {
			s.maxTextLen = n
		}
	}
}

func WithChatClock(now func() time.Time) ChatOption {
	return func(s *ChatService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithChatLogger(l *slog.Logger) ChatOption {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewChatService(m MessageStore, r ReadTracker, p ProfileSource, subs SubscriptionSource, q QuotaKeeper, gen ReplyGenerator, opts ...ChatOption) (*ChatService, error) {
	if m == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: read tracker must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: profile source must not be nil")
	}
	if subs == nil {
		return nil, errors.New("usecase: subscription source must not be nil")
	}
	if q == nil {
		return nil, errors.New("usecase: quota keeper must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: reply generator must not be nil")
	}
	s := &ChatService{
		messages:      m,
		reads:         r,
		profiles:      p,
		subs:          subs,
		quota:         q,
		gen:           gen,
		markReadDelay: defaultMarkReadDelay,
		maxTextLen:    defaultMaxTextLen,
		now:           time.Now,
		afterFunc:     func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type SendInput struct {
	UserID       string
	PersonaID    string
	Text         string
	LinkedItemID string
}

type SendOutput struct {
	UserMessage domain.Message
	Reply       domain.Message
	Remaining   int
}

// Send runs one send/receive cycle. The user message is appended before
// generation starts and is left in place when generation fails.
func (s *ChatService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return SendOutput{}, nil
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_text", nil)
	}
	if len(text) > s.maxTextLen {
		return SendOutput{}, newError(ErrorInvalidInput, "text_too_long", nil)
	}
	key := domain.ConversationKey{UserID: userID, PersonaID: strings.TrimSpace(in.PersonaID)}
	if !key.Valid() {
		return SendOutput{}, newError(ErrorInvalidInput, "missing_persona", nil)
	}
	itemID := strings.TrimSpace(in.LinkedItemID)

	persona, item, err := s.loadProfile(ctx, userID, key.PersonaID, itemID)
	if err != nil {
		return SendOutput{}, err
	}

	status, err := s.syncedStatus(ctx, userID)
	if err != nil {
		return SendOutput{}, err
	}
	if !status.Subscribed && status.LimitReached {
		quotaRejectionsTotal.Inc()
		reason := ReasonRewardUsed
		if status.CanWatchReward {
			reason = ReasonRewardAvailable
		}
		return SendOutput{}, newError(ErrorQuotaExceeded, reason, nil)
	}
	if !status.Subscribed {
		if err := s.quota.RecordSend(ctx, userID); err != nil {
			return SendOutput{}, newError(ErrorInternal, "quota_cache_error", err)
		}
	}
	sendsTotal.Inc()
	defer s.scheduleMarkRead(ctx, key)

	history, err := s.history(ctx, key, itemID)
	if err != nil {
		s.logger.Warn("history read failed, generating without it",
			"user_id", userID, "persona_id", key.PersonaID, "err", err)
		history = nil
	}

	userMsg := domain.Message{
		ID:           newUUID(),
		Content:      text,
		Author:       domain.AuthorUser,
		Timestamp:    s.now(),
		Key:          key,
		LinkedItemID: itemID,
	}
	s.append(ctx, userMsg, "append_user")

	reply, err := s.gen.Generate(ctx, GenerateInput{
		Persona: persona,
		Item:    item,
		History: history,
		Text:    text,
	})
	if err != nil {
		s.logger.Error("reply generation failed",
			"user_id", userID, "persona_id", key.PersonaID, "message_id", userMsg.ID, "err", err)
		return SendOutput{UserMessage: userMsg}, generationError(err)
	}

	replyMsg := domain.Message{
		ID:           newUUID(),
		Content:      reply,
		Author:       domain.AuthorAssistant,
		Timestamp:    s.now(),
		Key:          key,
		LinkedItemID: itemID,
	}
	s.append(ctx, replyMsg, "append_reply")

	remaining := status.Remaining
	if !status.Subscribed {
		remaining = max(remaining-1, 0)
	}
	return SendOutput{UserMessage: userMsg, Reply: replyMsg, Remaining: remaining}, nil
}

// OpenConversation returns the conversation (or only the messages about
// linkedItemID) and marks it read.
func (s *ChatService) OpenConversation(ctx context.Context, userID, personaID, linkedItemID string) ([]domain.Message, error) {
	key, ok, err := conversationKey(userID, personaID)
	if !ok || err != nil {
		return nil, err
	}
	msgs, err := s.history(ctx, key, strings.TrimSpace(linkedItemID))
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	s.markRead(ctx, key)
	return msgs, nil
}

// CloseConversation marks the conversation read. Failures are only logged.
func (s *ChatService) CloseConversation(ctx context.Context, userID, personaID string) error {
	key, ok, err := conversationKey(userID, personaID)
	if !ok || err != nil {
		return err
	}
	s.markRead(ctx, key)
	return nil
}

func (s *ChatService) UnreadCount(ctx context.Context, userID, personaID string) (int, error) {
	key, ok, err := conversationKey(userID, personaID)
	if !ok || err != nil {
		return 0, err
	}
	n, err := s.reads.UnreadCount(ctx, key)
	if err != nil {
		return 0, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	return n, nil
}

type OpenItemOutput struct {
	Messages []domain.Message
	// Opening is set when this call created the first message about the item.
	Opening *domain.Message
}

// OpenLinkedItem returns the messages about an item. When there are none yet
// it generates an opening assistant message from a canned prompt that fits
// the item's category.
func (s *ChatService) OpenLinkedItem(ctx context.Context, userID, personaID, itemID string) (OpenItemOutput, error) {
	key, ok, err := conversationKey(userID, personaID)
	if !ok || err != nil {
		return OpenItemOutput{}, err
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return OpenItemOutput{}, newError(ErrorInvalidInput, "missing_item", nil)
	}

	msgs, err := s.messages.FetchByLinkedItem(ctx, key, itemID)
	if err != nil {
		return OpenItemOutput{}, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	if len(msgs) > 0 {
		s.markRead(ctx, key)
		return OpenItemOutput{Messages: msgs}, nil
	}

	persona, item, err := s.loadProfile(ctx, key.UserID, key.PersonaID, itemID)
	if err != nil {
		return OpenItemOutput{}, err
	}
	reply, err := s.gen.Generate(ctx, GenerateInput{
		Persona: persona,
		Item:    item,
		Text:    openingPrompt(*item),
	})
	if err != nil {
		s.logger.Error("opening message generation failed",
			"user_id", key.UserID, "persona_id", key.PersonaID, "item_id", itemID, "err", err)
		return OpenItemOutput{}, generationError(err)
	}

	opening := domain.Message{
		ID:           newUUID(),
		Content:      reply,
		Author:       domain.AuthorAssistant,
		Timestamp:    s.now(),
		Key:          key,
		LinkedItemID: itemID,
	}
	s.append(ctx, opening, "append_opening")
	s.markRead(ctx, key)
	return OpenItemOutput{Messages: []domain.Message{opening}, Opening: &opening}, nil
}

// QuotaStatus reconciles the cached subscription flag and reports the quota.
func (s *ChatService) QuotaStatus(ctx context.Context, userID string) (quota.Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return quota.Status{}, nil
	}
	return s.syncedStatus(ctx, userID)
}

// GrantReward applies the reward reset after a completed reward view. It is
// rejected when today's reward was already used.
func (s *ChatService) GrantReward(ctx context.Context, userID string) (quota.Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return quota.Status{}, nil
	}
	status, err := s.syncedStatus(ctx, userID)
	if err != nil {
		return quota.Status{}, err
	}
	if status.Subscribed {
		return status, nil
	}
	if !status.CanWatchReward {
		return status, newError(ErrorInvalidInput, "reward_already_used", nil)
	}
	if err := s.quota.GrantRewardReset(ctx, userID); err != nil {
		return quota.Status{}, newError(ErrorInternal, "quota_cache_error", err)
	}
	status, err = s.quota.Status(ctx, userID)
	if err != nil {
		return quota.Status{}, newError(ErrorInternal, "quota_cache_error", err)
	}
	return status, nil
}

// syncedStatus forces the cached subscription flag to the authoritative
// value, then reads the quota. A failing provider leaves the cache as is.
func (s *ChatService) syncedStatus(ctx context.Context, userID string) (quota.Status, error) {
	subscribed, err := s.subs.IsSubscribed(ctx, userID)
	if err != nil {
		s.logger.Warn("subscription lookup failed, using cached flag", "user_id", userID, "err", err)
	} else if err := s.quota.SyncSubscription(ctx, userID, subscribed); err != nil {
		return quota.Status{}, newError(ErrorInternal, "quota_cache_error", err)
	}
	status, err := s.quota.Status(ctx, userID)
	if err != nil {
		return quota.Status{}, newError(ErrorInternal, "quota_cache_error", err)
	}
	return status, nil
}

func (s *ChatService) loadProfile(ctx context.Context, userID, personaID, itemID string) (domain.Persona, *domain.LinkedItem, error) {
	persona, err := s.profiles.GetPersona(ctx, userID, personaID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Persona{}, nil, newError(ErrorInvalidInput, "persona_not_found", err)
		}
		return domain.Persona{}, nil, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	if itemID == "" {
		return persona, nil, nil
	}
	item, err := s.profiles.GetLinkedItem(ctx, userID, itemID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Persona{}, nil, newError(ErrorInvalidInput, "item_not_found", err)
		}
		return domain.Persona{}, nil, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	return persona, &item, nil
}

func (s *ChatService) history(ctx context.Context, key domain.ConversationKey, itemID string) ([]domain.Message, error) {
	if itemID != "" {
		return s.messages.FetchByLinkedItem(ctx, key, itemID)
	}
	return s.messages.FetchAll(ctx, key)
}

// append writes msg without retrying. Failures are logged and counted.
func (s *ChatService) append(ctx context.Context, msg domain.Message, op string) {
	if err := s.messages.Append(ctx, msg); err != nil {
		storeWriteFailuresTotal.WithLabelValues(op).Inc()
		s.logger.Error("message append failed",
			"op", op,
			"user_id", msg.Key.UserID,
			"persona_id", msg.Key.PersonaID,
			"message_id", msg.ID,
			"err", err,
		)
	}
}

func (s *ChatService) markRead(ctx context.Context, key domain.ConversationKey) {
	if err := s.reads.MarkRead(ctx, key); err != nil {
		storeWriteFailuresTotal.WithLabelValues("mark_read").Inc()
		s.logger.Warn("mark read failed",
			"user_id", key.UserID, "persona_id", key.PersonaID, "err", err)
	}
}

func (s *ChatService) scheduleMarkRead(ctx context.Context, key domain.ConversationKey) {
	if s.markReadDelay <= 0 {
		s.markRead(ctx, key)
		return
	}
	detached := context.WithoutCancel(ctx)
	s.afterFunc(s.markReadDelay, func() { s.markRead(detached, key) })
}

// conversationKey reports ok=false for a missing user, which callers turn
// into an empty result.
func conversationKey(userID, personaID string) (domain.ConversationKey, bool, error) {
	key := domain.ConversationKey{
		UserID:    strings.TrimSpace(userID),
		PersonaID: strings.TrimSpace(personaID),
	}
	if key.UserID == "" {
		return key, false, nil
	}
	if key.PersonaID == "" {
		return key, false, newError(ErrorInvalidInput, "missing_persona", nil)
	}
	return key, true, nil
}

func openingPrompt(item domain.LinkedItem) string {
	label := itemLabel(item)
	switch item.Category {
	case domain.CategoryPurchase:
		return fmt.Sprintf("I purchased an item: %s!", label)
	case domain.CategoryEvent:
		return fmt.Sprintf("I attended an event: %s!", label)
	case domain.CategoryPilgrimage:
		return fmt.Sprintf("I went on a pilgrimage to %s!", label)
	default:
		return fmt.Sprintf("I recorded something about you: %s.", label)
	}
}
