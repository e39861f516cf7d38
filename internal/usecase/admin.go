package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"persona-chat/internal/domain"
)

type MessageEditor interface {
	FetchAll(ctx context.Context, key domain.ConversationKey) ([]domain.Message, error)
	Update(ctx context.Context, key domain.ConversationKey, id, content string) (time.Time, error)
	Delete(ctx context.Context, key domain.ConversationKey, id string) error
}

// AdminService edits and deletes messages. Every change is applied to the
// caller's Transcript first and undone there if the remote write fails.
type AdminService struct {
	store  MessageEditor
	now    func() time.Time
	logger *slog.Logger
}

func NewAdminService(store MessageEditor, logger *slog.Logger) (*AdminService, error) {
	if store == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{store: store, now: time.Now, logger: logger}, nil
}

// LoadTranscript reads a conversation into display order.
func (s *AdminService) LoadTranscript(ctx context.Context, key domain.ConversationKey) (*domain.Transcript, error) {
	if !key.Valid() {
		return nil, newError(ErrorInvalidInput, "invalid_conversation", nil)
	}
	msgs, err := s.store.FetchAll(ctx, key)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	return domain.NewTranscript(msgs), nil
}

// EditMessage replaces the content of message id and moves it to the end of
// the display order with a fresh timestamp.
func (s *AdminService) EditMessage(ctx context.Context, t *domain.Transcript, key domain.ConversationKey, id, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, newError(ErrorInvalidInput, "empty_text", nil)
	}
	old, ok := t.Find(id)
	if !ok {
		return domain.Message{}, newError(ErrorInvalidInput, "message_not_found", nil)
	}

	edited := old
	edited.Content = content
	edited.Timestamp = s.now()
	t.Replace(edited)

	ts, err := s.store.Update(ctx, key, id, content)
	if err != nil {
		t.Replace(old)
		storeWriteFailuresTotal.WithLabelValues("update").Inc()
		s.logger.Error("message edit failed, restored",
			"user_id", key.UserID, "persona_id", key.PersonaID, "message_id", id, "err", err)
		return old, newError(ErrorStoreWriteFailed, "dynamodb_update_error", err)
	}
	edited.Timestamp = ts
	t.Replace(edited)
	return edited, nil
}

// DeleteMessage removes message id. On failure the message is put back in
// its sorted position.
func (s *AdminService) DeleteMessage(ctx context.Context, t *domain.Transcript, key domain.ConversationKey, id string) error {
	removed, ok := t.Remove(id)
	if !ok {
		return newError(ErrorInvalidInput, "message_not_found", nil)
	}
	if err := s.store.Delete(ctx, key, id); err != nil {
		t.Insert(removed)
		storeWriteFailuresTotal.WithLabelValues("delete").Inc()
		s.logger.Error("message delete failed, restored",
			"user_id", key.UserID, "persona_id", key.PersonaID, "message_id", id, "err", err)
		return newError(ErrorStoreWriteFailed, "dynamodb_delete_error", err)
	}
	return nil
}
