package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"persona-chat/internal/domain"
)

// CascadeStep is one independent removal performed when a persona is deleted.
type CascadeStep string

const (
	StepMessages     CascadeStep = "messages"
	StepUnreadCursor CascadeStep = "unread_cursor"
	StepLinkedItems  CascadeStep = "linked_items"
	StepPersonaImage CascadeStep = "persona_image"
	StepPersona      CascadeStep = "persona"
)

type ConversationRemover interface {
	DeleteConversation(ctx context.Context, key domain.ConversationKey) error
}

type CursorRemover interface {
	DeleteCursor(ctx context.Context, key domain.ConversationKey) error
}

type ProfileRemover interface {
	DeleteLinkedItems(ctx context.Context, userID, personaID string) error
	DeletePersonaImage(ctx context.Context, userID, personaID string) error
	DeletePersona(ctx context.Context, userID, personaID string) error
}

// CascadeReport lists the outcome of every step. Steps that succeeded stay
// applied even when others failed.
type CascadeReport struct {
	Succeeded []CascadeStep
	Failed    map[CascadeStep]error
}

func (r CascadeReport) OK() bool { return len(r.Failed) == 0 }

// PersonaRemover deletes a persona and everything hanging off it.
type PersonaRemover struct {
	messages ConversationRemover
	cursors  CursorRemover
	profiles ProfileRemover
	logger   *slog.Logger
}

func NewPersonaRemover(m ConversationRemover, c CursorRemover, p ProfileRemover, logger *slog.Logger) (*PersonaRemover, error) {
	if m == nil || c == nil || p == nil {
		return nil, errors.New("usecase: persona remover dependencies must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PersonaRemover{messages: m, cursors: c, profiles: p, logger: logger}, nil
}

// Remove runs the five removals concurrently and waits for all of them.
// There is no rollback: a partial failure leaves the successful steps
// applied and is reported as STORE_WRITE_FAILED alongside the report.
func (r *PersonaRemover) Remove(ctx context.Context, userID, personaID string) (CascadeReport, error) {
	key, ok, err := conversationKey(userID, personaID)
	if !ok || err != nil {
		return CascadeReport{}, err
	}

	steps := []struct {
		name CascadeStep
		run  func(context.Context) error
	}{
		{StepMessages, func(ctx context.Context) error { return r.messages.DeleteConversation(ctx, key) }},
		{StepUnreadCursor, func(ctx context.Context) error { return r.cursors.DeleteCursor(ctx, key) }},
		{StepLinkedItems, func(ctx context.Context) error { return r.profiles.DeleteLinkedItems(ctx, key.UserID, key.PersonaID) }},
		{StepPersonaImage, func(ctx context.Context) error { return r.profiles.DeletePersonaImage(ctx, key.UserID, key.PersonaID) }},
		{StepPersona, func(ctx context.Context) error { return r.profiles.DeletePersona(ctx, key.UserID, key.PersonaID) }},
	}

	errs := make([]error, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = step.run(ctx)
		}()
	}
	wg.Wait()

	report := CascadeReport{Failed: map[CascadeStep]error{}}
	var failed []error
	for i, step := range steps {
		if errs[i] == nil {
			report.Succeeded = append(report.Succeeded, step.name)
			continue
		}
		report.Failed[step.name] = errs[i]
		failed = append(failed, errs[i])
		cascadeStepFailuresTotal.WithLabelValues(string(step.name)).Inc()
		r.logger.Error("persona removal step failed",
			"user_id", key.UserID, "persona_id", key.PersonaID, "step", step.name, "err", errs[i])
	}
	if len(failed) > 0 {
		return report, newError(ErrorStoreWriteFailed, "cascade_partial_failure", errors.Join(failed...))
	}
	r.logger.Info("persona removed", "user_id", key.UserID, "persona_id", key.PersonaID)
	return report, nil
}
