package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"persona-chat/internal/domain"
)

const (
	defaultOutreachInterval = 24 * time.Hour
	defaultOutreachPerDay   = 5
	defaultOutreachOdds     = 3
)

// Intent is the kind of proactive message the persona sends.
type Intent string

const (
	IntentGreeting      Intent = "greeting"
	IntentEncouragement Intent = "encouragement"
	IntentUpdate        Intent = "update"
	IntentQuestion      Intent = "question"
)

var intents = []Intent{IntentGreeting, IntentEncouragement, IntentUpdate, IntentQuestion}

var intentPrompts = map[Intent]string{
	IntentGreeting:      "Send the fan a short, warm greeting out of the blue.",
	IntentEncouragement: "Send the fan a short message cheering them on today.",
	IntentUpdate:        "Tell the fan in a short message what you have been up to lately.",
	IntentQuestion:      "Ask the fan a short, friendly question about their day.",
}

// Gate names the check that stopped an outreach.
type Gate string

const (
	GateNone     Gate = ""
	GateInterval Gate = "interval"
	GateDailyCap Gate = "daily_cap"
	GateDraw     Gate = "draw"
)

type OutreachCache interface {
	LoadOutreach(ctx context.Context, userID string) (domain.OutreachState, error)
	SaveOutreach(ctx context.Context, userID string, state domain.OutreachState) error
}

type MessageAppender interface {
	Append(ctx context.Context, msg domain.Message) error
}

type PersonaSource interface {
	GetPersona(ctx context.Context, userID, personaID string) (domain.Persona, error)
}

// OutreachScheduler decides, each time the app comes to the foreground,
// whether the persona sends an unprompted message.
type OutreachScheduler struct {
	cache    OutreachCache
	messages MessageAppender
	personas PersonaSource
	gen      ReplyGenerator

	minInterval time.Duration
	maxPerDay   int
	odds        int
	intn        func(int) int
	now         func() time.Time
	loc         *time.Location
	logger      *slog.Logger
}

type OutreachOption func(*OutreachScheduler)

// WithOutreachLimits sets the minimum gap between messages, the daily cap and
// the draw denominator (a message goes out on a 1 in odds draw).
func WithOutreachLimits(minInterval time.Duration, maxPerDay, odds int) OutreachOption {
	return func(s *OutreachScheduler) {
		if minInterval >= 0 {
			s.minInterval = minInterval
		}
		if maxPerDay >= 0 {
			s.maxPerDay = maxPerDay
		}
		if odds >= 1 {
			s.odds = odds
		}
	}
}

func WithOutreachRandom(intn func(int) int) OutreachOption {
	return func(s *OutreachScheduler) {
		if intn != nil {
			s.intn = intn
		}
	}
}

func WithOutreachClock(now func() time.Time, loc *time.Location) OutreachOption {
	return func(s *OutreachScheduler) {
		if now != nil {
			s.now = now
		}
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithOutreachLogger(l *slog.Logger) OutreachOption {
	return func(s *OutreachScheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewOutreachScheduler(cache OutreachCache, m MessageAppender, p PersonaSource, gen ReplyGenerator, opts ...OutreachOption) (*OutreachScheduler, error) {
	if cache == nil {
		return nil, errors.New("usecase: outreach cache must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: persona source must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: reply generator must not be nil")
	}
	s := &OutreachScheduler{
		cache:       cache,
		messages:    m,
		personas:    p,
		gen:         gen,
		minInterval: defaultOutreachInterval,
		maxPerDay:   defaultOutreachPerDay,
		odds:        defaultOutreachOdds,
		intn:        rand.IntN,
		now:         time.Now,
		loc:         time.Local,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type OutreachResult struct {
	Sent    bool
	Blocked Gate
	Intent  Intent
	Message domain.Message
}

// MaybeReachOut checks the interval, the daily cap and a random draw, in that
// order. When all pass it generates a message for a random intent and appends
// it as the assistant. State is only advanced once the append succeeded.
func (s *OutreachScheduler) MaybeReachOut(ctx context.Context, userID, personaID string) (OutreachResult, error) {
	key, ok, err := conversationKey(userID, personaID)
	if !ok || err != nil {
		return OutreachResult{}, err
	}

	state, err := s.cache.LoadOutreach(ctx, key.UserID)
	if err != nil {
		return OutreachResult{}, newError(ErrorInternal, "outreach_cache_error", err)
	}
	now := s.now()
	if !domain.SameDay(now, state.LastCountResetDate, s.loc) {
		state.DailyCount = 0
		state.LastCountResetDate = now
	}

	if gate := s.gate(now, state); gate != GateNone {
		res := OutreachResult{Blocked: gate}
		outreachDecisionsTotal.WithLabelValues(string(gate)).Inc()
		s.logger.Debug("outreach skipped",
			"user_id", key.UserID, "persona_id", key.PersonaID, "result", res.String())
		return res, nil
	}

	persona, err := s.personas.GetPersona(ctx, key.UserID, key.PersonaID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return OutreachResult{}, newError(ErrorInvalidInput, "persona_not_found", err)
		}
		return OutreachResult{}, newError(ErrorInternal, "dynamodb_read_error", err)
	}

	intent := intents[s.intn(len(intents))]
	reply, err := s.gen.Generate(ctx, GenerateInput{
		Persona: persona,
		Text:    intentPrompts[intent],
	})
	if err != nil {
		s.logger.Error("outreach generation failed",
			"user_id", key.UserID, "persona_id", key.PersonaID, "intent", intent, "err", err)
		return OutreachResult{}, generationError(err)
	}

	msg := domain.Message{
		ID:        newUUID(),
		Content:   reply,
		Author:    domain.AuthorAssistant,
		Timestamp: now,
		Key:       key,
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		storeWriteFailuresTotal.WithLabelValues("append_outreach").Inc()
		return OutreachResult{}, newError(ErrorStoreWriteFailed, "dynamodb_write_error", err)
	}

	state.LastOutreachAt = now
	state.DailyCount++
	if err := s.cache.SaveOutreach(ctx, key.UserID, state); err != nil {
		return OutreachResult{}, newError(ErrorInternal, "outreach_cache_error", fmt.Errorf("message %s sent: %w", msg.ID, err))
	}
	outreachDecisionsTotal.WithLabelValues("sent").Inc()
	s.logger.Info("outreach sent",
		"user_id", key.UserID, "persona_id", key.PersonaID, "intent", intent, "daily_count", state.DailyCount)
	return OutreachResult{Sent: true, Intent: intent, Message: msg}, nil
}

func (s *OutreachScheduler) gate(now time.Time, state domain.OutreachState) Gate {
	if !state.LastOutreachAt.IsZero() && now.Sub(state.LastOutreachAt) < s.minInterval {
		return GateInterval
	}
	if state.DailyCount >= s.maxPerDay {
		return GateDailyCap
	}
	if s.intn(s.odds)+1 != 1 {
		return GateDraw
	}
	return GateNone
}

// String describes the outcome for logs.
func (r OutreachResult) String() string {
	if r.Sent {
		return "sent " + string(r.Intent)
	}
	if r.Blocked == GateNone {
		return "skipped"
	}
	return "blocked by " + strings.ReplaceAll(string(r.Blocked), "_", " ")
}
