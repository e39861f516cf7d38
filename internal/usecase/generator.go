package usecase

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"

	"persona-chat/internal/domain"
)

const defaultTemperature = 0.8

// Completer is the external text-completion service.
type Completer interface {
	Complete(ctx context.Context, model string, temperature float64, messages []domain.ChatMessage) (string, error)
}

// GenerateInput is everything a reply is built from. History is the
// conversation before Text, in display order.
type GenerateInput struct {
	Persona domain.Persona
	Item    *domain.LinkedItem
	History []domain.Message
	Text    string
}

// Generator produces persona replies. With no Completer it answers from the
// embedded fallback catalogue and never touches the network.
type Generator struct {
	llm           Completer
	model         string
	temperature   float64
	historyWindow int
	fallback      *fallbackCatalogue
	intn          func(int) int
	logger        *slog.Logger
}

type GeneratorOption func(*Generator)

func WithTemperature(t float64) GeneratorOption {
	return func(g *Generator) { g.temperature = t }
}

// WithHistoryWindow caps how many history entries are sent with a prompt.
func WithHistoryWindow(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.historyWindow = n
		}
	}
}

// WithRandom replaces the source used to pick fallback pool entries.
func WithRandom(intn func(int) int) GeneratorOption {
	return func(g *Generator) {
		if intn != nil {
			g.intn = intn
		}
	}
}

func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGenerator builds a Generator. llm may be nil, which selects fallback
// mode; model is required otherwise.
func NewGenerator(llm Completer, model string, opts ...GeneratorOption) (*Generator, error) {
	model = strings.TrimSpace(model)
	if llm != nil && model == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	catalogue, err := loadFallbackCatalogue(fallbackYAML)
	if err != nil {
		return nil, err
	}
	g := &Generator{
		llm:           llm,
		model:         model,
		temperature:   defaultTemperature,
		historyWindow: defaultHistoryWindow,
		fallback:      catalogue,
		intn:          rand.IntN,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// FallbackMode reports whether replies come from the built-in catalogue.
func (g *Generator) FallbackMode() bool {
	return g.llm == nil
}

// Generate returns one reply. An empty completion is an error.
func (g *Generator) Generate(ctx context.Context, in GenerateInput) (string, error) {
	if g.llm == nil {
		return g.fallback.reply(in.Persona, in.Item, g.intn), nil
	}

	messages := buildPromptMessages(in.Persona, in.Item, in.History, g.historyWindow, in.Text)
	reply, err := g.llm.Complete(ctx, g.model, g.temperature, messages)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errors.New("usecase: completion returned no text")
	}
	g.logger.Debug("reply generated",
		"persona_id", in.Persona.ID,
		"history", len(messages)-2,
		"chars", len(reply),
	)
	return reply, nil
}
