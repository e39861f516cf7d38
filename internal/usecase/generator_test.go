package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"persona-chat/internal/domain"
)

type capturingLLM struct {
	answer      string
	err         error
	model       string
	temperature float64
	captured    []domain.ChatMessage
	callCount   int
}

func (c *capturingLLM) Complete(_ context.Context, model string, temperature float64, msgs []domain.ChatMessage) (string, error) {
	c.callCount++
	c.model = model
	c.temperature = temperature
	c.captured = msgs
	return c.answer, c.err
}

var testPersonaProfile = domain.Persona{
	ID:            testPersona,
	Name:          "Aoi",
	Personality:   "cheerful,   hard-working",
	SpeakingStyle: "casual, lots of exclamation marks",
	Birthday:      "March 3",
	Interests:     "baking",
}

func makeHistory(n int) []domain.Message {
	base := time.Unix(1000, 0)
	out := make([]domain.Message, 0, n)
	for i := range n {
		author := domain.AuthorUser
		if i%2 == 1 {
			author = domain.AuthorAssistant
		}
		out = append(out, domain.Message{
			ID:        fmt.Sprintf("m%02d", i),
			Content:   fmt.Sprintf("turn %d", i),
			Author:    author,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Key:       testKey,
		})
	}
	return out
}

func TestNewGenerator_RequiresModelWithClient(t *testing.T) {
	_, err := NewGenerator(&capturingLLM{}, " ")
	require.Error(t, err)

	g, err := NewGenerator(nil, "")
	require.NoError(t, err)
	require.True(t, g.FallbackMode())
}

func TestGenerate_BuildsWindowedPrompt(t *testing.T) {
	llm := &capturingLLM{answer: "  hi!  "}
	g, err := NewGenerator(llm, "gpt-mock")
	require.NoError(t, err)

	reply, err := g.Generate(context.Background(), GenerateInput{
		Persona: testPersonaProfile,
		History: makeHistory(14),
		Text:    "what are you baking?",
	})
	require.NoError(t, err)
	require.Equal(t, "hi!", reply)
	require.Equal(t, "gpt-mock", llm.model)
	require.InDelta(t, 0.8, llm.temperature, 1e-9)

	require.Len(t, llm.captured, 12, "system + last 10 history entries + new text")
	require.Equal(t, domain.RoleSystem, llm.captured[0].Role)
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "turn 4"}, llm.captured[1])
	require.Equal(t, domain.ChatMessage{Role: domain.RoleAssistant, Content: "turn 13"}, llm.captured[10])
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "what are you baking?"}, llm.captured[11])
}

func TestGenerate_Options(t *testing.T) {
	llm := &capturingLLM{answer: "ok"}
	g, err := NewGenerator(llm, "gpt-mock", WithTemperature(0.3), WithHistoryWindow(2))
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), GenerateInput{History: makeHistory(5), Text: "x"})
	require.NoError(t, err)
	require.InDelta(t, 0.3, llm.temperature, 1e-9)
	require.Len(t, llm.captured, 4)
}

func TestGenerate_EmptyReplyIsAnError(t *testing.T) {
	g, err := NewGenerator(&capturingLLM{answer: " \n "}, "gpt-mock")
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), GenerateInput{Text: "x"})
	require.Error(t, err)
}

func TestGenerate_PropagatesClientErrors(t *testing.T) {
	g, err := NewGenerator(&capturingLLM{err: errors.New("timeout")}, "gpt-mock")
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), GenerateInput{Text: "x"})
	require.ErrorContains(t, err, "timeout")
}

func TestGenerate_FallbackTemplateIsDeterministic(t *testing.T) {
	g, err := NewGenerator(nil, "")
	require.NoError(t, err)
	item := &domain.LinkedItem{ID: testItem, Category: domain.CategoryEvent, EventName: "Summer Live 2026"}

	first, err := g.Generate(context.Background(), GenerateInput{Persona: testPersonaProfile, Item: item, Text: "x"})
	require.NoError(t, err)
	for range 5 {
		again, err := g.Generate(context.Background(), GenerateInput{Persona: testPersonaProfile, Item: item, Text: "y"})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	require.Equal(t, "Thank you for coming to Summer Live 2026! Knowing you were there means everything to Aoi.", first)
}

func TestGenerate_FallbackEveryCategoryHasATemplate(t *testing.T) {
	g, err := NewGenerator(nil, "")
	require.NoError(t, err)
	for _, cat := range []domain.ItemCategory{domain.CategoryPurchase, domain.CategoryEvent, domain.CategoryPilgrimage, domain.CategoryOther, "unknown"} {
		reply, err := g.Generate(context.Background(), GenerateInput{
			Persona: testPersonaProfile,
			Item:    &domain.LinkedItem{Category: cat, Title: "Thing"},
		})
		require.NoError(t, err)
		require.Contains(t, reply, "Thing", "category %s", cat)
		require.NotContains(t, reply, "{")
	}
}

func TestGenerate_FallbackPoolPick(t *testing.T) {
	g, err := NewGenerator(nil, "")
	require.NoError(t, err)
	for range 20 {
		reply, err := g.Generate(context.Background(), GenerateInput{Persona: testPersonaProfile, Text: "hi"})
		require.NoError(t, err)
		require.Contains(t, g.fallback.Pool, reply)
	}

	fixed, err := NewGenerator(nil, "", WithRandom(func(n int) int { return n - 1 }))
	require.NoError(t, err)
	reply, err := fixed.Generate(context.Background(), GenerateInput{Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, fixed.fallback.Pool[len(fixed.fallback.Pool)-1], reply)
}

func TestLoadFallbackCatalogue_Errors(t *testing.T) {
	_, err := loadFallbackCatalogue([]byte("pool: [\n"))
	require.ErrorContains(t, err, "decode")

	_, err = loadFallbackCatalogue([]byte("templates:\n  other: x\npool: []\n"))
	require.ErrorContains(t, err, "empty pool")

	_, err = loadFallbackCatalogue([]byte("templates:\n  event: x\npool: [a]\n"))
	require.ErrorContains(t, err, "other")
}

func TestBuildSystemPrompt(t *testing.T) {
	prompt := buildSystemPrompt(testPersonaProfile, nil)
	require.Contains(t, prompt, "You are Aoi")
	require.Contains(t, prompt, "Personality: cheerful, hard-working")
	require.Contains(t, prompt, "Speaking style: casual, lots of exclamation marks")
	require.Contains(t, prompt, "Birthday: March 3")
	require.Contains(t, prompt, "Interests: baking")
	require.NotContains(t, prompt, "Fan Activity")

	item := &domain.LinkedItem{
		Category:  domain.CategoryPurchase,
		Title:     "Acrylic stand",
		Type:      "goods",
		Price:     "1800",
		EventName: "Pop-up store",
		Location:  "Shibuya",
		Memo:      "second one",
		Tags:      []string{"limited", "2026"},
	}
	prompt = buildSystemPrompt(domain.Persona{}, item)
	require.Contains(t, prompt, "Personality: not specified")
	for _, want := range []string{
		"The fan recorded a purchase.",
		"- Title: Acrylic stand",
		"- Type: goods",
		"- Price: 1800",
		"- Event: Pop-up store",
		"- Location: Shibuya",
		"- Memo: second one",
		"- Tags: limited, 2026",
	} {
		require.True(t, strings.Contains(prompt, want), "missing %q", want)
	}
}

func TestBuildPromptMessages_SkipsBlankHistory(t *testing.T) {
	history := []domain.Message{
		{ID: "a", Content: "  ", Author: domain.AuthorUser},
		{ID: "b", Content: "hello", Author: domain.AuthorAssistant},
	}
	msgs := buildPromptMessages(testPersonaProfile, nil, history, defaultHistoryWindow, "hey")
	require.Len(t, msgs, 3)
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)
}
