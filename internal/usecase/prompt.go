package usecase

import (
	"fmt"
	"strings"

	"persona-chat/internal/domain"
)

const defaultHistoryWindow = 10

func buildPromptMessages(persona domain.Persona, item *domain.LinkedItem, history []domain.Message, window int, text string) []domain.ChatMessage {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}

	messages := make([]domain.ChatMessage, 0, len(history)+2)
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleSystem,
		Content: buildSystemPrompt(persona, item),
	})
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: m.Author.Role(), Content: content})
	}
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: text,
	})
	return messages
}

func buildSystemPrompt(p domain.Persona, item *domain.LinkedItem) string {
	lines := []string{
		"Role:",
		fmt.Sprintf("You are %s, talking one-on-one with a fan who supports you.", displayName(p)),
		"",
		"Character:",
		"- Personality: " + orUnknown(p.Personality),
		"- Speaking style: " + orUnknown(p.SpeakingStyle),
		"- Birthday: " + orUnknown(p.Birthday),
		"- Interests: " + orUnknown(p.Interests),
		"",
		"Behavior Rules:",
		behaviorRules(),
	}
	if item != nil {
		lines = append(lines, "", "Fan Activity:", itemSummary(*item))
	}
	return strings.Join(lines, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Stay in character and keep the speaking style above.",
		"2) Reply in two or three short sentences.",
		"3) Respond to the latest message; earlier turns are context only.",
		"4) Never mention that you are an AI or a language model.",
	}, "\n")
}

func itemSummary(item domain.LinkedItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The fan recorded a %s.", item.Category)
	add := func(label, v string) {
		if v = normalizePromptInput(v); v != "" {
			fmt.Fprintf(&b, "\n- %s: %s", label, v)
		}
	}
	add("Title", item.Title)
	add("Type", item.Type)
	add("Price", item.Price)
	add("Event", item.EventName)
	add("Location", item.Location)
	add("Memo", item.Memo)
	add("Tags", strings.Join(item.Tags, ", "))
	return b.String()
}

func displayName(p domain.Persona) string {
	if name := normalizePromptInput(p.Name); name != "" {
		return name
	}
	return "the fan's favorite"
}

func orUnknown(s string) string {
	if s = normalizePromptInput(s); s != "" {
		return s
	}
	return "not specified"
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
