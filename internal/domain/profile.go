package domain

import (
	"errors"
	"strings"
)

// ErrNotFound reports a missing persona, linked item or message.
var ErrNotFound = errors.New("not found")

// Persona is the fan target the user chats with. Only the attributes used to
// build prompts are carried here; editing them belongs to the profile screens.
type Persona struct {
	ID            string
	Name          string
	Personality   string
	SpeakingStyle string
	Birthday      string
	Interests     string
}

// ItemCategory classifies a fan-activity record.
type ItemCategory string

const (
	CategoryPurchase   ItemCategory = "purchase"
	CategoryEvent      ItemCategory = "event"
	CategoryPilgrimage ItemCategory = "pilgrimage"
	CategoryOther      ItemCategory = "other"
)

// ParseItemCategory maps stored values onto a known category, defaulting to
// CategoryOther.
func ParseItemCategory(s string) ItemCategory {
	switch ItemCategory(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryPurchase:
		return CategoryPurchase
	case CategoryEvent:
		return CategoryEvent
	case CategoryPilgrimage:
		return CategoryPilgrimage
	default:
		return CategoryOther
	}
}

// LinkedItem is an external fan-activity record (purchase, event,
// pilgrimage) that a conversation can reference for context.
type LinkedItem struct {
	ID        string
	PersonaID string
	Category  ItemCategory
	Title     string
	Type      string
	Price     string
	EventName string
	Location  string
	Memo      string
	Tags      []string
}
