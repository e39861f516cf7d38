package usecase

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"persona-chat/internal/domain"
)

//go:embed fallback.yaml
var fallbackYAML []byte

type fallbackCatalogue struct {
	Templates map[domain.ItemCategory]string `yaml:"templates"`
	Pool      []string                       `yaml:"pool"`
}

func loadFallbackCatalogue(raw []byte) (*fallbackCatalogue, error) {
	var c fallbackCatalogue
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("usecase: decode fallback catalogue: %w", err)
	}
	if len(c.Pool) == 0 {
		return nil, errors.New("usecase: fallback catalogue has an empty pool")
	}
	if _, ok := c.Templates[domain.CategoryOther]; !ok {
		return nil, errors.New("usecase: fallback catalogue has no template for other")
	}
	return &c, nil
}

// reply returns the category template for item, or a pool entry chosen with
// intn when there is no item.
func (c *fallbackCatalogue) reply(persona domain.Persona, item *domain.LinkedItem, intn func(int) int) string {
	if item == nil {
		return c.Pool[intn(len(c.Pool))]
	}
	tmpl, ok := c.Templates[item.Category]
	if !ok {
		tmpl = c.Templates[domain.CategoryOther]
	}
	return strings.NewReplacer(
		"{persona}", displayName(persona),
		"{item}", itemLabel(*item),
	).Replace(tmpl)
}

func itemLabel(item domain.LinkedItem) string {
	for _, v := range []string{item.Title, item.EventName, item.Location} {
		if v = normalizePromptInput(v); v != "" {
			return v
		}
	}
	return "that"
}
