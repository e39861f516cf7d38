package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"persona-chat/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = domain.ErrNotFound

// ProfileReader reads the records owned by the profile screens (personas,
// fan-activity items, the subscription flag) and removes them when a persona
// is deleted.
type ProfileReader struct {
	c *Client
}

// NewProfileReader creates a ProfileReader on top of c.
func NewProfileReader(c *Client) *ProfileReader {
	return &ProfileReader{c: c}
}

func (r *ProfileReader) get(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := r.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.c.tableName),
		Key:       itemKey(pk, sk),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return out.Item, nil
}

// GetPersona returns the prompt-relevant attributes of a persona.
func (r *ProfileReader) GetPersona(ctx context.Context, userID, personaID string) (domain.Persona, error) {
	item, err := r.get(ctx, userPK(userID), skPrefixPersona+personaID)
	if err != nil {
		return domain.Persona{}, fmt.Errorf("repository: GetPersona: %w", err)
	}
	name, err := strAttr(item, "name")
	if err != nil {
		return domain.Persona{}, fmt.Errorf("repository: GetPersona decode: %w", err)
	}
	return domain.Persona{
		ID:            personaID,
		Name:          name,
		Personality:   optStrAttr(item, "personality"),
		SpeakingStyle: optStrAttr(item, "speakingStyle"),
		Birthday:      optStrAttr(item, "birthday"),
		Interests:     optStrAttr(item, "interests"),
	}, nil
}

// GetLinkedItem returns one fan-activity record.
func (r *ProfileReader) GetLinkedItem(ctx context.Context, userID, itemID string) (domain.LinkedItem, error) {
	item, err := r.get(ctx, userPK(userID), skPrefixItem+itemID)
	if err != nil {
		return domain.LinkedItem{}, fmt.Errorf("repository: GetLinkedItem: %w", err)
	}
	title, err := strAttr(item, "title")
	if err != nil {
		return domain.LinkedItem{}, fmt.Errorf("repository: GetLinkedItem decode: %w", err)
	}
	return domain.LinkedItem{
		ID:        itemID,
		PersonaID: optStrAttr(item, "personaId"),
		Category:  domain.ParseItemCategory(optStrAttr(item, "category")),
		Title:     title,
		Type:      optStrAttr(item, "type"),
		Price:     optStrAttr(item, "price"),
		EventName: optStrAttr(item, "eventName"),
		Location:  optStrAttr(item, "location"),
		Memo:      optStrAttr(item, "memo"),
		Tags:      strSetAttr(item, "tags"),
	}, nil
}

// IsSubscribed reads the authoritative subscription flag written by the
// purchase flow. A user without a record is not subscribed.
func (r *ProfileReader) IsSubscribed(ctx context.Context, userID string) (bool, error) {
	item, err := r.get(ctx, userPK(userID), skSubscription)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: IsSubscribed: %w", err)
	}
	v, err := boolAttr(item, "isSubscribed")
	if err != nil {
		return false, fmt.Errorf("repository: IsSubscribed decode: %w", err)
	}
	return v, nil
}

// DeletePersona removes the persona record.
func (r *ProfileReader) DeletePersona(ctx context.Context, userID, personaID string) error {
	if err := r.c.deleteItem(ctx, userPK(userID), skPrefixPersona+personaID); err != nil {
		return fmt.Errorf("repository: DeletePersona: %w", err)
	}
	return nil
}

// DeletePersonaImage removes the persona's image reference record.
func (r *ProfileReader) DeletePersonaImage(ctx context.Context, userID, personaID string) error {
	if err := r.c.deleteItem(ctx, userPK(userID), skPrefixImage+personaID); err != nil {
		return fmt.Errorf("repository: DeletePersonaImage: %w", err)
	}
	return nil
}

// DeleteLinkedItems removes every fan-activity record that belongs to the
// persona.
func (r *ProfileReader) DeleteLinkedItems(ctx context.Context, userID, personaID string) error {
	items, err := r.c.queryPrefix(ctx, userPK(userID), skPrefixItem,
		aws.String("personaId = :persona"),
		map[string]types.AttributeValue{":persona": &types.AttributeValueMemberS{Value: personaID}},
	)
	if err != nil {
		return fmt.Errorf("repository: DeleteLinkedItems query: %w", err)
	}
	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		if optStrAttr(item, "personaId") != personaID {
			continue
		}
		keys = append(keys, keyOf(item))
	}
	if err := r.c.deleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("repository: DeleteLinkedItems: %w", err)
	}
	return nil
}
