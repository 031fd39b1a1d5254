package boards

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const maxDescriptionLength = 16384

// CreateCardInput describes a new card. Position is the destination index
// within the column, or nil to append.
type CreateCardInput struct {
	BoardID     string
	ColumnID    string
	Title       string
	Description string
	Position    *int
}

// UpdateCardInput edits and/or moves a card. Nil fields are left unchanged.
type UpdateCardInput struct {
	BoardID     string
	CardID      string
	Title       *string
	Description *string
	ColumnID    *string
	Position    *int
}

func (input UpdateCardInput) empty() bool {
	return input.Title == nil && input.Description == nil && input.ColumnID == nil && input.Position == nil
}

// CreateCard inserts a card into a column of the board.
func (s *Service) CreateCard(ctx context.Context, actor Actor, input CreateCardInput) (Card, error) {
	title, err := requireTitle(input.Title)
	if err != nil {
		return Card{}, s.fail(opCreateCard, err)
	}
	description, err := cardDescription(input.Description)
	if err != nil {
		return Card{}, s.fail(opCreateCard, err)
	}
	board, err := s.loadAuthorized(ctx, opCreateCard, actor, input.BoardID, CapabilityEdit)
	if err != nil {
		return Card{}, err
	}
	if !board.HasColumn(input.ColumnID) {
		return Card{}, s.fail(opCreateCard, ErrColumnNotFound, zap.String("board_id", board.ID), zap.String("column_id", input.ColumnID))
	}
	existing, err := s.store.ListColumnCards(ctx, board.ID, input.ColumnID)
	if err != nil {
		return Card{}, s.fail(opCreateCard, err, zap.String("board_id", board.ID))
	}
	cardID, err := s.idProvider.NewID()
	if err != nil {
		return Card{}, s.fail(opCreateCard, err)
	}

	now := s.clock().UTC()
	card := Card{
		ID:          cardID,
		BoardID:     board.ID,
		ColumnID:    input.ColumnID,
		Title:       title,
		Description: description,
		CreatedBy:   actor.UserID,
		UpdatedBy:   actor.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	siblings := cardSiblings(existing)
	card.Position = AppendPosition(siblings)
	if input.Position != nil {
		plan, err := PlanMove(cardSibling(card), *input.Position)
		if err != nil {
			return Card{}, s.fail(opCreateCard, err, zap.String("board_id", board.ID))
		}
		card.Position = plan.Position
	}

	if err := s.store.CreateCard(ctx, card); err != nil {
		return Card{}, s.fail(opCreateCard, err, zap.String("board_id", board.ID), zap.String("card_id", card.ID))
	}

	published := card
	s.publish(ChangeEvent{
		Kind:     EventCardCreated,
		BoardID:  board.ID,
		ActorID:  actor.UserID,
		Origin:   actor.Origin,
		Delivery: DeliveryExcludeOrigin,
		Card:     &published,
		CardID:   card.ID,
		ColumnID: card.ColumnID,
	})
	return card, nil
}

// UpdateCard edits the card's fields and, when ColumnID or Position is set,
// moves it. A column change without a position appends to the destination.
func (s *Service) UpdateCard(ctx context.Context, actor Actor, input UpdateCardInput) (Card, error) {
	if input.empty() {
		return Card{}, s.fail(opUpdateCard, ErrEmptyUpdate)
	}
	var title, description string
	if input.Title != nil {
		normalized, err := requireTitle(*input.Title)
		if err != nil {
			return Card{}, s.fail(opUpdateCard, err)
		}
		title = normalized
	}
	if input.Description != nil {
		normalized, err := cardDescription(*input.Description)
		if err != nil {
			return Card{}, s.fail(opUpdateCard, err)
		}
		description = normalized
	}
	board, err := s.loadAuthorized(ctx, opUpdateCard, actor, input.BoardID, CapabilityEdit)
	if err != nil {
		return Card{}, err
	}
	previous, err := s.store.GetCard(ctx, board.ID, input.CardID)
	if err != nil {
		return Card{}, s.fail(opUpdateCard, err, zap.String("board_id", board.ID), zap.String("card_id", input.CardID))
	}

	card := previous
	if input.Title != nil {
		card.Title = title
	}
	if input.Description != nil {
		card.Description = description
	}
	if input.ColumnID != nil {
		card.ColumnID = strings.TrimSpace(*input.ColumnID)
	}
	// The column may have been removed from the board since the card was written.
	if !board.HasColumn(card.ColumnID) {
		return Card{}, s.fail(opUpdateCard, ErrColumnNotFound, zap.String("board_id", board.ID), zap.String("column_id", card.ColumnID))
	}

	columnChanged := card.ColumnID != previous.ColumnID
	switch {
	case input.Position != nil:
		plan, err := PlanMove(cardSibling(card), *input.Position)
		if err != nil {
			return Card{}, s.fail(opUpdateCard, err, zap.String("board_id", board.ID))
		}
		card.Position = plan.Position
	case columnChanged:
		existing, err := s.store.ListColumnCards(ctx, board.ID, card.ColumnID)
		if err != nil {
			return Card{}, s.fail(opUpdateCard, err, zap.String("board_id", board.ID))
		}
		card.Position = AppendPosition(withoutSibling(cardSiblings(existing), card.ID))
	}

	card.UpdatedBy = actor.UserID
	card.UpdatedAt = s.clock().UTC()
	if err := s.store.SaveCard(ctx, card); err != nil {
		return Card{}, s.fail(opUpdateCard, err, zap.String("board_id", board.ID), zap.String("card_id", card.ID))
	}

	published := card
	s.publish(ChangeEvent{
		Kind:         EventCardUpdated,
		BoardID:      board.ID,
		ActorID:      actor.UserID,
		Origin:       actor.Origin,
		Delivery:     DeliveryExcludeOrigin,
		Card:         &published,
		PreviousCard: &previous,
		CardID:       card.ID,
		ColumnID:     card.ColumnID,
	})
	return card, nil
}

// DeleteCard removes the card and returns it as it was last stored.
func (s *Service) DeleteCard(ctx context.Context, actor Actor, boardID, cardID string) (Card, error) {
	board, err := s.loadAuthorized(ctx, opDeleteCard, actor, boardID, CapabilityEdit)
	if err != nil {
		return Card{}, err
	}
	card, err := s.store.GetCard(ctx, board.ID, cardID)
	if err != nil {
		return Card{}, s.fail(opDeleteCard, err, zap.String("board_id", board.ID), zap.String("card_id", cardID))
	}
	if err := s.store.DeleteCard(ctx, board.ID, card.ID); err != nil {
		return Card{}, s.fail(opDeleteCard, err, zap.String("board_id", board.ID), zap.String("card_id", card.ID))
	}

	s.publish(ChangeEvent{
		Kind:     EventCardDeleted,
		BoardID:  board.ID,
		ActorID:  actor.UserID,
		Origin:   actor.Origin,
		Delivery: DeliveryExcludeOrigin,
		CardID:   card.ID,
		ColumnID: card.ColumnID,
	})
	return card, nil
}

func cardDescription(raw string) (string, error) {
	description := strings.TrimSpace(raw)
	if len(description) > maxDescriptionLength {
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrInvalidDescription, maxDescriptionLength)
	}
	return description, nil
}

func withoutSibling(siblings []Sibling, id string) []Sibling {
	filtered := make([]Sibling, 0, len(siblings))
	for _, sibling := range siblings {
		if sibling.ID != id {
			filtered = append(filtered, sibling)
		}
	}
	return filtered
}
