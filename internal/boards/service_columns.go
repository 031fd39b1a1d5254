package boards

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// CreateColumnInput describes a new column. Title may be empty but must be
// present; Position is the destination index, or nil to append.
type CreateColumnInput struct {
	BoardID  string
	Title    *string
	Position *int
}

// UpdateColumnInput renames and/or moves a column.
type UpdateColumnInput struct {
	BoardID  string
	ColumnID string
	Title    *string
	Position *int
}

// CreateColumn adds a column to the board document.
func (s *Service) CreateColumn(ctx context.Context, actor Actor, input CreateColumnInput) (Column, error) {
	title, err := columnTitle(input.Title)
	if err != nil {
		return Column{}, s.fail(opCreateColumn, err)
	}
	board, err := s.loadAuthorized(ctx, opCreateColumn, actor, input.BoardID, CapabilityEdit)
	if err != nil {
		return Column{}, err
	}
	columnID, err := s.idProvider.NewID()
	if err != nil {
		return Column{}, s.fail(opCreateColumn, err)
	}

	siblings := columnSiblings(board.Columns)
	column := Column{ID: columnID, Title: title, Position: AppendPosition(siblings)}
	if input.Position != nil {
		plan, err := PlanMove(Sibling{ID: columnID, Seq: int64(len(board.Columns))}, *input.Position)
		if err != nil {
			return Column{}, s.fail(opCreateColumn, err, zap.String("board_id", board.ID))
		}
		column.Position = plan.Position
	}

	updated := board.clone()
	updated.Columns = append(updated.Columns, column)
	updated.UpdatedAt = s.clock().UTC()
	if err := s.store.SaveBoard(ctx, updated); err != nil {
		return Column{}, s.fail(opCreateColumn, err, zap.String("board_id", board.ID))
	}

	published := column
	s.publish(ChangeEvent{
		Kind:     EventColumnCreated,
		BoardID:  board.ID,
		ActorID:  actor.UserID,
		Origin:   actor.Origin,
		Delivery: DeliveryExcludeOrigin,
		Column:   &published,
		ColumnID: column.ID,
	})
	return column, nil
}

// UpdateColumn renames the column and/or moves it to a new index among the
// board's columns.
func (s *Service) UpdateColumn(ctx context.Context, actor Actor, input UpdateColumnInput) (Column, error) {
	if input.Title == nil && input.Position == nil {
		return Column{}, s.fail(opUpdateColumn, ErrEmptyUpdate)
	}
	var title string
	if input.Title != nil {
		normalized, err := columnTitle(input.Title)
		if err != nil {
			return Column{}, s.fail(opUpdateColumn, err)
		}
		title = normalized
	}
	board, err := s.loadAuthorized(ctx, opUpdateColumn, actor, input.BoardID, CapabilityEdit)
	if err != nil {
		return Column{}, err
	}
	index := board.ColumnIndex(input.ColumnID)
	if index < 0 {
		return Column{}, s.fail(opUpdateColumn, ErrColumnNotFound, zap.String("board_id", board.ID), zap.String("column_id", input.ColumnID))
	}

	updated := board.clone()
	previous := updated.Columns[index]
	column := previous
	if input.Title != nil {
		column.Title = title
	}
	if input.Position != nil {
		plan, err := PlanMove(columnSiblings(updated.Columns)[index], *input.Position)
		if err != nil {
			return Column{}, s.fail(opUpdateColumn, err, zap.String("board_id", board.ID))
		}
		column.Position = plan.Position
	}
	updated.Columns[index] = column
	updated.UpdatedAt = s.clock().UTC()
	if err := s.store.SaveBoard(ctx, updated); err != nil {
		return Column{}, s.fail(opUpdateColumn, err, zap.String("board_id", board.ID))
	}

	published := column
	s.publish(ChangeEvent{
		Kind:           EventColumnUpdated,
		BoardID:        board.ID,
		ActorID:        actor.UserID,
		Origin:         actor.Origin,
		Delivery:       DeliveryExcludeOrigin,
		Column:         &published,
		PreviousColumn: &previous,
		ColumnID:       column.ID,
	})
	return column, nil
}

// DeleteColumn removes an empty column. Owner only; a column that still holds
// cards is refused with a conflict and nothing changes.
func (s *Service) DeleteColumn(ctx context.Context, actor Actor, boardID, columnID string) error {
	board, err := s.loadAuthorized(ctx, opDeleteColumn, actor, boardID, CapabilityManage)
	if err != nil {
		return err
	}
	index := board.ColumnIndex(columnID)
	if index < 0 {
		return s.fail(opDeleteColumn, ErrColumnNotFound, zap.String("board_id", board.ID), zap.String("column_id", columnID))
	}
	count, err := s.store.CountColumnCards(ctx, board.ID, columnID)
	if err != nil {
		return s.fail(opDeleteColumn, err, zap.String("board_id", board.ID), zap.String("column_id", columnID))
	}
	if count > 0 {
		return s.fail(opDeleteColumn, fmt.Errorf("%w: %d cards", ErrColumnNotEmpty, count))
	}

	updated := board.clone()
	updated.Columns = append(updated.Columns[:index], updated.Columns[index+1:]...)
	updated.UpdatedAt = s.clock().UTC()
	if err := s.store.SaveBoard(ctx, updated); err != nil {
		return s.fail(opDeleteColumn, err, zap.String("board_id", board.ID))
	}

	s.publish(ChangeEvent{
		Kind:     EventColumnDeleted,
		BoardID:  board.ID,
		ActorID:  actor.UserID,
		Origin:   actor.Origin,
		Delivery: DeliveryExcludeOrigin,
		ColumnID: columnID,
	})
	return nil
}

func columnTitle(raw *string) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: column title required", ErrInvalidTitle)
	}
	title := strings.TrimSpace(*raw)
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	if containsControl(title) {
		return "", fmt.Errorf("%w: control characters", ErrInvalidTitle)
	}
	return title, nil
}
