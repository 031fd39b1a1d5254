package boards

import "time"

var (
	defaultColumnTitles = []string{"To Do", "In Progress", "Done"}
	sampleCards         = []struct {
		title       string
		description string
	}{
		{title: "Welcome to your board", description: "Cards live in columns and keep their order for everyone viewing the board."},
		{title: "Drag a card to another column", description: "Moves show up for every collaborator without a refresh."},
		{title: "Share the board", description: "Invite a collaborator by username or email from the board menu."},
	}
)

// seedBoard fills a new board with the default columns and, when requested,
// sample cards in the first column.
func seedBoard(board *Board, withSampleCards bool, ids IDProvider, actorID string, now time.Time) ([]Card, error) {
	for _, title := range defaultColumnTitles {
		columnID, err := ids.NewID()
		if err != nil {
			return nil, err
		}
		board.Columns = append(board.Columns, Column{
			ID:       columnID,
			Title:    title,
			Position: AppendPosition(columnSiblings(board.Columns)),
		})
	}
	if !withSampleCards {
		return nil, nil
	}

	firstColumn := board.Columns[0].ID
	cards := make([]Card, 0, len(sampleCards))
	for index, sample := range sampleCards {
		cardID, err := ids.NewID()
		if err != nil {
			return nil, err
		}
		createdAt := now.Add(time.Duration(index) * time.Millisecond)
		cards = append(cards, Card{
			ID:          cardID,
			BoardID:     board.ID,
			ColumnID:    firstColumn,
			Title:       sample.title,
			Description: sample.description,
			Position:    AppendPosition(cardSiblings(cards)),
			CreatedBy:   actorID,
			UpdatedBy:   actorID,
			CreatedAt:   createdAt,
			UpdatedAt:   createdAt,
		})
	}
	return cards, nil
}
