package boards

import (
	"fmt"
	"sort"
)

// Sibling is the ordering view of a card within its column or a column within
// its board. Seq records insertion order and breaks position ties.
type Sibling struct {
	ID       string
	Position int
	Seq      int64
}

// MovePlan is the outcome of placing one item at a destination index.
type MovePlan struct {
	ID       string
	Position int
}

// AppendPosition returns the position for an item added after every sibling:
// one past the largest position, or 0 for an empty scope.
func AppendPosition(siblings []Sibling) int {
	if len(siblings) == 0 {
		return 0
	}
	highest := siblings[0].Position
	for _, sibling := range siblings[1:] {
		if sibling.Position > highest {
			highest = sibling.Position
		}
	}
	return highest + 1
}

// PlanMove places moved at index inside its destination scope. The moved item
// takes index as its position and siblings keep theirs, so equal positions are
// possible and SortSiblings orders them by Seq then ID.
func PlanMove(moved Sibling, index int) (MovePlan, error) {
	if index < 0 {
		return MovePlan{}, fmt.Errorf("%w: index %d", ErrInvalidPosition, index)
	}
	if moved.ID == "" {
		return MovePlan{}, fmt.Errorf("%w: moved item", ErrInvalidIdentifier)
	}
	return MovePlan{ID: moved.ID, Position: index}, nil
}

// SortSiblings returns a copy ordered by position, then Seq, then ID.
func SortSiblings(siblings []Sibling) []Sibling {
	sorted := append([]Sibling(nil), siblings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return siblingLess(sorted[i], sorted[j])
	})
	return sorted
}

func siblingLess(left, right Sibling) bool {
	if left.Position != right.Position {
		return left.Position < right.Position
	}
	if left.Seq != right.Seq {
		return left.Seq < right.Seq
	}
	return left.ID < right.ID
}

func cardSibling(card Card) Sibling {
	return Sibling{ID: card.ID, Position: card.Position, Seq: card.CreatedAt.UnixNano()}
}

func cardSiblings(cards []Card) []Sibling {
	siblings := make([]Sibling, 0, len(cards))
	for _, card := range cards {
		siblings = append(siblings, cardSibling(card))
	}
	return siblings
}

// columnSiblings uses the embedding order of the board document as Seq.
func columnSiblings(columns []Column) []Sibling {
	siblings := make([]Sibling, 0, len(columns))
	for index, column := range columns {
		siblings = append(siblings, Sibling{ID: column.ID, Position: column.Position, Seq: int64(index)})
	}
	return siblings
}

// SortCards returns the cards in display order.
func SortCards(cards []Card) []Card {
	sorted := append([]Card(nil), cards...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return siblingLess(cardSibling(sorted[i]), cardSibling(sorted[j]))
	})
	return sorted
}

// SortColumns returns the columns in display order.
func SortColumns(columns []Column) []Column {
	order := SortSiblings(columnSiblings(columns))
	byID := make(map[string]Column, len(columns))
	for _, column := range columns {
		byID[column.ID] = column
	}
	sorted := make([]Column, 0, len(order))
	for _, sibling := range order {
		sorted = append(sorted, byID[sibling.ID])
	}
	return sorted
}
