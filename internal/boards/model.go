package boards

import (
	"time"
)

// Column is an ordered container of cards embedded in its board document.
type Column struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// Board is the aggregate document for one kanban board. Columns and
// collaborators are embedded, so the whole document is read and written at once.
type Board struct {
	ID         string    `gorm:"column:board_id;primaryKey;size:190;not null" json:"id"`
	Title      string    `gorm:"column:title;size:512;not null" json:"title"`
	OwnerID    string    `gorm:"column:owner_id;size:190;not null;index" json:"ownerId"`
	SharedWith []string  `gorm:"column:shared_with;type:text;serializer:json" json:"sharedWith"`
	Columns    []Column  `gorm:"column:columns;type:text;serializer:json" json:"columns"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false;index" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Board) TableName() string {
	return "boards"
}

// IsOwner reports whether userID owns the board.
func (b Board) IsOwner(userID string) bool {
	return userID != "" && b.OwnerID == userID
}

// IsCollaborator reports whether userID appears in the shared-with set.
func (b Board) IsCollaborator(userID string) bool {
	if userID == "" {
		return false
	}
	for _, sharedID := range b.SharedWith {
		if sharedID == userID {
			return true
		}
	}
	return false
}

// ColumnIndex returns the slice index of the embedded column, or -1.
func (b Board) ColumnIndex(columnID string) int {
	for index, column := range b.Columns {
		if column.ID == columnID {
			return index
		}
	}
	return -1
}

// HasColumn reports whether the column is still embedded in the board.
func (b Board) HasColumn(columnID string) bool {
	return b.ColumnIndex(columnID) >= 0
}

func (b Board) clone() Board {
	copied := b
	copied.SharedWith = append([]string{}, b.SharedWith...)
	copied.Columns = append([]Column{}, b.Columns...)
	return copied
}

// Card is a single work item positioned inside one column of one board.
type Card struct {
	ID          string    `gorm:"column:card_id;primaryKey;size:190;not null" json:"id"`
	BoardID     string    `gorm:"column:board_id;size:190;not null;index:idx_cards_board_column,priority:1" json:"boardId"`
	ColumnID    string    `gorm:"column:column_id;size:190;not null;index:idx_cards_board_column,priority:2" json:"columnId"`
	Title       string    `gorm:"column:title;size:512;not null" json:"title"`
	Description string    `gorm:"column:description;type:text;not null;default:''" json:"description"`
	Position    int       `gorm:"column:position;not null;default:0" json:"position"`
	CreatedBy   string    `gorm:"column:created_by;size:190;not null" json:"createdBy"`
	UpdatedBy   string    `gorm:"column:updated_by;size:190;not null;default:''" json:"updatedBy"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Card) TableName() string {
	return "cards"
}

// BoardStar marks a board as a favourite of one user.
type BoardStar struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	BoardID   string    `gorm:"column:board_id;primaryKey;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (BoardStar) TableName() string {
	return "board_stars"
}

// Role describes how the caller relates to a board.
type Role string

const (
	// RoleOwner marks the board owner.
	RoleOwner Role = "owner"
	// RoleCollaborator marks a user the board has been shared with.
	RoleCollaborator Role = "collaborator"
)

// BoardSummary is one entry of the caller's board list.
type BoardSummary struct {
	Board   Board `json:"board"`
	Role    Role  `json:"role"`
	Starred bool  `json:"starred"`
}

// ColumnView is a column with its cards in display order.
type ColumnView struct {
	Column
	Cards []Card `json:"cards"`
}

// BoardView is the fully materialized board shown to a viewer.
type BoardView struct {
	Board   Board        `json:"board"`
	Columns []ColumnView `json:"columns"`
	Role    Role         `json:"role"`
	Starred bool         `json:"starred"`
}
