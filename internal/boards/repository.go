package boards

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists board documents, cards and stars. Each mutating method is a
// single logical write.
type Store interface {
	CreateBoard(ctx context.Context, board Board, cards []Card) error
	GetBoard(ctx context.Context, boardID string) (Board, error)
	SaveBoard(ctx context.Context, board Board) error
	DeleteBoard(ctx context.Context, boardID string) error
	ListBoardsForUser(ctx context.Context, userID string) ([]Board, error)

	ListCards(ctx context.Context, boardID string) ([]Card, error)
	ListColumnCards(ctx context.Context, boardID, columnID string) ([]Card, error)
	CountColumnCards(ctx context.Context, boardID, columnID string) (int64, error)
	GetCard(ctx context.Context, boardID, cardID string) (Card, error)
	CreateCard(ctx context.Context, card Card) error
	SaveCard(ctx context.Context, card Card) error
	DeleteCard(ctx context.Context, boardID, cardID string) error

	SetStar(ctx context.Context, star BoardStar) error
	DeleteStar(ctx context.Context, userID, boardID string) error
	ListStarredBoardIDs(ctx context.Context, userID string) ([]string, error)
}

// GormRepository is the Store backed by GORM.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository wraps an opened database handle.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if db == nil {
		return nil, errMissingStore
	}
	return &GormRepository{db: db}, nil
}

// CreateBoard inserts the board document and any seed cards in one transaction.
func (r *GormRepository) CreateBoard(ctx context.Context, board Board, cards []Card) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&board).Error; err != nil {
			return err
		}
		if len(cards) == 0 {
			return nil
		}
		return tx.Create(&cards).Error
	})
}

func (r *GormRepository) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var board Board
	err := r.db.WithContext(ctx).Where("board_id = ?", boardID).Take(&board).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Board{}, ErrBoardNotFound
	}
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

// SaveBoard writes the whole document back, replacing whatever is stored.
// A board deleted in the meantime is not resurrected.
func (r *GormRepository) SaveBoard(ctx context.Context, board Board) error {
	result := r.db.WithContext(ctx).
		Model(&Board{ID: board.ID}).
		Select("*").
		Updates(board)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBoardNotFound
	}
	return nil
}

// DeleteBoard removes the board together with its cards and stars.
func (r *GormRepository) DeleteBoard(ctx context.Context, boardID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("board_id = ?", boardID).Delete(&Card{}).Error; err != nil {
			return err
		}
		if err := tx.Where("board_id = ?", boardID).Delete(&BoardStar{}).Error; err != nil {
			return err
		}
		result := tx.Where("board_id = ?", boardID).Delete(&Board{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBoardNotFound
		}
		return nil
	})
}

// ListBoardsForUser returns boards owned by or shared with userID, most recently updated first.
func (r *GormRepository) ListBoardsForUser(ctx context.Context, userID string) ([]Board, error) {
	var boards []Board
	err := r.db.WithContext(ctx).
		Where("owner_id = ? OR EXISTS (SELECT 1 FROM json_each(boards.shared_with) WHERE json_each.value = ?)", userID, userID).
		Order("updated_at DESC").
		Find(&boards).Error
	if err != nil {
		return nil, err
	}
	return boards, nil
}

func (r *GormRepository) ListCards(ctx context.Context, boardID string) ([]Card, error) {
	var cards []Card
	if err := r.db.WithContext(ctx).Where("board_id = ?", boardID).Find(&cards).Error; err != nil {
		return nil, err
	}
	return cards, nil
}

func (r *GormRepository) ListColumnCards(ctx context.Context, boardID, columnID string) ([]Card, error) {
	var cards []Card
	err := r.db.WithContext(ctx).
		Where("board_id = ? AND column_id = ?", boardID, columnID).
		Find(&cards).Error
	if err != nil {
		return nil, err
	}
	return cards, nil
}

func (r *GormRepository) CountColumnCards(ctx context.Context, boardID, columnID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Card{}).
		Where("board_id = ? AND column_id = ?", boardID, columnID).
		Count(&count).Error
	return count, err
}

func (r *GormRepository) GetCard(ctx context.Context, boardID, cardID string) (Card, error) {
	var card Card
	err := r.db.WithContext(ctx).
		Where("board_id = ? AND card_id = ?", boardID, cardID).
		Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Card{}, ErrCardNotFound
	}
	if err != nil {
		return Card{}, err
	}
	return card, nil
}

func (r *GormRepository) CreateCard(ctx context.Context, card Card) error {
	return r.db.WithContext(ctx).Create(&card).Error
}

func (r *GormRepository) SaveCard(ctx context.Context, card Card) error {
	result := r.db.WithContext(ctx).
		Model(&Card{ID: card.ID}).
		Select("*").
		Updates(card)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCardNotFound
	}
	return nil
}

func (r *GormRepository) DeleteCard(ctx context.Context, boardID, cardID string) error {
	result := r.db.WithContext(ctx).
		Where("board_id = ? AND card_id = ?", boardID, cardID).
		Delete(&Card{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCardNotFound
	}
	return nil
}

// SetStar records the star; starring twice is a no-op.
func (r *GormRepository) SetStar(ctx context.Context, star BoardStar) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&star).Error
}

func (r *GormRepository) DeleteStar(ctx context.Context, userID, boardID string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND board_id = ?", userID, boardID).
		Delete(&BoardStar{}).Error
}

func (r *GormRepository) ListStarredBoardIDs(ctx context.Context, userID string) ([]string, error) {
	var boardIDs []string
	err := r.db.WithContext(ctx).
		Model(&BoardStar{}).
		Where("user_id = ?", userID).
		Pluck("board_id", &boardIDs).Error
	if err != nil {
		return nil, err
	}
	return boardIDs, nil
}
