package boards

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
	"go.uber.org/zap"
)

const maxTitleLength = 512

const (
	opServiceNew         = "boards.service.new"
	opListBoards         = "boards.list_boards"
	opGetBoard           = "boards.get_board"
	opCreateBoard        = "boards.create_board"
	opRenameBoard        = "boards.rename_board"
	opDeleteBoard        = "boards.delete_board"
	opAddCollaborator    = "boards.add_collaborator"
	opRemoveCollaborator = "boards.remove_collaborator"
	opStarBoard          = "boards.star_board"
	opUnstarBoard        = "boards.unstar_board"
	opAuthorize          = "boards.authorize"
	opCreateColumn       = "boards.create_column"
	opUpdateColumn       = "boards.update_column"
	opDeleteColumn       = "boards.delete_column"
	opCreateCard         = "boards.create_card"
	opUpdateCard         = "boards.update_card"
	opDeleteCard         = "boards.delete_card"
	opPublish            = "boards.publish"
)

var noOpLogger = zap.NewNop()

// UserDirectory resolves accounts for sharing.
type UserDirectory interface {
	FindByID(ctx context.Context, userID string) (users.User, error)
	FindByLogin(ctx context.Context, login string) (users.User, error)
}

// ServiceConfig describes the dependencies of the mutation service.
type ServiceConfig struct {
	Store      Store
	Users      UserDirectory
	Publisher  Publisher
	Notifier   notify.Notifier
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service validates, authorizes, persists and publishes every board mutation.
type Service struct {
	store      Store
	users      UserDirectory
	publisher  Publisher
	notifier   notify.Notifier
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// Actor identifies who is mutating and, optionally, the browser tab the request came from.
type Actor struct {
	UserID string
	Origin string
}

// NewService constructs the mutation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(KindStore, opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(KindStore, opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Users == nil {
		return nil, newServiceError(KindStore, opServiceNew, "missing_user_directory", errMissingDirectory)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		users:      cfg.Users,
		publisher:  publisher,
		notifier:   notifier,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// SetPublisher swaps the change publisher; used to break the construction
// cycle between the service and the room manager.
func (s *Service) SetPublisher(publisher Publisher) {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	s.publisher = publisher
}

// Authorize loads the board and checks capability for userID. The room
// manager calls it on every join so revoked access is noticed immediately.
func (s *Service) Authorize(ctx context.Context, userID, boardID string, capability Capability) (Board, error) {
	return s.loadAuthorized(ctx, opAuthorize, Actor{UserID: userID}, boardID, capability)
}

// ListBoards returns every board the actor owns or collaborates on, starred first.
func (s *Service) ListBoards(ctx context.Context, actor Actor) ([]BoardSummary, error) {
	if actor.UserID == "" {
		return nil, s.fail(opListBoards, ErrUnauthenticated)
	}
	boards, err := s.store.ListBoardsForUser(ctx, actor.UserID)
	if err != nil {
		return nil, s.fail(opListBoards, err, zap.String("user_id", actor.UserID))
	}
	starred, err := s.starredSet(ctx, actor.UserID)
	if err != nil {
		return nil, s.fail(opListBoards, err, zap.String("user_id", actor.UserID))
	}

	summaries := make([]BoardSummary, 0, len(boards))
	for _, board := range boards {
		summaries = append(summaries, BoardSummary{
			Board:   board,
			Role:    RoleOf(board, actor.UserID),
			Starred: starred[board.ID],
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Starred && !summaries[j].Starred
	})
	return summaries, nil
}

// GetBoard returns the board with columns and cards in display order.
func (s *Service) GetBoard(ctx context.Context, actor Actor, boardID string) (BoardView, error) {
	board, err := s.loadAuthorized(ctx, opGetBoard, actor, boardID, CapabilityView)
	if err != nil {
		return BoardView{}, err
	}
	cards, err := s.store.ListCards(ctx, board.ID)
	if err != nil {
		return BoardView{}, s.fail(opGetBoard, err, zap.String("board_id", board.ID))
	}
	starred, err := s.starredSet(ctx, actor.UserID)
	if err != nil {
		return BoardView{}, s.fail(opGetBoard, err, zap.String("board_id", board.ID))
	}
	return BoardView{
		Board:   board,
		Columns: materializeColumns(board, cards),
		Role:    RoleOf(board, actor.UserID),
		Starred: starred[board.ID],
	}, nil
}

// CreateBoardInput is the input of CreateBoard.
type CreateBoardInput struct {
	Title       string
	SeedColumns bool
	SampleCards bool
}

// CreateBoard creates a board owned by the actor, optionally seeded with
// default columns and sample cards.
func (s *Service) CreateBoard(ctx context.Context, actor Actor, input CreateBoardInput) (BoardView, error) {
	if actor.UserID == "" {
		return BoardView{}, s.fail(opCreateBoard, ErrUnauthenticated)
	}
	title, err := requireTitle(input.Title)
	if err != nil {
		return BoardView{}, s.fail(opCreateBoard, err)
	}
	boardID, err := s.idProvider.NewID()
	if err != nil {
		return BoardView{}, s.fail(opCreateBoard, err)
	}

	now := s.clock().UTC()
	board := Board{
		ID:         boardID,
		Title:      title,
		OwnerID:    actor.UserID,
		SharedWith: []string{},
		Columns:    []Column{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var cards []Card
	if input.SeedColumns || input.SampleCards {
		cards, err = seedBoard(&board, input.SampleCards, s.idProvider, actor.UserID, now)
		if err != nil {
			return BoardView{}, s.fail(opCreateBoard, err)
		}
	}

	if err := s.store.CreateBoard(ctx, board, cards); err != nil {
		return BoardView{}, s.fail(opCreateBoard, err, zap.String("board_id", board.ID))
	}
	return BoardView{
		Board:   board,
		Columns: materializeColumns(board, cards),
		Role:    RoleOwner,
	}, nil
}

// RenameBoard changes the board title. Owner only.
func (s *Service) RenameBoard(ctx context.Context, actor Actor, boardID, rawTitle string) (Board, error) {
	title, err := requireTitle(rawTitle)
	if err != nil {
		return Board{}, s.fail(opRenameBoard, err)
	}
	board, err := s.loadAuthorized(ctx, opRenameBoard, actor, boardID, CapabilityManage)
	if err != nil {
		return Board{}, err
	}

	board.Title = title
	board.UpdatedAt = s.clock().UTC()
	if err := s.store.SaveBoard(ctx, board); err != nil {
		return Board{}, s.fail(opRenameBoard, err, zap.String("board_id", board.ID))
	}

	published := board.clone()
	s.publish(ChangeEvent{
		Kind:     EventBoardUpdated,
		BoardID:  board.ID,
		ActorID:  actor.UserID,
		Origin:   actor.Origin,
		Delivery: DeliveryIncludeOrigin,
		Board:    &published,
	})
	return board, nil
}

// DeleteBoard removes the board and every card on it. Owner only.
func (s *Service) DeleteBoard(ctx context.Context, actor Actor, boardID string) error {
	board, err := s.loadAuthorized(ctx, opDeleteBoard, actor, boardID, CapabilityManage)
	if err != nil {
		return err
	}
	if err := s.store.DeleteBoard(ctx, board.ID); err != nil {
		return s.fail(opDeleteBoard, err, zap.String("board_id", board.ID))
	}
	s.publish(ChangeEvent{
		Kind:     EventBoardDeleted,
		BoardID:  board.ID,
		ActorID:  actor.UserID,
		Origin:   actor.Origin,
		Delivery: DeliveryIncludeOrigin,
	})
	return nil
}

// AddCollaborator shares the board with the user named by login (username
// or email). Sharing twice is a no-op. Owner only.
func (s *Service) AddCollaborator(ctx context.Context, actor Actor, boardID, login string) (users.Profile, error) {
	board, err := s.loadAuthorized(ctx, opAddCollaborator, actor, boardID, CapabilityManage)
	if err != nil {
		return users.Profile{}, err
	}
	collaborator, err := s.lookupUser(ctx, login)
	if err != nil {
		return users.Profile{}, s.fail(opAddCollaborator, err, zap.String("board_id", board.ID))
	}
	if board.IsOwner(collaborator.ID) {
		return users.Profile{}, s.fail(opAddCollaborator, ErrOwnerCollaborator, zap.String("board_id", board.ID))
	}
	if board.IsCollaborator(collaborator.ID) {
		return collaborator.Profile(), nil
	}

	updated := board.clone()
	updated.SharedWith = append(updated.SharedWith, collaborator.ID)
	updated.UpdatedAt = s.clock().UTC()
	if err := s.store.SaveBoard(ctx, updated); err != nil {
		return users.Profile{}, s.fail(opAddCollaborator, err, zap.String("board_id", board.ID))
	}

	s.publish(ChangeEvent{
		Kind:     EventCollaboratorAdded,
		BoardID:  board.ID,
		ActorID:  actor.UserID,
		Origin:   actor.Origin,
		Delivery: DeliveryIncludeOrigin,
		UserID:   collaborator.ID,
	})
	s.notifier.BoardShared(ctx, notify.BoardShared{
		BoardID:        board.ID,
		BoardTitle:     board.Title,
		OwnerName:      s.displayName(ctx, actor.UserID),
		RecipientName:  collaborator.DisplayName,
		RecipientEmail: collaborator.Email,
	})
	return collaborator.Profile(), nil
}

// RemoveCollaborator revokes a collaborator's access. The owner may remove
// anyone; a collaborator may remove only themselves.
func (s *Service) RemoveCollaborator(ctx context.Context, actor Actor, boardID, login string) error {
	board, err := s.loadAuthorized(ctx, opRemoveCollaborator, actor, boardID, CapabilityView)
	if err != nil {
		return err
	}
	collaborator, err := s.lookupUser(ctx, login)
	if err != nil {
		return s.fail(opRemoveCollaborator, err, zap.String("board_id", board.ID))
	}
	if collaborator.ID != actor.UserID {
		if err := Authorize(board, actor.UserID, CapabilityManage); err != nil {
			return s.fail(opRemoveCollaborator, err, zap.String("board_id", board.ID))
		}
	}
	if !board.IsCollaborator(collaborator.ID) {
		return s.fail(opRemoveCollaborator, ErrCollaboratorNotFound, zap.String("board_id", board.ID))
	}

	updated := board.clone()
	remaining := updated.SharedWith[:0]
	for _, sharedID := range updated.SharedWith {
		if sharedID != collaborator.ID {
			remaining = append(remaining, sharedID)
		}
	}
	updated.SharedWith = remaining
	updated.UpdatedAt = s.clock().UTC()
	if err := s.store.SaveBoard(ctx, updated); err != nil {
		return s.fail(opRemoveCollaborator, err, zap.String("board_id", board.ID))
	}

	s.publish(ChangeEvent{
		Kind:     EventCollaboratorRemoved,
		BoardID:  board.ID,
		ActorID:  actor.UserID,
		Origin:   actor.Origin,
		Delivery: DeliveryIncludeOrigin,
		UserID:   collaborator.ID,
	})
	return nil
}

// StarBoard marks the board as a favourite of the actor.
func (s *Service) StarBoard(ctx context.Context, actor Actor, boardID string) error {
	board, err := s.loadAuthorized(ctx, opStarBoard, actor, boardID, CapabilityView)
	if err != nil {
		return err
	}
	star := BoardStar{UserID: actor.UserID, BoardID: board.ID, CreatedAt: s.clock().UTC()}
	if err := s.store.SetStar(ctx, star); err != nil {
		return s.fail(opStarBoard, err, zap.String("board_id", board.ID))
	}
	return nil
}

// UnstarBoard clears the actor's favourite flag.
func (s *Service) UnstarBoard(ctx context.Context, actor Actor, boardID string) error {
	board, err := s.loadAuthorized(ctx, opUnstarBoard, actor, boardID, CapabilityView)
	if err != nil {
		return err
	}
	if err := s.store.DeleteStar(ctx, actor.UserID, board.ID); err != nil {
		return s.fail(opUnstarBoard, err, zap.String("board_id", board.ID))
	}
	return nil
}

func (s *Service) loadAuthorized(ctx context.Context, operation string, actor Actor, boardID string, capability Capability) (Board, error) {
	if actor.UserID == "" {
		return Board{}, s.fail(operation, ErrUnauthenticated)
	}
	boardID = strings.TrimSpace(boardID)
	if boardID == "" {
		return Board{}, s.fail(operation, fmt.Errorf("%w: board id", ErrInvalidIdentifier))
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return Board{}, s.fail(operation, err, zap.String("board_id", boardID))
	}
	if err := Authorize(board, actor.UserID, capability); err != nil {
		return Board{}, s.fail(operation, err,
			zap.String("board_id", boardID),
			zap.String("user_id", actor.UserID),
			zap.String("capability", string(capability)))
	}
	return board, nil
}

func (s *Service) lookupUser(ctx context.Context, login string) (users.User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return users.User{}, fmt.Errorf("%w: login", ErrInvalidIdentifier)
	}
	user, err := s.users.FindByLogin(ctx, login)
	if errors.Is(err, users.ErrUserNotFound) {
		user, err = s.users.FindByID(ctx, login)
	}
	if errors.Is(err, users.ErrUserNotFound) {
		return users.User{}, ErrUserNotFound
	}
	return user, err
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "A teammate"
	}
	return user.DisplayName
}

func (s *Service) starredSet(ctx context.Context, userID string) (map[string]bool, error) {
	boardIDs, err := s.store.ListStarredBoardIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	starred := make(map[string]bool, len(boardIDs))
	for _, boardID := range boardIDs {
		starred[boardID] = true
	}
	return starred, nil
}

// publish hands the event to the room manager. The write is already durable,
// so a failure is only logged.
func (s *Service) publish(event ChangeEvent) {
	if err := s.publisher.Publish(event); err != nil {
		s.loggerOrDefault().Warn("change broadcast failed",
			zap.String("operation", opPublish),
			zap.String("event", string(event.Kind)),
			zap.String("board_id", event.BoardID),
			zap.String("origin", event.Origin),
			zap.Error(err))
	}
}

// fail classifies err, logs store failures and returns a ServiceError.
func (s *Service) fail(operation string, err error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	kind, reason := classify(err)
	if kind == KindStore {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(kind, operation, reason, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("boards service error", attrs...)
}

func requireTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	if containsControl(title) {
		return "", fmt.Errorf("%w: control characters", ErrInvalidTitle)
	}
	return title, nil
}

// Titles are single-line and end up in notification headers.
func containsControl(value string) bool {
	return strings.IndexFunc(value, unicode.IsControl) >= 0
}

func materializeColumns(board Board, cards []Card) []ColumnView {
	byColumn := make(map[string][]Card, len(board.Columns))
	for _, card := range cards {
		byColumn[card.ColumnID] = append(byColumn[card.ColumnID], card)
	}
	views := make([]ColumnView, 0, len(board.Columns))
	for _, column := range SortColumns(board.Columns) {
		columnCards := SortCards(byColumn[column.ID])
		if columnCards == nil {
			columnCards = []Card{}
		}
		views = append(views, ColumnView{Column: column, Cards: columnCards})
	}
	return views
}
