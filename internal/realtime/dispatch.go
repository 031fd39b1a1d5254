package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
	"go.uber.org/zap"
)

var errMalformedPayload = errors.New("realtime: malformed payload")

type handlerFunc func(*RoomManager, context.Context, *Conn, json.RawMessage) (Message, error)

var inboundHandlers = map[string]handlerFunc{
	EventJoinBoard:     (*RoomManager).handleJoinBoard,
	EventLeaveBoard:    (*RoomManager).handleLeaveBoard,
	EventCardCreated:   (*RoomManager).handleCardCreated,
	EventCardUpdated:   (*RoomManager).handleCardUpdated,
	EventCardDeleted:   (*RoomManager).handleCardDeleted,
	EventColumnCreated: (*RoomManager).handleColumnCreated,
	EventColumnUpdated: (*RoomManager).handleColumnUpdated,
	EventColumnDeleted: (*RoomManager).handleColumnDeleted,
}

// Dispatch handles one inbound envelope from conn. Mutations run on a
// context detached from the connection so a disconnect does not abort a
// write that already started. The persisted result is echoed to conn itself
// because the broadcast skips the originating tab. Failures go to conn only.
func (m *RoomManager) Dispatch(ctx context.Context, conn *Conn, envelope Envelope) {
	handler, ok := inboundHandlers[envelope.Event]
	if !ok {
		_ = m.Send(conn, protocolError("unsupported event", "realtime.dispatch.unsupported_event"))
		return
	}
	reply, err := handler(m, context.WithoutCancel(ctx), conn, envelope.Data)
	if err != nil {
		m.logger.Debug("realtime event rejected",
			zap.String("event", envelope.Event),
			zap.String("user_id", conn.userID),
			zap.String("code", boards.CodeOf(err)),
			zap.Error(err))
		_ = m.Send(conn, errorMessage(err))
		return
	}
	if reply.Event != "" {
		_ = m.Send(conn, reply)
	}
}

func decode(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return errMalformedPayload
	}
	if err := json.Unmarshal(data, target); err != nil {
		return errMalformedPayload
	}
	return nil
}

func actorFor(conn *Conn) boards.Actor {
	return boards.Actor{UserID: conn.userID, Origin: conn.tabKey}
}

func (m *RoomManager) handleJoinBoard(ctx context.Context, conn *Conn, data json.RawMessage) (Message, error) {
	var request boardRef
	if err := decode(data, &request); err != nil {
		return Message{}, err
	}
	if err := m.Join(ctx, conn, request.BoardID); err != nil {
		return Message{}, err
	}
	return Message{Event: EventJoinedBoard, Data: request}, nil
}

func (m *RoomManager) handleLeaveBoard(_ context.Context, conn *Conn, data json.RawMessage) (Message, error) {
	var request boardRef
	if err := decode(data, &request); err != nil {
		return Message{}, err
	}
	m.Leave(conn, request.BoardID)
	return Message{Event: EventLeftBoard, Data: request}, nil
}

func (m *RoomManager) handleCardCreated(ctx context.Context, conn *Conn, data json.RawMessage) (Message, error) {
	var request cardRequest
	if err := decode(data, &request); err != nil {
		return Message{}, err
	}
	input := boards.CreateCardInput{
		BoardID:  request.BoardID,
		Position: request.Card.Position,
	}
	if request.Card.ColumnID != nil {
		input.ColumnID = *request.Card.ColumnID
	}
	if request.Card.Title != nil {
		input.Title = *request.Card.Title
	}
	if request.Card.Description != nil {
		input.Description = *request.Card.Description
	}
	card, err := m.mutator.CreateCard(ctx, actorFor(conn), input)
	if err != nil {
		return Message{}, err
	}
	return cardMessage(EventCardCreated, request.BoardID, card), nil
}

func (m *RoomManager) handleCardUpdated(ctx context.Context, conn *Conn, data json.RawMessage) (Message, error) {
	var request cardRequest
	if err := decode(data, &request); err != nil {
		return Message{}, err
	}
	card, err := m.mutator.UpdateCard(ctx, actorFor(conn), boards.UpdateCardInput{
		BoardID:     request.BoardID,
		CardID:      request.Card.ID,
		Title:       request.Card.Title,
		Description: request.Card.Description,
		ColumnID:    request.Card.ColumnID,
		Position:    request.Card.Position,
	})
	if err != nil {
		return Message{}, err
	}
	return cardMessage(EventCardUpdated, request.BoardID, card), nil
}

func (m *RoomManager) handleCardDeleted(ctx context.Context, conn *Conn, data json.RawMessage) (Message, error) {
	var request cardDeleteRequest
	if err := decode(data, &request); err != nil {
		return Message{}, err
	}
	card, err := m.mutator.DeleteCard(ctx, actorFor(conn), request.BoardID, request.CardID)
	if err != nil {
		return Message{}, err
	}
	return cardDeletedMessage(request.BoardID, card.ID, card.ColumnID), nil
}

func (m *RoomManager) handleColumnCreated(ctx context.Context, conn *Conn, data json.RawMessage) (Message, error) {
	var request columnCreateRequest
	if err := decode(data, &request); err != nil {
		return Message{}, err
	}
	column, err := m.mutator.CreateColumn(ctx, actorFor(conn), boards.CreateColumnInput{
		BoardID:  request.BoardID,
		Title:    request.Column.Title,
		Position: request.Column.Position,
	})
	if err != nil {
		return Message{}, err
	}
	return columnMessage(EventColumnCreated, request.BoardID, column), nil
}

func (m *RoomManager) handleColumnUpdated(ctx context.Context, conn *Conn, data json.RawMessage) (Message, error) {
	var request columnUpdateRequest
	if err := decode(data, &request); err != nil {
		return Message{}, err
	}
	boardID := request.BoardID
	if boardID == "" {
		boardID = m.boardOfColumn(conn, request.ColumnID)
	}
	column, err := m.mutator.UpdateColumn(ctx, actorFor(conn), boards.UpdateColumnInput{
		BoardID:  boardID,
		ColumnID: request.ColumnID,
		Title:    request.Title,
		Position: request.Position,
	})
	if err != nil {
		return Message{}, err
	}
	return columnMessage(EventColumnUpdated, boardID, column), nil
}

func (m *RoomManager) handleColumnDeleted(ctx context.Context, conn *Conn, data json.RawMessage) (Message, error) {
	var request columnDeleteRequest
	if err := decode(data, &request); err != nil {
		return Message{}, err
	}
	if err := m.mutator.DeleteColumn(ctx, actorFor(conn), request.BoardID, request.ColumnID); err != nil {
		return Message{}, err
	}
	return Message{Event: EventColumnDeleted, Data: columnDeletedPayload{BoardID: request.BoardID, ColumnID: request.ColumnID}}, nil
}

// boardOfColumn resolves a column rename that arrives without a board id by
// searching the boards conn has joined.
func (m *RoomManager) boardOfColumn(conn *Conn, columnID string) string {
	m.mu.RLock()
	joined := make([]string, 0, len(conn.rooms))
	for boardID := range conn.rooms {
		joined = append(joined, boardID)
	}
	m.mu.RUnlock()

	ctx := context.Background()
	for _, boardID := range joined {
		board, err := m.authorizer.Authorize(ctx, conn.userID, boardID, boards.CapabilityView)
		if err == nil && board.HasColumn(columnID) {
			return boardID
		}
	}
	return ""
}
