package realtime

import (
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
)

// Event names carried in the envelope.
const (
	EventJoinBoard  = "joinBoard"
	EventLeaveBoard = "leaveBoard"

	EventJoinedBoard         = "joinedBoard"
	EventLeftBoard           = "leftBoard"
	EventBoardUpdated        = "boardUpdated"
	EventBoardDeleted        = "boardDeleted"
	EventCollaboratorAdded   = "collaboratorAdded"
	EventCollaboratorRemoved = "collaboratorRemoved"
	EventAccessRevoked       = "accessRevoked"
	EventError               = "error"

	EventColumnCreated = "columnCreated"
	EventColumnUpdated = "columnUpdated"
	EventColumnDeleted = "columnDeleted"
	EventCardCreated   = "cardCreated"
	EventCardUpdated   = "cardUpdated"
	EventCardDeleted   = "cardDeleted"
)

// Scope names who an outbound event is addressed to.
type Scope int

const (
	// ScopeBoard events go to the board room.
	ScopeBoard Scope = iota
	// ScopeConnection events go to one connection only.
	ScopeConnection
)

var eventScopes = map[string]Scope{
	EventJoinedBoard:         ScopeConnection,
	EventLeftBoard:           ScopeConnection,
	EventAccessRevoked:       ScopeConnection,
	EventError:               ScopeConnection,
	EventBoardUpdated:        ScopeBoard,
	EventBoardDeleted:        ScopeBoard,
	EventCollaboratorAdded:   ScopeBoard,
	EventCollaboratorRemoved: ScopeBoard,
	EventColumnCreated:       ScopeBoard,
	EventColumnUpdated:       ScopeBoard,
	EventColumnDeleted:       ScopeBoard,
	EventCardCreated:         ScopeBoard,
	EventCardUpdated:         ScopeBoard,
	EventCardDeleted:         ScopeBoard,
}

// ScopeOf reports the delivery scope of an outbound event name.
func ScopeOf(event string) (Scope, bool) {
	scope, ok := eventScopes[event]
	return scope, ok
}

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound event before encoding.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (m Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

type boardRef struct {
	BoardID string `json:"boardId"`
}

type cardFields struct {
	ID          string  `json:"id"`
	ColumnID    *string `json:"columnId"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Position    *int    `json:"position"`
}

type cardRequest struct {
	BoardID string     `json:"boardId"`
	Card    cardFields `json:"card"`
}

type cardDeleteRequest struct {
	BoardID string `json:"boardId"`
	CardID  string `json:"cardId"`
}

type columnFields struct {
	Title    *string `json:"title"`
	Position *int    `json:"position"`
}

type columnCreateRequest struct {
	BoardID string       `json:"boardId"`
	Column  columnFields `json:"column"`
}

type columnUpdateRequest struct {
	BoardID  string  `json:"boardId"`
	ColumnID string  `json:"columnId"`
	Title    *string `json:"title"`
	Position *int    `json:"position"`
}

type columnDeleteRequest struct {
	BoardID  string `json:"boardId"`
	ColumnID string `json:"columnId"`
}

type cardPayload struct {
	BoardID string      `json:"boardId"`
	Card    boards.Card `json:"card"`
}

type cardDeletedPayload struct {
	BoardID  string `json:"boardId"`
	CardID   string `json:"cardId"`
	ColumnID string `json:"columnId,omitempty"`
}

type columnPayload struct {
	BoardID string        `json:"boardId"`
	Column  boards.Column `json:"column"`
}

type columnUpdatedPayload struct {
	BoardID  string `json:"boardId"`
	ColumnID string `json:"columnId"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

type columnDeletedPayload struct {
	BoardID  string `json:"boardId"`
	ColumnID string `json:"columnId"`
}

type boardPayload struct {
	BoardID string       `json:"boardId"`
	Board   boards.Board `json:"board"`
}

type collaboratorPayload struct {
	BoardID string `json:"boardId"`
	UserID  string `json:"userId"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

var kindMessages = map[boards.ErrorKind]string{
	boards.KindUnauthenticated: "authentication required",
	boards.KindForbidden:       "not allowed on this board",
	boards.KindNotFound:        "not found",
	boards.KindValidation:      "invalid request",
	boards.KindConflict:        "conflicts with the current board state",
	boards.KindStore:           "temporarily unavailable",
}

func errorMessage(err error) Message {
	switch {
	case errors.Is(err, errMalformedPayload):
		return protocolError("malformed payload", "realtime.dispatch.malformed_payload")
	case errors.Is(err, ErrConnectionClosed):
		return protocolError("connection closed", "realtime.dispatch.connection_closed")
	}
	return Message{Event: EventError, Data: errorPayload{
		Message: kindMessages[boards.KindOf(err)],
		Code:    boards.CodeOf(err),
	}}
}

func protocolError(message, code string) Message {
	return Message{Event: EventError, Data: errorPayload{Message: message, Code: code}}
}

func cardMessage(event, boardID string, card boards.Card) Message {
	return Message{Event: event, Data: cardPayload{BoardID: boardID, Card: card}}
}

func cardDeletedMessage(boardID, cardID, columnID string) Message {
	return Message{Event: EventCardDeleted, Data: cardDeletedPayload{BoardID: boardID, CardID: cardID, ColumnID: columnID}}
}

func columnMessage(event, boardID string, column boards.Column) Message {
	if event == EventColumnUpdated {
		return Message{Event: event, Data: columnUpdatedPayload{
			BoardID:  boardID,
			ColumnID: column.ID,
			Title:    column.Title,
			Position: column.Position,
		}}
	}
	return Message{Event: event, Data: columnPayload{BoardID: boardID, Column: column}}
}

// messageForChange renders a persisted change as its outbound event.
func messageForChange(event boards.ChangeEvent) (Message, bool) {
	switch event.Kind {
	case boards.EventCardCreated, boards.EventCardUpdated:
		if event.Card == nil {
			return Message{}, false
		}
		return cardMessage(string(event.Kind), event.BoardID, *event.Card), true
	case boards.EventCardDeleted:
		return cardDeletedMessage(event.BoardID, event.CardID, event.ColumnID), true
	case boards.EventColumnCreated, boards.EventColumnUpdated:
		if event.Column == nil {
			return Message{}, false
		}
		return columnMessage(string(event.Kind), event.BoardID, *event.Column), true
	case boards.EventColumnDeleted:
		return Message{Event: EventColumnDeleted, Data: columnDeletedPayload{
			BoardID:  event.BoardID,
			ColumnID: event.ColumnID,
		}}, true
	case boards.EventBoardUpdated:
		if event.Board == nil {
			return Message{}, false
		}
		return Message{Event: EventBoardUpdated, Data: boardPayload{BoardID: event.BoardID, Board: *event.Board}}, true
	case boards.EventBoardDeleted:
		return Message{Event: EventBoardDeleted, Data: boardRef{BoardID: event.BoardID}}, true
	case boards.EventCollaboratorAdded, boards.EventCollaboratorRemoved:
		return Message{Event: string(event.Kind), Data: collaboratorPayload{BoardID: event.BoardID, UserID: event.UserID}}, true
	default:
		return Message{}, false
	}
}
