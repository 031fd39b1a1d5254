package boards

// EventKind names a change produced by the mutation service.
type EventKind string

const (
	EventBoardUpdated        EventKind = "boardUpdated"
	EventBoardDeleted        EventKind = "boardDeleted"
	EventCollaboratorAdded   EventKind = "collaboratorAdded"
	EventCollaboratorRemoved EventKind = "collaboratorRemoved"
	EventColumnCreated       EventKind = "columnCreated"
	EventColumnUpdated       EventKind = "columnUpdated"
	EventColumnDeleted       EventKind = "columnDeleted"
	EventCardCreated         EventKind = "cardCreated"
	EventCardUpdated         EventKind = "cardUpdated"
	EventCardDeleted         EventKind = "cardDeleted"
)

// Delivery selects whether the originating tab receives its own change.
type Delivery int

const (
	// DeliveryExcludeOrigin suppresses the echo into the originating tab.
	DeliveryExcludeOrigin Delivery = iota
	// DeliveryIncludeOrigin is used for full-state events every member must see.
	DeliveryIncludeOrigin
)

// ChangeEvent describes exactly one persisted change to a board.
type ChangeEvent struct {
	Kind     EventKind
	BoardID  string
	ActorID  string
	Origin   string
	Delivery Delivery

	Board          *Board
	Column         *Column
	PreviousColumn *Column
	Card           *Card
	PreviousCard   *Card
	CardID         string
	ColumnID       string
	UserID         string
}

// Publisher fans change events out to interested connections.
type Publisher interface {
	Publish(event ChangeEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(ChangeEvent) error {
	return nil
}
