package boards

// Capability is an authorization level checked against a board.
type Capability string

const (
	// CapabilityView allows reading the board and joining its room.
	CapabilityView Capability = "view"
	// CapabilityEdit allows creating, editing and moving columns and cards.
	CapabilityEdit Capability = "edit"
	// CapabilityManage covers board rename and delete, sharing, and column deletion.
	CapabilityManage Capability = "manage"
)

// Authorize decides whether userID holds capability on board. A caller who
// cannot view the board gets ErrBoardNotFound so existence is not leaked.
func Authorize(board Board, userID string, capability Capability) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	isOwner := board.IsOwner(userID)
	if !isOwner && !board.IsCollaborator(userID) {
		return ErrBoardNotFound
	}
	switch capability {
	case CapabilityView, CapabilityEdit:
		return nil
	case CapabilityManage:
		if isOwner {
			return nil
		}
		return ErrForbidden
	default:
		return ErrForbidden
	}
}

// RoleOf reports how userID relates to board; callers authorize first.
func RoleOf(board Board, userID string) Role {
	if board.IsOwner(userID) {
		return RoleOwner
	}
	return RoleCollaborator
}
