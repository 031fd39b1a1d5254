package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
	"github.com/stretchr/testify/require"
)

func TestSharedUserReceivesExactlyOneCardCreated(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	board := h.createBoard(t)
	h.share(t, board.Board.ID)

	guestConn := h.connect(t, h.guest, "tab-guest")
	ownerConn := h.connect(t, h.owner, "tab-owner")
	require.NoError(t, h.rooms.Join(ctx, guestConn, board.Board.ID))
	require.NoError(t, h.rooms.Join(ctx, ownerConn, board.Board.ID))

	card, err := h.service.CreateCard(ctx, boards.Actor{UserID: h.owner.ID, Origin: "tab-owner"}, boards.CreateCardInput{
		BoardID:  board.Board.ID,
		ColumnID: board.Columns[0].ID,
		Title:    "Kickoff",
	})
	require.NoError(t, err)

	received := nextFrame(t, guestConn)
	require.Equal(t, EventCardCreated, received.Event)
	require.Equal(t, board.Board.ID, received.Data["boardId"])
	payload := received.Data["card"].(map[string]any)
	require.Equal(t, card.ID, payload["id"])
	require.Equal(t, "Kickoff", payload["title"])
	require.EqualValues(t, card.Position, payload["position"])
	requireNoFrame(t, guestConn)
	requireNoFrame(t, ownerConn)
}

func TestJoinWithoutViewCapabilityFails(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	board := h.createBoard(t)

	outsiderConn := h.connect(t, h.outsider, "tab-outsider")
	err := h.rooms.Join(ctx, outsiderConn, board.Board.ID)
	require.Equal(t, boards.KindNotFound, boards.KindOf(err))
	require.Equal(t, 0, h.rooms.Members(board.Board.ID))
	require.Equal(t, StateAuthenticated, outsiderConn.State())

	h.rooms.Dispatch(ctx, outsiderConn, envelope(t, EventJoinBoard, map[string]string{"boardId": board.Board.ID}))
	rejected := nextFrame(t, outsiderConn)
	require.Equal(t, EventError, rejected.Event)
	require.Equal(t, "boards.authorize.board_not_found", rejected.Data["code"])

	_, err = h.service.CreateCard(ctx, boards.Actor{UserID: h.owner.ID}, boards.CreateCardInput{
		BoardID:  board.Board.ID,
		ColumnID: board.Columns[0].ID,
		Title:    "Secret",
	})
	require.NoError(t, err)
	requireNoFrame(t, outsiderConn)
}

func TestRevokedCollaboratorIsEvictedAndRejected(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	board := h.createBoard(t)
	h.share(t, board.Board.ID)

	guestConn := h.connect(t, h.guest, "tab-guest")
	h.rooms.Dispatch(ctx, guestConn, envelope(t, EventJoinBoard, map[string]string{"boardId": board.Board.ID}))
	require.Equal(t, EventJoinedBoard, nextFrame(t, guestConn).Event)
	require.Equal(t, StateSubscribed, guestConn.State())

	err := h.service.RemoveCollaborator(ctx, boards.Actor{UserID: h.owner.ID, Origin: "tab-owner"}, board.Board.ID, h.guest.Username)
	require.NoError(t, err)

	removed := nextFrame(t, guestConn)
	require.Equal(t, EventCollaboratorRemoved, removed.Event)
	require.Equal(t, h.guest.ID, removed.Data["userId"])
	require.Equal(t, EventAccessRevoked, nextFrame(t, guestConn).Event)
	require.Equal(t, 0, h.rooms.Members(board.Board.ID))
	require.Equal(t, StateIdle, guestConn.State())

	h.rooms.Dispatch(ctx, guestConn, envelope(t, EventCardCreated, map[string]any{
		"boardId": board.Board.ID,
		"card":    map[string]any{"columnId": board.Columns[0].ID, "title": "Sneaky"},
	}))
	rejected := nextFrame(t, guestConn)
	require.Equal(t, EventError, rejected.Event)
	require.Equal(t, "boards.create_card.board_not_found", rejected.Data["code"])

	reloaded, err := h.service.GetBoard(ctx, boards.Actor{UserID: h.owner.ID}, board.Board.ID)
	require.NoError(t, err)
	require.Empty(t, reloaded.Columns[0].Cards)
}

func TestSocketMutationEchoesToOriginAndBroadcastsToOthers(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	board := h.createBoard(t)

	first := h.connect(t, h.owner, "tab-1")
	second := h.connect(t, h.owner, "tab-2")
	require.NoError(t, h.rooms.Join(ctx, first, board.Board.ID))
	require.NoError(t, h.rooms.Join(ctx, second, board.Board.ID))

	h.rooms.Dispatch(ctx, first, envelope(t, EventColumnCreated, map[string]any{
		"boardId": board.Board.ID,
		"column":  map[string]any{"title": "Review"},
	}))

	echo := nextFrame(t, first)
	require.Equal(t, EventColumnCreated, echo.Event)
	column := echo.Data["column"].(map[string]any)
	require.Equal(t, "Review", column["title"])
	requireNoFrame(t, first)

	broadcast := nextFrame(t, second)
	require.Equal(t, EventColumnCreated, broadcast.Event)
	require.Equal(t, column["id"], broadcast.Data["column"].(map[string]any)["id"])
	requireNoFrame(t, second)

	h.rooms.Dispatch(ctx, second, envelope(t, EventColumnUpdated, map[string]any{
		"columnId": column["id"],
		"title":    "Code review",
	}))
	renamed := nextFrame(t, second)
	require.Equal(t, EventColumnUpdated, renamed.Event)
	require.Equal(t, "Code review", renamed.Data["title"])
	require.Equal(t, board.Board.ID, renamed.Data["boardId"])
	require.Equal(t, "Code review", nextFrame(t, first).Data["title"])
}

func TestCardMoveOverSocket(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	board := h.createBoard(t)
	card, err := h.service.CreateCard(ctx, boards.Actor{UserID: h.owner.ID}, boards.CreateCardInput{
		BoardID:  board.Board.ID,
		ColumnID: board.Columns[0].ID,
		Title:    "Move me",
	})
	require.NoError(t, err)

	conn := h.connect(t, h.owner, "tab-1")
	h.rooms.Dispatch(ctx, conn, envelope(t, EventCardUpdated, map[string]any{
		"boardId": board.Board.ID,
		"card":    map[string]any{"id": card.ID, "columnId": board.Columns[2].ID, "position": 0},
	}))
	moved := nextFrame(t, conn)
	require.Equal(t, EventCardUpdated, moved.Event)
	require.Equal(t, board.Columns[2].ID, moved.Data["card"].(map[string]any)["columnId"])

	observer := h.connect(t, h.owner, "tab-2")
	require.NoError(t, h.rooms.Join(ctx, observer, board.Board.ID))

	h.rooms.Dispatch(ctx, conn, envelope(t, EventCardDeleted, map[string]any{"boardId": board.Board.ID, "cardId": card.ID}))
	echo := nextFrame(t, conn)
	require.Equal(t, EventCardDeleted, echo.Event)
	require.Equal(t, board.Columns[2].ID, echo.Data["columnId"])
	require.Equal(t, echo, nextFrame(t, observer))

	h.rooms.Dispatch(ctx, conn, envelope(t, EventColumnDeleted, map[string]any{"boardId": board.Board.ID, "columnId": board.Columns[2].ID}))
	require.Equal(t, EventColumnDeleted, nextFrame(t, conn).Event)
}

func TestNonEmptyColumnDeleteOverSocketConflicts(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	board := h.createBoard(t)
	_, err := h.service.CreateCard(ctx, boards.Actor{UserID: h.owner.ID}, boards.CreateCardInput{
		BoardID:  board.Board.ID,
		ColumnID: board.Columns[0].ID,
		Title:    "Pinned",
	})
	require.NoError(t, err)

	conn := h.connect(t, h.owner, "tab-1")
	h.rooms.Dispatch(ctx, conn, envelope(t, EventColumnDeleted, map[string]any{"boardId": board.Board.ID, "columnId": board.Columns[0].ID}))
	rejected := nextFrame(t, conn)
	require.Equal(t, EventError, rejected.Event)
	require.Equal(t, "boards.delete_column.column_not_empty", rejected.Data["code"])
}

func TestDispatchRejectsUnknownAndMalformedEvents(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.connect(t, h.owner, "tab-1")

	h.rooms.Dispatch(context.Background(), conn, Envelope{Event: "launchRockets"})
	require.Equal(t, "realtime.dispatch.unsupported_event", nextFrame(t, conn).Data["code"])

	h.rooms.Dispatch(context.Background(), conn, Envelope{Event: EventJoinBoard, Data: []byte(`{"boardId":`)})
	require.Equal(t, "realtime.dispatch.malformed_payload", nextFrame(t, conn).Data["code"])

	h.rooms.Dispatch(context.Background(), conn, Envelope{Event: EventCardDeleted})
	require.Equal(t, "realtime.dispatch.malformed_payload", nextFrame(t, conn).Data["code"])
}

func TestBoardDeletionClosesRoom(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	board := h.createBoard(t)
	h.share(t, board.Board.ID)

	ownerConn := h.connect(t, h.owner, "tab-owner")
	guestConn := h.connect(t, h.guest, "tab-guest")
	require.NoError(t, h.rooms.Join(ctx, ownerConn, board.Board.ID))
	require.NoError(t, h.rooms.Join(ctx, guestConn, board.Board.ID))

	require.NoError(t, h.service.DeleteBoard(ctx, boards.Actor{UserID: h.owner.ID, Origin: "tab-owner"}, board.Board.ID))

	require.Equal(t, EventBoardDeleted, nextFrame(t, ownerConn).Event)
	require.Equal(t, EventBoardDeleted, nextFrame(t, guestConn).Event)
	require.Equal(t, 0, h.rooms.Members(board.Board.ID))
	require.Equal(t, StateIdle, ownerConn.State())
}

func TestLeaveAndDisconnect(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	board := h.createBoard(t)
	conn := h.connect(t, h.owner, "tab-1")

	h.rooms.Leave(conn, board.Board.ID)
	require.NoError(t, h.rooms.Join(ctx, conn, board.Board.ID))
	require.NoError(t, h.rooms.Join(ctx, conn, board.Board.ID))
	require.Equal(t, 1, h.rooms.Members(board.Board.ID))

	h.rooms.Dispatch(ctx, conn, envelope(t, EventLeaveBoard, map[string]string{"boardId": board.Board.ID}))
	require.Equal(t, EventLeftBoard, nextFrame(t, conn).Event)
	require.Equal(t, 0, h.rooms.Members(board.Board.ID))

	require.NoError(t, h.rooms.Join(ctx, conn, board.Board.ID))
	h.rooms.Disconnect(conn)
	h.rooms.Disconnect(conn)
	require.Equal(t, StateDisconnected, conn.State())
	require.Equal(t, 0, h.rooms.Members(board.Board.ID))
	require.ErrorIs(t, h.rooms.Join(ctx, conn, board.Board.ID), ErrConnectionClosed)

	select {
	case <-conn.Done():
	default:
		t.Fatalf("expected done channel to be closed")
	}
}

func TestRegisterCleansUpWhenContextEnds(t *testing.T) {
	h := newHarness(t, 0)
	board := h.createBoard(t)
	ctx, cancel := context.WithCancel(context.Background())

	conn, _, err := h.rooms.Register(ctx, h.owner.ID, "tab-1")
	require.NoError(t, err)
	require.NoError(t, h.rooms.Join(context.Background(), conn, board.Board.ID))
	cancel()

	require.Eventually(t, func() bool {
		return conn.State() == StateDisconnected
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, h.rooms.Members(board.Board.ID))

	_, _, err = h.rooms.Register(context.Background(), h.owner.ID, "")
	require.ErrorIs(t, err, ErrMissingIdentity)
}

func TestSlowConnectionIsDisconnected(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	board := h.createBoard(t)
	slow := h.connect(t, h.owner, "tab-slow")
	require.NoError(t, h.rooms.Join(ctx, slow, board.Board.ID))

	message := Message{Event: EventBoardDeleted, Data: boardRef{BoardID: board.Board.ID}}
	require.NoError(t, h.rooms.Broadcast(board.Board.ID, message, boards.DeliveryIncludeOrigin, boards.Actor{}))
	require.NoError(t, h.rooms.Broadcast(board.Board.ID, message, boards.DeliveryIncludeOrigin, boards.Actor{}))

	require.Equal(t, StateDisconnected, slow.State())
	require.Equal(t, 0, h.rooms.Members(board.Board.ID))
}

func TestBroadcastRejectsConnectionScopedEvents(t *testing.T) {
	h := newHarness(t, 0)
	err := h.rooms.Broadcast("board-1", Message{Event: EventAccessRevoked}, boards.DeliveryIncludeOrigin, boards.Actor{})
	require.ErrorIs(t, err, ErrNotBoardScoped)

	scope, ok := ScopeOf(EventCardCreated)
	require.True(t, ok)
	require.Equal(t, ScopeBoard, scope)
}

func TestSendToTabReachesEveryConnectionOfTheTab(t *testing.T) {
	h := newHarness(t, 0)
	first := h.connect(t, h.owner, "tab-shared")
	second := h.connect(t, h.owner, "tab-shared")
	other := h.connect(t, h.owner, "tab-other")
	foreign := h.connect(t, h.guest, "tab-shared")

	require.NoError(t, h.rooms.SendToTab(h.owner.ID, "tab-shared", protocolError("nope", "test.code")))
	require.Equal(t, "test.code", nextFrame(t, first).Data["code"])
	require.Equal(t, "test.code", nextFrame(t, second).Data["code"])
	requireNoFrame(t, other)
	requireNoFrame(t, foreign)
}

func TestOriginSuppressionIsScopedToTheActingUser(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	board := h.createBoard(t)
	h.share(t, board.Board.ID)

	ownerConn := h.connect(t, h.owner, "tab-x")
	guestConn := h.connect(t, h.guest, "tab-x")
	require.NoError(t, h.rooms.Join(ctx, ownerConn, board.Board.ID))
	require.NoError(t, h.rooms.Join(ctx, guestConn, board.Board.ID))

	_, err := h.service.CreateCard(ctx, boards.Actor{UserID: h.owner.ID, Origin: "tab-x"}, boards.CreateCardInput{
		BoardID:  board.Board.ID,
		ColumnID: board.Columns[0].ID,
		Title:    "Same key, other user",
	})
	require.NoError(t, err)

	received := nextFrame(t, guestConn)
	require.Equal(t, EventCardCreated, received.Event)
	require.Equal(t, "Same key, other user", received.Data["card"].(map[string]any)["title"])
	requireNoFrame(t, ownerConn)
}

// gatedAuthorizer holds its first call until released so a revoke can land
// between a join's capability check and its room insert.
type gatedAuthorizer struct {
	inner   Authorizer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAuthorizer) Authorize(ctx context.Context, userID, boardID string, capability boards.Capability) (boards.Board, error) {
	board, err := g.inner.Authorize(ctx, userID, boardID, capability)
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return board, err
}

func TestJoinRacingRevokeLeavesNoMembership(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	board := h.createBoard(t)
	h.share(t, board.Board.ID)

	gate := &gatedAuthorizer{inner: h.service, entered: make(chan struct{}), release: make(chan struct{})}
	rooms, err := NewRoomManager(RoomManagerConfig{Authorizer: gate, Mutator: h.service})
	require.NoError(t, err)
	h.service.SetPublisher(rooms)

	guestConn, cleanup, err := rooms.Register(ctx, h.guest.ID, "tab-guest")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	joined := make(chan error, 1)
	go func() {
		joined <- rooms.Join(ctx, guestConn, board.Board.ID)
	}()
	<-gate.entered

	require.NoError(t, h.service.RemoveCollaborator(ctx, boards.Actor{UserID: h.owner.ID, Origin: "tab-owner"}, board.Board.ID, h.guest.Username))
	close(gate.release)

	joinErr := <-joined
	require.Equal(t, boards.KindNotFound, boards.KindOf(joinErr))
	require.Equal(t, 0, rooms.Members(board.Board.ID))
	require.Equal(t, StateIdle, guestConn.State())

	_, err = h.service.CreateCard(ctx, boards.Actor{UserID: h.owner.ID, Origin: "tab-owner"}, boards.CreateCardInput{
		BoardID:  board.Board.ID,
		ColumnID: board.Columns[0].ID,
		Title:    "After revoke",
	})
	require.NoError(t, err)
	requireNoFrame(t, guestConn)
}
