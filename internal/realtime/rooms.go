package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
	"go.uber.org/zap"
)

const defaultSendBuffer = 32

var (
	// ErrConnectionClosed indicates an operation on a disconnected connection.
	ErrConnectionClosed = errors.New("realtime: connection closed")
	// ErrMissingIdentity indicates a registration without a user or tab key.
	ErrMissingIdentity = errors.New("realtime: user and tab key required")
	// ErrNotBoardScoped indicates an attempt to broadcast a connection-scoped event.
	ErrNotBoardScoped = errors.New("realtime: event is not board scoped")
)

// ConnState is the lifecycle position of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateIdle
	StateSubscribed
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is one live client connection. Outbound frames are queued on a
// bounded channel drained in order by the transport's writer.
type Conn struct {
	id     uint64
	userID string
	tabKey string
	send   chan []byte
	done   chan struct{}
	state  atomic.Int32

	// rooms is guarded by the owning RoomManager's lock.
	rooms map[string]struct{}

	closeOnce sync.Once
}

// UserID returns the authenticated user behind the connection.
func (c *Conn) UserID() string {
	return c.userID
}

// TabKey returns the browser tab key the connection was opened with.
func (c *Conn) TabKey() string {
	return c.tabKey
}

// Outbound exposes the ordered queue of encoded frames.
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection is disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// State reports the connection's lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// tabRef names one browser tab of one user. Tab keys are chosen by clients,
// so they are only meaningful together with the authenticated user.
type tabRef struct {
	userID string
	tabKey string
}

// Authorizer re-checks board capability for every join.
type Authorizer interface {
	Authorize(ctx context.Context, userID, boardID string, capability boards.Capability) (boards.Board, error)
}

// Mutator applies board mutations arriving over the socket.
type Mutator interface {
	CreateCard(ctx context.Context, actor boards.Actor, input boards.CreateCardInput) (boards.Card, error)
	UpdateCard(ctx context.Context, actor boards.Actor, input boards.UpdateCardInput) (boards.Card, error)
	DeleteCard(ctx context.Context, actor boards.Actor, boardID, cardID string) (boards.Card, error)
	CreateColumn(ctx context.Context, actor boards.Actor, input boards.CreateColumnInput) (boards.Column, error)
	UpdateColumn(ctx context.Context, actor boards.Actor, input boards.UpdateColumnInput) (boards.Column, error)
	DeleteColumn(ctx context.Context, actor boards.Actor, boardID, columnID string) error
}

// RoomManagerConfig describes the dependencies of a RoomManager.
type RoomManagerConfig struct {
	Authorizer Authorizer
	Mutator    Mutator
	SendBuffer int
	Logger     *zap.Logger
}

// RoomManager tracks which connections observe which boards and fans change
// events out to them.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
	tabs  map[tabRef]map[*Conn]struct{}

	authorizer Authorizer
	mutator    Mutator
	sendBuffer int
	logger     *zap.Logger
	nextID     atomic.Uint64
}

// NewRoomManager constructs an empty room table.
func NewRoomManager(cfg RoomManagerConfig) (*RoomManager, error) {
	if cfg.Authorizer == nil {
		return nil, errors.New("realtime: authorizer required")
	}
	if cfg.Mutator == nil {
		return nil, errors.New("realtime: mutator required")
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomManager{
		rooms:      make(map[string]map[*Conn]struct{}),
		tabs:       make(map[tabRef]map[*Conn]struct{}),
		authorizer: cfg.Authorizer,
		mutator:    cfg.Mutator,
		sendBuffer: sendBuffer,
		logger:     logger,
	}, nil
}

// Register admits an authenticated connection and binds it to its tab key.
// The returned cleanup disconnects it and also runs when ctx is cancelled.
func (m *RoomManager) Register(ctx context.Context, userID, tabKey string) (*Conn, func(), error) {
	if userID == "" || tabKey == "" {
		return nil, func() {}, ErrMissingIdentity
	}
	conn := &Conn{
		id:     m.nextID.Add(1),
		userID: userID,
		tabKey: tabKey,
		send:   make(chan []byte, m.sendBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
	conn.state.Store(int32(StateConnecting))

	tab := tabRef{userID: userID, tabKey: tabKey}
	m.mu.Lock()
	if _, ok := m.tabs[tab]; !ok {
		m.tabs[tab] = make(map[*Conn]struct{})
	}
	m.tabs[tab][conn] = struct{}{}
	conn.state.Store(int32(StateAuthenticated))
	m.mu.Unlock()

	cleanup := func() {
		m.Disconnect(conn)
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-conn.done:
		}
	}()
	return conn, cleanup, nil
}

// Join subscribes conn to boardID after re-checking view capability. Joining
// a room twice is a no-op.
//
// Capability is checked again after the insert. A revoke that lands between
// the first check and the insert has already run its Evict, so only the
// second check can see it; a revoke after the second check evicts normally.
func (m *RoomManager) Join(ctx context.Context, conn *Conn, boardID string) error {
	if conn.State() == StateDisconnected {
		return ErrConnectionClosed
	}
	if _, err := m.authorizer.Authorize(ctx, conn.userID, boardID, boards.CapabilityView); err != nil {
		return err
	}

	m.mu.Lock()
	if conn.State() == StateDisconnected {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	_, alreadyJoined := conn.rooms[boardID]
	if _, ok := m.rooms[boardID]; !ok {
		m.rooms[boardID] = make(map[*Conn]struct{})
	}
	m.rooms[boardID][conn] = struct{}{}
	conn.rooms[boardID] = struct{}{}
	conn.state.Store(int32(StateSubscribed))
	m.mu.Unlock()

	if alreadyJoined {
		return nil
	}
	if _, err := m.authorizer.Authorize(ctx, conn.userID, boardID, boards.CapabilityView); err != nil {
		m.mu.Lock()
		m.removeFromRoomLocked(conn, boardID)
		m.mu.Unlock()
		return err
	}
	return nil
}

// Leave unsubscribes conn from boardID; leaving a room it never joined is safe.
func (m *RoomManager) Leave(conn *Conn, boardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeFromRoomLocked(conn, boardID)
}

// Broadcast delivers message to every member of boardID. With
// DeliveryExcludeOrigin the connections of the origin tab are skipped; a tab
// belongs to the acting user, so another user's tab with the same key still
// receives the message.
func (m *RoomManager) Broadcast(boardID string, message Message, delivery boards.Delivery, origin boards.Actor) error {
	if scope, ok := ScopeOf(message.Event); ok && scope != ScopeBoard {
		return fmt.Errorf("%w: %s", ErrNotBoardScoped, message.Event)
	}
	payload, err := message.encode()
	if err != nil {
		return err
	}
	m.mu.RLock()
	members := m.rooms[boardID]
	if len(members) == 0 {
		m.mu.RUnlock()
		return nil
	}
	targets := make([]*Conn, 0, len(members))
	for conn := range members {
		if delivery == boards.DeliveryExcludeOrigin && isOrigin(conn, origin) {
			continue
		}
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	m.deliver(targets, payload, message.Event)
	return nil
}

// SendToTab delivers message to every connection of one user's browser tab.
func (m *RoomManager) SendToTab(userID, tabKey string, message Message) error {
	if userID == "" || tabKey == "" {
		return nil
	}
	payload, err := message.encode()
	if err != nil {
		return err
	}
	m.mu.RLock()
	tab := m.tabs[tabRef{userID: userID, tabKey: tabKey}]
	targets := make([]*Conn, 0, len(tab))
	for conn := range tab {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	m.deliver(targets, payload, message.Event)
	return nil
}

// Send delivers message to a single connection.
func (m *RoomManager) Send(conn *Conn, message Message) error {
	payload, err := message.encode()
	if err != nil {
		return err
	}
	m.deliver([]*Conn{conn}, payload, message.Event)
	return nil
}

// Evict removes every connection of userID from boardID and tells them their
// access was revoked. The connections stay open for their other rooms.
func (m *RoomManager) Evict(boardID, userID string) {
	m.mu.Lock()
	var evicted []*Conn
	for conn := range m.rooms[boardID] {
		if conn.userID == userID {
			evicted = append(evicted, conn)
		}
	}
	for _, conn := range evicted {
		m.removeFromRoomLocked(conn, boardID)
	}
	m.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	payload, err := Message{Event: EventAccessRevoked, Data: boardRef{BoardID: boardID}}.encode()
	if err != nil {
		return
	}
	m.deliver(evicted, payload, EventAccessRevoked)
}

// CloseRoom drops the room for a deleted board.
func (m *RoomManager) CloseRoom(boardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.rooms[boardID] {
		m.removeFromRoomLocked(conn, boardID)
	}
	delete(m.rooms, boardID)
}

// Disconnect removes conn from every room and from the tab table. It is
// terminal and safe to call more than once.
func (m *RoomManager) Disconnect(conn *Conn) {
	m.mu.Lock()
	for boardID := range conn.rooms {
		m.removeFromRoomLocked(conn, boardID)
	}
	ref := tabRef{userID: conn.userID, tabKey: conn.tabKey}
	if tab := m.tabs[ref]; tab != nil {
		delete(tab, conn)
		if len(tab) == 0 {
			delete(m.tabs, ref)
		}
	}
	conn.state.Store(int32(StateDisconnected))
	m.mu.Unlock()

	conn.closeOnce.Do(func() {
		close(conn.done)
	})
}

// Members returns the number of connections subscribed to boardID.
func (m *RoomManager) Members(boardID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[boardID])
}

// Publish makes the RoomManager the mutation service's change publisher.
func (m *RoomManager) Publish(event boards.ChangeEvent) error {
	message, ok := messageForChange(event)
	if !ok {
		return nil
	}
	origin := boards.Actor{UserID: event.ActorID, Origin: event.Origin}
	if err := m.Broadcast(event.BoardID, message, event.Delivery, origin); err != nil {
		_ = m.SendToTab(event.ActorID, event.Origin, protocolError("change saved but not broadcast", "realtime.publish.encode_failed"))
		return err
	}
	switch event.Kind {
	case boards.EventCollaboratorRemoved:
		m.Evict(event.BoardID, event.UserID)
	case boards.EventBoardDeleted:
		m.CloseRoom(event.BoardID)
	}
	return nil
}

func isOrigin(conn *Conn, origin boards.Actor) bool {
	return origin.Origin != "" && conn.userID == origin.UserID && conn.tabKey == origin.Origin
}

func (m *RoomManager) removeFromRoomLocked(conn *Conn, boardID string) {
	if members := m.rooms[boardID]; members != nil {
		delete(members, conn)
		if len(members) == 0 {
			delete(m.rooms, boardID)
		}
	}
	if _, ok := conn.rooms[boardID]; !ok {
		return
	}
	delete(conn.rooms, boardID)
	if len(conn.rooms) == 0 && conn.State() == StateSubscribed {
		conn.state.Store(int32(StateIdle))
	}
}

// deliver queues payload on each target. A connection whose queue is full
// has fallen behind and is disconnected so its client can reload.
func (m *RoomManager) deliver(targets []*Conn, payload []byte, event string) {
	for _, conn := range targets {
		if conn.enqueue(payload) {
			continue
		}
		if conn.State() == StateDisconnected {
			continue
		}
		m.logger.Warn("realtime queue overflow",
			zap.String("event", event),
			zap.String("user_id", conn.userID),
			zap.String("tab_key", conn.tabKey),
			zap.Uint64("connection_id", conn.id))
		m.Disconnect(conn)
	}
}
