package boards

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	ownerID    = "user-owner"
	guestID    = "user-guest"
	strangerID = "user-stranger"
)

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

// steppingClock advances one millisecond per reading so creation order is observable.
type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{current: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Millisecond)
	return c.current
}

type stubDirectory struct {
	accounts []users.User
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{accounts: []users.User{
		{ID: ownerID, Username: "olivia", Email: "olivia@example.com", DisplayName: "Olivia"},
		{ID: guestID, Username: "gus", Email: "gus@example.com", DisplayName: "Gus"},
		{ID: strangerID, Username: "sam", Email: "sam@example.com", DisplayName: "Sam"},
	}}
}

func (d *stubDirectory) FindByID(_ context.Context, userID string) (users.User, error) {
	for _, account := range d.accounts {
		if account.ID == userID {
			return account, nil
		}
	}
	return users.User{}, users.ErrUserNotFound
}

func (d *stubDirectory) FindByLogin(_ context.Context, login string) (users.User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	for _, account := range d.accounts {
		if account.Username == login || account.Email == login {
			return account, nil
		}
	}
	return users.User{}, users.ErrUserNotFound
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(event ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Events() []ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChangeEvent(nil), p.events...)
}

func (p *recordingPublisher) Kinds() []EventKind {
	events := p.Events()
	kinds := make([]EventKind, 0, len(events))
	for _, event := range events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.BoardShared
}

func (n *recordingNotifier) BoardShared(_ context.Context, notice notify.BoardShared) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) Notices() []notify.BoardShared {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.BoardShared(nil), n.notices...)
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	require.NoError(t, db.AutoMigrate(&Board{}, &Card{}, &BoardStar{}))
	return db
}

type serviceFixture struct {
	service   *Service
	store     Store
	publisher *recordingPublisher
	notifier  *recordingNotifier
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	repository, err := NewGormRepository(newTestDatabase(t))
	require.NoError(t, err)
	return newServiceFixtureWithStore(t, repository)
}

func newServiceFixtureWithStore(t *testing.T, store Store) serviceFixture {
	t.Helper()
	publisher := &recordingPublisher{}
	notifier := &recordingNotifier{}
	clock := newSteppingClock()
	service, err := NewService(ServiceConfig{
		Store:      store,
		Users:      newStubDirectory(),
		Publisher:  publisher,
		Notifier:   notifier,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
	})
	require.NoError(t, err)
	return serviceFixture{service: service, store: store, publisher: publisher, notifier: notifier}
}

func owner() Actor {
	return Actor{UserID: ownerID, Origin: "tab-owner"}
}

func guest() Actor {
	return Actor{UserID: guestID, Origin: "tab-guest"}
}

func stranger() Actor {
	return Actor{UserID: strangerID, Origin: "tab-stranger"}
}

func stringPtr(value string) *string {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func mustCreateBoard(t *testing.T, service *Service, title string) BoardView {
	t.Helper()
	view, err := service.CreateBoard(context.Background(), owner(), CreateBoardInput{Title: title, SeedColumns: true})
	require.NoError(t, err)
	return view
}

func mustCreateCard(t *testing.T, service *Service, boardID, columnID, title string) Card {
	t.Helper()
	card, err := service.CreateCard(context.Background(), owner(), CreateCardInput{BoardID: boardID, ColumnID: columnID, Title: title})
	require.NoError(t, err)
	return card
}

func cardIDs(cards []Card) []string {
	ids := make([]string, 0, len(cards))
	for _, card := range cards {
		ids = append(ids, card.ID)
	}
	return ids
}
