package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type harness struct {
	rooms    *RoomManager
	service  *boards.Service
	users    *users.Service
	owner    users.User
	guest    users.User
	outsider users.User
}

func newHarness(t *testing.T, sendBuffer int) harness {
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
	require.NoError(t, db.AutoMigrate(&users.User{}, &boards.Board{}, &boards.Card{}, &boards.BoardStar{}))

	sequence := 0
	accounts, err := users.NewService(users.ServiceConfig{
		Database: db,
		NewID: func() (string, error) {
			sequence++
			return fmt.Sprintf("user-%d", sequence), nil
		},
		HashCost: bcrypt.MinCost,
	})
	require.NoError(t, err)
	register := func(username string) users.User {
		user, registerErr := accounts.Register(context.Background(), users.Registration{
			Username: username,
			Email:    username + "@example.com",
			Password: "password-" + username,
		})
		require.NoError(t, registerErr)
		return user
	}

	repository, err := boards.NewGormRepository(db)
	require.NoError(t, err)
	service, err := boards.NewService(boards.ServiceConfig{
		Store:      repository,
		Users:      accounts,
		IDProvider: boards.NewUUIDProvider(),
	})
	require.NoError(t, err)
	rooms, err := NewRoomManager(RoomManagerConfig{
		Authorizer: service,
		Mutator:    service,
		SendBuffer: sendBuffer,
	})
	require.NoError(t, err)
	service.SetPublisher(rooms)

	return harness{
		rooms:    rooms,
		service:  service,
		users:    accounts,
		owner:    register("olivia"),
		guest:    register("gus"),
		outsider: register("sam"),
	}
}

func (h harness) createBoard(t *testing.T) boards.BoardView {
	t.Helper()
	view, err := h.service.CreateBoard(context.Background(), boards.Actor{UserID: h.owner.ID}, boards.CreateBoardInput{
		Title:       "Roadmap",
		SeedColumns: true,
	})
	require.NoError(t, err)
	return view
}

func (h harness) share(t *testing.T, boardID string) {
	t.Helper()
	_, err := h.service.AddCollaborator(context.Background(), boards.Actor{UserID: h.owner.ID}, boardID, h.guest.Username)
	require.NoError(t, err)
}

func (h harness) connect(t *testing.T, user users.User, tabKey string) *Conn {
	t.Helper()
	conn, cleanup, err := h.rooms.Register(context.Background(), user.ID, tabKey)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return conn
}

type frame struct {
	Event string
	Data  map[string]any
}

func nextFrame(t *testing.T, conn *Conn) frame {
	t.Helper()
	select {
	case payload := <-conn.Outbound():
		var decoded struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(payload, &decoded))
		return frame{Event: decoded.Event, Data: decoded.Data}
	case <-time.After(time.Second):
		t.Fatalf("expected a frame for tab %s", conn.TabKey())
		return frame{}
	}
}

func requireNoFrame(t *testing.T, conn *Conn) {
	t.Helper()
	select {
	case payload := <-conn.Outbound():
		t.Fatalf("unexpected frame for tab %s: %s", conn.TabKey(), payload)
	default:
	}
}

func envelope(t *testing.T, event string, data any) Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Envelope{Event: event, Data: raw}
}
