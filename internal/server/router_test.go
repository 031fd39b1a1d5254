package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type apiClient struct {
	t      *testing.T
	server *httptest.Server
}

func newAPIServer(t *testing.T) apiClient {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "taskboard.db"), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	accounts, err := users.NewService(users.ServiceConfig{Database: db, HashCost: bcrypt.MinCost})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "taskboard-auth",
		Audience:      "taskboard-api",
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)
	resolver, err := auth.NewIdentityResolver(issuer, accounts)
	require.NoError(t, err)

	repository, err := boards.NewGormRepository(db)
	require.NoError(t, err)
	boardService, err := boards.NewService(boards.ServiceConfig{
		Store:      repository,
		Users:      accounts,
		IDProvider: boards.NewUUIDProvider(),
	})
	require.NoError(t, err)
	rooms, err := realtime.NewRoomManager(realtime.RoomManagerConfig{Authorizer: boardService, Mutator: boardService})
	require.NoError(t, err)
	boardService.SetPublisher(rooms)
	gateway, err := realtime.NewGateway(realtime.GatewayConfig{Rooms: rooms, Resolver: resolver, AllowedOrigins: []string{"*"}})
	require.NoError(t, err)

	handler, err := NewHTTPHandler(Dependencies{
		Accounts:       accounts,
		Tokens:         issuer,
		Resolver:       resolver,
		Boards:         boardService,
		Realtime:       gateway,
		AllowedOrigins: []string{"*"},
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return apiClient{t: t, server: server}
}

// call performs one JSON request and decodes the response body when present.
func (c apiClient) call(method, path, token, tabKey string, body any, out any) int {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequestWithContext(context.Background(), method, c.server.URL+path, reader)
	require.NoError(c.t, err)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if tabKey != "" {
		request.Header.Set(realtime.TabKeyHeader, tabKey)
	}
	response, err := c.server.Client().Do(request)
	require.NoError(c.t, err)
	defer response.Body.Close()
	if out != nil && response.StatusCode != http.StatusNoContent {
		require.NoError(c.t, json.NewDecoder(response.Body).Decode(out))
	}
	return response.StatusCode
}

func (c apiClient) register(username string) string {
	c.t.Helper()
	var payload authResponsePayload
	status := c.call(http.MethodPost, "/auth/register", "", "", registerRequestPayload{
		Username: username,
		Email:    username + "@example.com",
		Password: "password-" + username,
	}, &payload)
	require.Equal(c.t, http.StatusCreated, status)
	require.NotEmpty(c.t, payload.AccessToken)
	require.Equal(c.t, "Bearer", payload.TokenType)
	return payload.AccessToken
}

func (c apiClient) dial(token, tabKey string) *websocket.Conn {
	c.t.Helper()
	url := fmt.Sprintf("ws%s/realtime?tab=%s&access_token=%s", strings.TrimPrefix(c.server.URL, "http"), tabKey, token)
	socket, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(c.t, err)
	c.t.Cleanup(func() {
		_ = socket.Close()
	})
	return socket
}

func readFrame(t *testing.T, socket *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, socket.SetReadDeadline(time.Now().Add(2*time.Second)))
	var decoded map[string]any
	require.NoError(t, socket.ReadJSON(&decoded))
	return decoded
}

func TestAccountsRegisterAndLogin(t *testing.T) {
	api := newAPIServer(t)
	api.register("olivia")

	var failure errorBody
	status := api.call(http.MethodPost, "/auth/register", "", "", registerRequestPayload{
		Username: "olivia",
		Email:    "other@example.com",
		Password: "password-olivia",
	}, &failure)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "auth.register.username_taken", failure.Code)

	status = api.call(http.MethodPost, "/auth/register", "", "", registerRequestPayload{
		Username: "short",
		Email:    "short@example.com",
		Password: "tiny",
	}, &failure)
	assert.Equal(t, http.StatusBadRequest, status)

	status = api.call(http.MethodPost, "/auth/login", "", "", loginRequestPayload{Login: "olivia", Password: "wrong-password"}, &failure)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "auth.login.invalid_credentials", failure.Code)

	var session authResponsePayload
	status = api.call(http.MethodPost, "/auth/login", "", "", loginRequestPayload{Login: "olivia@example.com", Password: "password-olivia"}, &session)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, session.AccessToken)
	assert.Positive(t, session.ExpiresIn)
	assert.Equal(t, "olivia", session.User.Username)

	var listing boardListResponsePayload
	require.Equal(t, http.StatusOK, api.call(http.MethodGet, "/boards", session.AccessToken, "", nil, &listing))
	assert.Empty(t, listing.Boards)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newAPIServer(t)

	var failure errorBody
	status := api.call(http.MethodGet, "/boards", "", "", nil, &failure)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "auth.authorize.missing_token", failure.Code)

	status = api.call(http.MethodGet, "/boards", "not-a-token", "", nil, &failure)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "auth.authorize.invalid_token", failure.Code)
}

func TestBoardLifecycleOverREST(t *testing.T) {
	api := newAPIServer(t)
	ownerToken := api.register("olivia")
	guestToken := api.register("gus")
	strangerToken := api.register("sam")

	var view boards.BoardView
	status := api.call(http.MethodPost, "/boards", ownerToken, "owner-tab", createBoardRequestPayload{Title: "Roadmap", SeedColumns: true}, &view)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, view.Columns, 3)
	boardID := view.Board.ID
	columnID := view.Columns[0].ID

	var failure errorBody
	status = api.call(http.MethodGet, "/boards/"+boardID, strangerToken, "", nil, &failure)
	assert.Equal(t, http.StatusNotFound, status)

	var profile users.Profile
	status = api.call(http.MethodPost, "/boards/"+boardID+"/collaborators", ownerToken, "owner-tab", collaboratorRequestPayload{Login: "gus"}, &profile)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "gus", profile.Username)

	var listing boardListResponsePayload
	require.Equal(t, http.StatusOK, api.call(http.MethodGet, "/boards", guestToken, "", nil, &listing))
	require.Len(t, listing.Boards, 1)
	assert.Equal(t, boards.RoleCollaborator, listing.Boards[0].Role)

	status = api.call(http.MethodDelete, "/boards/"+boardID, guestToken, "guest-tab", nil, &failure)
	assert.Equal(t, http.StatusForbidden, status)

	var card boards.Card
	status = api.call(http.MethodPost, "/cards", guestToken, "guest-tab", createCardRequestPayload{
		BoardID:  boardID,
		ColumnID: columnID,
		Title:    "Write release notes",
	}, &card)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 0, card.Position)

	status = api.call(http.MethodDelete, "/boards/"+boardID+"/columns/"+columnID, ownerToken, "owner-tab", nil, &failure)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "boards.delete_column.column_not_empty", failure.Code)

	target := view.Columns[2].ID
	var moved boards.Card
	status = api.call(http.MethodPut, "/cards/"+boardID+"/"+card.ID, ownerToken, "owner-tab", updateCardRequestPayload{ColumnID: &target}, &moved)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, target, moved.ColumnID)

	require.Equal(t, http.StatusNoContent, api.call(http.MethodDelete, "/boards/"+boardID+"/columns/"+columnID, ownerToken, "owner-tab", nil, nil))
	require.Equal(t, http.StatusNoContent, api.call(http.MethodPost, "/boards/"+boardID+"/star", guestToken, "", nil, nil))
	require.Equal(t, http.StatusNoContent, api.call(http.MethodDelete, "/boards/"+boardID+"/collaborators/gus", ownerToken, "owner-tab", nil, nil))

	status = api.call(http.MethodGet, "/boards/"+boardID, guestToken, "", nil, &failure)
	assert.Equal(t, http.StatusNotFound, status)

	require.Equal(t, http.StatusNoContent, api.call(http.MethodDelete, "/boards/"+boardID, ownerToken, "owner-tab", nil, nil))
	status = api.call(http.MethodGet, "/boards/"+boardID, ownerToken, "", nil, &failure)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRESTMutationReachesJoinedSockets(t *testing.T) {
	api := newAPIServer(t)
	ownerToken := api.register("olivia")
	guestToken := api.register("gus")

	var view boards.BoardView
	require.Equal(t, http.StatusCreated, api.call(http.MethodPost, "/boards", ownerToken, "owner-tab", createBoardRequestPayload{Title: "Roadmap", SeedColumns: true}, &view))
	boardID := view.Board.ID
	require.Equal(t, http.StatusCreated, api.call(http.MethodPost, "/boards/"+boardID+"/collaborators", ownerToken, "owner-tab", collaboratorRequestPayload{Login: "gus"}, nil))

	guestSocket := api.dial(guestToken, "guest-tab")
	ownerSocket := api.dial(ownerToken, "owner-tab")
	for _, socket := range []*websocket.Conn{guestSocket, ownerSocket} {
		require.NoError(t, socket.WriteJSON(map[string]any{"event": realtime.EventJoinBoard, "data": map[string]string{"boardId": boardID}}))
		require.Equal(t, realtime.EventJoinedBoard, readFrame(t, socket)["event"])
	}

	var card boards.Card
	require.Equal(t, http.StatusCreated, api.call(http.MethodPost, "/cards", ownerToken, "owner-tab", createCardRequestPayload{
		BoardID:  boardID,
		ColumnID: view.Columns[0].ID,
		Title:    "Ship it",
	}, &card))

	frame := readFrame(t, guestSocket)
	require.Equal(t, realtime.EventCardCreated, frame["event"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, boardID, data["boardId"])
	assert.Equal(t, card.ID, data["card"].(map[string]any)["id"])

	// The originating tab already has the REST response; its next frame is the rename.
	require.Equal(t, http.StatusOK, api.call(http.MethodPut, "/boards/"+boardID, ownerToken, "owner-tab", renameBoardRequestPayload{Title: "Roadmap 2027"}, nil))
	assert.Equal(t, realtime.EventBoardUpdated, readFrame(t, ownerSocket)["event"])
	assert.Equal(t, realtime.EventBoardUpdated, readFrame(t, guestSocket)["event"])
}
