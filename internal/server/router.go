package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "taskboard_user_id"

var (
	errMissingAccounts    = errors.New("account service dependency required")
	errMissingTokenIssuer = errors.New("token issuer dependency required")
	errMissingResolver    = errors.New("identity resolver dependency required")
	errMissingBoards      = errors.New("boards service dependency required")
)

// AccountService registers and authenticates users.
type AccountService interface {
	Register(ctx context.Context, registration users.Registration) (users.User, error)
	Authenticate(ctx context.Context, login, password string) (users.User, error)
}

// TokenIssuer issues bearer tokens after a successful login.
type TokenIssuer interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
}

// IdentityResolver turns a bearer token into a user.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (users.User, error)
}

// Dependencies describes everything the HTTP surface needs.
type Dependencies struct {
	Accounts       AccountService
	Tokens         TokenIssuer
	Resolver       IdentityResolver
	Boards         *boards.Service
	Realtime       http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the REST API and the realtime endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Boards == nil {
		return nil, errMissingBoards
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		accounts: deps.Accounts,
		tokens:   deps.Tokens,
		resolver: deps.Resolver,
		boards:   deps.Boards,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	if deps.Realtime != nil {
		router.GET("/realtime", gin.WrapH(deps.Realtime))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/boards", handler.handleListBoards)
	protected.POST("/boards", handler.handleCreateBoard)
	protected.GET("/boards/:id", handler.handleGetBoard)
	protected.PUT("/boards/:id", handler.handleRenameBoard)
	protected.DELETE("/boards/:id", handler.handleDeleteBoard)
	protected.POST("/boards/:id/columns", handler.handleCreateColumn)
	protected.PUT("/boards/:id/columns/:colId", handler.handleUpdateColumn)
	protected.DELETE("/boards/:id/columns/:colId", handler.handleDeleteColumn)
	protected.POST("/boards/:id/collaborators", handler.handleAddCollaborator)
	protected.DELETE("/boards/:id/collaborators/:login", handler.handleRemoveCollaborator)
	protected.POST("/boards/:id/star", handler.handleStarBoard)
	protected.DELETE("/boards/:id/star", handler.handleUnstarBoard)
	protected.POST("/cards", handler.handleCreateCard)
	protected.PUT("/cards/:boardId/:cardId", handler.handleUpdateCard)
	protected.DELETE("/cards/:boardId/:cardId", handler.handleDeleteCard)

	return router, nil
}

type httpHandler struct {
	accounts AccountService
	tokens   TokenIssuer
	resolver IdentityResolver
	boards   *boards.Service
	logger   *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", realtime.TabKeyHeader},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	anyOrigin := false
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			anyOrigin = true
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	anyOrigin = anyOrigin || len(origins) == 0
	// Credentials are only granted to origins that were listed explicitly.
	if anyOrigin {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: string(boards.KindUnauthenticated), Code: "auth.authorize.missing_token"})
		return
	}
	user, err := h.resolver.Resolve(c.Request.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			h.logger.Info("token validation failed", zap.Error(err))
		case errors.Is(err, auth.ErrUnauthenticated):
			h.logger.Warn("token validation failed", zap.Error(err))
		default:
			h.logger.Error("identity resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: string(boards.KindStore), Code: "auth.authorize.lookup_failed"})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: string(boards.KindUnauthenticated), Code: "auth.authorize.invalid_token"})
		return
	}
	c.Set(userIDContextKey, user.ID)
	c.Next()
}

// actor identifies the caller and the browser tab the request came from.
func actor(c *gin.Context) boards.Actor {
	return boards.Actor{
		UserID: c.GetString(userIDContextKey),
		Origin: strings.TrimSpace(c.GetHeader(realtime.TabKeyHeader)),
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var kindStatus = map[boards.ErrorKind]int{
	boards.KindUnauthenticated: http.StatusUnauthorized,
	boards.KindForbidden:       http.StatusForbidden,
	boards.KindNotFound:        http.StatusNotFound,
	boards.KindValidation:      http.StatusBadRequest,
	boards.KindConflict:        http.StatusConflict,
	boards.KindStore:           http.StatusInternalServerError,
}

// statusForError maps a service failure onto its HTTP status.
func statusForError(err error) int {
	status, ok := kindStatus[boards.KindOf(err)]
	if !ok {
		return http.StatusInternalServerError
	}
	return status
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	kind := boards.KindOf(err)
	code := boards.CodeOf(err)
	if code == "" {
		code = "server.unexpected"
	}
	if kind == boards.KindStore {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(statusForError(err), errorBody{Error: string(kind), Code: code})
}

func invalidRequest(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: string(boards.KindValidation), Code: code})
}
