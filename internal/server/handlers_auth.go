package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type registerRequestPayload struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type loginRequestPayload struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type authResponsePayload struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
	User        users.Profile `json:"user"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "auth.register.invalid_request")
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), users.Registration{
		Username:    request.Username,
		Email:       request.Email,
		Password:    request.Password,
		DisplayName: request.DisplayName,
	})
	switch {
	case errors.Is(err, users.ErrInvalidRegistration):
		invalidRequest(c, "auth.register.invalid_registration")
		return
	case errors.Is(err, users.ErrUsernameTaken):
		c.AbortWithStatusJSON(http.StatusConflict, errorBody{Error: string(boards.KindConflict), Code: "auth.register.username_taken"})
		return
	case errors.Is(err, users.ErrEmailTaken):
		c.AbortWithStatusJSON(http.StatusConflict, errorBody{Error: string(boards.KindConflict), Code: "auth.register.email_taken"})
		return
	case err != nil:
		h.logger.Error("failed to register user", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: string(boards.KindStore), Code: "auth.register.store_failed"})
		return
	}
	h.respondWithToken(c, http.StatusCreated, user)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Login) == "" {
		invalidRequest(c, "auth.login.invalid_request")
		return
	}
	user, err := h.accounts.Authenticate(c.Request.Context(), request.Login, request.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: string(boards.KindUnauthenticated), Code: "auth.login.invalid_credentials"})
		return
	}
	if err != nil {
		h.logger.Error("failed to authenticate user", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: string(boards.KindStore), Code: "auth.login.store_failed"})
		return
	}
	h.respondWithToken(c, http.StatusOK, user)
}

func (h *httpHandler) respondWithToken(c *gin.Context, status int, user users.User) {
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: string(boards.KindStore), Code: "auth.token.issue_failed"})
		return
	}
	c.JSON(status, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        user.Profile(),
	})
}
