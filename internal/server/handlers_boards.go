package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
	"github.com/gin-gonic/gin"
)

type createBoardRequestPayload struct {
	Title       string `json:"title"`
	SeedColumns bool   `json:"seedColumns"`
	SampleCards bool   `json:"sampleCards"`
}

type renameBoardRequestPayload struct {
	Title string `json:"title"`
}

type columnRequestPayload struct {
	Title    *string `json:"title"`
	Position *int    `json:"position"`
}

type createCardRequestPayload struct {
	BoardID     string `json:"boardId"`
	ColumnID    string `json:"columnId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Position    *int   `json:"position"`
}

type updateCardRequestPayload struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	ColumnID    *string `json:"columnId"`
	Position    *int    `json:"position"`
}

type collaboratorRequestPayload struct {
	Login string `json:"login"`
}

type boardListResponsePayload struct {
	Boards []boards.BoardSummary `json:"boards"`
}

func (h *httpHandler) handleListBoards(c *gin.Context) {
	summaries, err := h.boards.ListBoards(c.Request.Context(), actor(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if summaries == nil {
		summaries = []boards.BoardSummary{}
	}
	c.JSON(http.StatusOK, boardListResponsePayload{Boards: summaries})
}

func (h *httpHandler) handleCreateBoard(c *gin.Context) {
	var request createBoardRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "boards.create_board.invalid_request")
		return
	}
	view, err := h.boards.CreateBoard(c.Request.Context(), actor(c), boards.CreateBoardInput{
		Title:       request.Title,
		SeedColumns: request.SeedColumns,
		SampleCards: request.SampleCards,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *httpHandler) handleGetBoard(c *gin.Context) {
	view, err := h.boards.GetBoard(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleRenameBoard(c *gin.Context) {
	var request renameBoardRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "boards.rename_board.invalid_request")
		return
	}
	board, err := h.boards.RenameBoard(c.Request.Context(), actor(c), c.Param("id"), request.Title)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}

func (h *httpHandler) handleDeleteBoard(c *gin.Context) {
	if err := h.boards.DeleteBoard(c.Request.Context(), actor(c), c.Param("id")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCreateColumn(c *gin.Context) {
	var request columnRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "boards.create_column.invalid_request")
		return
	}
	column, err := h.boards.CreateColumn(c.Request.Context(), actor(c), boards.CreateColumnInput{
		BoardID:  c.Param("id"),
		Title:    request.Title,
		Position: request.Position,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, column)
}

func (h *httpHandler) handleUpdateColumn(c *gin.Context) {
	var request columnRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "boards.update_column.invalid_request")
		return
	}
	column, err := h.boards.UpdateColumn(c.Request.Context(), actor(c), boards.UpdateColumnInput{
		BoardID:  c.Param("id"),
		ColumnID: c.Param("colId"),
		Title:    request.Title,
		Position: request.Position,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, column)
}

func (h *httpHandler) handleDeleteColumn(c *gin.Context) {
	if err := h.boards.DeleteColumn(c.Request.Context(), actor(c), c.Param("id"), c.Param("colId")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	var request collaboratorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "boards.add_collaborator.invalid_request")
		return
	}
	profile, err := h.boards.AddCollaborator(c.Request.Context(), actor(c), c.Param("id"), request.Login)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, profile)
}

func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	if err := h.boards.RemoveCollaborator(c.Request.Context(), actor(c), c.Param("id"), c.Param("login")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleStarBoard(c *gin.Context) {
	if err := h.boards.StarBoard(c.Request.Context(), actor(c), c.Param("id")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnstarBoard(c *gin.Context) {
	if err := h.boards.UnstarBoard(c.Request.Context(), actor(c), c.Param("id")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCreateCard(c *gin.Context) {
	var request createCardRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "boards.create_card.invalid_request")
		return
	}
	card, err := h.boards.CreateCard(c.Request.Context(), actor(c), boards.CreateCardInput{
		BoardID:     request.BoardID,
		ColumnID:    request.ColumnID,
		Title:       request.Title,
		Description: request.Description,
		Position:    request.Position,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, card)
}

func (h *httpHandler) handleUpdateCard(c *gin.Context) {
	var request updateCardRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "boards.update_card.invalid_request")
		return
	}
	card, err := h.boards.UpdateCard(c.Request.Context(), actor(c), boards.UpdateCardInput{
		BoardID:     c.Param("boardId"),
		CardID:      c.Param("cardId"),
		Title:       request.Title,
		Description: request.Description,
		ColumnID:    request.ColumnID,
		Position:    request.Position,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *httpHandler) handleDeleteCard(c *gin.Context) {
	if _, err := h.boards.DeleteCard(c.Request.Context(), actor(c), c.Param("boardId"), c.Param("cardId")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
