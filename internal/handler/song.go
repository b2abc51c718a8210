package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/pitchtrainer/internal/model"
	"github.com/makeasinger/pitchtrainer/internal/service"
	"github.com/makeasinger/pitchtrainer/pkg/response"
)

type SongHandler struct {
	service   *service.SongService
	validator *validator.Validate
}

func NewSongHandler(svc *service.SongService, v *validator.Validate) *SongHandler {
	return &SongHandler{
		service:   svc,
		validator: v,
	}
}

// List handles GET /api/songs
// @Summary      List songs
// @Tags         Songs
// @Produce      json
// @Param        limit  query int    false "Page size (1-200)"
// @Param        offset query int    false "Offset"
// @Param        sort   query string false "created_at or name"
// @Param        order  query string false "asc or desc"
// @Success      200 {object} model.SongListResponse
// @Failure      400 {object} response.ErrorResponse
// @Router       /api/songs [get]
func (h *SongHandler) List(c *fiber.Ctx) error {
	var req model.SongListRequest
	if err := c.QueryParser(&req); err != nil {
		return response.ValidationError(c, "Invalid query parameters", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.List(c.UserContext(), req)
	if err != nil {
		return storeError(c, err)
	}

	return response.OK(c, result)
}

// Get handles GET /api/songs/:id
// @Summary      Get a song
// @Tags         Songs
// @Produce      json
// @Param        id path string true "Song ID"
// @Success      200 {object} model.Song
// @Failure      404 {object} response.ErrorResponse
// @Router       /api/songs/{id} [get]
func (h *SongHandler) Get(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.validID(id) {
		return response.ValidationError(c, "Invalid song ID", nil)
	}

	song, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return storeError(c, err)
	}

	return response.OK(c, song)
}

// Lyrics handles GET /api/songs/:id/lyrics
// @Summary      Get song lyrics
// @Tags         Songs
// @Produce      json
// @Param        id path string true "Song ID"
// @Success      200 {object} model.SongLyricsResponse
// @Failure      404 {object} response.ErrorResponse
// @Router       /api/songs/{id}/lyrics [get]
func (h *SongHandler) Lyrics(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.validID(id) {
		return response.ValidationError(c, "Invalid song ID", nil)
	}

	result, err := h.service.Lyrics(c.UserContext(), id)
	if err != nil {
		return storeError(c, err)
	}

	return response.OK(c, result)
}

// Delete handles DELETE /api/songs/:id
// @Summary      Delete a song
// @Description  Remove a song, its files and the jobs that produced it
// @Tags         Songs
// @Produce      json
// @Param        id path string true "Song ID"
// @Success      200 {object} model.SongDeleteResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Router       /api/songs/{id} [delete]
func (h *SongHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.validID(id) {
		return response.ValidationError(c, "Invalid song ID", nil)
	}

	result, err := h.service.Delete(c.UserContext(), id)
	if err != nil {
		return storeError(c, err)
	}

	return response.OK(c, result)
}

func (h *SongHandler) validID(id string) bool {
	return h.validator.Var(id, "required,uuid") == nil
}
