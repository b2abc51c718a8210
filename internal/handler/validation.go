package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/pitchtrainer/internal/store"
	"github.com/makeasinger/pitchtrainer/pkg/response"
)

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}

// storeError maps store failures onto the error envelope.
func storeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, store.ErrSongNotFound):
		return response.NotFound(c, "Song not found")
	case store.IsStorageError(err):
		return response.StorageError(c, "Storage unavailable")
	default:
		return response.ServiceError(c, err.Error())
	}
}
