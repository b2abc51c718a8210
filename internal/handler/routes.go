package handler

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/pitchtrainer/internal/middleware"
)

// Routes are the handlers and guards mounted on the app.
type Routes struct {
	Jobs         *JobHandler
	Songs        *SongHandler
	Health       *HealthHandler
	Auth         *middleware.AuthMiddleware
	RateLimiter  *middleware.RateLimiter
	UploadLimit  int
	UploadWindow time.Duration
	// SongsDir, when set, is served read-only under /songs.
	SongsDir string
}

// Register mounts every route on app.
func Register(app *fiber.App, r Routes) {
	app.Get("/", r.Health.Root)
	app.Get("/health", r.Health.Health)

	if r.SongsDir != "" {
		app.Static("/songs", r.SongsDir, fiber.Static{
			Browse: false,
			Next:   hiddenPath,
		})
	}

	api := app.Group("/api")

	songs := api.Group("/songs")
	songs.Post("/", r.Auth.Authenticate(), r.RateLimiter.UploadLimit(r.UploadLimit, r.UploadWindow), r.Jobs.Upload)
	songs.Get("/", r.Songs.List)
	songs.Get("/:id", r.Songs.Get)
	songs.Get("/:id/lyrics", r.Songs.Lyrics)
	songs.Delete("/:id", r.Auth.Authenticate(), r.Songs.Delete)

	api.Get("/jobs/:jobId", r.Jobs.Status)
}

// hiddenPath skips the static handler for any path with a dot-prefixed
// segment, such as the .staging, .trash and .locks dirs under songs/. Song
// names never start with a dot.
func hiddenPath(c *fiber.Ctx) bool {
	p := c.Path()
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	for _, segment := range strings.Split(p, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}
