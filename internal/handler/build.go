package handler

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/eztheme/builder/internal/artifact"
	"github.com/eztheme/builder/internal/billing"
	"github.com/eztheme/builder/internal/middleware"
	"github.com/eztheme/builder/internal/model"
	"github.com/eztheme/builder/internal/pipeline"
	"github.com/eztheme/builder/internal/service"
	"github.com/eztheme/builder/internal/store"
	ws "github.com/eztheme/builder/internal/websocket"
	"github.com/eztheme/builder/pkg/response"
)

const localSnapshot = "buildSnapshot"

type BuildHandler struct {
	service      *service.BuildService
	hub          *ws.Hub
	validator    *validator.Validate
	maxAssetSize int64
}

func NewBuildHandler(svc *service.BuildService, hub *ws.Hub, v *validator.Validate, maxAssetSize int64) *BuildHandler {
	return &BuildHandler{
		service:      svc,
		hub:          hub,
		validator:    v,
		maxAssetSize: maxAssetSize,
	}
}

// Create handles POST /api/builds
// @Summary      Create build
// @Description  Queue a theme build from a config object and an optional logo. Accepts JSON with a base64 logo or multipart with config and logo fields.
// @Tags         Builds
// @Accept       json,mpfd
// @Produce      json
// @Param        request body model.BuildCreateRequest true "Build request"
// @Success      202 {object} model.BuildResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      402 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/builds [post]
func (h *BuildHandler) Create(c *fiber.Ctx) error {
	var (
		in  service.CreateInput
		err error
	)
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		in, err = h.parseMultipart(c)
	} else {
		in, err = h.parseJSON(c)
	}
	if err != nil {
		return h.writeError(c, err)
	}
	in.Owner = middleware.GetUserID(c)

	job, err := h.service.Create(c.UserContext(), in)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Accepted(c, model.NewBuildResponse(job))
}

// requestError is a malformed create request
type requestError struct {
	message string
	details interface{}
}

func (e *requestError) Error() string { return e.message }

func (h *BuildHandler) parseJSON(c *fiber.Ctx) (service.CreateInput, error) {
	var req model.BuildCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return service.CreateInput{}, &requestError{message: "Invalid request body"}
	}
	if err := h.validator.Struct(&req); err != nil {
		return service.CreateInput{}, &requestError{message: "Validation failed", details: formatValidationErrors(err)}
	}

	in := service.CreateInput{Config: req.Config}
	if req.Logo != "" {
		logo, err := base64.StdEncoding.DecodeString(req.Logo)
		if err != nil {
			return service.CreateInput{}, &requestError{message: "logo must be base64"}
		}
		in.Logo = logo
	}
	return in, nil
}

func (h *BuildHandler) parseMultipart(c *fiber.Ctx) (service.CreateInput, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return service.CreateInput{}, &requestError{message: "Invalid multipart body"}
	}
	if len(form.Value["config"]) == 0 || form.Value["config"][0] == "" {
		return service.CreateInput{}, &requestError{message: "config is required"}
	}
	in := service.CreateInput{Config: []byte(form.Value["config"][0])}

	files := form.File["logo"]
	if len(files) == 0 {
		return in, nil
	}
	file := files[0]
	if h.maxAssetSize > 0 && file.Size > h.maxAssetSize {
		return service.CreateInput{}, &requestError{message: "Logo exceeds size limit", details: fiber.Map{
			"maxSize":  h.maxAssetSize,
			"fileSize": file.Size,
		}}
	}

	f, err := file.Open()
	if err != nil {
		return service.CreateInput{}, &requestError{message: "Invalid logo upload"}
	}
	defer f.Close()
	if in.Logo, err = io.ReadAll(f); err != nil {
		return service.CreateInput{}, &requestError{message: "Invalid logo upload"}
	}
	return in, nil
}

// List handles GET /api/builds
// @Summary      List builds
// @Tags         Builds
// @Produce      json
// @Param        page  query int false "Page, from 1"
// @Param        limit query int false "Page size, at most 100"
// @Success      200 {object} model.BuildListResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/builds [get]
func (h *BuildHandler) List(c *fiber.Ctx) error {
	result, err := h.service.List(c.UserContext(), middleware.GetUserID(c), c.QueryInt("page", 1), c.QueryInt("limit", service.DefaultPageLimit))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, result)
}

// Get handles GET /api/builds/:buildId
// @Summary      Get build
// @Tags         Builds
// @Produce      json
// @Param        buildId path string true "Build ID"
// @Success      200 {object} model.BuildResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/builds/{buildId} [get]
func (h *BuildHandler) Get(c *fiber.Ctx) error {
	job, err := h.service.Get(c.UserContext(), middleware.GetUserID(c), c.Params("buildId"))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, model.NewBuildResponse(job))
}

// Retry handles POST /api/builds/:buildId/retry
// @Summary      Retry build
// @Description  Rebuild from the stored config. Charged like a new build.
// @Tags         Builds
// @Produce      json
// @Param        buildId path string true "Build ID"
// @Success      202 {object} model.BuildResponse
// @Failure      402 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/builds/{buildId}/retry [post]
func (h *BuildHandler) Retry(c *fiber.Ctx) error {
	job, err := h.service.Retry(c.UserContext(), middleware.GetUserID(c), c.Params("buildId"))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Accepted(c, model.NewBuildResponse(job))
}

// Download handles GET /api/builds/:buildId/download
// @Summary      Download build artifact
// @Tags         Builds
// @Produce      application/zip
// @Param        buildId path string true "Build ID"
// @Success      200 {file} file
// @Success      302
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/builds/{buildId}/download [get]
func (h *BuildHandler) Download(c *fiber.Ctx) error {
	dl, err := h.service.Download(c.UserContext(), middleware.GetUserID(c), c.Params("buildId"))
	if err != nil {
		return h.writeError(c, err)
	}
	if dl.RedirectURL != "" {
		return c.Redirect(dl.RedirectURL, fiber.StatusFound)
	}

	c.Attachment(dl.Name)
	c.Set(fiber.HeaderContentType, "application/zip")
	return c.SendStream(dl.File, int(dl.Size))
}

// Credits handles GET /api/credits
// @Summary      Credit balance
// @Tags         Builds
// @Produce      json
// @Success      200 {object} model.CreditsResponse
// @Security     BearerAuth
// @Router       /api/credits [get]
func (h *BuildHandler) Credits(c *fiber.Ctx) error {
	result, err := h.service.Credits(c.UserContext(), middleware.GetUserID(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, result)
}

// WatchUpgrade guards GET /ws/builds/:buildId and loads the build's current
// state for the new subscriber
func (h *BuildHandler) WatchUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	job, err := h.service.Lookup(c.UserContext(), c.Params("buildId"))
	if err != nil {
		return h.writeError(c, err)
	}
	c.Locals(localSnapshot, ws.Snapshot(job))
	return c.Next()
}

// Watch streams progress of one build
func (h *BuildHandler) Watch() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		initial, _ := conn.Locals(localSnapshot).([]byte)
		h.hub.HandleConnection(conn, conn.Params("buildId"), initial)
	})
}

func (h *BuildHandler) writeError(c *fiber.Ctx, err error) error {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return response.ValidationError(c, reqErr.message, reqErr.details)
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Build not found")
	case errors.Is(err, model.ErrInvalidConfig), errors.Is(err, service.ErrAssetTooLarge):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, billing.ErrInsufficientFunds):
		credits, cerr := h.service.Credits(c.UserContext(), middleware.GetUserID(c))
		if cerr != nil {
			return response.InsufficientCredits(c, 0, 0)
		}
		return response.InsufficientCredits(c, credits.Balance, credits.PricePerBuild)
	case errors.Is(err, pipeline.ErrJobNotRetryable):
		return response.Conflict(c, response.CodeJobNotRetryable, "Build is processing and cannot be retried")
	case errors.Is(err, pipeline.ErrJobQueued):
		return response.Conflict(c, response.CodeJobQueued, "Build is already queued")
	case errors.Is(err, pipeline.ErrJobBusy):
		return response.Conflict(c, response.CodeJobBusy, "Build is already processing")
	case errors.Is(err, service.ErrNotCompleted):
		return response.NotCompleted(c, "Build not completed yet")
	case errors.Is(err, artifact.ErrArtifactMissing):
		slog.Error("artifact of completed build is missing", "path", c.Path(), "error", err)
		return response.DataIntegrity(c, "Build artifact is missing")
	default:
		slog.Error("request failed", "path", c.Path(), "error", err)
		return response.ServiceError(c, "Internal error")
	}
}

// formatValidationErrors formats validator errors for response
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
