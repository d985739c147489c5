package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/ParkWatch/internal/config"
	"github.com/Spatial-NVR/ParkWatch/internal/orchestrator"
)

// CameraRunner is the orchestrator surface the camera routes drive
type CameraRunner interface {
	Start(cfg config.CameraConfig) (orchestrator.StartResult, error)
	Stop(cameraID string) error
	Wait(ctx context.Context, cameraID string) error
	StatusAll() map[string]orchestrator.CameraStatus
	Status(cameraID string) (orchestrator.CameraStatus, bool)
}

// CameraSource supplies configured cameras
type CameraSource interface {
	GetCamera(id string) *config.CameraConfig
	ListCameras() []config.CameraConfig
	FillCameraDefaults(cam *config.CameraConfig)
	UpsertCamera(cam config.CameraConfig) error
}

// CameraHandler handles camera lifecycle API requests
type CameraHandler struct {
	cameras CameraSource
	runner  CameraRunner
	logger  *slog.Logger
}

// NewCameraHandler creates a new camera handler
func NewCameraHandler(cameras CameraSource, runner CameraRunner) *CameraHandler {
	return &CameraHandler{
		cameras: cameras,
		runner:  runner,
		logger:  slog.Default().With("component", "api.cameras"),
	}
}

// Routes returns the camera routes
func (h *CameraHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/status", h.StatusAll)
	r.Put("/{id}", h.Save)
	r.Get("/{id}/status", h.Status)
	r.Post("/{id}/start", h.Start)
	r.Post("/{id}/stop", h.Stop)

	return r
}

// CameraView is a configured camera with its current worker status
type CameraView struct {
	ID              string                     `json:"id"`
	Name            string                     `json:"name"`
	Source          string                     `json:"source"`
	Autostart       bool                       `json:"autostart"`
	RetentionDays   int                        `json:"retention_days"`
	TargetFPS       int                        `json:"target_fps"`
	RestrictedAreas []config.AreaConfig        `json:"restricted_areas"`
	Status          *orchestrator.CameraStatus `json:"status,omitempty"`
}

func newCameraView(cam config.CameraConfig, statuses map[string]orchestrator.CameraStatus) CameraView {
	view := CameraView{
		ID:              cam.ID,
		Name:            cam.Name,
		Source:          SanitizeStreamURL(cam.Source),
		Autostart:       cam.Autostart,
		RetentionDays:   cam.RetentionDays,
		TargetFPS:       cam.TargetFPS,
		RestrictedAreas: cam.RestrictedAreas,
	}
	if view.RestrictedAreas == nil {
		view.RestrictedAreas = []config.AreaConfig{}
	}
	if st, ok := statuses[cam.ID]; ok {
		view.Status = &st
	}
	return view
}

// List lists configured cameras
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	cameras := h.cameras.ListCameras()
	statuses := h.runner.StatusAll()

	views := make([]CameraView, 0, len(cameras))
	for _, cam := range cameras {
		views = append(views, newCameraView(cam, statuses))
	}

	JSONWithMeta(w, http.StatusOK, views, &Meta{Total: len(views)})
}

// Save writes a camera entry to the config file. A running worker keeps
// its old config until it is restarted.
func (h *CameraHandler) Save(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := config.ValidateCameraID(id); err != nil {
		BadRequest(w, err.Error())
		return
	}

	var cam config.CameraConfig
	if err := json.NewDecoder(r.Body).Decode(&cam); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}
	cam.ID = id
	// Passwords are never accepted over JSON
	if existing := h.cameras.GetCamera(id); existing != nil {
		cam.Stream.Password = existing.Stream.Password
	}
	h.cameras.FillCameraDefaults(&cam)

	if errs := cam.Validate(); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	if err := h.cameras.UpsertCamera(cam); err != nil {
		h.logger.Error("Failed to save camera", "camera", id, "error", err)
		InternalError(w, "Failed to save camera")
		return
	}

	h.logger.Info("Saved camera config", "camera", id)
	OK(w, newCameraView(cam, h.runner.StatusAll()))
}

// StatusAll returns the status of every camera the orchestrator knows
func (h *CameraHandler) StatusAll(w http.ResponseWriter, r *http.Request) {
	statuses := h.runner.StatusAll()

	list := make([]orchestrator.CameraStatus, 0, len(statuses))
	for _, st := range statuses {
		list = append(list, st)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CameraID < list[j].CameraID })

	JSONWithMeta(w, http.StatusOK, list, &Meta{Total: len(list)})
}

// Status returns one camera's status
func (h *CameraHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, ok := h.runner.Status(id)
	if !ok {
		NotFound(w, "Camera is not being processed")
		return
	}
	OK(w, st)
}

// Start starts processing a camera. The configured entry is the base; a
// JSON body overrides any fields it sets. Cameras missing from the config
// can be started ad hoc with a full body.
func (h *CameraHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := config.ValidateCameraID(id); err != nil {
		BadRequest(w, err.Error())
		return
	}

	var cam config.CameraConfig
	configured := h.cameras.GetCamera(id)
	if configured != nil {
		cam = *configured
	}

	hasBody := false
	if r.Body != nil && r.ContentLength != 0 {
		err := json.NewDecoder(r.Body).Decode(&cam)
		switch {
		case err == nil:
			hasBody = true
		case errors.Is(err, io.EOF):
		default:
			BadRequest(w, "Invalid request body")
			return
		}
	}

	if configured == nil && !hasBody {
		NotFound(w, "Camera not found")
		return
	}

	cam.ID = id
	h.cameras.FillCameraDefaults(&cam)

	result, err := h.runner.Start(cam)
	if err != nil {
		var verrs config.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			ValidationErrorResponse(w, verrs)
		case errors.Is(err, orchestrator.ErrShuttingDown):
			Unavailable(w, err.Error())
		default:
			h.logger.Error("Failed to start camera", "camera", id, "error", err)
			InternalError(w, err.Error())
		}
		return
	}

	if !result.Success {
		JSON(w, http.StatusConflict, result)
		return
	}
	Accepted(w, result)
}

// stopWaitLimit bounds how long ?wait=true holds the request open
const stopWaitLimit = 10 * time.Second

// Stop stops processing a camera. The worker winds down asynchronously
// unless ?wait=true asks to block until it has exited.
func (h *CameraHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.runner.Stop(id); err != nil {
		if errors.Is(err, orchestrator.ErrNotRunning) {
			NotFound(w, "Camera is not being processed")
			return
		}
		InternalError(w, err.Error())
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), stopWaitLimit)
		defer cancel()
		if err := h.runner.Wait(ctx, id); err == nil {
			if st, ok := h.runner.Status(id); ok {
				OK(w, st)
				return
			}
		} else {
			h.logger.Warn("Camera still stopping", "camera", id, "error", err)
		}
	}

	Accepted(w, map[string]string{
		"camera_id": id,
		"status":    "stopping",
	})
}
