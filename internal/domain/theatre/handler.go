package theatre

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hms/ipd/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, surgeon, physician, nurse
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleSurgeon, auth.RolePhysician, auth.RoleNurse))
	readGroup.GET("/theatre/workflow", h.GetWorkflow)
	readGroup.GET("/theatre/patients", h.ListBoard)
	readGroup.GET("/theatre/patients/:id", h.GetPatient)
	readGroup.GET("/theatre/patients/:id/history", h.GetHistory)

	// Board updates – theatre staff
	boardGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleSurgeon, auth.RoleNurse))
	boardGroup.POST("/theatre/patients", h.CreatePatient)
	boardGroup.POST("/theatre/patients/:id/transitions", h.Transition)
	boardGroup.PUT("/theatre/patients/:id/pre-op-checklist", h.UpdatePreOpChecklist)
	boardGroup.POST("/theatre/patients/:id/resources", h.AllocateResource)
	boardGroup.DELETE("/theatre/patients/:id/resources/:name", h.ReleaseResource)

	// Operative record – admin, surgeon
	surgeonGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleSurgeon))
	surgeonGroup.PUT("/theatre/patients/:id/intra-op-notes", h.UpdateIntraOpNotes)
}

func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrResourceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrConcurrentUpdate),
		errors.Is(err, ErrArchived), errors.Is(err, ErrResourceAllocated):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotesRequired):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) GetWorkflow(c echo.Context) error {
	return c.JSON(http.StatusOK, DescribeWorkflow())
}

type createPatientRequest struct {
	PatientID     string    `json:"patient_id" validate:"required,notblank"`
	PatientName   string    `json:"patient_name"`
	Priority      Priority  `json:"priority" validate:"required,oneof=Emergency Urgent Routine"`
	TheatreNumber string    `json:"theatre_number"`
	Surgeon       string    `json:"surgeon"`
	Surgery       string    `json:"surgery"`
	ScheduledAt   time.Time `json:"scheduled_at" validate:"required"`
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req createPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := &TheatrePatient{
		PatientID:     req.PatientID,
		PatientName:   req.PatientName,
		Priority:      req.Priority,
		TheatreNumber: req.TheatreNumber,
		Surgeon:       req.Surgeon,
		Surgery:       req.Surgery,
		ScheduledAt:   req.ScheduledAt,
	}
	if err := h.svc.CreatePatient(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, h.svc.View(p))
}

func (h *Handler) ListBoard(c echo.Context) error {
	items, err := h.svc.ListBoard(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	views := make([]PatientView, len(items))
	for i, p := range items {
		views[i] = h.svc.View(p)
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.View(p))
}

func (h *Handler) GetHistory(c echo.Context) error {
	items, err := h.svc.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type transitionRequest struct {
	Status Status `json:"status" validate:"required"`
	Notes  string `json:"notes"`
}

func (h *Handler) Transition(c echo.Context) error {
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	p, err := h.svc.Transition(ctx, c.Param("id"), req.Status, req.Notes, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.View(p))
}

func (h *Handler) UpdatePreOpChecklist(c echo.Context) error {
	var req PreOpChecklist
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdatePreOpChecklist(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.View(p))
}

type intraOpNotesRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) UpdateIntraOpNotes(c echo.Context) error {
	var req intraOpNotesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdateIntraOpNotes(c.Request().Context(), c.Param("id"), req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.View(p))
}

func (h *Handler) AllocateResource(c echo.Context) error {
	var req Resource
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.AllocateResource(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, h.svc.View(p))
}

func (h *Handler) ReleaseResource(c echo.Context) error {
	p, err := h.svc.ReleaseResource(c.Request().Context(), c.Param("id"), c.Param("name"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.View(p))
}
