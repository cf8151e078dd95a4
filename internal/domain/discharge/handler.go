package discharge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/hms/ipd/internal/platform/auth"
	"github.com/hms/ipd/internal/platform/blobstore"
	"github.com/hms/ipd/internal/platform/recordstore"
	"github.com/hms/ipd/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

var wardRoles = []string{
	auth.RoleAdmin, auth.RolePhysician, auth.RoleNurse,
	auth.RoleBilling, auth.RolePharmacist, auth.RoleSecurity,
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every ward role, including the security desk
	readGroup := api.Group("", auth.RequireRole(wardRoles...))
	readGroup.GET("/visits/:visit_id", h.GetVisit)
	readGroup.GET("/visits/:visit_id/discharge-checklist", h.GetChecklist)
	readGroup.GET("/visits/:visit_id/discharge-readiness", h.GetReadiness)
	readGroup.GET("/visits/:visit_id/discharge-summary", h.DownloadSummary)
	readGroup.GET("/visits/:visit_id/gate-pass", h.GetGatePass)
	readGroup.GET("/visits/:visit_id/gate-pass/print", h.PrintGatePass)
	readGroup.GET("/gate-passes", h.ListGatePasses)
	readGroup.GET("/gate-passes/export.xlsx", h.ExportGatePasses)

	// Checklist sign-offs – clinical, pharmacy, billing and security staff
	checklistGroup := api.Group("", auth.RequireRole(wardRoles...))
	checklistGroup.PUT("/visits/:visit_id/discharge-checklist", h.SetChecklistField)

	// Clinical endpoints – admin, physician
	clinicalGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePhysician))
	clinicalGroup.PUT("/visits/:visit_id/discharge-date", h.SetDischargeDate)
	clinicalGroup.POST("/visits/:visit_id/discharge-summary", h.UploadSummary)

	// Issuance and registration – admin, nurse, billing
	deskGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleNurse, auth.RoleBilling))
	deskGroup.POST("/visits", h.CreateVisit)
	deskGroup.POST("/visits/:visit_id/gate-pass", h.GenerateGatePass)
}

// httpError maps service errors onto HTTP statuses.
func httpError(err error) *echo.HTTPError {
	var issued *AlreadyIssuedError
	switch {
	case errors.As(err, &issued):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"message":          err.Error(),
			"gate_pass_number": issued.GatePassNumber,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPreconditionFailed):
		return echo.NewHTTPError(http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, ErrIssuanceInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidField), errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, blobstore.ErrInvalidContentType), errors.Is(err, blobstore.ErrMissingFileName):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrAlreadyIssued), errors.Is(err, recordstore.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// -- Visits --

type createVisitRequest struct {
	VisitID     string `json:"visit_id" validate:"required,ident"`
	PatientID   string `json:"patient_id" validate:"required"`
	PatientName string `json:"patient_name"`
}

func (h *Handler) CreateVisit(c echo.Context) error {
	var req createVisitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v := &Visit{VisitID: req.VisitID, PatientID: req.PatientID, PatientName: req.PatientName}
	if err := h.svc.CreateVisit(c.Request().Context(), v); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	v, err := h.svc.GetVisit(c.Request().Context(), c.Param("visit_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

type dischargeDateRequest struct {
	DischargeDate json.RawMessage `json:"discharge_date"`
}

// SetDischargeDate sets the planned date, or clears it when the body carries
// an explicit "discharge_date": null. A body without the field is rejected.
func (h *Handler) SetDischargeDate(c echo.Context) error {
	var req dischargeDateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	raw := bytes.TrimSpace(req.DischargeDate)
	if len(raw) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "discharge_date is required; send null to clear it")
	}
	var date *time.Time
	if !bytes.Equal(raw, []byte("null")) {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("discharge_date must be an RFC 3339 timestamp: %v", err))
		}
		date = &t
	}
	v, err := h.svc.SetDischargeDate(c.Request().Context(), c.Param("visit_id"), date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// -- Checklist --

type checklistResponse struct {
	*DischargeChecklist
	Exists bool `json:"exists"`
}

func (h *Handler) GetChecklist(c echo.Context) error {
	visitID := c.Param("visit_id")
	cl, err := h.svc.GetChecklist(c.Request().Context(), visitID)
	if err != nil {
		return httpError(err)
	}
	if cl == nil {
		return c.JSON(http.StatusOK, checklistResponse{DischargeChecklist: NewChecklist(visitID)})
	}
	return c.JSON(http.StatusOK, checklistResponse{DischargeChecklist: cl, Exists: true})
}

type setFieldRequest struct {
	Field string `json:"field" validate:"required"`
	Value any    `json:"value"`
}

func (h *Handler) SetChecklistField(c echo.Context) error {
	var req setFieldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	cl, err := h.svc.SetField(c.Request().Context(), c.Param("visit_id"), req.Field, req.Value)
	if err != nil {
		he := httpError(err)
		if cl == nil {
			return he
		}
		// Hand the previous state back so the client can undo its optimistic tick.
		return c.JSON(he.Code, map[string]any{
			"message":   err.Error(),
			"checklist": cl,
		})
	}
	return c.JSON(http.StatusOK, checklistResponse{DischargeChecklist: cl, Exists: true})
}

func (h *Handler) GetReadiness(c echo.Context) error {
	view, err := h.svc.GetReadiness(c.Request().Context(), c.Param("visit_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// -- Discharge summary --

func (h *Handler) UploadSummary(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	if fh.Size > blobstore.MaxFileSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, blobstore.ErrFileTooLarge.Error())
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, blobstore.MaxFileSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	contentType := strings.SplitN(mimetype.Detect(data).String(), ";", 2)[0]

	meta := blobstore.BlobMetadata{
		FileName:    fh.Filename,
		ContentType: contentType,
		CreatedBy:   auth.UserIDFromContext(c.Request().Context()),
	}
	stored, err := h.svc.UploadDischargeSummary(c.Request().Context(), c.Param("visit_id"), meta, bytes.NewReader(data))
	if err != nil {
		if stored != nil {
			return c.JSON(httpError(err).Code, map[string]any{"message": err.Error(), "document": stored})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (h *Handler) DownloadSummary(c echo.Context) error {
	rc, meta, err := h.svc.LatestDischargeSummary(c.Request().Context(), c.Param("visit_id"))
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", meta.FileName))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

// -- Gate pass --

func (h *Handler) GenerateGatePass(c echo.Context) error {
	ctx := c.Request().Context()
	gp, err := h.svc.GenerateGatePass(ctx, c.Param("visit_id"), auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, gp)
}

func (h *Handler) GetGatePass(c echo.Context) error {
	p, err := h.svc.FetchGatePass(c.Request().Context(), c.Param("visit_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) PrintGatePass(c echo.Context) error {
	p, err := h.svc.FetchGatePass(c.Request().Context(), c.Param("visit_id"))
	if err != nil {
		return httpError(err)
	}
	var buf bytes.Buffer
	if err := RenderGatePass(&buf, p); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

func (h *Handler) ListGatePasses(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListGatePasses(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *Handler) ExportGatePasses(c echo.Context) error {
	items, _, err := h.svc.ListGatePasses(c.Request().Context(), 0, 0)
	if err != nil {
		return httpError(err)
	}
	data, err := ExportRegister(items)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	name := fmt.Sprintf("discharge-register-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, xlsxContentType, data)
}
