package diagnostics

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleDoctor))
	g.POST("/lab-orders", h.CreateLabOrders)
	g.GET("/lab-orders/:id", h.GetLabExam)
	g.GET("/patients/:patientId/lab-orders", h.ListLabExamsByPatient)
	g.POST("/lab-orders/:id/route", h.RouteLabOrder)
	g.POST("/lab-orders/:id/results", h.PostLabResults)
	g.PATCH("/lab-orders/:id/status", h.UpdateLabStatus)

	g.POST("/imaging-orders", h.CreateImagingOrder)
	g.GET("/imaging-orders/:id", h.GetImagingReport)
	g.POST("/imaging-orders/:id/report", h.PostImagingReport)
	g.PATCH("/imaging-orders/:id/status", h.UpdateImagingStatus)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Lab Handlers --

func (h *Handler) CreateLabOrders(c echo.Context) error {
	var in LabOrderInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.DoctorID == "" {
		in.DoctorID = auth.UserIDFromContext(c.Request().Context())
	}
	exams, err := h.svc.CreateLabOrders(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, exams)
}

func (h *Handler) GetLabExam(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	l, err := h.svc.GetLabExam(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, l)
}

func (h *Handler) ListLabExamsByPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListLabExamsByPatient(c.Request().Context(), c.Param("patientId"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*LabExamination{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.Request().URL.Path))
}

type routeRequest struct {
	LabID string `json:"lab_id"`
}

func (h *Handler) RouteLabOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req routeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l, err := h.svc.RouteLabOrder(c.Request().Context(), id, req.LabID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, l)
}

type resultsRequest struct {
	Results []Result `json:"results"`
}

func (h *Handler) PostLabResults(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req resultsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l, err := h.svc.PostLabResults(c.Request().Context(), id, req.Results)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, l)
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) UpdateLabStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l, err := h.svc.UpdateLabStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, l)
}

// -- Imaging Handlers --

func (h *Handler) CreateImagingOrder(c echo.Context) error {
	var in ImagingOrderInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.DoctorID == "" {
		in.DoctorID = auth.UserIDFromContext(c.Request().Context())
	}
	ir, err := h.svc.CreateImagingOrder(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, ir)
}

func (h *Handler) GetImagingReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ir, err := h.svc.GetImagingReport(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, ir)
}

func (h *Handler) PostImagingReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ImagingReportInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ir, err := h.svc.PostImagingReport(c.Request().Context(), id, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, ir)
}

func (h *Handler) UpdateImagingStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ir, err := h.svc.UpdateImagingStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, ir)
}
