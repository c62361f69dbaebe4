package laboratory

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careflow/careflow/internal/domain/diagnostics"
	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/labs/:labId/orders", auth.RequireRole(auth.RoleLabTechnician))
	g.GET("/:id", h.Get)
	g.POST("/:id/accept", h.Accept)
	g.POST("/:id/results", h.UploadResults)
	g.POST("/:id/complete", h.Complete)
	g.POST("/:id/reject", h.Reject)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type transitionFunc func(h *Handler, c echo.Context, id uuid.UUID) (*diagnostics.LabExamination, error)

func (h *Handler) run(c echo.Context, fn transitionFunc) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	l, err := fn(h, c, id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, l)
}

func (h *Handler) Get(c echo.Context) error {
	return h.run(c, func(h *Handler, c echo.Context, id uuid.UUID) (*diagnostics.LabExamination, error) {
		return h.svc.Get(c.Request().Context(), c.Param("labId"), id)
	})
}

func (h *Handler) Accept(c echo.Context) error {
	return h.run(c, func(h *Handler, c echo.Context, id uuid.UUID) (*diagnostics.LabExamination, error) {
		return h.svc.Accept(c.Request().Context(), c.Param("labId"), id)
	})
}

type resultsRequest struct {
	Results []diagnostics.Result `json:"results"`
}

func (h *Handler) UploadResults(c echo.Context) error {
	var req resultsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.run(c, func(h *Handler, c echo.Context, id uuid.UUID) (*diagnostics.LabExamination, error) {
		return h.svc.UploadResults(c.Request().Context(), c.Param("labId"), id, req.Results)
	})
}

func (h *Handler) Complete(c echo.Context) error {
	return h.run(c, func(h *Handler, c echo.Context, id uuid.UUID) (*diagnostics.LabExamination, error) {
		return h.svc.Complete(c.Request().Context(), c.Param("labId"), id)
	})
}

func (h *Handler) Reject(c echo.Context) error {
	return h.run(c, func(h *Handler, c echo.Context, id uuid.UUID) (*diagnostics.LabExamination, error) {
		return h.svc.Reject(c.Request().Context(), c.Param("labId"), id)
	})
}
