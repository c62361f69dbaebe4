package medication

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
	g.POST("/prescriptions", h.CreatePrescription)
	g.GET("/prescriptions/:id", h.GetPrescription)
	g.GET("/prescriptions/:id/transactions", h.ListTransactions)
	g.GET("/patients/:patientId/prescriptions", h.ListByPatient)
	g.POST("/prescriptions/:id/send", h.SendPrescription)
	g.POST("/prescriptions/:id/cancel", h.CancelPrescription)
	g.POST("/prescriptions/:id/refill", h.RefillPrescription)
	g.POST("/prescriptions/:id/route", h.RouteToPharmacy)
	g.DELETE("/prescriptions/:id/route", h.CancelRouting)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	var in CreatePrescriptionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.DoctorID == "" {
		in.DoctorID = auth.UserIDFromContext(c.Request().Context())
	}
	p, err := h.svc.CreatePrescription(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPrescription(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListTransactions(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*ErxTransaction{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPrescriptionsByPatient(c.Request().Context(), c.Param("patientId"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*Prescription{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.Request().URL.Path))
}

type transactionResponse struct {
	Prescription *Prescription   `json:"prescription"`
	Transaction  *ErxTransaction `json:"transaction"`
}

func (h *Handler) SendPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, t, err := h.svc.SendPrescription(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusAccepted, transactionResponse{Prescription: p, Transaction: t})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.CancelPrescription(c.Request().Context(), id, req.Reason)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RefillPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, t, err := h.svc.RefillPrescription(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusAccepted, transactionResponse{Prescription: p, Transaction: t})
}

func (h *Handler) RouteToPharmacy(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in RouteInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.RouteToPharmacy(c.Request().Context(), id, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) CancelRouting(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, n, err := h.svc.CancelRouting(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"prescription": p, "orders_cancelled": n})
}
