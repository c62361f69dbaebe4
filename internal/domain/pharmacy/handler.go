package pharmacy

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
	g := api.Group("/pharmacies/:pharmacyId", auth.RequireRole(auth.RolePharmacist))
	g.GET("/orders", h.ListOrders)
	g.GET("/orders/:id", h.GetOrder)
	g.POST("/orders/:id/accept", h.Accept)
	g.POST("/orders/:id/ready", h.MarkReady)
	g.POST("/orders/:id/dispense", h.Dispense)
	g.POST("/orders/:id/reject", h.Reject)
	g.POST("/orders/:id/cancel", h.Cancel)

	g.POST("/inventory", h.CreateInventory)
	g.GET("/inventory/:id", h.GetInventory)
	g.GET("/inventory/:id/movements", h.ListMovements)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Order Handlers --

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	var status *OrderStatus
	if v := c.QueryParam("status"); v != "" {
		s := OrderStatus(v)
		status = &s
	}
	items, total, err := h.svc.ListOrders(c.Request().Context(), c.Param("pharmacyId"), status, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*Order{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.Request().URL.Path))
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), c.Param("pharmacyId"), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Accept(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.Accept(c.Request().Context(), c.Param("pharmacyId"), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) MarkReady(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.MarkReady(c.Request().Context(), c.Param("pharmacyId"), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Dispense(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in DispenseInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Dispense(c.Request().Context(), c.Param("pharmacyId"), id, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, o)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Reject(c.Request().Context(), c.Param("pharmacyId"), id, req.Reason)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.Cancel(c.Request().Context(), c.Param("pharmacyId"), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, o)
}

// -- Inventory Handlers --

func (h *Handler) CreateInventory(c echo.Context) error {
	var in InventoryInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inv, err := h.svc.CreateInventory(c.Request().Context(), c.Param("pharmacyId"), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInventory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInventory(c.Request().Context(), c.Param("pharmacyId"), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListMovements(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListMovements(c.Request().Context(), c.Param("pharmacyId"), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*StockMovement{}
	}
	return c.JSON(http.StatusOK, items)
}
