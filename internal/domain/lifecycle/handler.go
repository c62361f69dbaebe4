package lifecycle

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

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
	readGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RolePatient))
	// Doctors and admins lazily create a missing lifecycle here. Patients get 404.
	readGroup.GET("/appointments/:appointmentId/lifecycle", h.GetByAppointment)
	readGroup.GET("/lifecycles/:id", h.GetLifecycle)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	writeGroup.POST("/lifecycles", h.Init)
	writeGroup.POST("/lifecycles/:id/events", h.AddEvent)
	writeGroup.PATCH("/lifecycles/:id/status", h.UpdateStatus)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Init(c echo.Context) error {
	var in InitInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	l, err := h.svc.Init(ctx, in, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, l)
}

// GetByAppointment creates a Booked lifecycle when the appointment has none
// and the caller is a doctor.
func (h *Handler) GetByAppointment(c echo.Context) error {
	ctx := c.Request().Context()
	appointmentID := c.Param("appointmentId")
	var (
		v   *View
		err error
	)
	if auth.HasRole(auth.RolesFromContext(ctx), auth.RoleDoctor) {
		v, err = h.svc.Get(ctx, appointmentID, auth.UserIDFromContext(ctx))
	} else {
		v, err = h.svc.Find(ctx, appointmentID)
	}
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetLifecycle(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetByID(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) AddEvent(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in AddEventInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	in.LifecycleID = id
	in.ActorID = auth.UserIDFromContext(ctx)
	e, err := h.svc.AddEvent(ctx, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, e)
}

type statusRequest struct {
	Status       Status  `json:"status"`
	ClosureNotes *string `json:"closure_notes"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	l, err := h.svc.UpdateStatus(ctx, id, req.Status, auth.UserIDFromContext(ctx), req.ClosureNotes)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, l)
}
