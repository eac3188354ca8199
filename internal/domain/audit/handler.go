package audit

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleBillingSupervisor, auth.RoleAuditor))
	read.GET("/audit-log", h.ListEntries)
}

// ListEntries filters by case_id, entity_type, entity_id, action and actor.
func (h *Handler) ListEntries(c echo.Context) error {
	var f Filter
	if v := c.QueryParam("case_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid case_id")
		}
		f.CaseID = &id
	}
	if v := c.QueryParam("entity_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid entity_id")
		}
		f.EntityID = &id
	}
	f.EntityType = c.QueryParam("entity_type")
	f.Action = c.QueryParam("action")
	f.Actor = c.QueryParam("actor")

	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg, c.Request().URL.Path))
}
