package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/service"
)

// StatusRequest is the body of PUT /api/alerts/:id/status. Omitted or null
// notes keep the existing notes.
type StatusRequest struct {
	Status       string  `json:"status"`
	AnalystNotes *string `json:"analystNotes"`
}

func (h *handler) listAlerts(c echo.Context) error {
	req, err := pageParams(c)
	if err != nil {
		return err
	}
	var filter domain.AlertFilter
	if raw := c.QueryParam("status"); raw != "" {
		if filter.Status, err = domain.ParseAlertStatus(raw); err != nil {
			return err
		}
	}

	page, err := h.svc.Alerts.List(c.Request().Context(), filter, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (h *handler) openAlerts(c echo.Context) error {
	status := domain.AlertStatusNew
	if raw := c.QueryParam("status"); raw != "" {
		var err error
		if status, err = domain.ParseAlertStatus(raw); err != nil {
			return err
		}
	}
	limit, err := intParam(c, "limit", service.DefaultOpenAlertsLimit)
	if err != nil {
		return err
	}
	if limit == 0 {
		return domain.InvalidArgument("limit must be positive")
	}

	alerts, err := h.svc.Alerts.ListOpen(c.Request().Context(), status, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, alerts)
}

func (h *handler) getAlert(c echo.Context) error {
	id, err := alertID(c)
	if err != nil {
		return err
	}
	alert, err := h.svc.Alerts.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, alert)
}

func (h *handler) updateAlertStatus(c echo.Context) error {
	id, err := alertID(c)
	if err != nil {
		return err
	}
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Status == "" {
		return domain.InvalidArgument("status is required")
	}
	status, err := domain.ParseAlertStatus(req.Status)
	if err != nil {
		return err
	}

	alert, err := h.svc.Alerts.UpdateStatus(c.Request().Context(), id, domain.StatusUpdate{
		Status:       status,
		AnalystNotes: req.AnalystNotes,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, alert)
}

// ResetResponse is returned by POST /api/admin/reset
type ResetResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Deleted domain.ResetResult `json:"deleted"`
}

func (h *handler) reset(c echo.Context) error {
	res, err := h.svc.Admin.Reset(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ResetResponse{
		Success: true,
		Message: fmt.Sprintf("Deleted %d transactions, %d alerts and %d user baselines",
			res.Transactions, res.Alerts, res.UserBaselines),
		Deleted: res,
	})
}
