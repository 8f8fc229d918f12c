package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/service"
)

// TransactionRequest is the body of POST /api/transactions. The timestamp
// is kept as text so zone-less layouts can be accepted as UTC.
type TransactionRequest struct {
	TransactionID    string          `json:"transactionId"`
	UserID           string          `json:"userId"`
	Amount           decimal.Decimal `json:"amount"`
	MerchantID       string          `json:"merchantId"`
	MerchantCategory string          `json:"merchantCategory"`
	DeviceID         string          `json:"deviceId"`
	LocationState    string          `json:"locationState"`
	LocationCountry  string          `json:"locationCountry"`
	Channel          string          `json:"channel"`
	Timestamp        string          `json:"timestamp"`
}

func (r *TransactionRequest) toTransaction() (*domain.Transaction, error) {
	if r.Timestamp == "" {
		return nil, domain.InvalidArgument("timestamp is required")
	}
	ts, err := domain.ParseTimestamp(r.Timestamp)
	if err != nil {
		return nil, err
	}
	return &domain.Transaction{
		TransactionID:    r.TransactionID,
		UserID:           r.UserID,
		Amount:           r.Amount,
		MerchantID:       r.MerchantID,
		MerchantCategory: r.MerchantCategory,
		DeviceID:         r.DeviceID,
		LocationState:    r.LocationState,
		LocationCountry:  r.LocationCountry,
		Channel:          r.Channel,
		Timestamp:        ts,
	}, nil
}

func (h *handler) submitTransaction(c echo.Context) error {
	var req TransactionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	tx, err := req.toTransaction()
	if err != nil {
		return err
	}

	rec, err := h.svc.Transactions.Submit(c.Request().Context(), tx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *handler) listTransactions(c echo.Context) error {
	req, err := pageParams(c)
	if err != nil {
		return err
	}
	category, err := domain.ParseRiskCategory(c.QueryParam("riskCategory"))
	if err != nil {
		return err
	}

	page, err := h.svc.Transactions.List(c.Request().Context(), domain.EvaluationFilter{RiskCategory: category}, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (h *handler) searchTransactions(c echo.Context) error {
	req, err := pageParams(c)
	if err != nil {
		return err
	}
	filter := domain.EvaluationFilter{
		TransactionID: c.QueryParam("transactionId"),
		UserID:        c.QueryParam("userId"),
		MerchantID:    c.QueryParam("merchantId"),
	}
	if filter.RiskCategory, err = domain.ParseRiskCategory(c.QueryParam("riskCategory")); err != nil {
		return err
	}
	if filter.StartDate, err = domain.ParseDate(c.QueryParam("startDate")); err != nil {
		return err
	}
	if filter.EndDate, err = domain.ParseDate(c.QueryParam("endDate")); err != nil {
		return err
	}

	page, err := h.svc.Transactions.List(c.Request().Context(), filter, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (h *handler) getTransaction(c echo.Context) error {
	rec, err := h.svc.Transactions.Get(c.Request().Context(), c.Param("transactionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *handler) stats(c echo.Context) error {
	stats, err := h.svc.Transactions.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *handler) userSummary(c echo.Context) error {
	sum, err := h.svc.Transactions.UserSummary(c.Request().Context(), c.Param("userId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *handler) timeseries(c echo.Context) error {
	days, err := intParam(c, "days", service.DefaultTimeseriesDays)
	if err != nil {
		return err
	}
	data, err := h.svc.Transactions.Timeseries(c.Request().Context(), days)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": data})
}

func (h *handler) seed(c echo.Context) error {
	count, err := intParam(c, "count", h.svc.Admin.DefaultSeedCount())
	if err != nil {
		return err
	}
	res, err := h.svc.Admin.Seed(c.Request().Context(), count)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
