package api

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/banking/fraud-service/internal/domain"
)

// intParam reads an optional integer query parameter
func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.InvalidArgument("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

// pageParams reads page, size and snapshot. Range checks are left to
// PageRequest.Validate.
func pageParams(c echo.Context) (domain.PageRequest, error) {
	page, err := intParam(c, "page", 0)
	if err != nil {
		return domain.PageRequest{}, err
	}
	size, err := intParam(c, "size", domain.DefaultPageSize)
	if err != nil {
		return domain.PageRequest{}, err
	}
	req := domain.PageRequest{Page: page, Size: size}

	if raw := c.QueryParam("snapshot"); raw != "" {
		req.Snapshot, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.PageRequest{}, domain.InvalidArgument("snapshot must be an integer, got %q", raw)
		}
	}
	return req, nil
}

func alertID(c echo.Context) (int64, error) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domain.InvalidArgument("alert id must be an integer, got %q", raw)
	}
	return id, nil
}
