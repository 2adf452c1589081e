package record

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/basco1979/pacientes-bot/internal/platform/auth"
	"github.com/basco1979/pacientes-bot/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/records", auth.RequireRole("admin", "therapist"))
	g.GET("", h.ListRecords)
	g.GET("/:id", h.GetRecord)
	g.POST("", h.CreateRecord)
	g.POST("/:id/pay", h.MarkPaid)
	g.POST("/:id/unpay", h.MarkUnpaid)
}

type paymentRequest struct {
	Amount float64 `json:"amount"`
}

func (h *Handler) CreateRecord(c echo.Context) error {
	var in NewRecord
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Insert(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// ListRecords serves GET /records. Filters are exclusive and checked in the
// order unpaid, month, q; without filters the latest records are returned.
// limit and offset page through the result.
func (h *Handler) ListRecords(c echo.Context) error {
	ctx := c.Request().Context()
	page := pagination.FromContext(c)
	var (
		items []*Record
		total = -1
		err   error
	)
	switch {
	case c.QueryParam("unpaid") == "true":
		items, err = h.svc.ListUnpaid(ctx)
	case c.QueryParam("month") != "":
		p, perr := ParseMonth(c.QueryParam("month"), h.svc.Location())
		if perr != nil {
			return httpError(perr)
		}
		items, err = h.svc.ListByPeriod(ctx, p)
	case c.QueryParam("q") != "":
		items, err = h.svc.Search(ctx, c.QueryParam("q"))
	default:
		// Only the rows up to this page are read; the total comes from a count.
		if items, err = h.svc.Latest(ctx, page.End()); err == nil {
			total, err = h.svc.Count(ctx)
		}
	}
	if err != nil {
		return httpError(err)
	}
	if total < 0 {
		total = len(items)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, page), total, page))
}

func (h *Handler) MarkPaid(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.MarkPaid(c.Request().Context(), id, req.Amount); err != nil {
		return httpError(err)
	}
	return h.GetRecord(c)
}

func (h *Handler) MarkUnpaid(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.MarkUnpaid(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return h.GetRecord(c)
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrFormat):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
