package ledger

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler serves public reads of ledger state.
type Handler struct {
	records *RecordLedger
	claims  *ClaimLedger
}

func NewHandler(records *RecordLedger, claims *ClaimLedger) *Handler {
	return &Handler{records: records, claims: claims}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/ledger")
	g.GET("/claims/:id", h.GetClaim)
	g.GET("/records/:patient", h.GetRecords)
}

func (h *Handler) GetClaim(c echo.Context) error {
	entry, err := h.claims.GetClaim(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

type recordsResponse struct {
	Patient string        `json:"patient"`
	Count   int           `json:"count"`
	Records []RecordEntry `json:"records"`
}

func (h *Handler) GetRecords(c echo.Context) error {
	entries, err := h.records.GetRecords(c.Param("patient"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, recordsResponse{
		Patient: c.Param("patient"),
		Count:   len(entries),
		Records: entries,
	})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrClaimNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrDuplicateClaim), errors.Is(err, ErrClaimResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "ledger read failed")
	}
}
