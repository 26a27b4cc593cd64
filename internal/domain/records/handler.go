package records

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthchain/healthchain/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/records", h.UploadRecord, auth.RequireRole(auth.RoleDoctor))
	api.GET("/records/:subject", h.GetRecords, auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleInsurer))
}

type uploadRequest struct {
	PatientWalletAddress string          `json:"patient_wallet_address"`
	RecordData           json.RawMessage `json:"record_data"`
}

type recordsResponse struct {
	Patient string   `json:"patient"`
	Count   int      `json:"count"`
	Records []Record `json:"records"`
}

func (h *Handler) UploadRecord(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.UploadRecord(c.Request().Context(), id, req.PatientWalletAddress, req.RecordData)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetRecords(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	recs, err := h.svc.GetRecords(c.Request().Context(), id, c.Param("subject"))
	if err != nil {
		return httpError(err)
	}
	patient, _ := auth.NormalizeAddress(c.Param("subject"))
	return c.JSON(http.StatusOK, recordsResponse{Patient: patient, Count: len(recs), Records: recs})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
