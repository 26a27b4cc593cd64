// Package assist exposes the model-backed helpers that are not part of the
// claim pipeline: structuring doctor notes and explaining rejections.
package assist

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthchain/healthchain/internal/platform/auth"
	"github.com/healthchain/healthchain/internal/platform/fraud"
)

type Handler struct {
	assessor fraud.Assessor
	logger   zerolog.Logger
}

func NewHandler(assessor fraud.Assessor, logger zerolog.Logger) *Handler {
	return &Handler{assessor: assessor, logger: logger.With().Str("component", "assist").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/assist/structure", h.StructureNotes, auth.RequireRole(auth.RoleDoctor))
	api.POST("/assist/explain", h.Explain, auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleHospital, auth.RoleInsurer))
}

type structureRequest struct {
	Notes string `json:"notes"`
}

type explainRequest struct {
	TechnicalReason string `json:"technical_reason"`
}

type explainResponse struct {
	Explanation string `json:"explanation"`
}

func (h *Handler) StructureNotes(c echo.Context) error {
	var req structureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Notes) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "notes is required")
	}
	p, err := h.assessor.Structure(c.Request().Context(), req.Notes)
	if err != nil {
		return h.upstreamError(err, "structure notes")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Explain(c echo.Context) error {
	var req explainRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.TechnicalReason) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "technical_reason is required")
	}
	text, err := h.assessor.Explain(c.Request().Context(), req.TechnicalReason)
	if err != nil {
		return h.upstreamError(err, "explain")
	}
	return c.JSON(http.StatusOK, explainResponse{Explanation: text})
}

func (h *Handler) upstreamError(err error, op string) error {
	h.logger.Warn().Err(err).Str("op", op).Msg("assessor call failed")
	switch {
	case errors.Is(err, fraud.ErrAssessorDisabled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, fraud.ErrMalformed), errors.Is(err, fraud.ErrEmptyResponse):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
