package lot

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oncolot/oncolot/internal/domain/drug"
	"github.com/oncolot/oncolot/internal/domain/rules"
	"github.com/oncolot/oncolot/internal/platform/auth"
	"github.com/oncolot/oncolot/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, oncologist, analyst
	readGroup := api.Group("", auth.RequireRole("admin", "oncologist", "analyst"))
	readGroup.GET("/patients/:patientID/administrations", h.ListAdministrations)
	readGroup.GET("/patients/:patientID/lines", h.PatientLines)
	readGroup.GET("/lot/runs", h.ListRuns)
	readGroup.GET("/lot/runs/:id", h.GetRun)
	readGroup.GET("/lot/runs/:id/results", h.RunResults)
	readGroup.GET("/lot/runs/:id/export", h.ExportRun)
	readGroup.GET("/rules", h.GetRules)

	// Write endpoints – admin, oncologist
	writeGroup := api.Group("", auth.RequireRole("admin", "oncologist"))
	writeGroup.POST("/administrations", h.IngestAdministrations)
	writeGroup.POST("/lot/runs", h.RunCohort)
}

func (h *Handler) IngestAdministrations(c echo.Context) error {
	var rows []IngestRow
	if err := c.Bind(&rows); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(rows) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty batch")
	}
	n, err := h.svc.IngestAdministrations(c.Request().Context(), rows)
	if err != nil {
		var ingErr *IngestError
		var classErr *drug.ClassificationError
		if errors.As(err, &ingErr) || errors.As(err, &classErr) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]int{"inserted": n})
}

func (h *Handler) ListAdministrations(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAdministrations(c.Request().Context(), c.Param("patientID"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) PatientLines(c echo.Context) error {
	// source=stored reads the latest completed run; the default computes on
	// demand from stored administrations.
	if c.QueryParam("source") == "stored" {
		lines, err := h.svc.StoredPatientLines(c.Request().Context(), c.Param("patientID"))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, err.Error())
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, lines)
	}

	result, err := h.svc.PatientLines(c.Request().Context(), c.Param("patientID"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		var classErr *drug.ClassificationError
		if errors.As(err, &classErr) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) RunCohort(c echo.Context) error {
	run, err := h.svc.RunCohort(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, run)
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRuns(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.svc.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) RunResults(c echo.Context) error {
	results, err := h.svc.RunResults(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, results)
}

// ExportRun streams a run's results as CSV, either the per-event detail or
// the per-line summary.
func (h *Handler) ExportRun(c echo.Context) error {
	results, err := h.svc.RunResults(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	switch c.QueryParam("format") {
	case "", "summary":
		c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="lot_summary.csv"`)
		c.Response().WriteHeader(http.StatusOK)
		return WriteSummaryCSV(c.Response(), results)
	case "detail":
		c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="lot_detail.csv"`)
		c.Response().WriteHeader(http.StatusOK)
		return WriteDetailCSV(c.Response(), results)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be summary or detail")
	}
}

// GetRules reports the resolved rule parameters in effect.
func (h *Handler) GetRules(c echo.Context) error {
	r := h.svc.Rules()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"cancer_type":                    r.CancerType,
		"fingerprint":                    r.Fingerprint,
		"gap_restart_days":               r.GapRestartDays,
		"initial_window_days":            rules.InitialWindowDays,
		"biologic_general_window_days":   r.BiologicGeneralWindowDays,
		"biologic_exception_window_days": r.BiologicExceptionWindowDays,
		"chemo_supplement_window_days":   r.ChemoSupplementWindowDays,
		"standard_regimens":              r.StandardRegimens,
	})
}
