package syncer

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrsync/internal/syncrun"
	"github.com/ehr/ehrsync/pkg/pagination"
)

type Handler struct {
	orch *Orchestrator
	runs syncrun.Repository
}

func NewHandler(orch *Orchestrator, runs syncrun.Repository) *Handler {
	return &Handler{orch: orch, runs: runs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/sync", h.TriggerSync)
	api.GET("/sync/runs", h.ListRuns)
	api.GET("/sync/runs/:id", h.GetRun)
}

type triggerRequest struct {
	Entities []string `json:"entities"`
	Scope    *string  `json:"scope"`
	Since    *string  `json:"since"`
}

// ParseSince accepts an RFC 3339 timestamp or a bare date (midnight UTC).
func ParseSince(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, errors.New("since must be an RFC 3339 timestamp or a YYYY-MM-DD date")
	}
	return &t, nil
}

func (h *Handler) TriggerSync(c echo.Context) error {
	var body triggerRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req := Request{Entities: body.Entities, Scope: body.Scope}
	if body.Since != nil {
		since, err := ParseSince(*body.Since)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		req.Since = since
	}

	run, err := h.orch.Run(c.Request().Context(), req)
	switch {
	case errors.Is(err, ErrUnknownEntity):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRunInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start sync run")
	}
	return c.JSON(http.StatusOK, NewResponse(run))
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg := pagination.FromContext(c)
	runs, total, err := h.runs.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sync runs")
	}
	if runs == nil {
		runs = []*syncrun.SyncRun{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(runs, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sync run id")
	}
	run, err := h.runs.GetByID(c.Request().Context(), id)
	if errors.Is(err, syncrun.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "sync run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load sync run")
	}
	return c.JSON(http.StatusOK, run)
}
