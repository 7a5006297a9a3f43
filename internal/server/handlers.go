package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/aristath/productteam/internal/aggregator"
	"github.com/aristath/productteam/internal/engine"
	"github.com/aristath/productteam/internal/planner"
	"github.com/aristath/productteam/internal/query"
)

// SubmitRequest is the body of POST /runs.
type SubmitRequest struct {
	Query       string `json:"query"`
	Stage       string `json:"stage,omitempty"`
	PriorReport string `json:"prior_report,omitempty"`
}

// SubmitResponse acknowledges an accepted run.
type SubmitResponse struct {
	ID        string `json:"id"`
	StatusURL string `json:"status_url"`
	ReportURL string `json:"report_url"`
}

// PlanningErrorResponse describes a rejected plan.
type PlanningErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Role  string `json:"role,omitempty"`
}

// RoleView is the public description of a role.
type RoleView struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Stage       string   `json:"stage"`
	Inputs      []string `json:"inputs"`
	Outputs     []string `json:"outputs"`
	Concurrency string   `json:"concurrency"`
	Cost        float64  `json:"cost"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// listRoles handles GET /roles.
func (s *Server) listRoles(c echo.Context) error {
	roles := s.engine.ListRoles()
	out := make([]RoleView, 0, len(roles))
	for _, r := range roles {
		v := RoleView{
			ID:          r.ID,
			Description: r.Description,
			Stage:       r.Stage,
			Outputs:     r.Outputs,
			Concurrency: string(r.Concurrency),
			Cost:        r.Cost,
		}
		for _, in := range r.Inputs {
			v.Inputs = append(v.Inputs, in.Name)
		}
		out = append(out, v)
	}
	return c.JSON(http.StatusOK, out)
}

// submitRun handles POST /runs.
func (s *Server) submitRun(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	q := query.New(req.Query, req.Stage)
	q.PriorReport = req.PriorReport

	id, err := s.engine.Submit(c.Request().Context(), q)
	if err != nil {
		var perr *planner.PlanningError
		if errors.As(err, &perr) {
			return c.JSON(http.StatusUnprocessableEntity, PlanningErrorResponse{
				Error: perr.Error(),
				Kind:  perr.Kind,
				Role:  perr.Role,
			})
		}
		switch {
		case errors.Is(err, engine.ErrClosed):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, engine.ErrPriorReport):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{
		ID:        id,
		StatusURL: "/runs/" + id,
		ReportURL: "/runs/" + id + "/report",
	})
}

// getRun handles GET /runs/:id.
func (s *Server) getRun(c echo.Context) error {
	st, err := s.engine.GetRunStatus(c.Param("id"))
	if err != nil {
		return lookupError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// getReport handles GET /runs/:id/report?format=json|md|yaml.
func (s *Server) getReport(c echo.Context) error {
	format := strings.ToLower(c.QueryParam("format"))
	if format == "" {
		format = aggregator.FormatJSON
	}

	report, err := s.engine.GetReport(c.Param("id"))
	if err != nil {
		return lookupError(err)
	}

	switch format {
	case aggregator.FormatJSON:
		return c.JSON(http.StatusOK, report)
	case aggregator.FormatMarkdown, "markdown":
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(aggregator.RenderMarkdown(report)))
	case aggregator.FormatYAML, "yml":
		data, err := aggregator.RenderYAML(report)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.Blob(http.StatusOK, "application/yaml", data)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown format "+format)
	}
}

// cancelRun handles DELETE /runs/:id.
func (s *Server) cancelRun(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Cancel(id); err != nil {
		return lookupError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func lookupError(err error) error {
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrReportNotReady):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
