package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"minutes-api/domain"
	"minutes-api/engine"
)

// ResolveChainsJob is the run guard key shared by the HTTP route and the CLI.
const ResolveChainsJob = "resolve-chains"

type handlers struct {
	svc   Service
	auth  Authenticator
	guard RunGuard
	log   *log.Logger
}

// operation runs one authenticated request and returns the status and body
// to send.
type operation func(c echo.Context, actor string, m *requestMetrics) (int, any, error)

// Register wires up all API routes on the provided Echo instance. guard may
// be nil when only one instance runs.
func Register(e *echo.Echo, svc Service, auth Authenticator, guard RunGuard, logger *log.Logger) {
	if logger == nil {
		panic("Logger is not initialized")
	}
	h := &handlers{svc: svc, auth: auth, guard: guard, log: logger}

	g := e.Group("/api", RequestBodyMiddleware(maxRequestBodySize))
	h.route(g, http.MethodGet, "/minutes/:id", h.getMinute)
	h.route(g, http.MethodPut, "/minutes/:id", h.saveMinute)
	h.route(g, http.MethodDelete, "/minutes/:id", h.deleteMinute)
	h.route(g, http.MethodPost, "/minutes/:id/finalize", h.finalizeMinute)
	h.route(g, http.MethodPost, "/minutes/:id/reopen", h.reopenMinute)
	h.route(g, http.MethodPost, "/minutes/:id/imports", h.applyImports)
	h.route(g, http.MethodPost, "/series/:seriesId/minutes", h.createMinute)
	h.route(g, http.MethodGet, "/series/:seriesId/pending-imports", h.pendingImports)
	h.route(g, http.MethodPost, "/series/:seriesId/import-tasks", h.importTasks)
	h.route(g, http.MethodGet, "/series/:seriesId/tasks", h.seriesTasks)
	h.route(g, http.MethodPatch, "/tasks/:id", h.patchTask)
	h.route(g, http.MethodPost, "/admin/resolve-chains", h.resolveChains)

	e.GET("/healthz", healthz)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (h *handlers) route(g *echo.Group, method, path string, op operation) {
	g.Add(method, path, h.handle("/api"+path, op))
}

func (h *handlers) handle(route string, op operation) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, ctx := newRequestMetrics(c.Request().Context(), h.log, c.Request().Method, route)
		c.SetRequest(c.Request().WithContext(ctx))
		var failure error
		defer func() {
			metrics.Log(c.Response().Status, failure)
		}()

		authStart := time.Now()
		actor, err := h.auth.ActorFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			metrics.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		metrics.SetActor(actor)

		opStart := time.Now()
		status, body, err := op(c, actor, metrics)
		metrics.ObserveOperation(time.Since(opStart))
		if err != nil {
			if metrics.errorStage == "" {
				metrics.SetErrorStage("operation")
			}
			code, resp := errorStatus(err)
			if code >= http.StatusInternalServerError {
				failure = err
				h.log.WithError(err).WithFields(log.Fields{"route": route, "actor": actor}).Error("request failed")
			}
			return c.JSON(code, resp)
		}
		if body == nil {
			return c.NoContent(status)
		}
		return c.JSON(status, body)
	}
}

func decodeBody(c echo.Context, m *requestMetrics, v any) error {
	start := time.Now()
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	m.ObserveDecode(time.Since(start))
	if err != nil {
		m.SetErrorStage("decode")
		return domain.Invalid("body", "invalid JSON body")
	}
	return nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, domain.Invalid("date", "required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, domain.Invalid("date", fmt.Sprintf("unrecognized date %q", raw))
}

func (h *handlers) getMinute(c echo.Context, actor string, _ *requestMetrics) (int, any, error) {
	m, err := h.svc.GetMinute(c.Request().Context(), actor, c.Param("id"))
	return http.StatusOK, m, err
}

func (h *handlers) createMinute(c echo.Context, actor string, metrics *requestMetrics) (int, any, error) {
	var req createMinuteRequest
	if err := decodeBody(c, metrics, &req); err != nil {
		return 0, nil, err
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return 0, nil, err
	}
	m, err := h.svc.CreateMinute(c.Request().Context(), actor, c.Param("seriesId"), date)
	return http.StatusCreated, m, err
}

func (h *handlers) saveMinute(c echo.Context, actor string, metrics *requestMetrics) (int, any, error) {
	var req saveMinuteRequest
	if err := decodeBody(c, metrics, &req); err != nil {
		return 0, nil, err
	}
	res, err := h.svc.SaveMinute(c.Request().Context(), actor, c.Param("id"), req.Topics, req.Finalize)
	if err != nil {
		return 0, nil, err
	}
	failed := len(res.Sync.Failed)
	if res.Cascade != nil {
		failed += len(res.Cascade.Failed)
	}
	metrics.SetFailures(failed)
	return http.StatusOK, res, nil
}

func (h *handlers) finalizeMinute(c echo.Context, actor string, metrics *requestMetrics) (int, any, error) {
	res, err := h.svc.FinalizeMinute(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return 0, nil, err
	}
	metrics.SetFailures(len(res.Cascade.Failed))
	return http.StatusOK, res, nil
}

func (h *handlers) reopenMinute(c echo.Context, actor string, metrics *requestMetrics) (int, any, error) {
	var req reopenRequest
	if err := decodeBody(c, metrics, &req); err != nil {
		return 0, nil, err
	}
	m, err := h.svc.ReopenMinute(c.Request().Context(), actor, c.Param("id"), req.Reason)
	return http.StatusOK, m, err
}

func (h *handlers) deleteMinute(c echo.Context, actor string, metrics *requestMetrics) (int, any, error) {
	report, err := h.svc.DeleteMinute(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return 0, nil, err
	}
	metrics.SetFailures(len(report.Failed))
	return http.StatusOK, report, nil
}

func (h *handlers) pendingImports(c echo.Context, actor string, _ *requestMetrics) (int, any, error) {
	res, err := h.svc.PendingImports(c.Request().Context(), actor, c.Param("seriesId"), c.QueryParam("currentMinuteId"))
	return http.StatusOK, res, err
}

func (h *handlers) applyImports(c echo.Context, actor string, metrics *requestMetrics) (int, any, error) {
	res, err := h.svc.ApplyImports(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return 0, nil, err
	}
	if res.Sync != nil {
		metrics.SetFailures(len(res.Sync.Failed))
	}
	return http.StatusOK, res, nil
}

func (h *handlers) importTasks(c echo.Context, actor string, metrics *requestMetrics) (int, any, error) {
	var req importTasksRequest
	if err := decodeBody(c, metrics, &req); err != nil {
		return 0, nil, err
	}
	res, err := h.svc.ImportTasks(c.Request().Context(), actor, engine.ImportRequest{
		SourceSeriesID: req.SourceSeriesID,
		TargetSeriesID: c.Param("seriesId"),
		TaskIDs:        req.TaskIDs,
	})
	if err != nil {
		return 0, nil, err
	}
	metrics.SetFailures(len(res.Failed))
	return http.StatusOK, res, nil
}

func (h *handlers) seriesTasks(c echo.Context, actor string, metrics *requestMetrics) (int, any, error) {
	includeClosed := false
	if raw := strings.TrimSpace(c.QueryParam("includeClosed")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			metrics.SetErrorStage("invalid_include_closed")
			return 0, nil, domain.Invalid("includeClosed", "must be a boolean")
		}
		includeClosed = v
	}
	tasks, err := h.svc.SeriesTasks(c.Request().Context(), actor, c.Param("seriesId"), includeClosed)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, seriesTasksResponse{Tasks: tasks}, nil
}

func (h *handlers) patchTask(c echo.Context, actor string, metrics *requestMetrics) (int, any, error) {
	var req taskPatchRequest
	if err := decodeBody(c, metrics, &req); err != nil {
		return 0, nil, err
	}
	t, err := h.svc.UpdateTaskProgress(c.Request().Context(), actor, c.Param("id"), req)
	return http.StatusOK, t, err
}

func (h *handlers) resolveChains(c echo.Context, actor string, metrics *requestMetrics) (int, any, error) {
	ctx := c.Request().Context()
	if h.guard != nil {
		holder := actor + "/" + uuid.NewString()
		ok, err := h.guard.Acquire(ctx, ResolveChainsJob, holder)
		if err != nil {
			metrics.SetErrorStage("run_guard")
			return 0, nil, err
		}
		if !ok {
			metrics.SetErrorStage("run_guard")
			return 0, nil, errRunInProgress
		}
		defer func() {
			if err := h.guard.Release(context.WithoutCancel(ctx), ResolveChainsJob, holder); err != nil {
				h.log.WithError(err).Warn("run guard release failed")
			}
		}()
		defer KeepAlive(ctx, h.guard, ResolveChainsJob, holder, h.log)()
	}
	report, err := h.svc.ResolveChains(ctx, actor)
	if err != nil {
		return 0, nil, err
	}
	metrics.SetFailures(len(report.Failed))
	return http.StatusOK, report, nil
}
