package reporting

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/tresoria/backoffice/internal/platform/httpx"
)

const flowWindowMonths = 12

// Handler exposes the report endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	now     func() time.Time
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, now: time.Now}
}

// MountRoutes registers reporting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/dashboard", h.dashboard)
	r.Get("/flows", h.flows)
	r.Get("/exercises/{year}/summary", h.summary)
}

type dashboardResponse struct {
	Flows    []MonthlyFlow   `json:"flows"`
	Workflow WorkflowCounts  `json:"workflow"`
	Summary  ExerciseSummary `json:"summary"`
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1-flowWindowMonths, 0)
	to := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)

	var data dashboardResponse
	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		flows, err := h.service.CashFlow(ctx, from, to)
		if err != nil {
			return err
		}
		data.Flows = flows
		return nil
	})

	g.Go(func() error {
		counts, err := h.service.Workflow(ctx)
		if err != nil {
			return err
		}
		data.Workflow = counts
		return nil
	})

	g.Go(func() error {
		summary, err := h.service.Summary(ctx, now.Year())
		if err != nil {
			return err
		}
		data.Summary = summary
		return nil
	})

	if err := g.Wait(); err != nil {
		h.logger.Error("dashboard", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, data)
}

func (h *Handler) flows(w http.ResponseWriter, r *http.Request) {
	to := time.Date(h.now().Year(), h.now().Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	from := to.AddDate(0, -flowWindowMonths, 0)

	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse("2006-01", raw); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Parameter", "from must be formatted YYYY-MM")
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse("2006-01", raw); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Parameter", "to must be formatted YYYY-MM")
			return
		}
		to = to.AddDate(0, 1, 0)
	}
	if !from.Before(to) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Parameter", "from must precede to")
		return
	}

	flows, err := h.service.CashFlow(r.Context(), from, to)
	if err != nil {
		h.logger.Error("cash flows", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, flows)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Parameter", "year must be an integer")
		return
	}
	summary, err := h.service.Summary(r.Context(), year)
	if err != nil {
		h.logger.Error("exercise summary", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

// BumpOnWrite invalidates report caches after any successful mutation.
// Mounted around the mutating API routes so reports never serve data older
// than the configured TTL after a write.
func BumpOnWrite(service *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() < 400 {
				service.Invalidate(context.WithoutCancel(r.Context()))
			}
		})
	}
}
