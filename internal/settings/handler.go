package settings

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tresoria/backoffice/internal/platform/httpx"
)

// Handler exposes the settings and cash closing endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers settings routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.getSettings)
	r.Patch("/", h.updateSettings)
	r.Get("/closings", h.listClosings)
	r.Post("/closings", h.closeDrawer)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	current, err := h.service.Get(r.Context())
	if err != nil {
		h.logger.Error("get settings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, current)
}

type updateRequest struct {
	BlockOverruns *bool            `json:"blockOverruns"`
	OverrunRoles  *[]string        `json:"overrunRoles"`
	PresidentLine *string          `json:"presidentLine"`
	TreasurerLine *string          `json:"treasurerLine"`
	ExchangeRate  *decimal.Decimal `json:"exchangeRate"`
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}

	updated, err := h.service.Update(r.Context(), UpdateInput{
		BlockOverruns: req.BlockOverruns,
		OverrunRoles:  req.OverrunRoles,
		PresidentLine: req.PresidentLine,
		TreasurerLine: req.TreasurerLine,
		ExchangeRate:  req.ExchangeRate,
	})
	if err != nil {
		h.logger.Error("update settings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) listClosings(w http.ResponseWriter, r *http.Request) {
	closings, err := h.service.ListClosings(r.Context())
	if err != nil {
		h.logger.Error("list cash closings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, closings)
}

type closeDrawerRequest struct {
	ClosedThrough string `json:"closedThrough"`
}

func (h *Handler) closeDrawer(w http.ResponseWriter, r *http.Request) {
	var req closeDrawerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	closedThrough, err := time.Parse("2006-01-02", req.ClosedThrough)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "closedThrough must be YYYY-MM-DD")
		return
	}

	closing, err := h.service.CloseDrawer(r.Context(), closedThrough)
	if err != nil {
		h.logger.Error("close drawer", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, closing)
}
