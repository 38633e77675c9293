package budget

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tresoria/backoffice/internal/platform/httpx"
)

// Handler exposes the budget ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers budget routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/exercises", h.listExercises)
	r.Post("/exercises/initialize", h.initializeExercise)
	r.Get("/exercises/{year}/tree", h.exerciseTree)
	r.Post("/exercises/{year}/vote", h.voteExercise)
	r.Post("/exercises/{year}/close", h.closeExercise)
	r.Post("/exercises/{year}/reopen", h.reopenExercise)
	r.Post("/exercises/{year}/import", h.importLines)
	r.Post("/lines", h.createLine)
	r.Patch("/lines/{id}", h.updateLine)
	r.Delete("/lines/{id}", h.deleteLine)
	r.Post("/lines/{id}/restore", h.restoreLine)
	r.Get("/lines/{id}/rollup", h.lineRollUp)
}

type createLineRequest struct {
	Year       int             `json:"year" validate:"required,min=1900,max=9999"`
	Code       string          `json:"code" validate:"required"`
	Label      string          `json:"label" validate:"required"`
	Type       LineType        `json:"type" validate:"required,oneof=REVENUE EXPENSE"`
	ParentID   *int64          `json:"parentId"`
	ParentCode string          `json:"parentCode"`
	Planned    decimal.Decimal `json:"planned"`
}

func (h *Handler) createLine(w http.ResponseWriter, r *http.Request) {
	var req createLineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	line, err := h.service.CreateLine(r.Context(), CreateLineInput{
		Year:       req.Year,
		Code:       req.Code,
		Label:      req.Label,
		Type:       req.Type,
		ParentID:   req.ParentID,
		ParentCode: req.ParentCode,
		Planned:    req.Planned,
	})
	if err != nil {
		h.logger.Error("create budget line", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, line)
}

type updateLineRequest struct {
	Label   *string          `json:"label"`
	Planned *decimal.Decimal `json:"planned"`
	Active  *bool            `json:"active"`
}

func (h *Handler) updateLine(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req updateLineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}

	line, err := h.service.UpdateLine(r.Context(), id, UpdateLineInput{
		Label:   req.Label,
		Planned: req.Planned,
		Active:  req.Active,
	})
	if err != nil {
		h.logger.Error("update budget line", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, line)
}

func (h *Handler) deleteLine(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteLine(r.Context(), id); err != nil {
		h.logger.Error("delete budget line", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) restoreLine(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.RestoreLine(r.Context(), id); err != nil {
		h.logger.Error("restore budget line", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lineRollUp(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	ru, err := h.service.RollUpLine(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ru)
}

func (h *Handler) listExercises(w http.ResponseWriter, r *http.Request) {
	exercises, err := h.service.ListExercises(r.Context())
	if err != nil {
		h.logger.Error("list exercises", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, exercises)
}

func (h *Handler) exerciseTree(w http.ResponseWriter, r *http.Request) {
	year, ok := parseYear(w, r)
	if !ok {
		return
	}
	tree, err := h.service.LineTree(r.Context(), year)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tree)
}

func (h *Handler) voteExercise(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "vote exercise", h.service.VoteExercise)
}

func (h *Handler) closeExercise(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "close exercise", h.service.CloseExercise)
}

func (h *Handler) reopenExercise(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "reopen exercise", h.service.ReopenExercise)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, int) (Exercise, error)) {
	year, ok := parseYear(w, r)
	if !ok {
		return
	}
	ex, err := fn(r.Context(), year)
	if err != nil {
		h.logger.Error(op, slog.Any("error", err), slog.Int("year", year))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ex)
}

type importRowRequest struct {
	Code       string          `json:"code"`
	Label      string          `json:"label"`
	ParentCode string          `json:"parentCode"`
	Planned    decimal.Decimal `json:"planned"`
}

type importRequest struct {
	Type LineType           `json:"type" validate:"required,oneof=REVENUE EXPENSE"`
	Rows []importRowRequest `json:"rows" validate:"required,min=1"`
}

func (h *Handler) importLines(w http.ResponseWriter, r *http.Request) {
	year, ok := parseYear(w, r)
	if !ok {
		return
	}
	var req importRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	rows := make([]ImportRow, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, ImportRow{
			Code:       row.Code,
			Label:      row.Label,
			ParentCode: row.ParentCode,
			Planned:    row.Planned,
		})
	}
	result, err := h.service.ImportLines(r.Context(), year, req.Type, rows)
	if err != nil {
		h.logger.Error("import budget lines", slog.Any("error", err), slog.Int("year", year))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type initializeRequest struct {
	SourceYear        int             `json:"sourceYear" validate:"required"`
	TargetYear        int             `json:"targetYear" validate:"required"`
	GrowthCoefficient decimal.Decimal `json:"growthCoefficient"`
	Overwrite         bool            `json:"overwrite"`
}

func (h *Handler) initializeExercise(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	ex, err := h.service.InitializeNextExercise(r.Context(), InitializeInput{
		SourceYear:        req.SourceYear,
		TargetYear:        req.TargetYear,
		GrowthCoefficient: req.GrowthCoefficient,
		Overwrite:         req.Overwrite,
	})
	if err != nil {
		h.logger.Error("initialize exercise", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ex)
}

func parseID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "path parameter must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseYear(w http.ResponseWriter, r *http.Request) (int, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 1900 || year > 9999 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Year", "path parameter must be a four digit year")
		return 0, false
	}
	return year, true
}
