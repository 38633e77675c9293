package sequence

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tresoria/backoffice/internal/platform/httpx"
	"github.com/tresoria/backoffice/internal/shared"
)

// Handler exposes standalone reference issuance. Workflow documents obtain
// their references inside their own transactions; this endpoint serves
// callers that number documents managed outside the engine.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sequence routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.issue)
}

type issueRequest struct {
	DocType string `json:"docType"`
}

type issueResponse struct {
	Reference string `json:"reference"`
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	if _, ok := shared.ActorFromContext(r.Context()); !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "an acting identity is required")
		return
	}
	var req issueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	ref, err := h.service.IssueReference(r.Context(), req.DocType)
	if err != nil {
		h.logger.Error("issue reference", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, issueResponse{Reference: ref})
}
