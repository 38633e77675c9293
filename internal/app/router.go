package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tresoria/backoffice/internal/audit"
	"github.com/tresoria/backoffice/internal/budget"
	"github.com/tresoria/backoffice/internal/disbursement"
	"github.com/tresoria/backoffice/internal/receipt"
	"github.com/tresoria/backoffice/internal/reporting"
	"github.com/tresoria/backoffice/internal/requisition"
	"github.com/tresoria/backoffice/internal/sequence"
	"github.com/tresoria/backoffice/internal/settings"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger *slog.Logger
	Config *Config

	BudgetHandler       *budget.Handler
	RequisitionHandler  *requisition.Handler
	DisbursementHandler *disbursement.Handler
	ReceiptHandler      *receipt.Handler
	SettingsHandler     *settings.Handler
	SequenceHandler     *sequence.Handler
	AuditHandler        *audit.Handler
	ReportingHandler    *reporting.Handler
	ReportingService    *reporting.Service
}

// NewRouter constructs the chi.Router with Tresoria defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(api chi.Router) {
		if params.ReportingService != nil {
			api.Use(reporting.BumpOnWrite(params.ReportingService))
		}

		api.Route("/budget", params.BudgetHandler.MountRoutes)
		api.Route("/requisitions", params.RequisitionHandler.MountRoutes)
		api.Route("/disbursements", params.DisbursementHandler.MountRoutes)
		api.Route("/receipts", params.ReceiptHandler.MountRoutes)
		api.Route("/settings", params.SettingsHandler.MountRoutes)
		api.Route("/references", params.SequenceHandler.MountRoutes)
		api.Route("/audit", params.AuditHandler.MountRoutes)
		api.Route("/reports", params.ReportingHandler.MountRoutes)
	})

	return r
}
