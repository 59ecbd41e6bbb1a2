package mirror

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/finmirror/internal/ledger"
	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
)

// SyncService is implemented by *Syncer.
type SyncService interface {
	Sync(ctx context.Context, entity EntityType, opts Options) (RunReport, error)
	SyncAll(ctx context.Context, opts Options) []RunReport
	Status(ctx context.Context) (StatusReport, error)
}

// JournalRegenerator rebuilds the journal after a sync when asked to.
type JournalRegenerator interface {
	RegenerateAll(ctx context.Context, sourceType ledger.SourceType, triggeredBy string) (ledger.GenerationReport, error)
}

// Handler exposes sync trigger and status endpoints.
type Handler struct {
	logger    *slog.Logger
	service   SyncService
	journal   JournalRegenerator
	validator *validator.Validate
}

// NewHandler constructs a Handler. journal may be nil, which disables generate_journal.
func NewHandler(logger *slog.Logger, service SyncService, journal JournalRegenerator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, journal: journal, validator: validator.New()}
}

// MountRoutes registers sync routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sync", h.triggerSync)
	r.Get("/sync/status", h.status)
}

type syncRequest struct {
	EntityType      string `json:"entity_type" validate:"omitempty,oneof=products thirdparties contacts bank_accounts projects customer_invoices supplier_invoices payments salaries"`
	Mode            string `json:"mode" validate:"omitempty,oneof=full incremental"`
	GenerateJournal bool   `json:"generate_journal"`
}

type syncResponse struct {
	Runs    []RunReport              `json:"runs"`
	Journal *ledger.GenerationReport `json:"journal,omitempty"`
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", verrs[0].Field()+" is invalid")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	if req.GenerateJournal && h.journal == nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "journal generation is not available")
		return
	}

	opts := Options{Mode: Mode(req.Mode), TriggeredBy: "api"}
	var resp syncResponse
	if req.EntityType != "" {
		report, err := h.service.Sync(r.Context(), EntityType(req.EntityType), opts)
		if errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrUnknownEntity) {
			httpx.RespondError(w, err)
			return
		}
		resp.Runs = []RunReport{report}
	} else {
		resp.Runs = h.service.SyncAll(r.Context(), opts)
	}

	if req.GenerateJournal {
		report, err := h.journal.RegenerateAll(r.Context(), "", "api")
		if err != nil {
			h.logger.Error("journal regeneration after sync", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		resp.Journal = &report
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Status(r.Context())
	if err != nil {
		h.logger.Error("sync status", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}
