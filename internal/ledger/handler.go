package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
	"github.com/odyssey-erp/finmirror/internal/shared"
)

// Handler exposes journal query and regeneration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers journal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/journal", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/totals", h.totals)
		r.Get("/orphans", h.orphans)
		r.Post("/regenerate", h.regenerate)
		r.Post("/lock", h.lock)
	})
}

type listResponse struct {
	Entries    []Entry           `json:"entries"`
	Pagination shared.Pagination `json:"pagination"`
}

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	f := Filter{
		AccountCode: q.Get("account_code"),
		JournalCode: q.Get("journal_code"),
		SourceType:  SourceType(q.Get("source_type")),
		SourceID:    q.Get("source_id"),
	}
	for name, dst := range map[string]**time.Time{"date_from": &f.DateFrom, "date_to": &f.DateTo} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", httpx.ErrValidation, name)
		}
		*dst = &d
	}
	var err error
	if f.Page, err = httpx.QueryInt(r, "page", 1); err != nil {
		return Filter{}, err
	}
	if f.PerPage, err = httpx.QueryInt(r, "per_page", 50); err != nil {
		return Filter{}, err
	}
	return f, nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, page, err := h.service.List(r.Context(), f)
	if err != nil {
		h.fail(w, "list journal", err)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Entries: entries, Pagination: page})
}

func (h *Handler) totals(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	totals, err := h.service.Totals(r.Context(), f)
	if err != nil {
		h.fail(w, "journal totals", err)
		return
	}
	if totals == nil {
		totals = []AccountTotal{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"totals": totals})
}

func (h *Handler) orphans(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.Orphans(r.Context())
	if err != nil {
		h.fail(w, "journal orphans", err)
		return
	}
	if groups == nil {
		groups = []OrphanGroup{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orphans": groups})
}

type regenerateRequest struct {
	SourceType string `json:"source_type" validate:"omitempty,oneof=customer_invoice supplier_invoice payment salary"`
	SourceID   string `json:"source_id" validate:"omitempty,max=64"`
}

func (h *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate(w, req); err != nil {
		return
	}
	if req.SourceID != "" && req.SourceType == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "source_type is required with source_id")
		return
	}
	report, err := h.service.Regenerate(r.Context(), RegenerateRequest{
		SourceType:  SourceType(req.SourceType),
		SourceID:    req.SourceID,
		TriggeredBy: "api",
	})
	if err != nil {
		// an aborted run still returns its partial report
		if report.Status != shared.RunFailed {
			h.fail(w, "regenerate journal", err)
			return
		}
		h.logger.Error("regenerate journal", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, report)
}

type lockRequest struct {
	DateTo string `json:"date_to" validate:"required,datetime=2006-01-02"`
}

func (h *Handler) lock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate(w, req); err != nil {
		return
	}
	dateTo, _ := time.Parse(time.DateOnly, req.DateTo)
	n, err := h.service.Lock(r.Context(), LockRequest{DateTo: dateTo, Actor: r.Header.Get("X-Actor")})
	if err != nil {
		h.fail(w, "lock journal", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locked": n, "date_to": req.DateTo})
}

func (h *Handler) validate(w http.ResponseWriter, v any) error {
	err := h.validator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", verrs[0].Field()+" is invalid")
		return err
	}
	httpx.RespondError(w, err)
	return err
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrValidation) && !errors.Is(err, httpx.ErrConflict) {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
