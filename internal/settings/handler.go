package settings

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
)

// Handler exposes chart of accounts, mapping and config endpoints.
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

// MountRoutes registers settings routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.listAccounts)
		r.Post("/", h.createAccount)
		r.Get("/{code}", h.getAccount)
		r.Put("/{code}", h.updateAccount)
		r.Delete("/{code}", h.deactivateAccount)
	})
	r.Route("/mappings", func(r chi.Router) {
		r.Get("/", h.listMappings)
		r.Post("/", h.createMapping)
		r.Get("/{id}", h.getMapping)
		r.Put("/{id}", h.updateMapping)
		r.Delete("/{id}", h.deactivateMapping)
	})
	r.Route("/config", func(r chi.Router) {
		r.Get("/", h.listConfig)
		r.Get("/{key}", h.getConfig)
		r.Put("/{key}", h.putConfig)
		r.Delete("/{key}", h.deleteConfig)
	})
}

func activeOnly(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("active"))
	return err == nil && v
}

func actor(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return "api"
}

func mappingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context(), activeOnly(r))
	if err != nil {
		h.fail(w, "list accounts", err)
		return
	}
	if accounts == nil {
		accounts = []Account{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccount(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, "get account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, account)
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var in AccountInput
	if !h.decode(w, r, &in) {
		return
	}
	in.Actor = actor(r)
	account, err := h.service.CreateAccount(r.Context(), in)
	if err != nil {
		h.fail(w, "create account", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, account)
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request) {
	var in AccountUpdate
	if !h.decode(w, r, &in) {
		return
	}
	in.Actor = actor(r)
	account, err := h.service.UpdateAccount(r.Context(), chi.URLParam(r, "code"), in)
	if err != nil {
		h.fail(w, "update account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, account)
}

func (h *Handler) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeactivateAccount(r.Context(), chi.URLParam(r, "code"), actor(r)); err != nil {
		h.fail(w, "deactivate account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.service.ListMappings(r.Context(), activeOnly(r))
	if err != nil {
		h.fail(w, "list mappings", err)
		return
	}
	if mappings == nil {
		mappings = []Mapping{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

func (h *Handler) getMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := mappingID(w, r)
	if !ok {
		return
	}
	mapping, err := h.service.GetMapping(r.Context(), id)
	if err != nil {
		h.fail(w, "get mapping", err)
		return
	}
	httpx.JSON(w, http.StatusOK, mapping)
}

func (h *Handler) createMapping(w http.ResponseWriter, r *http.Request) {
	var in MappingInput
	if !h.decode(w, r, &in) {
		return
	}
	in.Actor = actor(r)
	mapping, err := h.service.CreateMapping(r.Context(), in)
	if err != nil {
		h.fail(w, "create mapping", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, mapping)
}

func (h *Handler) updateMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := mappingID(w, r)
	if !ok {
		return
	}
	var in MappingInput
	if !h.decode(w, r, &in) {
		return
	}
	in.Actor = actor(r)
	mapping, err := h.service.UpdateMapping(r.Context(), id, in)
	if err != nil {
		h.fail(w, "update mapping", err)
		return
	}
	httpx.JSON(w, http.StatusOK, mapping)
}

func (h *Handler) deactivateMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := mappingID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeactivateMapping(r.Context(), id, actor(r)); err != nil {
		h.fail(w, "deactivate mapping", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListConfig(r.Context())
	if err != nil {
		h.fail(w, "list config", err)
		return
	}
	if entries == nil {
		entries = []ConfigEntry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"config": entries})
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.GetConfig(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, "get config", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	var in ConfigInput
	in.Key = chi.URLParam(r, "key")
	if !h.decode(w, r, &in) {
		return
	}
	in.Actor = actor(r)
	entry, err := h.service.PutConfig(r.Context(), in)
	if err != nil {
		h.fail(w, "put config", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) deleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteConfig(r.Context(), chi.URLParam(r, "key"), actor(r)); err != nil {
		h.fail(w, "delete config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates a JSON body, writing the problem response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	err := h.validator.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", verrs[0].Field()+" is invalid")
		return false
	}
	httpx.RespondError(w, err)
	return false
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrValidation) &&
		!errors.Is(err, httpx.ErrConflict) && !errors.Is(err, httpx.ErrDuplicate) {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
