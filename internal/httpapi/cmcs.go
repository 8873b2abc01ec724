package httpapi

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cmc_manager/internal/store"
)

var addressPattern = regexp.MustCompile(`(?i)^https?://`)

// cmc is the API view of a record. The password never leaves the server.
type cmc struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Username    string    `json:"username"`
	Notes       string    `json:"notes"`
	HasPassword bool      `json:"has_password"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type cmcWrite struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
	Notes    string `json:"notes,omitempty"`
}

func (c cmcWrite) validate() map[string]any {
	problems := map[string]any{}
	if strings.TrimSpace(c.Name) == "" {
		problems["name"] = "required"
	}
	if strings.TrimSpace(c.Address) == "" {
		problems["address"] = "required"
	} else if !addressPattern.MatchString(strings.TrimSpace(c.Address)) {
		problems["address"] = "must start with http:// or https://"
	}
	if strings.TrimSpace(c.Username) == "" {
		problems["username"] = "required"
	}
	if c.Password == "" {
		problems["password"] = "required"
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

func (c cmcWrite) input() store.CMCInput {
	return store.CMCInput{
		Name:     strings.TrimSpace(c.Name),
		Address:  strings.TrimSpace(c.Address),
		Username: strings.TrimSpace(c.Username),
		Password: c.Password,
		Notes:    c.Notes,
	}
}

func toCMC(c store.CMC) cmc {
	return cmc{
		ID:          c.ID,
		Name:        c.Name,
		Address:     c.Address,
		Username:    c.Username,
		Notes:       c.Notes,
		HasPassword: c.Password != "",
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func toCMCs(rows []store.CMC) []cmc {
	out := make([]cmc, 0, len(rows))
	for _, c := range rows {
		out = append(out, toCMC(c))
	}
	return out
}

func (h *Handler) handleListCMCs(w http.ResponseWriter, r *http.Request) {
	if !h.ensureStore(w) {
		return
	}
	rows, err := h.store.ListCMCs(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list cmcs failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to list cmcs", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, toCMCs(rows))
}

func (h *Handler) handleSearchCMCs(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "query parameter q is required", nil)
		return
	}
	if !h.ensureStore(w) {
		return
	}
	rows, err := h.store.SearchCMCs(r.Context(), q)
	if err != nil {
		h.log.Error().Err(err).Msg("search cmcs failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to search cmcs", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, toCMCs(rows))
}

func (h *Handler) handleGetCMC(w http.ResponseWriter, r *http.Request) {
	row, ok := h.loadCMC(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, toCMC(row))
}

func (h *Handler) handleCreateCMC(w http.ResponseWriter, r *http.Request) {
	var req cmcWrite
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if problems := req.validate(); problems != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid cmc", problems)
		return
	}
	if !h.ensureStore(w) {
		return
	}

	row, err := h.store.CreateCMC(r.Context(), req.input())
	if err != nil {
		h.log.Error().Err(err).Msg("create cmc failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to create cmc", nil)
		return
	}
	h.audit(r, "cmc.create", "cmc", row.ID, map[string]any{"name": row.Name, "address": row.Address})
	h.writeJSON(w, http.StatusCreated, toCMC(row))
}

func (h *Handler) handleUpdateCMC(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cmcWrite
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if problems := req.validate(); problems != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid cmc", problems)
		return
	}
	if !h.ensureStore(w) {
		return
	}

	row, err := h.store.UpdateCMC(r.Context(), id, req.input())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "cmc not found", map[string]any{"id": id})
			return
		}
		h.log.Error().Err(err).Str("id", id).Msg("update cmc failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to update cmc", nil)
		return
	}
	// Address or credentials may have changed.
	h.forgetToken(id)
	h.audit(r, "cmc.update", "cmc", id, map[string]any{"name": row.Name, "address": row.Address})
	h.writeJSON(w, http.StatusOK, toCMC(row))
}

func (h *Handler) handleDeleteCMC(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.ensureStore(w) {
		return
	}
	if err := h.store.DeleteCMC(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "cmc not found", map[string]any{"id": id})
			return
		}
		h.log.Error().Err(err).Str("id", id).Msg("delete cmc failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to delete cmc", nil)
		return
	}
	h.forgetToken(id)
	h.audit(r, "cmc.delete", "cmc", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// loadCMC resolves the {id} path parameter, writing 404/500 itself on failure.
func (h *Handler) loadCMC(w http.ResponseWriter, r *http.Request) (store.CMC, bool) {
	id := chi.URLParam(r, "id")
	if !h.ensureStore(w) {
		return store.CMC{}, false
	}
	row, err := h.store.GetCMC(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "cmc not found", map[string]any{"id": id})
			return store.CMC{}, false
		}
		h.log.Error().Err(err).Str("id", id).Msg("get cmc failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to fetch cmc", nil)
		return store.CMC{}, false
	}
	return row, true
}

func (h *Handler) forgetToken(id string) {
	if h.tokens != nil {
		h.tokens.Forget(id)
	}
}
