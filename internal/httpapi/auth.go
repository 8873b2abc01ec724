package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"cmc_manager/internal/auth"
	"cmc_manager/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userView struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Role      string     `json:"role"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      userView  `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if h.logins.Blocked(ip) {
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts, please try again later", nil)
		return
	}

	var req loginRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if req.Username == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "username and password required", nil)
		return
	}
	if !h.ensureStore(w) {
		return
	}

	u, err := auth.Login(r.Context(), h.store, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.logins.Fail(ip)
			h.audit(r, "auth.login_failed", "user", "", map[string]any{"username": req.Username, "ip": ip})
			h.writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
			return
		}
		h.log.Error().Err(err).Msg("login failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "login failed", nil)
		return
	}

	token, exp, err := h.issuer.Issue(u)
	if err != nil {
		h.log.Error().Err(err).Msg("issue token failed")
		h.writeError(w, http.StatusInternalServerError, "internal", "login failed", nil)
		return
	}

	r = r.WithContext(auth.WithClaims(r.Context(), &auth.Claims{ID: u.ID, Username: u.Username, Role: u.Role}))
	h.audit(r, "auth.login", "user", u.ID, map[string]any{"ip": ip})

	h.writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: exp,
		User:      userView{ID: u.ID, Username: u.Username, Role: u.Role},
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	c := auth.ClaimsFrom(r.Context())
	if !h.ensureStore(w) {
		return
	}
	u, err := h.store.GetUserByID(r.Context(), c.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "user not found", nil)
			return
		}
		h.log.Error().Err(err).Msg("get user failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to fetch user", nil)
		return
	}
	created := u.CreatedAt
	h.writeJSON(w, http.StatusOK, userView{
		ID:        u.ID,
		Username:  u.Username,
		Role:      u.Role,
		CreatedAt: &created,
		LastLogin: u.LastLogin,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	c := auth.ClaimsFrom(r.Context())
	h.audit(r, "auth.logout", "user", c.ID, nil)
	h.writeJSON(w, http.StatusOK, map[string]any{"message": "logged out"})
}

// requireAuth rejects requests without a valid operator token: 401 when none
// is presented, 403 when it does not verify.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "access token required", nil)
			return
		}
		if h.issuer == nil {
			h.writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "authentication not configured", nil)
			return
		}
		claims, err := h.issuer.Parse(strings.TrimSpace(token))
		if err != nil {
			h.writeError(w, http.StatusForbidden, "invalid_token", "invalid or expired token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

// requireAdmin keeps guests read-only.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.ClaimsFrom(r.Context()).IsAdmin() {
			h.writeError(w, http.StatusForbidden, "forbidden", "guest users have read-only access", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
