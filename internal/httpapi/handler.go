package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"cmc_manager/internal/auth"
	"cmc_manager/internal/cmcapi"
	"cmc_manager/internal/metrics"
	"cmc_manager/internal/store"
)

// TokenForgetter drops a device's cached token when its record changes.
type TokenForgetter interface {
	Forget(deviceID string)
}

type Options struct {
	Store   store.Store
	Actions *cmcapi.Actions
	Tokens  TokenForgetter
	Issuer  *auth.Issuer
	Metrics *metrics.Metrics

	LoginLimit  int
	LoginWindow time.Duration
	CORSOrigins []string
	// RequestTimeout bounds operator requests; it must exceed the device timeout
	// because one action may authenticate and forward twice.
	RequestTimeout time.Duration
}

type Handler struct {
	log            zerolog.Logger
	store          store.Store
	actions        *cmcapi.Actions
	tokens         TokenForgetter
	issuer         *auth.Issuer
	metrics        *metrics.Metrics
	logins         *loginLimiter
	corsOrigins    []string
	requestTimeout time.Duration
}

func NewHandler(log zerolog.Logger, opts Options) *Handler {
	limit := opts.LoginLimit
	if limit <= 0 {
		limit = 5
	}
	window := opts.LoginWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Handler{
		log:            log,
		store:          opts.Store,
		actions:        opts.Actions,
		tokens:         opts.Tokens,
		issuer:         opts.Issuer,
		metrics:        opts.Metrics,
		logins:         newLoginLimiter(limit, window),
		corsOrigins:    opts.CORSOrigins,
		requestTimeout: timeout,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.requestTimeout))
	r.Use(h.accessLog)
	r.Use(middleware.SetHeader("X-Content-Type-Options", "nosniff"))
	r.Use(middleware.SetHeader("X-Frame-Options", "DENY"))
	r.Use(middleware.SetHeader("Referrer-Policy", "strict-origin-when-cross-origin"))
	if len(h.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Route("/auth", func(r chi.Router) {
				r.Post("/login", h.handleLogin)
				r.Group(func(r chi.Router) {
					r.Use(h.requireAuth)
					r.Get("/me", h.handleMe)
					r.Post("/logout", h.handleLogout)
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(h.requireAuth)

				r.Post("/cmc-proxy", h.handleProxy)

				r.Route("/cmcs", func(r chi.Router) {
					r.Get("/", h.handleListCMCs)
					r.With(h.requireAdmin).Post("/", h.handleCreateCMC)
					r.Get("/search", h.handleSearchCMCs)

					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", h.handleGetCMC)
						r.With(h.requireAdmin).Put("/", h.handleUpdateCMC)
						r.With(h.requireAdmin).Delete("/", h.handleDeleteCMC)

						r.Get("/state", h.handleState)
						r.Get("/events", h.handleEvents)
						r.Get("/firmware", h.handleFirmware)

						r.Get("/token", h.handleTokenStatus)
						r.Post("/test-auth", h.handleTestAuth)

						r.Group(func(r chi.Router) {
							r.Use(h.requireAdmin)
							r.Post("/token/refresh", h.handleTokenRefresh)
							r.Delete("/token", h.handleTokenForget)
							r.Post("/power", h.handlePower)
							r.Post("/power/schedule", h.handleSchedulePower)
							r.Post("/blink", h.handleBlink)
							r.Post("/fan-speed", h.handleFanSpeed)
							r.Post("/ssh", h.handleSSH)
							r.Post("/serial", h.handleSerial)
						})
					})
				})
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

// decodeJSONOptional is decodeJSONStrict that accepts an empty body.
func decodeJSONOptional(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeJSONStrict(r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return
	}

	if err := h.store.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) ensureStore(w http.ResponseWriter) bool {
	if h.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return false
	}
	return true
}

// audit records an operator action. Failures are logged and never fail the request.
func (h *Handler) audit(r *http.Request, action, targetType, targetID string, details map[string]any) {
	ev := store.AuditEvent{
		Actor:      "anonymous",
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
	}
	if c := auth.ClaimsFrom(r.Context()); c != nil {
		ev.Actor = c.Username
		ev.ActorRole = c.Role
	}
	if h.store == nil {
		return
	}
	if err := h.store.InsertAuditEvent(context.WithoutCancel(r.Context()), ev); err != nil {
		h.log.Warn().Err(err).Str("action", action).Msg("audit insert failed")
	}
}
