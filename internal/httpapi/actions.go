package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cmc_manager/internal/auth"
	"cmc_manager/internal/cmcapi"
	"cmc_manager/internal/cmcclient"
	"cmc_manager/internal/store"
)

func toDevice(c store.CMC) cmcapi.Device {
	return cmcapi.Device{ID: c.ID, Address: c.Address, Username: c.Username, Password: c.Password}
}

// resultStatus maps a failed action onto an operator-facing status code.
func resultStatus(res cmcapi.Result) int {
	if res.Success {
		return http.StatusOK
	}
	var derr *cmcclient.Error
	errors.As(res.Err, &derr)
	switch res.Category {
	case cmcclient.KindValidation:
		return http.StatusBadRequest
	case cmcclient.KindNetwork:
		if cmcclient.IsTimeout(res.Err) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case cmcclient.KindUpstream:
		if derr != nil && derr.Status >= 400 && derr.Status < 500 {
			return derr.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

type resultBody struct {
	cmcapi.Result
	DeviceStatus   int `json:"device_status,omitempty"`
	DeviceResponse any `json:"device_response,omitempty"`
}

func (h *Handler) writeResult(w http.ResponseWriter, res cmcapi.Result) {
	body := resultBody{Result: res}
	var derr *cmcclient.Error
	if errors.As(res.Err, &derr) {
		body.DeviceStatus = derr.Status
		body.DeviceResponse = derr.Body
	}
	h.writeJSON(w, resultStatus(res), body)
}

func (h *Handler) ensureActions(w http.ResponseWriter) bool {
	if h.actions == nil {
		h.writeError(w, http.StatusServiceUnavailable, "proxy_unavailable", "device proxy not configured", nil)
		return false
	}
	return true
}

// device resolves {id} into the action target.
func (h *Handler) device(w http.ResponseWriter, r *http.Request) (cmcapi.Device, bool) {
	if !h.ensureActions(w) {
		return cmcapi.Device{}, false
	}
	row, ok := h.loadCMC(w, r)
	if !ok {
		return cmcapi.Device{}, false
	}
	return toDevice(row), true
}

func (h *Handler) badBody(w http.ResponseWriter, err error) {
	h.writeResult(w, cmcapi.Result{
		Error:    "invalid json body: " + err.Error(),
		Category: cmcclient.KindValidation,
		Err:      cmcclient.Validationf("invalid json body: %v", err),
	})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	h.writeResult(w, h.actions.FetchState(r.Context(), dev))
}

type powerRequest struct {
	Action       string `json:"action"`
	Component    string `json:"component,omitempty"`
	ID           *int   `json:"id,omitempty"`
	ScheduleTime string `json:"schedule_time,omitempty"`
}

func (h *Handler) handlePower(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	var req powerRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	res := h.actions.PowerAction(r.Context(), dev, req.Action, req.Component, req.ID)
	if res.Success {
		h.audit(r, "cmc.power", "cmc", dev.ID, map[string]any{"action": req.Action, "component": req.Component})
	}
	h.writeResult(w, res)
}

func (h *Handler) handleSchedulePower(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	var req powerRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	res := h.actions.SchedulePowerAction(r.Context(), dev, req.Action, req.Component, req.ID, req.ScheduleTime)
	if res.Success {
		h.audit(r, "cmc.power_schedule", "cmc", dev.ID, map[string]any{
			"action":        req.Action,
			"component":     req.Component,
			"schedule_time": req.ScheduleTime,
		})
	}
	h.writeResult(w, res)
}

type blinkRequest struct {
	Component string `json:"component,omitempty"`
	ID        *int   `json:"id,omitempty"`
	Duration  *int   `json:"duration,omitempty"`
}

func (h *Handler) handleBlink(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	var req blinkRequest
	if err := decodeJSONOptional(r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	duration := cmcapi.DefaultBlinkDuration
	if req.Duration != nil {
		duration = *req.Duration
	}
	res := h.actions.StartBlink(r.Context(), dev, req.Component, req.ID, duration)
	if res.Success {
		h.audit(r, "cmc.blink", "cmc", dev.ID, map[string]any{"component": req.Component, "duration": duration})
	}
	h.writeResult(w, res)
}

type fanSpeedRequest struct {
	Speed *int `json:"speed"`
}

func (h *Handler) handleFanSpeed(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	var req fanSpeedRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	if req.Speed == nil {
		h.writeResult(w, cmcapi.Result{Error: "speed is required", Category: cmcclient.KindValidation, Err: cmcclient.Validationf("speed is required")})
		return
	}
	res := h.actions.SetFanSpeed(r.Context(), dev, *req.Speed)
	if res.Success {
		h.audit(r, "cmc.fan_speed", "cmc", dev.ID, map[string]any{"speed": *req.Speed})
	}
	h.writeResult(w, res)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request, what string, fn func(dev cmcapi.Device, enabled bool) cmcapi.Result) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	var req toggleRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	if req.Enabled == nil {
		h.writeResult(w, cmcapi.Result{Error: "enabled is required", Category: cmcclient.KindValidation, Err: cmcclient.Validationf("enabled is required")})
		return
	}
	res := fn(dev, *req.Enabled)
	if res.Success {
		h.audit(r, "cmc."+what, "cmc", dev.ID, map[string]any{"enabled": *req.Enabled})
	}
	h.writeResult(w, res)
}

func (h *Handler) handleSSH(w http.ResponseWriter, r *http.Request) {
	h.handleToggle(w, r, "ssh", func(dev cmcapi.Device, enabled bool) cmcapi.Result {
		return h.actions.ToggleSSH(r.Context(), dev, enabled)
	})
}

func (h *Handler) handleSerial(w http.ResponseWriter, r *http.Request) {
	h.handleToggle(w, r, "serial", func(dev cmcapi.Device, enabled bool) cmcapi.Result {
		return h.actions.ToggleSerial(r.Context(), dev, enabled)
	})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	query := cmcapi.EventQuery{
		TextFilter:     strings.TrimSpace(q.Get("text_filter")),
		SeverityFilter: strings.TrimSpace(q.Get("severity_filter")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeResult(w, cmcapi.Result{Error: "limit must be a positive integer", Category: cmcclient.KindValidation, Err: cmcclient.Validationf("limit must be a positive integer")})
			return
		}
		query.Limit = n
	}
	h.writeResult(w, h.actions.FetchEvents(r.Context(), dev, query))
}

func (h *Handler) handleFirmware(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	h.writeResult(w, h.actions.FetchFirmwareHistory(r.Context(), dev))
}

func (h *Handler) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	if !h.ensureActions(w) {
		return
	}
	h.writeResult(w, h.actions.TokenStatus(chi.URLParam(r, "id")))
}

func (h *Handler) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	res := h.actions.RefreshToken(r.Context(), dev)
	if res.Success {
		h.audit(r, "cmc.token_refresh", "cmc", dev.ID, nil)
	}
	h.writeResult(w, res)
}

func (h *Handler) handleTokenForget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.forgetToken(id)
	h.audit(r, "cmc.token_forget", "cmc", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTestAuth(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	h.writeResult(w, h.actions.TestAuthentication(r.Context(), dev))
}

type proxyRequest struct {
	CMCID    string `json:"cmc_id"`
	Endpoint string `json:"endpoint"`
	Method   string `json:"method,omitempty"`
	Body     any    `json:"body,omitempty"`
}

// handleProxy relays an arbitrary device call for a stored CMC. Guests may only read.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if req.CMCID == "" || req.Endpoint == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "cmc_id and endpoint are required", nil)
		return
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && !auth.ClaimsFrom(r.Context()).IsAdmin() {
		h.writeError(w, http.StatusForbidden, "forbidden", "guest users have read-only access", nil)
		return
	}
	if !h.ensureActions(w) || !h.ensureStore(w) {
		return
	}
	row, err := h.store.GetCMC(r.Context(), req.CMCID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "cmc not found", map[string]any{"id": req.CMCID})
			return
		}
		h.log.Error().Err(err).Str("id", req.CMCID).Msg("get cmc failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to fetch cmc", nil)
		return
	}

	res := h.actions.Proxy(r.Context(), toDevice(row), req.Endpoint, method, req.Body)
	if res.Success {
		if method != http.MethodGet {
			h.audit(r, "cmc.proxy", "cmc", row.ID, map[string]any{"endpoint": req.Endpoint, "method": method})
		}
		h.writeJSON(w, http.StatusOK, res.Data)
		return
	}

	var derr *cmcclient.Error
	if errors.As(res.Err, &derr) && derr.Kind == cmcclient.KindUpstream && derr.Body != nil {
		h.writeJSON(w, derr.Status, derr.Body)
		return
	}
	h.writeJSON(w, resultStatus(res), map[string]any{"error": res.Error, "category": res.Category})
}
