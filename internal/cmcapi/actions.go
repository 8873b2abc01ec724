// Package cmcapi is the operator-facing action surface. Every action maps typed
// parameters onto one device request run through the token coordinator and
// resolves to a Result; no failure escapes as an error or panic.
package cmcapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cmc_manager/internal/cmcclient"
	"cmc_manager/internal/devproxy"
	"cmc_manager/internal/tokencache"
)

// Device endpoints.
const (
	EndpointState         = "/api/corestation/state"
	EndpointPowerAction   = "/api/interface/power-action"
	EndpointSchedulePower = "/api/interface/schedule-power-action"
	EndpointStartBlink    = "/api/interface/start-blink"
	EndpointFanSpeed      = "/api/interface/fan-speed"
	EndpointToggleSSH     = "/api/interface/toggle-ssh"
	EndpointToggleSerial  = "/api/interface/toggle-serial"
	EndpointEvents        = "/api/interface/events"
	EndpointFirmware      = "/api/interface/firmware"
)

const (
	DefaultComponent     = "enclosure"
	DefaultEventLimit    = 50
	DefaultBlinkDuration = 60
)

var powerActions = map[string]struct{}{
	"power-on":    {},
	"power-off":   {},
	"power-cycle": {},
}

// Device is the record an action runs against. Credentials are only read.
type Device struct {
	ID       string
	Address  string
	Username string
	Password string
}

func (d Device) target() devproxy.Target {
	return devproxy.Target{ID: d.ID, Address: d.Address, Username: d.Username, Password: d.Password}
}

// Result is the uniform outcome of an action.
type Result struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Category cmcclient.Kind `json:"category,omitempty"`
	// Err keeps the underlying failure for callers that map it onto a transport status.
	Err error `json:"-"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func fail(err error) Result {
	kind := cmcclient.KindOf(err)
	if kind == "" {
		kind = cmcclient.KindNetwork
	}
	return Result{Success: false, Error: err.Error(), Category: kind, Err: err}
}

// Coordinator is the slice of devproxy.Coordinator the actions need.
type Coordinator interface {
	Do(ctx context.Context, t devproxy.Target, req devproxy.Request) (*cmcclient.Response, error)
	EnsureToken(ctx context.Context, t devproxy.Target) (tokencache.Token, bool, error)
	Refresh(ctx context.Context, t devproxy.Target) (tokencache.Token, error)
	Status(deviceID string) (tokencache.Remaining, bool)
}

type Actions struct {
	log   zerolog.Logger
	coord Coordinator
	now   func() time.Time
}

func New(log zerolog.Logger, coord Coordinator) *Actions {
	return &Actions{log: log, coord: coord, now: time.Now}
}

func (a *Actions) run(ctx context.Context, dev Device, action string, req devproxy.Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Str("device_id", dev.ID).Str("action", action).Msg("device action panicked")
			res = fail(fmt.Errorf("%s: internal error", action))
		}
	}()

	resp, err := a.coord.Do(ctx, dev.target(), req)
	if err != nil {
		a.log.Info().Err(err).Str("device_id", dev.ID).Str("action", action).Msg("device action failed")
		return fail(err)
	}
	return ok(resp.Body)
}

// FetchState returns the device's enclosure/node/PSU/fan snapshot as received.
func (a *Actions) FetchState(ctx context.Context, dev Device) Result {
	return a.run(ctx, dev, "fetch-state", devproxy.Request{Endpoint: EndpointState, Method: http.MethodGet})
}

type powerBody struct {
	Component string `json:"component"`
	ID        *int   `json:"id,omitempty"`
	Action    string `json:"action"`
}

func validatePower(action string) error {
	if _, ok := powerActions[action]; !ok {
		return cmcclient.Validationf("invalid power action %q (want power-on, power-off or power-cycle)", action)
	}
	return nil
}

// PowerAction executes unconditionally; confirming intent is the caller's job.
// An empty component means the enclosure.
func (a *Actions) PowerAction(ctx context.Context, dev Device, action, component string, targetID *int) Result {
	if err := validatePower(action); err != nil {
		return fail(err)
	}
	if component == "" {
		component = DefaultComponent
	}
	return a.run(ctx, dev, "power-action", devproxy.Request{
		Endpoint: EndpointPowerAction,
		Method:   http.MethodPost,
		Body:     powerBody{Component: component, ID: targetID, Action: action},
	})
}

type scheduleBody struct {
	Component    string `json:"component"`
	ID           *int   `json:"id,omitempty"`
	Action       string `json:"action"`
	ScheduleTime string `json:"schedule_time"`
}

func (a *Actions) SchedulePowerAction(ctx context.Context, dev Device, action, component string, targetID *int, scheduleTime string) Result {
	if err := validatePower(action); err != nil {
		return fail(err)
	}
	if strings.TrimSpace(scheduleTime) == "" {
		return fail(cmcclient.Validationf("schedule_time is required"))
	}
	if component == "" {
		component = DefaultComponent
	}
	return a.run(ctx, dev, "schedule-power-action", devproxy.Request{
		Endpoint: EndpointSchedulePower,
		Method:   http.MethodPost,
		Body:     scheduleBody{Component: component, ID: targetID, Action: action, ScheduleTime: scheduleTime},
	})
}

type blinkBody struct {
	Component string `json:"component"`
	ID        *int   `json:"id,omitempty"`
	Duration  int    `json:"duration"`
}

// StartBlink only requires a positive duration; upper bounds are left to the device.
func (a *Actions) StartBlink(ctx context.Context, dev Device, component string, targetID *int, durationSeconds int) Result {
	if durationSeconds <= 0 {
		return fail(cmcclient.Validationf("blink duration must be a positive number of seconds, got %d", durationSeconds))
	}
	if component == "" {
		component = DefaultComponent
	}
	return a.run(ctx, dev, "start-blink", devproxy.Request{
		Endpoint: EndpointStartBlink,
		Method:   http.MethodPost,
		Body:     blinkBody{Component: component, ID: targetID, Duration: durationSeconds},
	})
}

type fanBody struct {
	ID    int    `json:"id"`
	Mode  string `json:"mode"`
	Speed int    `json:"speed"`
}

// SetFanSpeed rejects speeds outside [0,100] before touching the network.
func (a *Actions) SetFanSpeed(ctx context.Context, dev Device, speedPercent int) Result {
	if speedPercent < 0 || speedPercent > 100 {
		return fail(cmcclient.Validationf("fan speed must be between 0 and 100, got %d", speedPercent))
	}
	return a.run(ctx, dev, "set-fan-speed", devproxy.Request{
		Endpoint: EndpointFanSpeed,
		Method:   http.MethodPost,
		Body:     fanBody{ID: 1, Mode: "fixed", Speed: speedPercent},
	})
}

type toggleBody struct {
	Enabled bool `json:"enabled"`
}

func (a *Actions) ToggleSSH(ctx context.Context, dev Device, enabled bool) Result {
	return a.run(ctx, dev, "toggle-ssh", devproxy.Request{
		Endpoint: EndpointToggleSSH,
		Method:   http.MethodPost,
		Body:     toggleBody{Enabled: enabled},
	})
}

func (a *Actions) ToggleSerial(ctx context.Context, dev Device, enabled bool) Result {
	return a.run(ctx, dev, "toggle-serial", devproxy.Request{
		Endpoint: EndpointToggleSerial,
		Method:   http.MethodPost,
		Body:     toggleBody{Enabled: enabled},
	})
}

// EventQuery filters FetchEvents. Zero Limit means DefaultEventLimit.
type EventQuery struct {
	Limit          int
	TextFilter     string
	SeverityFilter string
}

func (q EventQuery) endpoint() string {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	v := url.Values{}
	v.Set("limit", strconv.Itoa(limit))
	if q.TextFilter != "" {
		v.Set("text_filter", q.TextFilter)
	}
	if q.SeverityFilter != "" {
		v.Set("severity_filter", q.SeverityFilter)
	}
	return EndpointEvents + "?" + v.Encode()
}

// FetchEvents returns the device's items array, or an empty list when it has none.
func (a *Actions) FetchEvents(ctx context.Context, dev Device, q EventQuery) Result {
	res := a.run(ctx, dev, "fetch-events", devproxy.Request{Endpoint: q.endpoint(), Method: http.MethodGet})
	if !res.Success {
		return res
	}
	items := []any{}
	if m, isMap := res.Data.(map[string]any); isMap {
		if list, isList := m["items"].([]any); isList {
			items = list
		}
	}
	return ok(items)
}

// FetchFirmwareHistory returns firmwareData in device order; sorting is left to the presentation layer.
func (a *Actions) FetchFirmwareHistory(ctx context.Context, dev Device) Result {
	res := a.run(ctx, dev, "fetch-firmware", devproxy.Request{Endpoint: EndpointFirmware, Method: http.MethodGet})
	if !res.Success {
		return res
	}
	if m, isMap := res.Data.(map[string]any); isMap {
		if list, isList := m["firmwareData"].([]any); isList {
			return ok(list)
		}
	}
	return fail(&cmcclient.Error{Kind: cmcclient.KindInvalidResponse, Message: "invalid firmware data format", Body: res.Data})
}

// Proxy forwards an arbitrary endpoint with the device token attached.
func (a *Actions) Proxy(ctx context.Context, dev Device, endpoint, method string, body any) Result {
	if !strings.HasPrefix(endpoint, "/") {
		return fail(cmcclient.Validationf("endpoint must start with /"))
	}
	return a.run(ctx, dev, "proxy", devproxy.Request{Endpoint: endpoint, Method: method, Body: body})
}

// TokenInfo describes a cached device token without exposing its value.
type TokenInfo struct {
	HasToken    bool       `json:"has_token"`
	FromCache   bool       `json:"from_cache,omitempty"`
	IssuedAt    *time.Time `json:"issued_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RemainingMS int64      `json:"remaining_ms"`
}

func (a *Actions) tokenInfo(tok tokencache.Token, fromCache bool) TokenInfo {
	issued, expires := tok.IssuedAt, tok.ExpiresAt
	remaining := expires.Sub(a.now())
	if remaining < 0 {
		remaining = 0
	}
	return TokenInfo{
		HasToken:    true,
		FromCache:   fromCache,
		IssuedAt:    &issued,
		ExpiresAt:   &expires,
		RemainingMS: remaining.Milliseconds(),
	}
}

// TestAuthentication reports the cached token when there is one and authenticates otherwise.
func (a *Actions) TestAuthentication(ctx context.Context, dev Device) Result {
	tok, fromCache, err := a.coord.EnsureToken(ctx, dev.target())
	if err != nil {
		return fail(err)
	}
	return ok(a.tokenInfo(tok, fromCache))
}

// RefreshToken discards the cached token and authenticates again.
func (a *Actions) RefreshToken(ctx context.Context, dev Device) Result {
	tok, err := a.coord.Refresh(ctx, dev.target())
	if err != nil {
		return fail(err)
	}
	a.log.Info().Str("device_id", dev.ID).Msg("device token refreshed")
	return ok(a.tokenInfo(tok, false))
}

// TokenStatus is a read-only view of the cache; it never contacts the device.
func (a *Actions) TokenStatus(deviceID string) Result {
	rem, found := a.coord.Status(deviceID)
	if !found {
		return ok(TokenInfo{HasToken: false})
	}
	issued, expires := rem.IssuedAt, rem.ExpiresAt
	return ok(TokenInfo{
		HasToken:    true,
		FromCache:   true,
		IssuedAt:    &issued,
		ExpiresAt:   &expires,
		RemainingMS: rem.Remaining.Milliseconds(),
	})
}

// IsValidation reports whether r failed before any device call.
func (r Result) IsValidation() bool {
	var e *cmcclient.Error
	return errors.As(r.Err, &e) && e.Kind == cmcclient.KindValidation
}
