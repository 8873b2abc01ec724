package cmcapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmc_manager/internal/cmcclient"
	"cmc_manager/internal/devproxy"
	"cmc_manager/internal/tokencache"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Bearer string
	Body   map[string]any
}

// fakeCMC answers the device API over self-signed TLS and records what it saw.
type fakeCMC struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recorded
	tokens   atomic.Int32
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeCMC(t *testing.T) (*fakeCMC, *httptest.Server) {
	t.Helper()
	f := &fakeCMC{t: t, routes: map[string]func(http.ResponseWriter, *http.Request){}}
	srv := httptest.NewTLSServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCMC) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	raw, _ := io.ReadAll(r.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}
	if r.URL.Path == cmcclient.AuthPath {
		n := f.tokens.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": "tok" + string(rune('0'+n))})
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, recorded{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Bearer: r.Header.Get("Authorization"),
		Body:   body,
	})
	f.mu.Unlock()
	if h, ok := f.routes[r.URL.Path]; ok {
		h(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (f *fakeCMC) seen() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.requests...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newActions(t *testing.T) (*Actions, *fakeCMC, Device, *tokencache.Cache) {
	t.Helper()
	f, srv := newFakeCMC(t)
	client := cmcclient.New(zerolog.Nop(), cmcclient.Options{Timeout: 5 * time.Second})
	cache := tokencache.New(tokencache.Options{})
	coord := devproxy.New(zerolog.Nop(), client, client, cache, nil, devproxy.Options{})
	dev := Device{ID: "cmc-1", Address: srv.URL, Username: "admin", Password: "pw"}
	return New(zerolog.Nop(), coord), f, dev, cache
}

func TestFetchState_ReturnsDeviceBodyVerbatim(t *testing.T) {
	a, f, dev, _ := newActions(t)
	f.routes[EndpointState] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"enclosure": map[string]any{"1": map[string]any{"sshEnabled": true, "serialEnabled": false}},
		})
	}

	res := a.FetchState(context.Background(), dev)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{
		"enclosure": map[string]any{"1": map[string]any{"sshEnabled": true, "serialEnabled": false}},
	}, res.Data)

	seen := f.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "Bearer tok1", seen[0].Bearer)
	assert.Equal(t, http.MethodGet, seen[0].Method)
}

func TestFetchState_RetriesOnceAfterUnauthorized(t *testing.T) {
	a, f, dev, cache := newActions(t)
	f.routes[EndpointState] = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"fans": []any{}})
	}

	res := a.FetchState(context.Background(), dev)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"fans": []any{}}, res.Data)

	seen := f.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, "Bearer tok2", seen[1].Bearer)

	tok, ok := cache.Get("cmc-1")
	require.True(t, ok)
	assert.Equal(t, "tok2", tok.Value)
}

func TestSetFanSpeed_Boundaries(t *testing.T) {
	a, f, dev, _ := newActions(t)

	for _, speed := range []int{-1, 101} {
		res := a.SetFanSpeed(context.Background(), dev, speed)
		assert.False(t, res.Success)
		assert.Equal(t, cmcclient.KindValidation, res.Category)
		assert.True(t, res.IsValidation())
	}
	assert.Empty(t, f.seen(), "out-of-range speeds must not reach the device")
	assert.EqualValues(t, 0, f.tokens.Load(), "validation happens before authentication")

	for _, speed := range []int{0, 100} {
		res := a.SetFanSpeed(context.Background(), dev, speed)
		assert.True(t, res.Success, res.Error)
	}
	seen := f.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, EndpointFanSpeed, seen[0].Path)
	assert.Equal(t, map[string]any{"id": float64(1), "mode": "fixed", "speed": float64(0)}, seen[0].Body)
	assert.Equal(t, float64(100), seen[1].Body["speed"])
}

func TestPowerAction(t *testing.T) {
	a, f, dev, _ := newActions(t)

	res := a.PowerAction(context.Background(), dev, "power-cycle", "", nil)
	require.True(t, res.Success, res.Error)

	id := 3
	res = a.PowerAction(context.Background(), dev, "power-off", "node", &id)
	require.True(t, res.Success, res.Error)

	seen := f.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, map[string]any{"component": "enclosure", "action": "power-cycle"}, seen[0].Body)
	assert.Equal(t, map[string]any{"component": "node", "id": float64(3), "action": "power-off"}, seen[1].Body)

	res = a.PowerAction(context.Background(), dev, "reboot", "", nil)
	assert.False(t, res.Success)
	assert.Equal(t, cmcclient.KindValidation, res.Category)
	assert.Len(t, f.seen(), 2)
}

func TestSchedulePowerAction(t *testing.T) {
	a, f, dev, _ := newActions(t)

	res := a.SchedulePowerAction(context.Background(), dev, "power-on", "node", nil, "")
	assert.Equal(t, cmcclient.KindValidation, res.Category)

	res = a.SchedulePowerAction(context.Background(), dev, "power-on", "node", nil, "2025-03-01T06:00:00Z")
	require.True(t, res.Success, res.Error)

	seen := f.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, EndpointSchedulePower, seen[0].Path)
	assert.Equal(t, "2025-03-01T06:00:00Z", seen[0].Body["schedule_time"])
}

func TestStartBlink(t *testing.T) {
	a, f, dev, _ := newActions(t)

	res := a.StartBlink(context.Background(), dev, "psu", nil, 0)
	assert.Equal(t, cmcclient.KindValidation, res.Category)

	id := 2
	res = a.StartBlink(context.Background(), dev, "psu", &id, 3600)
	require.True(t, res.Success, res.Error)

	seen := f.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, map[string]any{"component": "psu", "id": float64(2), "duration": float64(3600)}, seen[0].Body)
}

func TestToggles(t *testing.T) {
	a, f, dev, _ := newActions(t)

	require.True(t, a.ToggleSSH(context.Background(), dev, true).Success)
	require.True(t, a.ToggleSSH(context.Background(), dev, true).Success)
	require.True(t, a.ToggleSerial(context.Background(), dev, false).Success)

	seen := f.seen()
	require.Len(t, seen, 3)
	assert.Equal(t, EndpointToggleSSH, seen[1].Path)
	assert.Equal(t, map[string]any{"enabled": true}, seen[1].Body)
	assert.Equal(t, EndpointToggleSerial, seen[2].Path)
	assert.Equal(t, map[string]any{"enabled": false}, seen[2].Body)
	assert.EqualValues(t, 1, f.tokens.Load())
}

func TestFetchEvents(t *testing.T) {
	a, f, dev, _ := newActions(t)
	f.routes[EndpointEvents] = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("severity_filter") == "critical" {
			writeJSON(w, http.StatusOK, map[string]any{"items": []any{map[string]any{"id": "e1"}}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"total": 0})
	}

	res := a.FetchEvents(context.Background(), dev, EventQuery{SeverityFilter: "critical", TextFilter: "fan 2"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []any{map[string]any{"id": "e1"}}, res.Data)

	res = a.FetchEvents(context.Background(), dev, EventQuery{Limit: 10})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []any{}, res.Data)

	seen := f.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, "limit=50&severity_filter=critical&text_filter=fan+2", seen[0].Query)
	assert.Equal(t, "limit=10", seen[1].Query)
}

func TestFetchFirmwareHistory(t *testing.T) {
	a, f, dev, _ := newActions(t)
	history := []any{
		map[string]any{"version": "1.0", "installDate": "2023-01-01"},
		map[string]any{"version": "2.0", "installDate": "2024-01-01"},
	}
	f.routes[EndpointFirmware] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"firmwareData": history})
	}

	res := a.FetchFirmwareHistory(context.Background(), dev)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, history, res.Data, "order must be exactly as received")

	f.routes[EndpointFirmware] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"firmware": "none"})
	}
	res = a.FetchFirmwareHistory(context.Background(), dev)
	assert.False(t, res.Success)
	assert.Equal(t, cmcclient.KindInvalidResponse, res.Category)
}

func TestUpstreamErrorIsReportedNotRaised(t *testing.T) {
	a, f, dev, _ := newActions(t)
	f.routes[EndpointFanSpeed] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "fan locked"})
	}

	res := a.SetFanSpeed(context.Background(), dev, 50)
	assert.False(t, res.Success)
	assert.Equal(t, cmcclient.KindUpstream, res.Category)
	assert.Contains(t, res.Error, "fan locked")
}

func TestAuthFailureIsReported(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == cmcclient.AuthPath {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		t.Errorf("unexpected device call to %s", r.URL.Path)
	}))
	defer srv.Close()

	client := cmcclient.New(zerolog.Nop(), cmcclient.Options{Timeout: 5 * time.Second})
	coord := devproxy.New(zerolog.Nop(), client, client, tokencache.New(tokencache.Options{}), nil, devproxy.Options{})
	a := New(zerolog.Nop(), coord)

	res := a.ToggleSerial(context.Background(), Device{ID: "x", Address: srv.URL, Username: "u", Password: "p"}, true)
	assert.False(t, res.Success)
	assert.Equal(t, cmcclient.KindAuth, res.Category)
	assert.NotEmpty(t, res.Error)
}

func TestTokenLifecycle(t *testing.T) {
	a, f, dev, _ := newActions(t)

	res := a.TokenStatus(dev.ID)
	require.True(t, res.Success)
	assert.Equal(t, TokenInfo{HasToken: false}, res.Data)

	res = a.TestAuthentication(context.Background(), dev)
	require.True(t, res.Success, res.Error)
	info := res.Data.(TokenInfo)
	assert.True(t, info.HasToken)
	assert.False(t, info.FromCache)
	assert.Greater(t, info.RemainingMS, int64(14*time.Minute/time.Millisecond))

	res = a.TestAuthentication(context.Background(), dev)
	require.True(t, res.Success)
	assert.True(t, res.Data.(TokenInfo).FromCache)
	assert.EqualValues(t, 1, f.tokens.Load())

	res = a.RefreshToken(context.Background(), dev)
	require.True(t, res.Success, res.Error)
	assert.EqualValues(t, 2, f.tokens.Load())

	res = a.TokenStatus(dev.ID)
	assert.True(t, res.Data.(TokenInfo).HasToken)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "tok2"), "token values never leave the cache")
}

type panickyCoordinator struct{ Coordinator }

func (panickyCoordinator) Do(context.Context, devproxy.Target, devproxy.Request) (*cmcclient.Response, error) {
	panic("boom")
}

func TestActionsNeverPanic(t *testing.T) {
	a := New(zerolog.Nop(), panickyCoordinator{})
	res := a.FetchState(context.Background(), Device{ID: "x", Address: "https://x"})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}
