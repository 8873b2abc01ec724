package devproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmc_manager/internal/cmcclient"
	"cmc_manager/internal/metrics"
	"cmc_manager/internal/tokencache"
)

type fakeAuth struct {
	calls atomic.Int32
	fn    func(ctx context.Context, address, username, password string) (string, error)
}

func (f *fakeAuth) Authenticate(ctx context.Context, address, username, password string) (string, error) {
	f.calls.Add(1)
	return f.fn(ctx, address, username, password)
}

type forwardCall struct {
	endpoint string
	method   string
	bearer   string
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []forwardCall
	fn    func(bearer string) (*cmcclient.Response, error)
}

func (f *fakeForwarder) Forward(ctx context.Context, address, endpoint, method string, body any, bearer string) (*cmcclient.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, forwardCall{endpoint: endpoint, method: method, bearer: bearer})
	f.mu.Unlock()
	return f.fn(bearer)
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okJSON(body any) *cmcclient.Response {
	return &cmcclient.Response{Status: http.StatusOK, ContentType: "application/json", Body: body}
}

var target = Target{ID: "cmc-1", Address: "https://10.0.0.5", Username: "admin", Password: "secret"}

func newTestCoordinator(auth Authenticator, fwd Forwarder, cache *tokencache.Cache) *Coordinator {
	return New(zerolog.Nop(), auth, fwd, cache, metrics.New(), Options{})
}

func TestDo_AuthenticatesOnMissAndCaches(t *testing.T) {
	auth := &fakeAuth{fn: func(ctx context.Context, address, username, password string) (string, error) {
		return "tok1", nil
	}}
	fwd := &fakeForwarder{fn: func(bearer string) (*cmcclient.Response, error) {
		return okJSON(map[string]any{"ok": true}), nil
	}}
	cache := tokencache.New(tokencache.Options{})
	c := newTestCoordinator(auth, fwd, cache)

	_, err := c.Do(context.Background(), target, Request{Endpoint: "/api/corestation/state"})
	require.NoError(t, err)
	_, err = c.Do(context.Background(), target, Request{Endpoint: "/api/corestation/state"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, auth.calls.Load(), "second call must reuse the cached token")
	require.Equal(t, 2, fwd.count())
	assert.Equal(t, "tok1", fwd.calls[1].bearer)
	assert.Equal(t, http.MethodGet, fwd.calls[0].method)

	tok, ok := cache.Get("cmc-1")
	require.True(t, ok)
	assert.Equal(t, "tok1", tok.Value)
}

func TestDo_AlwaysUnauthorizedStopsAfterOneRetry(t *testing.T) {
	auth := &fakeAuth{fn: func(ctx context.Context, address, username, password string) (string, error) {
		return "tok", nil
	}}
	fwd := &fakeForwarder{fn: func(bearer string) (*cmcclient.Response, error) {
		return &cmcclient.Response{Status: http.StatusUnauthorized}, nil
	}}
	cache := tokencache.New(tokencache.Options{})
	c := newTestCoordinator(auth, fwd, cache)

	_, err := c.Do(context.Background(), target, Request{Endpoint: "/api/corestation/state"})
	require.Error(t, err)
	assert.Equal(t, cmcclient.KindAuth, cmcclient.KindOf(err))
	assert.Equal(t, 2, fwd.count())
	assert.EqualValues(t, 2, auth.calls.Load())

	_, ok := cache.Get("cmc-1")
	assert.False(t, ok, "a token the device keeps rejecting must not stay cached")
}

func TestDo_AuthFailureSkipsForward(t *testing.T) {
	auth := &fakeAuth{fn: func(ctx context.Context, address, username, password string) (string, error) {
		return "", &cmcclient.Error{Kind: cmcclient.KindAuth, Status: http.StatusUnauthorized, Message: "device authentication failed: 401"}
	}}
	fwd := &fakeForwarder{fn: func(bearer string) (*cmcclient.Response, error) {
		t.Fatal("forward must not run without a token")
		return nil, nil
	}}
	c := newTestCoordinator(auth, fwd, tokencache.New(tokencache.Options{}))

	_, err := c.Do(context.Background(), target, Request{Endpoint: "/api/interface/toggle-ssh", Method: http.MethodPost})
	assert.Equal(t, cmcclient.KindAuth, cmcclient.KindOf(err))
	assert.EqualValues(t, 1, auth.calls.Load())
}

func TestDo_UpstreamErrorNotRetried(t *testing.T) {
	auth := &fakeAuth{fn: func(ctx context.Context, address, username, password string) (string, error) {
		return "tok", nil
	}}
	fwd := &fakeForwarder{fn: func(bearer string) (*cmcclient.Response, error) {
		return &cmcclient.Response{Status: http.StatusBadRequest, Body: map[string]any{"error": "invalid speed"}}, nil
	}}
	c := newTestCoordinator(auth, fwd, tokencache.New(tokencache.Options{}))

	_, err := c.Do(context.Background(), target, Request{Endpoint: "/api/interface/fan-speed", Method: http.MethodPost})
	require.Error(t, err)

	var derr *cmcclient.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, cmcclient.KindUpstream, derr.Kind)
	assert.Equal(t, http.StatusBadRequest, derr.Status)
	assert.Equal(t, map[string]any{"error": "invalid speed"}, derr.Body)
	assert.Contains(t, derr.Message, "invalid speed")
	assert.Equal(t, 1, fwd.count())
}

func TestDo_NetworkErrorNotRetried(t *testing.T) {
	auth := &fakeAuth{fn: func(ctx context.Context, address, username, password string) (string, error) {
		return "tok", nil
	}}
	fwd := &fakeForwarder{fn: func(bearer string) (*cmcclient.Response, error) {
		return nil, &cmcclient.Error{Kind: cmcclient.KindNetwork, Message: "device request timed out"}
	}}
	cache := tokencache.New(tokencache.Options{})
	c := newTestCoordinator(auth, fwd, cache)

	_, err := c.Do(context.Background(), target, Request{Endpoint: "/api/corestation/state"})
	assert.Equal(t, cmcclient.KindNetwork, cmcclient.KindOf(err))
	assert.Equal(t, 1, fwd.count())

	_, ok := cache.Get("cmc-1")
	assert.True(t, ok, "a timeout says nothing about the token and must not evict it")
}

func TestDo_SuccessSlidesExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache := tokencache.New(tokencache.Options{Now: clock})
	auth := &fakeAuth{fn: func(ctx context.Context, address, username, password string) (string, error) {
		return "tok1", nil
	}}
	fwd := &fakeForwarder{fn: func(bearer string) (*cmcclient.Response, error) {
		return okJSON(nil), nil
	}}
	c := New(zerolog.Nop(), auth, fwd, cache, nil, Options{Now: clock})

	_, err := c.Do(context.Background(), target, Request{Endpoint: "/api/corestation/state"})
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	_, err = c.Do(context.Background(), target, Request{Endpoint: "/api/corestation/state"})
	require.NoError(t, err)

	rem, ok := c.Status("cmc-1")
	require.True(t, ok)
	assert.Equal(t, tokencache.DefaultLifetime, rem.Remaining)
	assert.EqualValues(t, 1, auth.calls.Load())
}

func TestDo_ValidatesInput(t *testing.T) {
	c := newTestCoordinator(&fakeAuth{}, &fakeForwarder{}, tokencache.New(tokencache.Options{}))

	_, err := c.Do(context.Background(), Target{Address: "https://x"}, Request{Endpoint: "/x"})
	assert.Equal(t, cmcclient.KindValidation, cmcclient.KindOf(err))

	_, err = c.Do(context.Background(), target, Request{})
	assert.Equal(t, cmcclient.KindValidation, cmcclient.KindOf(err))
}

func TestObtain_ConcurrentCallersShareOneAuthentication(t *testing.T) {
	release := make(chan struct{})
	auth := &fakeAuth{fn: func(ctx context.Context, address, username, password string) (string, error) {
		<-release
		return "tok1", nil
	}}
	fwd := &fakeForwarder{fn: func(bearer string) (*cmcclient.Response, error) {
		return okJSON(nil), nil
	}}
	c := newTestCoordinator(auth, fwd, tokencache.New(tokencache.Options{}))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Do(context.Background(), target, Request{Endpoint: "/api/corestation/state"})
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, auth.calls.Load(), int32(8))
	assert.GreaterOrEqual(t, auth.calls.Load(), int32(1))
	assert.Equal(t, 8, fwd.count())
}

func TestRefresh_ReplacesToken(t *testing.T) {
	var n atomic.Int32
	auth := &fakeAuth{fn: func(ctx context.Context, address, username, password string) (string, error) {
		if n.Add(1) == 1 {
			return "tok1", nil
		}
		return "tok2", nil
	}}
	cache := tokencache.New(tokencache.Options{})
	c := newTestCoordinator(auth, &fakeForwarder{}, cache)

	tok, fromCache, err := c.EnsureToken(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "tok1", tok.Value)

	_, fromCache, err = c.EnsureToken(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, fromCache)

	tok, err = c.Refresh(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, "tok2", tok.Value)

	c.Forget("cmc-1")
	_, ok := c.Status("cmc-1")
	assert.False(t, ok)
}

// deviceSim is a CMC stand-in that issues numbered tokens and rejects the first one.
type deviceSim struct {
	issued   atomic.Int32
	mu       sync.Mutex
	bearers  []string
	rejectFn func(bearer string) bool
	// rejectBody, when set, is sent with the 401 labelled as JSON.
	rejectBody string
}

func (d *deviceSim) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/token", func(w http.ResponseWriter, r *http.Request) {
		n := d.issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "tok" + string(rune('0'+n))})
	})
	mux.HandleFunc("/api/corestation/state", func(w http.ResponseWriter, r *http.Request) {
		bearer := r.Header.Get("Authorization")
		d.mu.Lock()
		d.bearers = append(d.bearers, bearer)
		d.mu.Unlock()
		if d.rejectFn != nil && d.rejectFn(bearer) {
			if d.rejectBody != "" {
				w.Header().Set("Content-Type", "application/json")
			}
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(d.rejectBody))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"enclosure":{"1":{"sshEnabled":true,"serialEnabled":false}}}`))
	})
	return mux
}

func TestDo_EndToEndRetryAfterUnauthorized(t *testing.T) {
	sim := &deviceSim{rejectFn: func(bearer string) bool { return bearer == "Bearer tok1" }}
	srv := httptest.NewTLSServer(sim.handler())
	defer srv.Close()

	client := cmcclient.New(zerolog.Nop(), cmcclient.Options{Timeout: 5 * time.Second})
	cache := tokencache.New(tokencache.Options{})
	c := New(zerolog.Nop(), client, client, cache, nil, Options{})

	resp, err := c.Do(context.Background(), Target{ID: "cmc-1", Address: srv.URL, Username: "admin", Password: "pw"},
		Request{Endpoint: "/api/corestation/state"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"enclosure": map[string]any{"1": map[string]any{"sshEnabled": true, "serialEnabled": false}},
	}, resp.Body)

	assert.Equal(t, []string{"Bearer tok1", "Bearer tok2"}, sim.bearers)
	tok, ok := cache.Get("cmc-1")
	require.True(t, ok)
	assert.Equal(t, "tok2", tok.Value)
}

func TestDo_RetriesWhenUnauthorizedBodyIsNotJSON(t *testing.T) {
	sim := &deviceSim{
		rejectFn:   func(bearer string) bool { return bearer == "Bearer tok1" },
		rejectBody: "Unauthorized",
	}
	srv := httptest.NewTLSServer(sim.handler())
	defer srv.Close()

	client := cmcclient.New(zerolog.Nop(), cmcclient.Options{Timeout: 5 * time.Second})
	cache := tokencache.New(tokencache.Options{})
	c := New(zerolog.Nop(), client, client, cache, nil, Options{})
	dev := Target{ID: "cmc-1", Address: srv.URL, Username: "admin", Password: "pw"}

	_, err := c.Do(context.Background(), dev, Request{Endpoint: "/api/corestation/state"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, sim.issued.Load())
	assert.Equal(t, []string{"Bearer tok1", "Bearer tok2"}, sim.bearers)

	tok, ok := cache.Get("cmc-1")
	require.True(t, ok)
	assert.Equal(t, "tok2", tok.Value)
}

func TestObtain_AbandonedCallerStillFillsCache(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	auth := &fakeAuth{fn: func(ctx context.Context, address, username, password string) (string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "tok1", nil
	}}
	cache := tokencache.New(tokencache.Options{})
	c := newTestCoordinator(auth, &fakeForwarder{}, cache)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := c.EnsureToken(ctx, target)
		done <- err
	}()

	<-started
	cancel()
	err := <-done
	require.Error(t, err)
	assert.Equal(t, cmcclient.KindNetwork, cmcclient.KindOf(err))
	assert.False(t, cmcclient.IsTimeout(err))

	close(release)
	require.Eventually(t, func() bool {
		_, ok := cache.Get("cmc-1")
		return ok
	}, time.Second, 5*time.Millisecond)
	tok, _ := cache.Get("cmc-1")
	assert.Equal(t, "tok1", tok.Value)
	assert.EqualValues(t, 1, auth.calls.Load())
}
