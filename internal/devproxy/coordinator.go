// Package devproxy coordinates device token acquisition, caching and the
// single 401 retry around every proxied device request.
package devproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"cmc_manager/internal/cmcclient"
	"cmc_manager/internal/metrics"
	"cmc_manager/internal/tokencache"
)

// maxForwards caps attempts per action: the first try plus one retry after a 401.
const maxForwards = 2

// Authenticator exchanges device credentials for an access token.
type Authenticator interface {
	Authenticate(ctx context.Context, address, username, password string) (string, error)
}

// Forwarder performs one device request with a bearer token.
type Forwarder interface {
	Forward(ctx context.Context, address, endpoint, method string, body any, bearer string) (*cmcclient.Response, error)
}

// Target is the slice of a CMC record the proxy needs. Credentials are read-only.
type Target struct {
	ID       string
	Address  string
	Username string
	Password string
}

func (t Target) validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return cmcclient.Validationf("device id is required")
	}
	if strings.TrimSpace(t.Address) == "" {
		return cmcclient.Validationf("device address is required")
	}
	return nil
}

// Request is one device-bound call.
type Request struct {
	Endpoint string
	Method   string
	Body     any
}

type Options struct {
	// Lifetime is the validity window assumed for freshly issued tokens.
	Lifetime time.Duration
	Now      func() time.Time
}

type Coordinator struct {
	log      zerolog.Logger
	auth     Authenticator
	fwd      Forwarder
	cache    *tokencache.Cache
	metrics  *metrics.Metrics
	lifetime time.Duration
	now      func() time.Time
	inflight singleflight.Group
}

func New(log zerolog.Logger, auth Authenticator, fwd Forwarder, cache *tokencache.Cache, m *metrics.Metrics, opts Options) *Coordinator {
	lifetime := opts.Lifetime
	if lifetime <= 0 {
		lifetime = tokencache.DefaultLifetime
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		log:      log,
		auth:     auth,
		fwd:      fwd,
		cache:    cache,
		metrics:  m,
		lifetime: lifetime,
		now:      now,
	}
}

type state int

const (
	stateNoToken state = iota
	stateHaveToken
)

// Do runs one action against a device:
//
//	NoToken -> authenticate -> HaveToken -> forward
//	forward 401 (first time) -> invalidate -> NoToken
//	forward 401 (second time) -> auth failure
//	forward non-2xx -> upstream failure, transport error -> network failure
//	forward 2xx -> slide token expiry, done
func (c *Coordinator) Do(ctx context.Context, t Target, req Request) (*cmcclient.Response, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, cmcclient.Validationf("endpoint is required")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	log := c.log.With().Str("device_id", t.ID).Str("endpoint", req.Endpoint).Logger()

	st := stateNoToken
	var bearer string
	if tok, ok := c.cache.Get(t.ID); ok {
		c.metrics.IncTokenCacheLookup("hit")
		bearer = tok.Value
		st = stateHaveToken
	} else {
		c.metrics.IncTokenCacheLookup("miss")
	}

	forwards := 0
	for {
		switch st {
		case stateNoToken:
			tok, err := c.obtain(ctx, t)
			if err != nil {
				return nil, err
			}
			bearer = tok.Value
			st = stateHaveToken

		case stateHaveToken:
			forwards++
			start := c.now()
			resp, err := c.fwd.Forward(ctx, t.Address, req.Endpoint, method, req.Body, bearer)
			if err != nil {
				c.metrics.ObserveDeviceForward("error", c.now().Sub(start))
				log.Warn().Err(err).Msg("device request failed")
				return nil, err
			}

			switch {
			case resp.Status == http.StatusUnauthorized && forwards < maxForwards:
				c.metrics.ObserveDeviceForward("unauthorized", c.now().Sub(start))
				c.metrics.IncDeviceTokenRetry()
				log.Info().Msg("device token rejected, re-authenticating")
				c.cache.Invalidate(t.ID)
				st = stateNoToken

			case resp.Status == http.StatusUnauthorized:
				c.metrics.ObserveDeviceForward("unauthorized", c.now().Sub(start))
				c.cache.Invalidate(t.ID)
				log.Warn().Msg("device rejected a freshly issued token")
				return nil, &cmcclient.Error{
					Kind:    cmcclient.KindAuth,
					Status:  resp.Status,
					Message: "device rejected token after re-authentication",
					Body:    resp.Body,
				}

			case !resp.OK():
				c.metrics.ObserveDeviceForward("rejected", c.now().Sub(start))
				log.Warn().Int("status", resp.Status).Msg("device rejected request")
				return nil, &cmcclient.Error{
					Kind:    cmcclient.KindUpstream,
					Status:  resp.Status,
					Message: upstreamMessage(resp),
					Body:    resp.Body,
				}

			default:
				c.metrics.ObserveDeviceForward("ok", c.now().Sub(start))
				c.cache.Touch(t.ID, bearer, c.lifetime)
				return resp, nil
			}
		}
	}
}

// EnsureToken returns a usable token, authenticating only on a cache miss.
// fromCache reports whether no device call was needed.
func (c *Coordinator) EnsureToken(ctx context.Context, t Target) (tok tokencache.Token, fromCache bool, err error) {
	if err := t.validate(); err != nil {
		return tokencache.Token{}, false, err
	}
	if cached, ok := c.cache.Get(t.ID); ok {
		c.metrics.IncTokenCacheLookup("hit")
		return cached, true, nil
	}
	c.metrics.IncTokenCacheLookup("miss")
	tok, err = c.obtain(ctx, t)
	return tok, false, err
}

// Refresh drops any cached token and authenticates again.
func (c *Coordinator) Refresh(ctx context.Context, t Target) (tokencache.Token, error) {
	if err := t.validate(); err != nil {
		return tokencache.Token{}, err
	}
	c.cache.Invalidate(t.ID)
	return c.obtain(ctx, t)
}

// Forget drops the cached token for a device, e.g. after its record changed.
func (c *Coordinator) Forget(deviceID string) {
	c.cache.Invalidate(deviceID)
}

// Status reports the cached token's remaining lifetime without side effects.
func (c *Coordinator) Status(deviceID string) (tokencache.Remaining, bool) {
	return c.cache.TimeRemaining(deviceID)
}

// obtain authenticates against the device and caches the new token. Concurrent
// callers for the same device share one authentication. The device call is
// detached from the caller's cancellation so an abandoned request still fills
// the cache; the device client's own timeout bounds it.
func (c *Coordinator) obtain(ctx context.Context, t Target) (tokencache.Token, error) {
	ch := c.inflight.DoChan(t.ID, func() (any, error) {
		start := c.now()
		value, err := c.auth.Authenticate(context.WithoutCancel(ctx), t.Address, t.Username, t.Password)
		if err != nil {
			c.metrics.ObserveDeviceAuth("error", c.now().Sub(start))
			c.log.Warn().Err(err).Str("device_id", t.ID).Msg("device authentication failed")
			return tokencache.Token{}, err
		}
		c.metrics.ObserveDeviceAuth("ok", c.now().Sub(start))
		c.log.Debug().Str("device_id", t.ID).Msg("device token issued")
		return c.cache.Put(t.ID, value, c.now(), c.lifetime), nil
	})

	select {
	case <-ctx.Done():
		return tokencache.Token{}, &cmcclient.Error{
			Kind:    cmcclient.KindNetwork,
			Message: "device authentication abandoned",
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     ctx.Err(),
		}
	case res := <-ch:
		if res.Err != nil {
			var derr *cmcclient.Error
			if errors.As(res.Err, &derr) {
				return tokencache.Token{}, derr
			}
			return tokencache.Token{}, &cmcclient.Error{Kind: cmcclient.KindAuth, Message: "device authentication failed", Err: res.Err}
		}
		return res.Val.(tokencache.Token), nil
	}
}

func upstreamMessage(resp *cmcclient.Response) string {
	if m, ok := resp.Body.(map[string]any); ok {
		for _, k := range []string{"error", "message", "response"} {
			if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
				return fmt.Sprintf("device returned %d: %s", resp.Status, s)
			}
		}
	}
	return fmt.Sprintf("device returned %d", resp.Status)
}
