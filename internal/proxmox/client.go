package proxmox

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pve-agent/internal/model"
)

const (
	defaultRequestTimeout = 10 * time.Second
	authFlightKey         = "authenticate"
)

// Observer receives the outcome of every API request. It must not block.
type Observer func(method, path string, statusCode int, err error)

// Client owns the HTTP connection to one cluster and its authenticated
// session. It is safe for concurrent use.
type Client struct {
	mu       sync.RWMutex
	cfg      model.ClusterConfig
	http     *http.Client
	session  *Session
	rootCAs  *x509.CertPool
	logger   *slog.Logger
	timeout  time.Duration
	observer Observer
	now      func() time.Time

	authFlight singleflight.Group
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRootCAs verifies the cluster certificate against pool instead of the
// system roots when verify_ssl is enabled.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) {
		c.rootCAs = pool
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

func NewClient(cfg model.ClusterConfig, logger *slog.Logger, opts ...Option) *Client {
	if cfg.Realm == "" {
		cfg.Realm = model.DefaultRealm
	}
	if cfg.Port <= 0 {
		cfg.Port = model.DefaultPort
	}
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		timeout: defaultRequestTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = c.buildHTTPClient(cfg.VerifySSL)
	return c
}

func (c *Client) Config() model.ClusterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Session returns the current session, nil before the first login.
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetVerifySSL swaps the TLS policy. Enabling verification drops the current
// session so the next call logs in again over a verified connection.
func (c *Client) SetVerifySSL(verify bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.VerifySSL == verify {
		return
	}
	old := c.http
	c.cfg.VerifySSL = verify
	c.http = c.buildHTTPClient(verify)
	if verify {
		c.session = nil
	}
	old.CloseIdleConnections()
	c.logger.Info("proxmox tls verification changed", "verify_ssl", verify, "reauthenticate", verify)
}

// Authenticate logs in and replaces the current session.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	cfg := c.Config()
	if cfg.UsesToken() {
		s := newTokenSession(cfg.UserID(), cfg.TokenID, cfg.TokenSecret)
		c.storeSession(s)
		return s, nil
	}

	form := url.Values{}
	form.Set("username", cfg.UserID())
	form.Set("password", cfg.Password)
	res, err := c.send(ctx, http.MethodPost, "/access/ticket", form, nil)
	if err != nil {
		return nil, err
	}
	if res.statusCode == http.StatusUnauthorized || res.statusCode == http.StatusForbidden {
		return nil, &AuthError{User: cfg.UserID(), StatusCode: res.statusCode, Message: res.message()}
	}

	var ticket struct {
		Ticket string `json:"ticket"`
		CSRF   string `json:"CSRFPreventionToken"`
	}
	if err := res.into(&ticket); err != nil {
		return nil, err
	}
	if ticket.Ticket == "" {
		return nil, &AuthError{User: cfg.UserID(), StatusCode: res.statusCode, Message: "empty ticket in response"}
	}

	s := newTicketSession(cfg.UserID(), ticket.Ticket, ticket.CSRF, c.now())
	c.storeSession(s)
	c.logger.Debug("proxmox session established", "user", cfg.UserID(), "expires_at", s.ExpiresAt())
	return s, nil
}

// Call performs one API request and decodes the response data into out (which
// may be nil). An authentication rejection triggers exactly one shared
// re-authentication and a single replay of the request.
func (c *Client) Call(ctx context.Context, method, path string, form url.Values, out any) error {
	sess, err := c.validSession(ctx)
	if err != nil {
		return err
	}

	res, err := c.send(ctx, method, path, form, sess)
	if err != nil {
		return err
	}
	if res.statusCode == http.StatusUnauthorized {
		c.logger.Debug("proxmox session rejected, re-authenticating", "op", res.op)
		sess, err = c.reauthenticate(ctx, sess)
		if err != nil {
			return err
		}
		res, err = c.send(ctx, method, path, form, sess)
		if err != nil {
			return err
		}
		if res.statusCode == http.StatusUnauthorized {
			c.dropSession(sess)
			return &AuthError{User: sess.User(), StatusCode: res.statusCode, Message: res.message()}
		}
	}
	return res.into(out)
}

// Version is a cheap authenticated request used as a health check.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
		Release string `json:"release"`
	}
	if err := c.Call(ctx, http.MethodGet, "/version", nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.http.CloseIdleConnections()
}

func (c *Client) validSession(ctx context.Context) (*Session, error) {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s.Valid() {
		return s, nil
	}
	return c.reauthenticate(ctx, s)
}

// reauthenticate replaces stale with a fresh session. Concurrent callers share
// a single login; a caller that arrives after someone else already replaced
// stale gets the new session without another round trip.
func (c *Client) reauthenticate(ctx context.Context, stale *Session) (*Session, error) {
	ch := c.authFlight.DoChan(authFlightKey, func() (any, error) {
		c.mu.RLock()
		cur := c.session
		c.mu.RUnlock()
		if cur != nil && cur != stale && cur.Valid() {
			return cur, nil
		}
		c.dropSession(stale)
		authCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.Authenticate(authCtx)
	})
	select {
	case <-ctx.Done():
		return nil, classifyNetError("authenticate", ctx.Err(), c.Config().VerifySSL)
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Session), nil
	}
}

func (c *Client) storeSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// dropSession clears the session only if it is still the one that failed.
func (c *Client) dropSession(s *Session) {
	if s == nil {
		return
	}
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
}

func (c *Client) send(ctx context.Context, method, path string, form url.Values, sess *Session) (*result, error) {
	c.mu.RLock()
	httpClient := c.http
	verify := c.cfg.VerifySSL
	host := c.cfg.Address()
	c.mu.RUnlock()

	r := newRequest(method).setHost(host).setPath(path).setForm(form)
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := r.build(reqCtx)
	if err != nil {
		return nil, err
	}
	sess.apply(req)

	resp, err := httpClient.Do(req)
	if err != nil {
		tErr := classifyNetError(r.op(), err, verify)
		c.observe(method, path, 0, tErr)
		return nil, tErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		tErr := classifyNetError(r.op(), fmt.Errorf("read response body: %w", err), verify)
		c.observe(method, path, resp.StatusCode, tErr)
		return nil, tErr
	}
	res := &result{op: r.op(), body: body, statusCode: resp.StatusCode}
	var outcome error
	if !res.ok() {
		outcome = statusError(res.op, res.statusCode, "")
	}
	c.observe(method, path, res.statusCode, outcome)
	return res, nil
}

func (c *Client) observe(method, path string, status int, err error) {
	if c.observer != nil {
		c.observer(method, path, status, err)
	}
}

func (c *Client) buildHTTPClient(verify bool) *http.Client {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verify,
	}
	if verify && c.rootCAs != nil {
		tlsCfg.RootCAs = c.rootCAs
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsCfg,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
