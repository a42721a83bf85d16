// Package proxmoxtest provides an in-process fake of the Proxmox VE REST API
// for tests. It implements ticket login, cookie and CSRF checks and API token
// headers; endpoints are registered per test.
package proxmoxtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"pve-agent/internal/model"
)

const apiPrefix = "/api2/json"

type Cluster struct {
	Server *httptest.Server

	User     string
	Password string
	TokenID  string
	Secret   string

	mux *http.ServeMux

	mu        sync.Mutex
	tickets   map[string]string
	ticketSeq int
	logins    int
	requests  map[string]int
	rejectAll bool
}

// New starts a TLS fake cluster accepting root@pam / secret. The server is
// closed with the test.
func New(t testing.TB) *Cluster {
	t.Helper()
	c := &Cluster{
		User:     "root@pam",
		Password: "secret",
		mux:      http.NewServeMux(),
		tickets:  map[string]string{},
		requests: map[string]int{},
	}
	c.Server = httptest.NewTLSServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.Server.Close)
	return c
}

// Config returns connection settings for the fake with TLS verification off.
func (c *Cluster) Config() model.ClusterConfig {
	u, _ := url.Parse(c.Server.URL)
	port, _ := strconv.Atoi(u.Port())
	user, realm, _ := strings.Cut(c.User, "@")
	return model.ClusterConfig{
		Host:      u.Hostname(),
		Port:      port,
		Username:  user,
		Realm:     realm,
		Password:  c.Password,
		VerifySSL: false,
	}
}

// Handle registers fn for a ServeMux pattern relative to /api2/json, e.g.
// "GET /nodes/{node}/qemu".
func (c *Cluster) Handle(pattern string, fn http.HandlerFunc) {
	method, path, ok := strings.Cut(pattern, " ")
	if !ok {
		path, method = method, ""
	}
	full := apiPrefix + path
	if method != "" {
		full = method + " " + full
	}
	c.mux.HandleFunc(full, fn)
}

// JSON registers a handler answering with {"data": data}.
func (c *Cluster) JSON(pattern string, data any) {
	c.Handle(pattern, func(w http.ResponseWriter, _ *http.Request) {
		WriteData(w, http.StatusOK, data)
	})
}

// Fail registers a handler answering with status and a Proxmox style error.
func (c *Cluster) Fail(pattern string, status int) {
	c.Handle(pattern, func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, status, "fake failure")
	})
}

// ExpireTickets invalidates every issued ticket, as if their lifetime ended.
func (c *Cluster) ExpireTickets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickets = map[string]string{}
}

// RejectAll makes every authenticated request fail with 401 even right after a
// fresh login.
func (c *Cluster) RejectAll(reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectAll = reject
}

func (c *Cluster) Logins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins
}

// Requests counts authenticated requests that reached a handler, keyed by
// "METHOD /path" relative to /api2/json.
func (c *Cluster) Requests(method, path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[method+" "+path]
}

func WriteData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": nil, "errors": map[string]string{"detail": msg}})
}

func (c *Cluster) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, apiPrefix)
	if r.Method == http.MethodPost && path == "/access/ticket" {
		c.login(w, r)
		return
	}
	if !c.authorized(r) {
		WriteError(w, http.StatusUnauthorized, "no ticket")
		return
	}

	c.mu.Lock()
	c.requests[r.Method+" "+path]++
	c.mu.Unlock()

	if _, pattern := c.mux.Handler(r); pattern == "" {
		WriteError(w, http.StatusNotImplemented, fmt.Sprintf("Method '%s %s' not implemented", r.Method, path))
		return
	}
	c.mux.ServeHTTP(w, r)
}

func (c *Cluster) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.PostForm.Get("username") != c.User || r.PostForm.Get("password") != c.Password {
		WriteError(w, http.StatusUnauthorized, "authentication failure")
		return
	}

	c.mu.Lock()
	c.logins++
	c.ticketSeq++
	ticket := fmt.Sprintf("PVE:%s:%04d", c.User, c.ticketSeq)
	csrf := fmt.Sprintf("csrf-%04d", c.ticketSeq)
	c.tickets[ticket] = csrf
	c.mu.Unlock()

	WriteData(w, http.StatusOK, map[string]any{
		"ticket":              ticket,
		"CSRFPreventionToken": csrf,
		"username":            c.User,
	})
}

func (c *Cluster) authorized(r *http.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectAll {
		return false
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		want := fmt.Sprintf("PVEAPIToken=%s!%s=%s", c.User, c.TokenID, c.Secret)
		return c.TokenID != "" && auth == want
	}

	cookie, err := r.Cookie("PVEAuthCookie")
	if err != nil {
		return false
	}
	csrf, ok := c.tickets[cookie.Value]
	if !ok {
		return false
	}
	if r.Method != http.MethodGet && r.Header.Get("CSRFPreventionToken") != csrf {
		return false
	}
	return true
}
