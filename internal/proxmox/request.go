package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const apiPrefix = "/api2/json"

type request struct {
	method  string
	scheme  string
	host    string
	path    string
	form    url.Values
	headers http.Header
}

func newRequest(method string) *request {
	r := &request{
		scheme: "https",
		method: method,
	}
	return r.setHeader("Accept", "application/json")
}

func (r *request) setHost(host string) *request {
	r.host = host
	return r
}

func (r *request) setPath(path string) *request {
	r.path = path
	return r
}

func (r *request) setForm(form url.Values) *request {
	r.form = form
	if r.method != http.MethodGet && len(form) > 0 {
		r.setHeader("Content-Type", "application/x-www-form-urlencoded")
	}
	return r
}

func (r *request) setHeader(key string, values ...string) *request {
	if r.headers == nil {
		r.headers = http.Header{}
	}
	r.headers.Del(key)
	for _, value := range values {
		r.headers.Add(key, value)
	}
	return r
}

func (r *request) url() *url.URL {
	u := &url.URL{
		Scheme: r.scheme,
		Host:   r.host,
		Path:   apiPrefix + r.path,
	}
	if r.method == http.MethodGet && len(r.form) > 0 {
		u.RawQuery = r.form.Encode()
	}
	return u
}

func (r *request) op() string {
	return r.method + " " + r.path
}

func (r *request) build(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if r.method != http.MethodGet && len(r.form) > 0 {
		body = strings.NewReader(r.form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url().String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", r.op(), err)
	}
	for k, vs := range r.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

type result struct {
	op         string
	body       []byte
	statusCode int
}

// envelope is the {"data": ...} wrapper every Proxmox API response uses.
type envelope struct {
	Data   json.RawMessage   `json:"data"`
	Errors map[string]string `json:"errors,omitempty"`
}

func (r *result) ok() bool {
	return r.statusCode >= 200 && r.statusCode < 300
}

// message extracts a human readable reason from an unsuccessful response.
func (r *result) message() string {
	var env envelope
	if err := json.Unmarshal(r.body, &env); err == nil && len(env.Errors) > 0 {
		keys := make([]string, 0, len(env.Errors))
		for k := range env.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+strings.TrimSpace(env.Errors[k]))
		}
		return strings.Join(parts, "; ")
	}
	return strings.TrimSpace(string(r.body))
}

func (r *result) into(v any) error {
	if !r.ok() {
		return statusError(r.op, r.statusCode, r.message())
	}
	if v == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(r.body, &env); err != nil {
		return fmt.Errorf("%s: decode response envelope: %w", r.op, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: decode response data into %T: %w", r.op, v, err)
	}
	return nil
}
