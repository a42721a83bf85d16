package proxmox

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultMessage_SortsFieldErrors(t *testing.T) {
	r := &result{
		statusCode: http.StatusBadRequest,
		body:       []byte(`{"data":null,"errors":{"vmid":"invalid format ","node":"unknown node","cores":"must be > 0"}}`),
	}
	for range 20 {
		assert.Equal(t, "cores: must be > 0; node: unknown node; vmid: invalid format", r.message())
	}

	r.body = []byte(" permission denied \n")
	assert.Equal(t, "permission denied", r.message())
}

func TestRequestBuild_Headers(t *testing.T) {
	get, err := newRequest(http.MethodGet).
		setHost("pve.lan:8006").
		setPath("/nodes").
		setForm(url.Values{"type": {"vm"}}).
		build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://pve.lan:8006/api2/json/nodes?type=vm", get.URL.String())
	assert.Equal(t, "application/json", get.Header.Get("Accept"))
	assert.Empty(t, get.Header.Get("Content-Type"))
	assert.Nil(t, get.Body)

	post, err := newRequest(http.MethodPost).
		setHost("pve.lan:8006").
		setPath("/nodes/pve1/qemu/100/status/start").
		setForm(url.Values{"timeout": {"30"}}).
		build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", post.Header.Get("Content-Type"))
	raw, err := io.ReadAll(post.Body)
	require.NoError(t, err)
	assert.Equal(t, "timeout=30", string(raw))
}
