package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pgourlain/PGrok/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveLocalPath(t *testing.T) {
	cases := []struct {
		path     string
		tunnelID string
		want     string
	}{
		{"/svc1/echo", "svc1", "/echo"},
		{"/svc1/a/b/c", "svc1", "/a/b/c"},
		{"/svc1", "svc1", "/"},
		{"/other/echo", "svc1", "/other/echo"},
		{"/svc1extra/echo", "svc1", "/svc1extra/echo"},
		{"/echo", "", "/echo"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveLocalPath(tc.path, tc.tunnelID), "path %q id %q", tc.path, tc.tunnelID)
	}
}

func TestForwardEchoesBody(t *testing.T) {
	var gotPath, gotQuery string
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Write(body)
	}))
	defer local.Close()

	f := NewForwarder(local.URL, "svc1")
	resp, err := f.Forward(context.Background(), &protocol.HTTPRequest{
		RequestID: "r1",
		Method:    "POST",
		URL:       "/svc1/echo?a=1&b=2",
		Headers:   map[string]string{"Content-Type": "text/plain"},
		Body:      []byte("hello"),
	})
	require.NoError(t, err)

	assert.Equal(t, "/echo", gotPath)
	assert.Equal(t, "a=1&b=2", gotQuery)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	var seen http.Header
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seen.Set("Host-Header", r.Host)
		w.WriteHeader(204)
	}))
	defer local.Close()

	f := NewForwarder(local.URL, "svc1")
	_, err := f.Forward(context.Background(), &protocol.HTTPRequest{
		RequestID: "r1",
		Method:    "GET",
		URL:       "/svc1/x",
		Headers: map[string]string{
			"Host":           "public.example.com",
			"Connection":     "keep-alive",
			"Content-Length": "5",
			":authority":     "public.example.com",
			"X-Custom":       "kept",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "kept", seen.Get("X-Custom"))
	assert.Empty(t, seen.Get(":authority"))
	// the public Host must not leak into the local call
	assert.NotEqual(t, "public.example.com", seen.Get("Host-Header"))
}

func TestForwardHeaderNamesCaseInsensitive(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer local.Close()

	assert.True(t, isHopByHop("HOST"))
	assert.True(t, isHopByHop("Connection"))
	assert.True(t, isHopByHop("content-length"))
	assert.True(t, isHopByHop(":path"))
	assert.False(t, isHopByHop("Content-Type"))
}

func TestForwardUnreachableService(t *testing.T) {
	f := NewForwarder("http://127.0.0.1:1", "svc1")
	_, err := f.Forward(context.Background(), &protocol.HTTPRequest{
		RequestID: "r1",
		Method:    "GET",
		URL:       "/svc1/x",
		Headers:   map[string]string{},
	})
	assert.Error(t, err)
}

func TestNextDelayBackoff(t *testing.T) {
	delay := initialBackoff
	for i := 0; i < 50; i++ {
		next := nextDelay(delay)
		assert.GreaterOrEqual(t, next, delay, "backoff must be non-decreasing")
		assert.LessOrEqual(t, next, maxBackoff)
		delay = next
	}
	assert.Equal(t, maxBackoff, delay, "backoff converges to the maximum")
}
