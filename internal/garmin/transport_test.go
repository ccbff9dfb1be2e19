package garmin

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrowserTransportProfiles(t *testing.T) {
	var mu sync.Mutex
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = r.Header.Clone()
		mu.Unlock()
	}))
	defer srv.Close()

	for _, profile := range []Profile{ProfileChrome, ProfileFirefox} {
		transport, err := NewBrowserTransport(TransportOptions{Profile: profile})
		require.NoError(t, err)

		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := transport.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		mu.Lock()
		assert.Equal(t, profileHeaders[profile]["User-Agent"], seen.Get("User-Agent"))
		assert.NotEmpty(t, seen.Get("Accept-Language"))
		mu.Unlock()
	}
}

func TestBrowserTransportKeepsExplicitHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
	}))
	defer srv.Close()

	transport, err := NewBrowserTransport(TransportOptions{})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := transport.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestBrowserTransportRequestSpacing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	const spacing = 30 * time.Millisecond
	transport, err := NewBrowserTransport(TransportOptions{RequestSpacing: spacing})
	require.NoError(t, err)

	start := time.Now()
	for range 3 {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := transport.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	// First request is immediate, the next two wait one interval each.
	assert.GreaterOrEqual(t, time.Since(start), 2*spacing)
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile("firefox")
	require.NoError(t, err)
	assert.Equal(t, ProfileFirefox, p)

	_, err = ParseProfile("lynx")
	assert.Error(t, err)
}

func TestCookiesSurviveAcrossRequests(t *testing.T) {
	var gotCookie bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			http.SetCookie(w, &http.Cookie{Name: "SESSIONID", Value: "abc", Path: "/"})
		case "/check":
			_, err := r.Cookie("SESSIONID")
			gotCookie = err == nil
		}
	}))
	defer srv.Close()

	transport, err := NewBrowserTransport(TransportOptions{})
	require.NoError(t, err)
	for _, path := range []string{"/set", "/check"} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := transport.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.True(t, gotCookie, "the jar must replay cookies on later requests")
}
