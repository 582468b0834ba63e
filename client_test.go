package hubclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// authServer serves /api/data behind a bearer token and rotates the token on
// /api/auth/refresh.
type authServer struct {
	mu          sync.Mutex
	valid       string
	next        string
	refreshOK   bool
	hits        atomic.Int32
	refreshes   atomic.Int32
	refreshWait time.Duration
}

func (s *authServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case DefaultRefreshPath:
		s.refreshes.Add(1)
		time.Sleep(s.refreshWait)
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.refreshOK {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.valid = s.next
		json.NewEncoder(w).Encode(map[string]string{"accessToken": s.next})
	case DefaultTokenPath:
		if !s.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"token": "hub-token"}})
	default:
		s.hits.Add(1)
		if !s.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"items":[1,2,3]}`))
	}
}

func (s *authServer) authorized(r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+s.valid
}

func TestClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer t0", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.Equal(t, "7", r.URL.Query().Get("page"))
		require.Equal(t, "yes", r.Header.Get("X-Trace"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(map[string]string{"echo": in["name"]})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("t0"))
	out := c.Post(context.Background(), "/api/items", map[string]string{"name": "widget"}, &SendOptions{
		Query:   map[string]string{"page": "7"},
		Headers: map[string]string{"X-Trace": "yes"},
	})
	require.True(t, out.OK)
	require.Equal(t, KindSuccess, out.Kind)
	require.Equal(t, http.StatusOK, out.Status)
	require.NotEmpty(t, out.RequestID)

	res, err := DecodeOutcome[struct{ Echo string }](out)
	require.NoError(t, err)
	require.Equal(t, "widget", res.Echo)
}

func TestClientNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out := NewClient(srv.URL).Delete(context.Background(), "/api/items/1", nil)
	require.True(t, out.OK)
	require.Equal(t, http.StatusNoContent, out.Status)
	require.Empty(t, out.Data)

	var v map[string]any
	require.NoError(t, out.Decode(&v))
	require.Nil(t, v)
}

func TestClientRefreshAndRetryOnce(t *testing.T) {
	s := &authServer{valid: "fresh-1", next: "fresh-1", refreshOK: true}
	srv := httptest.NewServer(s)
	defer srv.Close()

	expired := 0
	c := NewClient(srv.URL, WithToken("stale"), WithSessionExpired(func() { expired++ }))
	out := c.Get(context.Background(), "/api/data", nil)

	require.True(t, out.OK, out.Message)
	require.EqualValues(t, 2, s.hits.Load())
	require.EqualValues(t, 1, s.refreshes.Load())
	require.Equal(t, "fresh-1", c.Tokens().Token())
	require.Zero(t, expired)
}

func TestClientRetryIsNotRefreshedAgain(t *testing.T) {
	var refreshes atomic.Int32
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultRefreshPath {
			refreshes.Add(1)
			w.Write([]byte(`{"token":"still-bad"}`))
			return
		}
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"token rejected"}`))
	}))
	defer srv.Close()

	out := NewClient(srv.URL).Get(context.Background(), "/api/data", nil)
	require.False(t, out.OK)
	require.Equal(t, KindServer, out.Kind)
	require.Equal(t, http.StatusUnauthorized, out.Status)
	require.Equal(t, "token rejected", out.Message)
	require.EqualValues(t, 1, refreshes.Load())
	require.EqualValues(t, 2, hits.Load())
}

func TestClientSessionExpired(t *testing.T) {
	s := &authServer{valid: "never", refreshOK: false}
	srv := httptest.NewServer(s)
	defer srv.Close()

	expired := 0
	c := NewClient(srv.URL, WithToken("stale"), WithSessionExpired(func() { expired++ }))
	out := c.Get(context.Background(), "/api/data", nil)

	require.False(t, out.OK)
	require.Equal(t, KindSessionExpired, out.Kind)
	require.Equal(t, http.StatusUnauthorized, out.Status)
	require.Equal(t, msgSessionExpired, out.Message)
	require.Equal(t, 1, expired)
	require.EqualValues(t, 1, s.hits.Load())

	var apiErr *APIError
	require.ErrorAs(t, out.Err(), &apiErr)
	require.Equal(t, KindSessionExpired, apiErr.Kind)
}

func TestClientConcurrentExpiryRefreshesOnce(t *testing.T) {
	s := &authServer{valid: "rotated", next: "rotated", refreshOK: true, refreshWait: 50 * time.Millisecond}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("stale"))

	const callers = 10
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Get(context.Background(), "/api/data", nil).OK {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, callers, ok.Load())
	require.LessOrEqual(t, s.refreshes.Load(), int32(2))
}

func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := NewClient(url).Get(context.Background(), "/api/data", nil)
	require.False(t, out.OK)
	require.Equal(t, KindTransport, out.Kind)
	require.Zero(t, out.Status)
	require.Equal(t, msgTransport, out.Message)
}

func TestClientUnencodableBody(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	out := NewClient(srv.URL).Post(context.Background(), "/api/items", map[string]any{"fn": func() {}}, nil)
	require.False(t, out.OK)
	require.Equal(t, KindServer, out.Kind)
	require.Zero(t, out.Status)
	require.Contains(t, out.Message, "encode request body")
	require.NotEqual(t, msgTransport, out.Message)
	require.Zero(t, hits.Load())
}

func TestClientCancelled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out := NewClient(srv.URL).Get(ctx, "/api/slow", nil)
	require.False(t, out.OK)
	require.Equal(t, KindCancelled, out.Kind)
	require.Equal(t, msgCancelled, out.Message)
}

func TestClientServerMessagePriority(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"error field wins", 400, `{"error":"bad input","message":"ignored","title":"ignored"}`, "bad input"},
		{"nested error message", 400, `{"error":{"message":"nested"},"message":"ignored"}`, "nested"},
		{"message field", 409, `{"message":"already exists","title":"Conflict"}`, "already exists"},
		{"validation map", 422, `{"errors":{"name":["is required"],"email":["is invalid","is taken"]},"title":"ignored"}`, "is required; is invalid; is taken"},
		{"validation list", 422, `{"errors":[{"message":"a"},{"message":"b"}]}`, "a; b"},
		{"title field", 400, `{"title":"One or more validation errors occurred."}`, "One or more validation errors occurred."},
		{"fallback 404", 404, `not json`, "The requested resource was not found"},
		{"fallback 403 empty", 403, ``, "You do not have permission to perform this action"},
		{"fallback 5xx", 503, `{}`, "Server error. Please try again later."},
		{"fallback other", 418, `{}`, "Request failed with status 418"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			out := NewClient(srv.URL).Get(context.Background(), "/x", nil)
			require.False(t, out.OK)
			require.Equal(t, KindServer, out.Kind)
			require.Equal(t, tc.status, out.Status)
			require.Equal(t, tc.want, out.Message)
		})
	}
}

func TestClientFetchToken(t *testing.T) {
	s := &authServer{valid: "rotated", next: "rotated", refreshOK: true}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("stale"))
	token, err := c.FetchToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hub-token", token)
	require.Equal(t, "rotated", c.Tokens().Token())
	require.EqualValues(t, 1, s.refreshes.Load())
}

func TestClientMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := NewClient(srv.URL, WithMetrics(m))
	c.Get(context.Background(), "/x", nil)
	c.Get(context.Background(), "/x", nil)

	require.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(KindServer.String())))
}
