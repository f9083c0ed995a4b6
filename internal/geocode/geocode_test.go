package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"signment/internal/cache"
	"signment/internal/config"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(config.GeocodingConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
	}, cache.NewMemory(), zap.NewNop())
	return c, srv
}

func TestLookup(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.URL.Query().Get("q"); got != "Chicago, IL" {
			t.Errorf("q = %q", got)
		}
		if got := r.URL.Query().Get("api_key"); got != "test-key" {
			t.Errorf("api_key = %q", got)
		}
		w.Write([]byte(`[{"lat":"41.8781","lon":"-87.6298"}]`))
	}))

	p, err := c.Lookup(context.Background(), "Chicago, IL")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.Lat != 41.8781 || p.Lon != -87.6298 {
		t.Fatalf("point = %+v", p)
	}

	// Second lookup must come from cache.
	if _, err := c.Lookup(context.Background(), "Chicago, IL"); err != nil {
		t.Fatalf("cached Lookup: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
}

func TestLookupNoResults(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	if _, err := c.Lookup(context.Background(), "Nowhere"); err == nil {
		t.Fatal("expected error for empty result set")
	}
}

func TestLookupUpstreamError(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	if _, err := c.Lookup(context.Background(), "Chicago, IL"); err == nil {
		t.Fatal("expected error for HTTP 502")
	}
}

func TestLookupDisabled(t *testing.T) {
	c := New(config.GeocodingConfig{}, cache.NewMemory(), zap.NewNop())
	if c.Enabled() {
		t.Fatal("Enabled() without key")
	}
	if _, err := c.Lookup(context.Background(), "Chicago, IL"); err == nil {
		t.Fatal("expected error when not configured")
	}
}

func TestLookupAllSkipsFailuresAndDuplicates(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "Bad Place" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"lat":"1.5","lon":"2.5"}]`))
	}))

	points := c.LookupAll(context.Background(), []string{
		"Chicago, IL", "Bad Place", "Chicago, IL", "",
	})
	if len(points) != 1 {
		t.Fatalf("points = %+v, want one entry", points)
	}
	if points[0].Location != "Chicago, IL" {
		t.Fatalf("location = %q", points[0].Location)
	}
}
