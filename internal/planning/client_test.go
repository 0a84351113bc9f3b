package planning

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/yungbote/storyforge-backend/internal/logger"
)

func TestNormalizePageID(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{
			name: "dashed_form",
			in:   "550e8400-e29b-41d4-a716-446655440000",
			want: "550e8400e29b41d4a716446655440000",
			ok:   true,
		},
		{
			name: "bare_form",
			in:   "550e8400e29b41d4a716446655440000",
			want: "550e8400e29b41d4a716446655440000",
			ok:   true,
		},
		{
			name: "uppercase",
			in:   "550E8400E29B41D4A716446655440000",
			want: "550e8400e29b41d4a716446655440000",
			ok:   true,
		},
		{name: "too_short", in: "550e8400", ok: false},
		{name: "not_hex", in: strings.Repeat("z", 32), ok: false},
		{name: "empty", in: "", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizePageID(tc.in)
			if tc.ok {
				if err != nil {
					t.Fatalf("NormalizePageID(%q): %v", tc.in, err)
				}
				if got != tc.want {
					t.Fatalf("NormalizePageID(%q) = %q, want %q", tc.in, got, tc.want)
				}
				// Idempotent.
				again, err := NormalizePageID(got)
				if err != nil || again != got {
					t.Fatalf("normalize not idempotent: %q -> %q (%v)", got, again, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("NormalizePageID(%q) accepted invalid id", tc.in)
			}
		})
	}
}

func TestDashedAndBareFormsAreEqual(t *testing.T) {
	a, err := NormalizePageID("550e8400-e29b-41d4-a716-446655440000")
	if err != nil {
		t.Fatalf("dashed: %v", err)
	}
	b, err := NormalizePageID("550e8400e29b41d4a716446655440000")
	if err != nil {
		t.Fatalf("bare: %v", err)
	}
	if a != b {
		t.Fatalf("forms differ: %q vs %q", a, b)
	}
}

func newTestClient(t *testing.T, serverURL string) *client {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return &client{
		log:        log.With("service", "PlanningClient"),
		baseURL:    serverURL,
		token:      "test-token",
		apiVersion: "2022-06-28",
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limiter:     rate.NewLimiter(rate.Inf, 1),
		maxRetries:  3,
		backoffBase: time.Millisecond,
	}
}

func TestGetPageNormalizesReturnedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"550e8400-e29b-41d4-a716-446655440000","properties":{}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	page, err := c.GetPage(context.Background(), "550e8400e29b41d4a716446655440000")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if page.ID != "550e8400e29b41d4a716446655440000" {
		t.Fatalf("page id not normalized: %q", page.ID)
	}
}

func TestCallRetriesOn429ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"550e8400e29b41d4a716446655440000","properties":{}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.GetPage(context.Background(), "550e8400e29b41d4a716446655440000"); err != nil {
		t.Fatalf("GetPage after 429: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls = %d, want 2", n)
	}
}

func TestCallDoesNotRetryOn404(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetPage(context.Background(), "550e8400e29b41d4a716446655440000")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 HTTPError, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", n)
	}
}

func TestCallGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := c.GetPage(ctx, "550e8400e29b41d4a716446655440000")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("want 500 HTTPError, got %v", err)
	}
	if n := calls.Load(); n != 4 {
		t.Fatalf("calls = %d, want 4 (initial + 3 retries)", n)
	}
}

func TestQueryDatabasePaginates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"results":[{"id":"550e8400e29b41d4a716446655440000","properties":{}}],"has_more":true,"next_cursor":"abc"}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"id":"660e8400e29b41d4a716446655440000","properties":{}}],"has_more":false,"next_cursor":""}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	pages, err := c.QueryDatabase(context.Background(), "770e8400e29b41d4a716446655440000", nil)
	if err != nil {
		t.Fatalf("QueryDatabase: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
}
