package planning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yungbote/storyforge-backend/internal/logger"
	"github.com/yungbote/storyforge-backend/internal/pkg/httpx"
)

// Page is a planning-database page in the reduced shape the orchestrator
// consumes: an id plus a flat property map.
type Page struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	Archived   bool           `json:"archived"`
}

// Client wraps the planning database's REST API. One rate limiter is shared
// by every caller in the process so the push loop and the webhook processor
// draw from a single budget.
type Client interface {
	GetPage(ctx context.Context, pageID string) (*Page, error)
	UpdatePage(ctx context.Context, pageID string, properties map[string]any) error
	QueryDatabase(ctx context.Context, databaseID string, filter map[string]any) ([]*Page, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	token      string
	apiVersion string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoffBase time.Duration
}

// HTTPError is a non-2xx planning API response.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("planning http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	return e.StatusCode
}

func NewClient(log *logger.Logger) (Client, error) {
	token := os.Getenv("PLANNING_API_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("missing PLANNING_API_TOKEN")
	}

	baseURL := os.Getenv("PLANNING_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}

	timeoutSec := 30
	if v := os.Getenv("PLANNING_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &client{
		log:        log.With("service", "PlanningClient"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		apiVersion: "2022-06-28",
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		// Posted limit: 3 operations per 1-second rolling window, process-wide.
		limiter:     rate.NewLimiter(rate.Limit(3), 3),
		maxRetries:  3,
		backoffBase: 1 * time.Second,
	}, nil
}

// call performs one rate-limited request with backoff retries on 429/5xx.
// The backoff schedule is 1s, 2s, 4s... capped at 60s, jittered, with a
// Retry-After header taking precedence when the API sends one.
func (c *client) call(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	backoff := c.backoffBase
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			sleep := httpx.Jitter(backoff)
			var httpErr *HTTPError
			if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
				sleep = httpErr.RetryAfter
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			backoff *= 2
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = c.doOnce(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !httpx.Retryable(lastErr) {
			return lastErr
		}
		c.log.Warn("Planning call failed, will retry", "method", method, "path", path, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			RetryAfter: httpx.RetryAfter(resp, 60*time.Second),
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	canonical, err := NormalizePageID(pageID)
	if err != nil {
		return nil, err
	}
	var page Page
	if err := c.call(ctx, http.MethodGet, "/v1/pages/"+canonical, nil, &page); err != nil {
		return nil, err
	}
	if normalized, err := NormalizePageID(page.ID); err == nil {
		page.ID = normalized
	}
	return &page, nil
}

func (c *client) UpdatePage(ctx context.Context, pageID string, properties map[string]any) error {
	canonical, err := NormalizePageID(pageID)
	if err != nil {
		return err
	}
	body := map[string]any{"properties": properties}
	return c.call(ctx, http.MethodPatch, "/v1/pages/"+canonical, body, nil)
}

func (c *client) QueryDatabase(ctx context.Context, databaseID string, filter map[string]any) ([]*Page, error) {
	canonical, err := NormalizePageID(databaseID)
	if err != nil {
		return nil, err
	}
	body := map[string]any{}
	if filter != nil {
		body["filter"] = filter
	}

	var pages []*Page
	cursor := ""
	for {
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var result struct {
			Results    []*Page `json:"results"`
			HasMore    bool    `json:"has_more"`
			NextCursor string  `json:"next_cursor"`
		}
		if err := c.call(ctx, http.MethodPost, "/v1/databases/"+canonical+"/query", body, &result); err != nil {
			return nil, err
		}
		for _, p := range result.Results {
			if normalized, err := NormalizePageID(p.ID); err == nil {
				p.ID = normalized
			}
			pages = append(pages, p)
		}
		if !result.HasMore || result.NextCursor == "" {
			return pages, nil
		}
		cursor = result.NextCursor
	}
}
