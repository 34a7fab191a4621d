// Package client is the HTTP client for the huntlog API, used by the
// CLI commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/huntlog/huntlog/pkg/types"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Status(ctx context.Context) (types.Status, error) {
	var out types.Status
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context) ([]types.SessionSummary, error) {
	var out []types.SessionSummary
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions", nil, nil, &out)
	return out, err
}

func (c *Client) SessionEvents(ctx context.Context, sessionID string, q types.EventQuery) ([]types.Event, error) {
	vals := url.Values{}
	if q.Limit > 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		vals.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Asc {
		vals.Set("order", "asc")
	}
	var out []types.Event
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/events", vals, nil, &out)
	return out, err
}

func (c *Client) ListFacts(ctx context.Context, factType string, limit int) ([]types.Fact, error) {
	vals := url.Values{}
	if factType != "" {
		vals.Set("type", factType)
	}
	if limit > 0 {
		vals.Set("limit", strconv.Itoa(limit))
	}
	var out []types.Fact
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/facts", vals, nil, &out)
	return out, err
}

func (c *Client) SessionAdvice(ctx context.Context, sessionID string, limit int) ([]types.Recommendation, error) {
	return c.advice(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/advice", limit)
}

func (c *Client) FactAdvice(ctx context.Context, factID string, limit int) ([]types.Recommendation, error) {
	return c.advice(ctx, "/api/v1/facts/"+url.PathEscape(factID)+"/advice", limit)
}

func (c *Client) advice(ctx context.Context, path string, limit int) ([]types.Recommendation, error) {
	vals := url.Values{}
	if limit > 0 {
		vals.Set("limit", strconv.Itoa(limit))
	}
	var out []types.Recommendation
	err := c.doJSON(ctx, http.MethodGet, path, vals, nil, &out)
	return out, err
}

func (c *Client) SubmitRecord(ctx context.Context, rec types.Record) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/records", nil, rec, nil)
}

func (c *Client) CleanupHosts(ctx context.Context) (int64, error) {
	var out struct {
		Removed int64 `json:"removed"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/maintenance/cleanup-hosts", nil, nil, &out)
	return out.Removed, err
}

func (c *Client) Reset(ctx context.Context) error {
	vals := url.Values{}
	vals.Set("confirm", "true")
	return c.doJSON(ctx, http.MethodPost, "/api/v1/maintenance/reset", vals, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
