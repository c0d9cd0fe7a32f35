package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lectern/internal/config"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// ErrUnavailable is returned when the daemon cannot be reached.
var ErrUnavailable = errors.New("daemon api unavailable")

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
	Kind    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.Code)
	}
	return fmt.Sprintf("api returned status %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to the daemon HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient builds a client for the configured API bind address.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, ErrUnavailable
	}
	return NewClientForURL(cfg.Paths.APIBind, cfg.Paths.APIToken)
}

// NewClientForURL builds a client for an explicit address.
func NewClientForURL(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, ErrUnavailable
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, fmt.Errorf("parse api address: %w", err)
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var payload ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &StatusError{Code: resp.StatusCode, Message: payload.Error, Kind: payload.Kind}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func bookPath(bookID string, suffix ...string) string {
	parts := append([]string{"/api/books", bookID}, suffix...)
	return strings.Join(parts, "/")
}

func jobPath(jobID string, suffix ...string) string {
	parts := append([]string{"/api/jobs", jobID}, suffix...)
	return strings.Join(parts, "/")
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

// Setup starts setup for a book and returns the flow root job id.
func (c *Client) Setup(ctx context.Context, bookID string, req SetupRequest) (string, error) {
	var out JobResponse
	if err := c.do(ctx, http.MethodPost, bookPath(bookID, "setup"), nil, req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// ImportTranscript uploads a transcript and returns the follow-up flow root job id.
func (c *Client) ImportTranscript(ctx context.Context, bookID string, req ImportRequest) (string, error) {
	var out JobResponse
	if err := c.do(ctx, http.MethodPost, bookPath(bookID, "transcript"), nil, req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Progress fetches the progress report for a book.
func (c *Client) Progress(ctx context.Context, bookID string) (Progress, error) {
	var out Progress
	err := c.do(ctx, http.MethodGet, bookPath(bookID, "progress"), nil, nil, &out)
	return out, err
}

// CancelBook cancels pending work for a book.
func (c *Client) CancelBook(ctx context.Context, bookID string) (int64, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodPost, bookPath(bookID, "cancel"), nil, nil, &out)
	return out.Count, err
}

// RemoveBook deletes a book and its data.
func (c *Client) RemoveBook(ctx context.Context, bookID string) error {
	return c.do(ctx, http.MethodDelete, bookPath(bookID), nil, nil, nil)
}

// Books lists known books.
func (c *Client) Books(ctx context.Context) ([]Book, error) {
	var out BookListResponse
	err := c.do(ctx, http.MethodGet, "/api/books", nil, nil, &out)
	return out.Books, err
}

// Search runs a semantic search within a book.
func (c *Client) Search(ctx context.Context, bookID, query string, k int) ([]SearchResult, error) {
	values := url.Values{"q": {query}}
	if k > 0 {
		values.Set("k", strconv.Itoa(k))
	}
	var out SearchResponse
	err := c.do(ctx, http.MethodGet, bookPath(bookID, "search"), values, nil, &out)
	return out.Results, err
}

// NearestSegment returns the transcript segment closest to positionMs.
func (c *Client) NearestSegment(ctx context.Context, bookID string, positionMs int64) (Segment, error) {
	values := url.Values{"positionMs": {strconv.FormatInt(positionMs, 10)}}
	var out Segment
	err := c.do(ctx, http.MethodGet, bookPath(bookID, "segments", "nearest"), values, nil, &out)
	return out, err
}

// JobQuery filters ListJobs.
type JobQuery struct {
	Queue    string
	Statuses []string
	BookID   string
	Limit    int
}

// ListJobs lists queue jobs.
func (c *Client) ListJobs(ctx context.Context, q JobQuery) ([]Job, error) {
	values := url.Values{}
	if q.Queue != "" {
		values.Set("queue", q.Queue)
	}
	for _, s := range q.Statuses {
		values.Add("status", s)
	}
	if q.BookID != "" {
		values.Set("bookId", q.BookID)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	var out JobListResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs", values, nil, &out)
	return out.Jobs, err
}

// GetJob fetches a single job.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodGet, jobPath(jobID), nil, nil, &out)
	return out, err
}

// RetryJob re-queues a failed or blocked job after delay.
func (c *Client) RetryJob(ctx context.Context, jobID string, delay time.Duration) error {
	var values url.Values
	if delay > 0 {
		values = url.Values{"delay": {delay.String()}}
	}
	return c.do(ctx, http.MethodPost, jobPath(jobID, "retry"), values, nil, nil)
}

// CancelJob cancels a pending job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (int64, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "cancel"), nil, nil, &out)
	return out.Count, err
}

// DeleteJob deletes a job and its subtree.
func (c *Client) DeleteJob(ctx context.Context, jobID string) (int64, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, jobPath(jobID), nil, nil, &out)
	return out.Count, err
}

// TestNotification asks the daemon to send a test notification.
func (c *Client) TestNotification(ctx context.Context) (MessageResponse, error) {
	var out MessageResponse
	err := c.do(ctx, http.MethodPost, "/api/notifications/test", nil, nil, &out)
	return out, err
}

// StreamProgress opens the websocket progress stream for a book. Events are
// delivered to fn until ctx ends, the server closes, or fn returns an error.
func (c *Client) StreamProgress(ctx context.Context, bookID string, fn func(Event) error) error {
	u := c.base.ResolveReference(&url.URL{Path: bookPath(bookID, "progress", "stream")})
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	header.Set(RequestIDHeader, uuid.NewString())
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return &StatusError{Code: resp.StatusCode}
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
