// Package audiobookshelf is a minimal client for the Audiobookshelf media
// server: it lists a library item's audio files and streams them to disk.
package audiobookshelf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"lectern/internal/services"
)

const userAgent = "Lectern/0.1.0"

// HTTPDoer is the subset of http.Client used by the client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// AudioFile is one audio file of a library item. Start and Duration are in seconds.
type AudioFile struct {
	Ino         string  `json:"ino"`
	Index       int     `json:"index"`
	Path        string  `json:"path"`
	DownloadURL string  `json:"downloadUrl"`
	Size        int64   `json:"size"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
}

// BookInfo summarizes a library item.
type BookInfo struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

// Client talks to an Audiobookshelf server.
type Client struct {
	baseURL string
	token   string
	client  HTTPDoer
}

// New constructs a client. A zero timeout falls back to one minute.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient swaps the transport (tests, custom TLS).
func (c *Client) WithHTTPClient(doer HTTPDoer) *Client {
	if doer != nil {
		c.client = doer
	}
	return c
}

type libraryItem struct {
	ID    string `json:"id"`
	Media struct {
		Metadata struct {
			Title string `json:"title"`
		} `json:"metadata"`
		Duration   float64 `json:"duration"`
		AudioFiles []struct {
			Ino      string  `json:"ino"`
			Index    int     `json:"index"`
			Duration float64 `json:"duration"`
			Metadata struct {
				Filename string `json:"filename"`
				Ext      string `json:"ext"`
				Size     int64  `json:"size"`
			} `json:"metadata"`
		} `json:"audioFiles"`
	} `json:"media"`
}

func (c *Client) fetchItem(ctx context.Context, bookID string) (*libraryItem, error) {
	if c.baseURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, "download", "media server", "media_server.url is not configured", nil)
	}
	endpoint := fmt.Sprintf("%s/api/items/%s?expanded=1", c.baseURL, url.PathEscape(bookID))
	req, err := c.newRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "download", "get library item", bookID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, bookID); err != nil {
		return nil, err
	}

	var item libraryItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, services.Wrap(services.ErrTransient, "download", "decode library item", bookID, err)
	}
	return &item, nil
}

// GetBook returns the title and total duration of a library item.
func (c *Client) GetBook(ctx context.Context, bookID string) (BookInfo, error) {
	item, err := c.fetchItem(ctx, bookID)
	if err != nil {
		return BookInfo{}, err
	}
	info := BookInfo{ID: item.ID, Title: item.Media.Metadata.Title, Duration: item.Media.Duration}
	if info.Duration <= 0 {
		for _, f := range item.Media.AudioFiles {
			info.Duration += f.Duration
		}
	}
	return info, nil
}

// ListFiles returns the item's audio files ordered by index, with cumulative
// start offsets.
func (c *Client) ListFiles(ctx context.Context, bookID string) ([]AudioFile, error) {
	item, err := c.fetchItem(ctx, bookID)
	if err != nil {
		return nil, err
	}
	raw := item.Media.AudioFiles
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].Index < raw[j].Index })

	files := make([]AudioFile, 0, len(raw))
	var start float64
	for _, f := range raw {
		ext := f.Metadata.Ext
		if ext == "" {
			ext = filepath.Ext(f.Metadata.Filename)
		}
		files = append(files, AudioFile{
			Ino:         f.Ino,
			Index:       f.Index,
			Path:        f.Ino + ext,
			DownloadURL: fmt.Sprintf("%s/api/items/%s/file/%s/download", c.baseURL, url.PathEscape(bookID), url.PathEscape(f.Ino)),
			Size:        f.Metadata.Size,
			Start:       start,
			Duration:    f.Duration,
		})
		start += f.Duration
	}
	if len(files) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "download", "list files", bookID+" has no audio files", nil)
	}
	return files, nil
}

// Download streams url into dest through a temporary file, reporting bytes
// written after each chunk.
func (c *Client) Download(ctx context.Context, downloadURL, dest string, progress func(written int64)) error {
	req, err := c.newRequest(ctx, http.MethodGet, downloadURL)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "download", "fetch audio", filepath.Base(dest), err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, filepath.Base(dest)); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("ensure download dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	writer := io.Writer(tmp)
	if progress != nil {
		writer = &progressWriter{w: tmp, report: progress}
	}
	if _, err := io.Copy(writer, resp.Body); err != nil {
		_ = tmp.Close()
		return services.Wrap(services.ErrTransient, "download", "stream audio", filepath.Base(dest), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("move download into place: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func checkStatus(resp *http.Response, subject string) error {
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := fmt.Sprintf("%s: media server returned %d: %s", subject, resp.StatusCode, strings.TrimSpace(string(body)))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return services.Wrap(services.ErrNotFound, "download", "media server", msg, nil)
	case http.StatusUnauthorized, http.StatusForbidden:
		return services.Wrap(services.ErrConfiguration, "download", "media server", msg, nil)
	default:
		return services.Wrap(services.ErrTransient, "download", "media server", msg, nil)
	}
}

type progressWriter struct {
	w       io.Writer
	written int64
	report  func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.report(p.written)
	return n, err
}
