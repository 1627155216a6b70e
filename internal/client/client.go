// Package client talks to the Threadline HTTP API and keeps one open thread
// reconciled with the server's live stream state.
package client

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

	"github.com/intern3chat/threadline/internal/streamlog"
	"github.com/intern3chat/threadline/internal/thread"
)

var (
	// ErrNoStream is returned by Stream when the thread has never streamed.
	ErrNoStream = errors.New("client: thread has no stream")
	// ErrThreadDeleted is sent by Watch when the thread is deleted.
	ErrThreadDeleted = errors.New("client: thread deleted")
	// ErrStreamCut is returned when a stream connection ends before the
	// terminal chunk.
	ErrStreamCut = errors.New("client: stream ended before its terminal chunk")
)

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client is an HTTP client for one Threadline server.
type Client struct {
	base string
	http *http.Client
}

// New creates a Client for baseURL. A nil httpClient uses a client without a
// timeout, since stream and watch requests are long-lived.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: marshal: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
}

func (c *Client) getJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}

func threadPath(id string, rest ...string) string {
	p := "/api/threads/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// CreateThread creates a thread. An empty title gets the server default.
func (c *Client) CreateThread(ctx context.Context, title string) (thread.Snapshot, error) {
	var snap thread.Snapshot
	err := c.getJSON(ctx, http.MethodPost, "/api/threads", map[string]string{"title": title}, &snap)
	return snap, err
}

// ListThreads returns up to limit threads, most recently updated first.
func (c *Client) ListThreads(ctx context.Context, limit int) ([]thread.Snapshot, error) {
	path := "/api/threads"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []thread.Snapshot
	err := c.getJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Thread returns the snapshot of one thread.
func (c *Client) Thread(ctx context.Context, id string) (thread.Snapshot, error) {
	var snap thread.Snapshot
	err := c.getJSON(ctx, http.MethodGet, threadPath(id), nil, &snap)
	return snap, err
}

// RenameThread changes a thread's title.
func (c *Client) RenameThread(ctx context.Context, id, title string) (thread.Snapshot, error) {
	var snap thread.Snapshot
	err := c.getJSON(ctx, http.MethodPatch, threadPath(id), map[string]string{"title": title}, &snap)
	return snap, err
}

// DeleteThread deletes a thread and its history.
func (c *Client) DeleteThread(ctx context.Context, id string) error {
	return c.getJSON(ctx, http.MethodDelete, threadPath(id), nil, nil)
}

// Messages returns a thread's stored messages.
func (c *Client) Messages(ctx context.Context, id string) ([]thread.MessageView, error) {
	var out []thread.MessageView
	err := c.getJSON(ctx, http.MethodGet, threadPath(id, "messages"), nil, &out)
	return out, err
}

// Send posts a user message and returns the stream ID of the reply.
func (c *Client) Send(ctx context.Context, threadID, content string) (string, error) {
	var out struct {
		StreamID string `json:"stream_id"`
	}
	if err := c.getJSON(ctx, http.MethodPost, threadPath(threadID, "messages"), map[string]string{"content": content}, &out); err != nil {
		return "", err
	}
	if out.StreamID == "" {
		return "", fmt.Errorf("client: send: empty stream id")
	}
	return out.StreamID, nil
}

// Stream replays streamID on threadID from seq from and follows it, calling
// fn for every chunk. An empty streamID means the thread's current stream.
// It returns nil after the terminal chunk and ErrStreamCut if the connection
// ends first.
func (c *Client) Stream(ctx context.Context, threadID, streamID string, from int, fn func(streamlog.Chunk) error) error {
	q := url.Values{}
	if streamID != "" {
		q.Set("stream_id", streamID)
	}
	if from > 0 {
		q.Set("from", strconv.Itoa(from))
	}
	path := threadPath(threadID, "stream")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return ErrNoStream
	}

	done := false
	err = readSSE(ctx, resp.Body, func(ev sseEvent) error {
		if ev.Event != "chunk" {
			return nil
		}
		var chunk streamlog.Chunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return fmt.Errorf("client: decode chunk: %w", err)
		}
		if err := fn(chunk); err != nil {
			return err
		}
		if chunk.Terminal() {
			done = true
			return errStop
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !done {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStreamCut
	}
	return nil
}

// Watch follows a thread's snapshots. The snapshot channel closes when the
// connection ends; the error channel then carries the reason, which is
// ErrThreadDeleted when the thread went away and nil after ctx is done.
func (c *Client) Watch(ctx context.Context, threadID string) (<-chan thread.Snapshot, <-chan error) {
	snaps := make(chan thread.Snapshot)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(snaps)

		resp, err := c.do(ctx, http.MethodGet, threadPath(threadID, "watch"), nil)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		err = readSSE(ctx, resp.Body, func(ev sseEvent) error {
			switch ev.Event {
			case "thread":
				var snap thread.Snapshot
				if err := json.Unmarshal([]byte(ev.Data), &snap); err != nil {
					return fmt.Errorf("client: decode snapshot: %w", err)
				}
				select {
				case snaps <- snap:
				case <-ctx.Done():
					return errStop
				}
			case "deleted":
				return ErrThreadDeleted
			}
			return nil
		})
		if err == nil && ctx.Err() == nil {
			err = io.ErrUnexpectedEOF
		}
		if ctx.Err() != nil {
			err = nil
		}
		errs <- err
	}()
	return snaps, errs
}
