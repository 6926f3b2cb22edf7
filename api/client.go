// Package api is the REST side of the chat backend: the one-shot snapshot
// and metadata lookups that seed a conversation, and the fallback endpoints
// used when the socket is down.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/putto11262002/chatsync/models"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client is a bearer-authenticated client for the chat REST API.
type Client struct {
	http  *http.Client
	base  string
	token string
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(base, token string, opts ...Option) *Client {
	c := &Client{
		http:  &http.Client{Timeout: 30 * time.Second},
		base:  base,
		token: token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRoom fetches a room's metadata. A failure here is fatal for the
// conversation view.
func (c *Client) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	if err := c.getJSON(ctx, "/api/rooms/"+id+"/", nil, &room); err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return &room, nil
}

// ResolveDM resolves (creating if necessary) the direct room between the
// local user and userID.
func (c *Client) ResolveDM(ctx context.Context, userID int64) (*models.Room, error) {
	var room models.Room
	body := map[string]int64{"user_id": userID}
	if err := c.postJSON(ctx, "/api/rooms/dm/", body, &room); err != nil {
		return nil, fmt.Errorf("resolve dm: %w", err)
	}
	return &room, nil
}

// ListMessages fetches the message history for a room, ascending by
// creation time, optionally scoped to a channel.
func (c *Client) ListMessages(ctx context.Context, roomID string, channel *int64) ([]models.Message, error) {
	q := url.Values{"room": {roomID}}
	if channel != nil {
		q.Set("channel", strconv.FormatInt(*channel, 10))
	}
	var msgs []models.Message
	if err := c.getJSON(ctx, "/api/messages/", q, &msgs); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// React toggles the local user's reaction on a message and returns the
// updated message. The caller feeds the result through the reconciler;
// there is no optimistic local toggle to roll back.
func (c *Client) React(ctx context.Context, messageID int64, emoji string) (*models.Message, error) {
	var msg models.Message
	body := map[string]string{"emoji": emoji}
	path := fmt.Sprintf("/api/messages/%d/react/", messageID)
	if err := c.postJSON(ctx, path, body, &msg); err != nil {
		return nil, fmt.Errorf("react: %w", err)
	}
	return &msg, nil
}

// MarkRead is the read-receipt fallback for when the socket is down.
func (c *Client) MarkRead(ctx context.Context, roomID string, ids []int64) error {
	body := struct {
		RoomID     string  `json:"room_id"`
		MessageIDs []int64 `json:"message_ids"`
	}{RoomID: roomID, MessageIDs: ids}
	if err := c.postJSON(ctx, "/api/messages/mark-read/", body, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// UploadResult is the stored location of an uploaded message attachment.
type UploadResult struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Upload stores a file for use in a message and returns its public URL.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, fmt.Errorf("copy file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/messages/upload/", &buf)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res UploadResult
	if err := c.do(req, &res); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return &res, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return &StatusError{Code: res.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
