// Package api is the JSON client for the CalX backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calx-go/errcode"
	"calx-go/types"
)

// Endpoints.
const (
	PathBindRequest    = "/device/bind/request"
	PathBindStatus     = "/device/bind/status"
	PathHeartbeat      = "/device/heartbeat"
	PathSettings       = "/device/settings"
	PathChat           = "/device/chat"
	PathChatSend       = "/device/chat/send"
	PathFile           = "/device/file"
	PathAIQuery        = "/device/ai/query"
	PathAIContinue     = "/device/ai/continue"
	PathUpdateCheck    = "/device/update/check"
	PathUpdateDownload = "/device/update/download"
	PathUpdateReport   = "/device/update/report"
)

const maxResponse = 8 << 10

// TokenSource returns the current bearer token, or "" when unbound.
type TokenSource func() string

// Client talks to the backend. It holds no state besides its configuration.
type Client struct {
	base  string
	token TokenSource
	hc    *http.Client
	log   *slog.Logger
}

func New(baseURL string, timeout time.Duration, token TokenSource, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		hc:    &http.Client{Timeout: timeout},
		log:   log.With(slog.String("svc", "api")),
	}
}

// StatusError is returned for an unexpected HTTP status.
type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string { return fmt.Sprintf("%s: http %d", e.Path, e.Status) }

func (e *StatusError) Code() errcode.Code {
	switch e.Status {
	case http.StatusNotFound:
		return errcode.NotFound
	case http.StatusBadRequest:
		return errcode.InvalidParams
	}
	return errcode.Error
}

func (c *Client) do(ctx context.Context, method, path string, auth bool, in, out any, want ...int) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if len(want) == 0 {
		want = []int{http.StatusOK}
	}
	ok := false
	for _, w := range want {
		ok = ok || resp.StatusCode == w
	}
	if !ok {
		c.log.Warn("unexpected status", slog.String("path", path), slog.Int("status", resp.StatusCode))
		return &StatusError{Path: path, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ---- binding ----

// RequestBindCode asks the backend for a fresh 4-character bind code.
func (c *Client) RequestBindCode(ctx context.Context, deviceID string) (code string, expiresIn time.Duration, err error) {
	var out struct {
		BindCode  string `json:"bind_code"`
		ExpiresIn int    `json:"expires_in"`
	}
	in := map[string]string{"device_id": deviceID}
	if err := c.do(ctx, http.MethodPost, PathBindRequest, false, in, &out); err != nil {
		return "", 0, err
	}
	if out.BindCode == "" {
		return "", 0, &errcode.E{C: errcode.Error, Op: "bind_request", Msg: "empty bind code"}
	}
	if len(out.BindCode) > 4 {
		out.BindCode = out.BindCode[:4]
	}
	return out.BindCode, time.Duration(out.ExpiresIn) * time.Second, nil
}

// BindStatus reports whether the device has been bound and, if so, its token.
func (c *Client) BindStatus(ctx context.Context, deviceID string) (bound bool, token string, err error) {
	var out struct {
		Bound       bool   `json:"bound"`
		DeviceToken string `json:"device_token"`
	}
	path := PathBindStatus + "?device_id=" + url.QueryEscape(deviceID)
	if err := c.do(ctx, http.MethodGet, path, false, nil, &out); err != nil {
		return false, "", err
	}
	return out.Bound, out.DeviceToken, nil
}

// ---- periodic ----

func (c *Client) Heartbeat(ctx context.Context, hb types.Heartbeat) error {
	return c.do(ctx, http.MethodPost, PathHeartbeat, true, hb, nil)
}

// FetchSettings returns the server-side settings document as-is.
func (c *Client) FetchSettings(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, PathSettings, true, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- content ----

func (c *Client) FetchChat(ctx context.Context, since string) ([]types.ChatMessage, error) {
	path := PathChat
	if since != "" {
		path += "?since=" + url.QueryEscape(since)
	}
	var out struct {
		Messages []types.ChatMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, true, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) SendChat(ctx context.Context, content string) error {
	in := map[string]string{"content": content}
	return c.do(ctx, http.MethodPost, PathChatSend, true, in, nil, http.StatusOK, http.StatusCreated)
}

func (c *Client) FetchFile(ctx context.Context) (types.FileContent, error) {
	var out types.FileContent
	err := c.do(ctx, http.MethodGet, PathFile, true, nil, &out)
	return out, err
}

func (c *Client) AIQuery(ctx context.Context, prompt string) (types.AIResponse, error) {
	var out types.AIResponse
	err := c.do(ctx, http.MethodPost, PathAIQuery, true, map[string]string{"prompt": prompt}, &out)
	return out, err
}

func (c *Client) AIContinue(ctx context.Context, cursor string) (types.AIResponse, error) {
	var out types.AIResponse
	err := c.do(ctx, http.MethodGet, PathAIContinue+"?cursor="+url.QueryEscape(cursor), true, nil, &out)
	return out, err
}

// ---- OTA ----

func (c *Client) CheckUpdate(ctx context.Context) (types.UpdateDescriptor, error) {
	var out types.UpdateDescriptor
	if err := c.do(ctx, http.MethodGet, PathUpdateCheck, true, nil, &out); err != nil {
		return types.UpdateDescriptor{}, err
	}
	if !out.Available {
		return types.UpdateDescriptor{}, nil
	}
	return out, nil
}

// Download opens the image at rawURL. A relative URL is resolved against the
// API base. The caller closes the body.
func (c *Client) Download(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	if rawURL == "" {
		rawURL = PathUpdateDownload
	}
	if strings.HasPrefix(rawURL, "/") {
		rawURL = c.base + rawURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	// No whole-transfer timeout; the reader enforces per-read deadlines.
	hc := *c.hc
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, &StatusError{Path: "download", Status: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) ReportUpdate(ctx context.Context, version string, success bool) error {
	in := struct {
		Version string `json:"version"`
		Success bool   `json:"success"`
	}{version, success}
	err := c.do(ctx, http.MethodPost, PathUpdateReport, true, in, nil)
	if err != nil {
		c.log.Warn("update report failed", slog.String("version", version), slog.Any("err", err))
	}
	return err
}
