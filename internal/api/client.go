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
	"strings"
	"time"

	"gowa-session/internal/profile"

	"go.uber.org/zap"
)

// HeaderClientID carries the persisted client id on every call.
const HeaderClientID = "client-id"

const (
	PathValidate        = "/api/whatsapp/validate"
	PathLogout          = "/api/whatsapp/logout"
	PathProfiles        = "/api/whatsapp/profiles"
	PathAllocateProfile = "/api/whatsapp/profiles/allocate"
)

// Response is the envelope every backend endpoint answers with.
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// Client talks to the session REST API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

var _ profile.Source = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// ValidateSession reports whether the WhatsApp connection behind clientID is
// ready.
func (c *Client) ValidateSession(ctx context.Context, clientID string) (bool, error) {
	var out struct {
		Ready bool `json:"ready"`
	}
	if err := c.do(ctx, http.MethodGet, PathValidate, clientID, nil, &out); err != nil {
		return false, err
	}
	return out.Ready, nil
}

func (c *Client) Logout(ctx context.Context, clientID string) error {
	return c.do(ctx, http.MethodPost, PathLogout, clientID, nil, nil)
}

// AllocateClientID asks for a fresh client id to pair an extra profile on
// the account identified by clientID. A refusal, or an empty id, is
// ErrProfileLimit.
func (c *Client) AllocateClientID(ctx context.Context, clientID string) (string, error) {
	var out struct {
		ClientID string `json:"client_id"`
	}
	if err := c.do(ctx, http.MethodPost, PathAllocateProfile, clientID, nil, &out); err != nil {
		return "", err
	}
	if out.ClientID == "" {
		return "", ErrProfileLimit
	}
	return out.ClientID, nil
}

func (c *Client) ListProfiles(ctx context.Context, clientID string) (profile.Listing, error) {
	var out profile.Listing
	if err := c.do(ctx, http.MethodGet, PathProfiles, clientID, nil, &out); err != nil {
		return profile.Listing{}, err
	}
	return out, nil
}

func (c *Client) RemoveProfile(ctx context.Context, clientID, target string) error {
	return c.do(ctx, http.MethodDelete, PathProfiles+"/"+url.PathEscape(target), clientID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, clientID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set(HeaderClientID, clientID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	var res Response
	if err := json.Unmarshal(raw, &res); err != nil {
		if resp.StatusCode >= 300 {
			return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	if !res.Success || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode, Message: res.Message}
		if res.Error != nil {
			apiErr.Code = res.Error.Code
			apiErr.Details = res.Error.Details
		}
		zap.L().Debug("api: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code))
		return apiErr
	}

	if out != nil && len(res.Data) > 0 && string(res.Data) != "null" {
		if err := json.Unmarshal(res.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}

// IsSessionInvalidated is a shorthand for errors.Is(err, ErrSessionInvalidated).
func IsSessionInvalidated(err error) bool {
	return errors.Is(err, ErrSessionInvalidated)
}
