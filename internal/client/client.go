// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package client talks to a growkey server the way bot clients do: it posts
// the license triple, decodes the obfuscated token payload and retries
// transient transport failures.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/buildinfo"
	"github.com/growkey/growkey/internal/codec"
	"github.com/growkey/growkey/pkg/redact"
)

const (
	tokenPath  = "/api/auth/token"
	logoutPath = "/api/auth/logout"

	expiryLayout = "2006-01-02T15:04:05.000Z"

	defaultTimeout  = 15 * time.Second
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond
	maxBodySize     = 1 << 20
)

var ErrUnexpectedResponse = errors.New("unexpected response")

// RemoteError is a rejection reported in-band by the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "server rejected request: " + e.Message
}

type Config struct {
	BaseURL       string
	EncryptionKey string
	Timeout       time.Duration
	Attempts      uint
	Delay         time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, errors.Wrap(err, "invalid server url")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaultDelay
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Credentials identify a bot instance.
type Credentials struct {
	LicenseKey string `json:"license"`
	UserID     string `json:"bot_userid"`
	DeviceID   string `json:"hwid"`
}

type Token struct {
	Token     string    `json:"token"`
	ExpiredAt time.Time `json:"expiredAt"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Token   string `json:"token,omitempty"`
	Expiry  string `json:"expired_at,omitempty"`
}

// IssueToken requests a token. Rejections are returned as *RemoteError.
func (c *Client) IssueToken(ctx context.Context, creds Credentials) (*Token, error) {
	if c.cfg.EncryptionKey == "" {
		return nil, codec.ErrMissingKey
	}

	body, err := c.post(ctx, tokenPath, creds)
	if err != nil {
		return nil, err
	}

	// success is a bare JSON string holding the encoded payload
	var encoded string
	if err := json.Unmarshal(body, &encoded); err != nil {
		return nil, parseStatus(body)
	}

	plain, err := codec.Decode(encoded, c.cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	var payload statusResponse
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, errors.Wrap(codec.ErrDecode, "payload is not json, check the encryption key")
	}
	if payload.Status != "success" || payload.Token == "" {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "status %q", payload.Status)
	}

	expiry, err := time.Parse(expiryLayout, payload.Expiry)
	if err != nil {
		return nil, errors.Wrap(ErrUnexpectedResponse, "bad expired_at")
	}

	log.Debug().
		Str("license", redact.LicenseKey(creds.LicenseKey)).
		Time("expiresAt", expiry).
		Msg("token received")

	return &Token{Token: payload.Token, ExpiredAt: expiry}, nil
}

// Logout ends the session of creds and returns the server message.
func (c *Client) Logout(ctx context.Context, creds Credentials) (string, error) {
	body, err := c.post(ctx, logoutPath, creds)
	if err != nil {
		return "", err
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Wrap(ErrUnexpectedResponse, "logout body is not json")
	}
	if resp.Status != "success" {
		return "", &RemoteError{Message: resp.Message}
	}
	return resp.Message, nil
}

func parseStatus(body []byte) error {
	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Status == "" {
		return errors.Wrapf(ErrUnexpectedResponse, "body %q", truncate(body, 64))
	}
	if resp.Status == "error" {
		return &RemoteError{Message: resp.Message}
	}
	return errors.Wrapf(ErrUnexpectedResponse, "status %q", resp.Status)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := c.cfg.BaseURL + path

	var body []byte
	err = retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", buildinfo.UserAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return redact.URLError(err)
		}
		defer drainAndClose(resp.Body)

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error: %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.Unrecoverable(errors.Wrapf(ErrUnexpectedResponse, "status %s", resp.Status))
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		return err
	},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.Delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Str("url", redact.URLString(endpoint)).Msg("retrying request")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "post %s", path)
	}
	return body, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
