// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package session decides token issuance and logout for license holders.
//
// A license binds to the first (user, device) pair that obtains a token.
// Each issuance sweeps the license's expired sessions, enforces the device
// cap, refreshes or creates the caller's session and, on first use, turns a
// days-valid window into a fixed expiry date. All of that runs under the
// per-license lock and inside one store transaction, so the device cap is
// never exceeded no matter how many requests race.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/audit"
	"github.com/growkey/growkey/internal/codec"
	"github.com/growkey/growkey/internal/dbinterface"
	"github.com/growkey/growkey/internal/lock"
	"github.com/growkey/growkey/internal/models"
	"github.com/growkey/growkey/pkg/redact"
)

const (
	DefaultSessionDuration = 3 * time.Minute
	DefaultLockTimeout     = 5 * time.Second

	// expired_at layout: ISO-8601 UTC with milliseconds
	expiryLayout = "2006-01-02T15:04:05.000Z"

	successMessage       = "Token issued"
	logoutMessage        = "Logout requested"
	logoutSuccessMessage = "Logout successful."
	statusSuccess        = "success"
)

// BindingTx is the transactional view of one license.
type BindingTx = dbinterface.LicenseTx

// Store opens license-scoped write transactions.
type Store interface {
	WithLicenseTx(ctx context.Context, licenseKey string, fn func(tx BindingTx) error) error
}

// Recorder observes request outcomes.
type Recorder interface {
	ObserveIssue(outcome string, elapsed time.Duration)
	ObserveLogout(outcome string)
}

// Request identifies the caller. JSON names follow the bot client protocol.
type Request struct {
	LicenseKey string `json:"license"`
	UserID     string `json:"bot_userid"`
	DeviceID   string `json:"hwid"`
}

func (r Request) normalized() Request {
	return Request{
		LicenseKey: models.NormalizeLicenseKey(r.LicenseKey),
		UserID:     strings.TrimSpace(r.UserID),
		DeviceID:   strings.TrimSpace(r.DeviceID),
	}
}

func (r Request) valid() bool {
	return r.LicenseKey != "" && r.UserID != "" && r.DeviceID != ""
}

// LogoutResult is returned by a successful logout.
type LogoutResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type tokenPayload struct {
	Status    string `json:"status"`
	Token     string `json:"token"`
	ExpiredAt string `json:"expired_at"`
}

type Config struct {
	// EncryptionKey obfuscates issuance responses. Empty makes every
	// issuance fail with KindConfigError.
	EncryptionKey   string
	SessionDuration time.Duration
	LockTimeout     time.Duration
}

type Engine struct {
	store    Store
	locker   lock.Locker
	audit    audit.Sink
	recorder Recorder
	cfg      atomic.Pointer[Config]

	now   func() time.Time
	token func() (string, error)
}

type Option func(*Engine)

// WithLocker replaces the in-process locker, e.g. with a Redis lock shared by
// several instances.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithTokenSource(fn func() (string, error)) Option {
	return func(e *Engine) {
		e.token = fn
	}
}

func (c Config) withDefaults() Config {
	if c.SessionDuration <= 0 {
		c.SessionDuration = DefaultSessionDuration
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	return c
}

func NewEngine(store Store, sink audit.Sink, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		locker:   lock.NewLocal(),
		audit:    sink,
		recorder: nopRecorder{},
		now:      time.Now,
		token:    randomToken,
	}
	e.SetConfig(cfg)
	for _, opt := range opts {
		opt(e)
	}
	if e.audit == nil {
		e.audit = nopSink{}
	}
	return e
}

// SetConfig swaps the engine settings. Requests already past their checks
// finish with the settings they started with.
func (e *Engine) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfg.Store(&cfg)
}

func (e *Engine) config() Config {
	return *e.cfg.Load()
}

// IssueToken runs the issuance pipeline and returns the codec-encoded success
// payload. Every error is a *Error.
func (e *Engine) IssueToken(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	payload, err := e.issue(ctx, req.normalized())

	outcome := statusSuccess
	if err != nil {
		outcome = KindOf(err).String()
	}
	e.recorder.ObserveIssue(outcome, time.Since(start))

	return payload, err
}

func (e *Engine) issue(ctx context.Context, req Request) (string, error) {
	if !req.valid() {
		return "", e.fail(ctx, KindInvalidRequest, req, nil)
	}
	cfg := e.config()
	if cfg.EncryptionKey == "" {
		return "", e.fail(ctx, KindConfigError, req, nil)
	}

	token, err := e.token()
	if err != nil {
		return "", e.fail(ctx, KindUnexpected, req, errors.Wrap(err, "generate token"))
	}

	unlock, err := e.lock(ctx, req.LicenseKey, cfg.LockTimeout)
	if err != nil {
		return "", e.fail(ctx, KindUnexpected, req, err)
	}
	defer unlock()

	now := e.now().UTC()
	expiresAt := now.Add(cfg.SessionDuration)

	var (
		rejected Kind
		granted  bool
	)
	err = e.store.WithLicenseTx(ctx, req.LicenseKey, func(tx BindingTx) error {
		var err error
		rejected, granted, err = e.bind(ctx, tx, req, now, expiresAt)
		return err
	})
	if err != nil {
		return "", e.fail(ctx, KindUnexpected, req, err)
	}
	if !granted {
		return "", e.fail(ctx, rejected, req, nil)
	}

	e.record(ctx, req, models.AuditActionSuccess, successMessage)

	raw, err := json.Marshal(tokenPayload{
		Status:    statusSuccess,
		Token:     token,
		ExpiredAt: expiresAt.Format(expiryLayout),
	})
	if err != nil {
		return "", e.fail(ctx, KindUnexpected, req, err)
	}

	encoded, err := codec.Encode(raw, cfg.EncryptionKey)
	if err != nil {
		return "", e.fail(ctx, KindOf(err), req, err)
	}

	log.Debug().
		Str("license", redact.LicenseKey(req.LicenseKey)).
		Str("user", redact.Identifier(req.UserID)).
		Time("expiresAt", expiresAt).
		Msg("Token issued")

	return encoded, nil
}

// bind runs the policy checks and mutations for one issuance inside tx. A
// policy rejection comes back as the rejecting Kind with granted false and a
// nil error, so the sweep still commits.
func (e *Engine) bind(ctx context.Context, tx BindingTx, req Request, now, expiresAt time.Time) (rejected Kind, granted bool, err error) {
	license, err := tx.GetLicenseByKey(ctx, req.LicenseKey)
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			return KindNotFound, false, nil
		}
		return KindUnexpected, false, err
	}

	if license.Status != models.LicenseStatusActive {
		return KindInactive, false, nil
	}
	if license.ExpiredAt(now) {
		return KindExpired, false, nil
	}

	var update models.LicenseUpdate
	switch {
	case !license.IsBound():
		update.BoundUserID = &req.UserID
		update.BoundDeviceID = &req.DeviceID
	case license.BoundUserID == nil || *license.BoundUserID != req.UserID:
		return KindWrongUser, false, nil
	case license.BoundDeviceID == nil || *license.BoundDeviceID != req.DeviceID:
		return KindWrongDevice, false, nil
	}

	if _, err := tx.DeleteSessions(ctx, models.SessionFilter{LicenseKey: req.LicenseKey, ExpiredBefore: &now}); err != nil {
		return KindUnexpected, false, err
	}

	existing, err := tx.FindSession(ctx, req.LicenseKey, req.UserID, req.DeviceID)
	if err != nil && !errors.Is(err, models.ErrSessionNotFound) {
		return KindUnexpected, false, err
	}
	live, err := tx.CountSessions(ctx, req.LicenseKey)
	if err != nil {
		return KindUnexpected, false, err
	}
	if existing == nil && live >= license.MaxDevices {
		return KindAtCapacity, false, nil
	}

	if license.ExpiryDate == nil && license.DaysValid != nil {
		activated := now.Add(time.Duration(*license.DaysValid) * 24 * time.Hour)
		update.ExpiryDate = &activated
	}

	if err := tx.UpsertSession(ctx, &models.ActiveSession{
		LicenseKey:      req.LicenseKey,
		UserID:          req.UserID,
		DeviceID:        req.DeviceID,
		ExpiryTimestamp: expiresAt,
		CreatedAt:       now,
	}); err != nil {
		return KindUnexpected, false, err
	}

	if !update.IsEmpty() {
		if _, err := tx.UpdateLicense(ctx, license.ID, update); err != nil {
			return KindUnexpected, false, err
		}
	}

	return 0, true, nil
}

// Logout removes every session of the exact (license, user, device) triple.
// It succeeds whether or not a session existed and leaves the binding alone.
func (e *Engine) Logout(ctx context.Context, req Request) (*LogoutResult, error) {
	res, err := e.logout(ctx, req.normalized())

	outcome := statusSuccess
	if err != nil {
		outcome = KindOf(err).String()
	}
	e.recorder.ObserveLogout(outcome)

	return res, err
}

func (e *Engine) logout(ctx context.Context, req Request) (*LogoutResult, error) {
	if !req.valid() {
		return nil, e.fail(ctx, KindInvalidRequest, req, nil)
	}

	unlock, err := e.lock(ctx, req.LicenseKey, e.config().LockTimeout)
	if err != nil {
		return nil, e.fail(ctx, KindUnexpected, req, err)
	}
	defer unlock()

	var removed int64
	err = e.store.WithLicenseTx(ctx, req.LicenseKey, func(tx BindingTx) error {
		var err error
		removed, err = tx.DeleteSessions(ctx, models.SessionFilter{
			LicenseKey: req.LicenseKey,
			UserID:     req.UserID,
			DeviceID:   req.DeviceID,
		})
		return err
	})
	if err != nil {
		return nil, e.fail(ctx, KindUnexpected, req, err)
	}

	e.record(ctx, req, models.AuditActionLogout, logoutMessage)

	log.Debug().
		Str("license", redact.LicenseKey(req.LicenseKey)).
		Int64("removed", removed).
		Msg("Logout processed")

	return &LogoutResult{Status: statusSuccess, Message: logoutSuccessMessage}, nil
}

func (e *Engine) lock(ctx context.Context, licenseKey string, timeout time.Duration) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	unlock, err := e.locker.Lock(lockCtx, licenseKey)
	if err != nil {
		return nil, errors.Wrap(err, "acquire license lock")
	}
	return unlock, nil
}

func (e *Engine) fail(ctx context.Context, kind Kind, req Request, cause error) error {
	ferr := newError(kind, req, cause)

	ev := log.Debug()
	if cause != nil {
		ev = log.Error().Err(cause)
	}
	ev.Str("license", redact.LicenseKey(req.LicenseKey)).
		Str("kind", kind.String()).
		Msg("License request rejected")

	e.record(ctx, req, models.AuditActionError, ferr.Message)
	return ferr
}

func (e *Engine) record(ctx context.Context, req Request, action, message string) {
	e.audit.Append(ctx, models.AuditLogEntry{
		LicenseKey: req.LicenseKey,
		Action:     action,
		Message:    message,
		UserID:     models.StringPtr(req.UserID),
		DeviceID:   models.StringPtr(req.DeviceID),
		CreatedAt:  e.now().UTC(),
	})
}

func randomToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

type nopSink struct{}

func (nopSink) Append(context.Context, models.AuditLogEntry) {}

type nopRecorder struct{}

func (nopRecorder) ObserveIssue(string, time.Duration) {}
func (nopRecorder) ObserveLogout(string)               {}
