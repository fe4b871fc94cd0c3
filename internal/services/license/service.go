// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package license implements the administrative side of licenses: creating
// keys, editing limits and status, and clearing bindings. Mutations that touch
// a license's binding or sessions take the same per-license lock as token
// issuance.
package license

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/audit"
	"github.com/growkey/growkey/internal/dbinterface"
	"github.com/growkey/growkey/internal/lock"
	"github.com/growkey/growkey/internal/models"
	"github.com/growkey/growkey/pkg/redact"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	keyPrefix          = "GROW"
	letters            = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits             = "0123456789"
	alphaNum           = letters + digits
	generateKeyRetries = 3
	defaultLockTimeout = 5 * time.Second
	defaultLogLimit    = 100
)

// Store is the persistence surface the service needs. Both the SQLite and
// Postgres stores implement it.
type Store interface {
	CreateLicense(ctx context.Context, license *models.License) error
	GetLicenseByID(ctx context.Context, id string) (*models.License, error)
	ListLicenses(ctx context.Context, opts models.LicenseListOptions) ([]*models.License, error)
	ListSessions(ctx context.Context, licenseKey string) ([]*models.ActiveSession, error)
	ListAuditEntries(ctx context.Context, licenseKey string, limit int) ([]*models.AuditLogEntry, error)
	WithLicenseTx(ctx context.Context, licenseKey string, fn func(tx dbinterface.LicenseTx) error) error
}

// CreateInput describes a new license. A blank key generates one.
type CreateInput struct {
	LicenseKey string     `json:"licenseKey" validate:"max=64"`
	MaxDevices int        `json:"maxDevices" validate:"omitempty,gte=1"`
	Status     string     `json:"status" validate:"omitempty,oneof=active banned expired"`
	ExpiryDate *time.Time `json:"expiryDate"`
	DaysValid  *int       `json:"daysValid" validate:"omitempty,gte=1"`
	Note       string     `json:"note" validate:"max=500"`
}

// UpdateInput is a partial edit. Nil fields are left untouched.
type UpdateInput struct {
	Status          *string    `json:"status" validate:"omitempty,oneof=active banned expired"`
	MaxDevices      *int       `json:"maxDevices" validate:"omitempty,gte=1"`
	ExpiryDate      *time.Time `json:"expiryDate"`
	ClearExpiryDate bool       `json:"clearExpiryDate"`
	DaysValid       *int       `json:"daysValid" validate:"omitempty,gte=1"`
	ClearDaysValid  bool       `json:"clearDaysValid"`
	Note            *string    `json:"note" validate:"omitempty,max=500"`
}

func (in UpdateInput) toUpdate() models.LicenseUpdate {
	return models.LicenseUpdate{
		Status:          in.Status,
		MaxDevices:      in.MaxDevices,
		ExpiryDate:      in.ExpiryDate,
		ClearExpiryDate: in.ClearExpiryDate,
		DaysValid:       in.DaysValid,
		ClearDaysValid:  in.ClearDaysValid,
		Note:            in.Note,
	}
}

// Detail is a license together with its live sessions.
type Detail struct {
	License  *models.License         `json:"license"`
	Sessions []*models.ActiveSession `json:"sessions"`
}

type Service struct {
	store       Store
	locker      lock.Locker
	audit       audit.Sink
	validate    *validator.Validate
	lockTimeout atomic.Int64
	now         func() time.Time
}

// NewService wires the admin service. locker must be the one the session
// engine uses, otherwise admin edits can interleave with issuance.
func NewService(store Store, locker lock.Locker, sink audit.Sink) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if sink == nil {
		sink = discardSink{}
	}

	s := &Service{
		store:    store,
		locker:   locker,
		audit:    sink,
		validate: newValidator(),
		now:      time.Now,
	}
	s.lockTimeout.Store(int64(defaultLockTimeout))
	return s
}

// SetLockTimeout bounds how long a mutation waits for the license lock. It is
// safe to call while requests are running.
func (s *Service) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout.Store(int64(d))
	}
}

func (s *Service) LockTimeout() time.Duration {
	return time.Duration(s.lockTimeout.Load())
}

// InputMessage returns the user-facing part of an ErrInvalidInput error.
func InputMessage(err error) string {
	return strings.TrimSuffix(err.Error(), ": "+ErrInvalidInput.Error())
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Service) validateInput(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errors.Wrap(ErrInvalidInput, err.Error())
	}

	fe := verrs[0]
	var msg string
	switch fe.Tag() {
	case "gte":
		msg = fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		msg = fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		msg = fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		msg = fmt.Sprintf("%s is invalid", fe.Field())
	}
	return errors.Wrap(ErrInvalidInput, msg)
}

// GenerateLicenseKey returns a key shaped GROW-AAAA-0000-X0.
func GenerateLicenseKey() (string, error) {
	var b strings.Builder
	b.WriteString(keyPrefix)

	for _, part := range []struct {
		charset string
		n       int
	}{
		{letters, 4},
		{digits, 4},
		{alphaNum, 2},
	} {
		b.WriteByte('-')
		for range part.n {
			idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(part.charset))))
			if err != nil {
				return "", errors.Wrap(err, "generate license key")
			}
			b.WriteByte(part.charset[idx.Int64()])
		}
	}

	return b.String(), nil
}

func (s *Service) CreateLicense(ctx context.Context, in CreateInput) (*models.License, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	license := &models.License{
		LicenseKey: models.NormalizeLicenseKey(in.LicenseKey),
		Status:     in.Status,
		MaxDevices: in.MaxDevices,
		ExpiryDate: in.ExpiryDate,
		DaysValid:  in.DaysValid,
		Note:       strings.TrimSpace(in.Note),
	}
	if license.Status == "" {
		license.Status = models.LicenseStatusActive
	}
	if license.MaxDevices == 0 {
		license.MaxDevices = 1
	}

	generated := license.LicenseKey == ""
	for attempt := 0; ; attempt++ {
		if generated {
			key, err := GenerateLicenseKey()
			if err != nil {
				return nil, err
			}
			license.LicenseKey = key
		}

		err := s.store.CreateLicense(ctx, license)
		if err == nil {
			break
		}
		if generated && errors.Is(err, models.ErrLicenseExists) && attempt < generateKeyRetries {
			continue
		}
		return nil, err
	}

	s.record(ctx, license.LicenseKey, "License created")
	log.Info().
		Str("license", redact.LicenseKey(license.LicenseKey)).
		Int("maxDevices", license.MaxDevices).
		Msg("License created")

	return license, nil
}

func (s *Service) UpdateLicense(ctx context.Context, id string, in UpdateInput) (*models.License, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	update := in.toUpdate()
	return s.mutate(ctx, id, "License updated", func(ctx context.Context, tx dbinterface.LicenseTx, license *models.License) (*models.License, error) {
		return tx.UpdateLicense(ctx, license.ID, update)
	})
}

func (s *Service) BanLicense(ctx context.Context, id string) (*models.License, error) {
	return s.setStatus(ctx, id, models.LicenseStatusBanned, "License banned")
}

func (s *Service) UnbanLicense(ctx context.Context, id string) (*models.License, error) {
	return s.setStatus(ctx, id, models.LicenseStatusActive, "License unbanned")
}

func (s *Service) setStatus(ctx context.Context, id, status, message string) (*models.License, error) {
	return s.mutate(ctx, id, message, func(ctx context.Context, tx dbinterface.LicenseTx, license *models.License) (*models.License, error) {
		return tx.UpdateLicense(ctx, license.ID, models.LicenseUpdate{Status: &status})
	})
}

// ResetBinding clears the bound user and device and purges every session of
// the license, so the next issuance binds afresh.
func (s *Service) ResetBinding(ctx context.Context, id string) (*models.License, error) {
	return s.mutate(ctx, id, "Binding reset", func(ctx context.Context, tx dbinterface.LicenseTx, license *models.License) (*models.License, error) {
		updated, err := tx.UpdateLicense(ctx, license.ID, models.LicenseUpdate{ClearBinding: true})
		if err != nil {
			return nil, err
		}
		if _, err := tx.DeleteSessions(ctx, models.SessionFilter{LicenseKey: license.LicenseKey}); err != nil {
			return nil, err
		}
		return updated, nil
	})
}

// DeleteLicense removes the license and its sessions. Audit history is kept.
func (s *Service) DeleteLicense(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, "License deleted", func(ctx context.Context, tx dbinterface.LicenseTx, license *models.License) (*models.License, error) {
		if _, err := tx.DeleteSessions(ctx, models.SessionFilter{LicenseKey: license.LicenseKey}); err != nil {
			return nil, err
		}
		if err := tx.DeleteLicense(ctx, license.ID); err != nil {
			return nil, err
		}
		return license, nil
	})
	return err
}

func (s *Service) ListLicenses(ctx context.Context, opts models.LicenseListOptions) ([]*models.License, error) {
	if opts.Status != "" && !models.ValidLicenseStatus(opts.Status) {
		return nil, errors.Wrapf(ErrInvalidInput, "unknown status %q", opts.Status)
	}
	return s.store.ListLicenses(ctx, opts)
}

func (s *Service) GetLicenseDetail(ctx context.Context, id string) (*Detail, error) {
	license, err := s.store.GetLicenseByID(ctx, id)
	if err != nil {
		return nil, err
	}

	sessions, err := s.store.ListSessions(ctx, license.LicenseKey)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []*models.ActiveSession{}
	}

	return &Detail{License: license, Sessions: sessions}, nil
}

// ListAuditEntries returns the newest audit rows of the license with id.
func (s *Service) ListAuditEntries(ctx context.Context, id string, limit int) ([]*models.AuditLogEntry, error) {
	license, err := s.store.GetLicenseByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLogLimit
	}
	return s.store.ListAuditEntries(ctx, license.LicenseKey, limit)
}

type mutation func(ctx context.Context, tx dbinterface.LicenseTx, license *models.License) (*models.License, error)

// mutate resolves id to its key, takes the license lock and runs fn in one
// transaction against a freshly read row.
func (s *Service) mutate(ctx context.Context, id, message string, fn mutation) (*models.License, error) {
	current, err := s.store.GetLicenseByID(ctx, id)
	if err != nil {
		return nil, err
	}
	key := current.LicenseKey

	lockCtx, cancel := context.WithTimeout(ctx, s.LockTimeout())
	unlock, err := s.locker.Lock(lockCtx, key)
	cancel()
	if err != nil {
		return nil, errors.Wrap(err, "acquire license lock")
	}
	defer unlock()

	var result *models.License
	err = s.store.WithLicenseTx(ctx, key, func(tx dbinterface.LicenseTx) error {
		license, err := tx.GetLicenseByKey(ctx, key)
		if err != nil {
			return err
		}
		if license.ID != id {
			return models.ErrLicenseNotFound
		}

		result, err = fn(ctx, tx, license)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, key, message)
	log.Info().Str("license", redact.LicenseKey(key)).Msg(message)

	return result, nil
}

func (s *Service) record(ctx context.Context, licenseKey, message string) {
	s.audit.Append(ctx, models.AuditLogEntry{
		LicenseKey: licenseKey,
		Action:     models.AuditActionAdmin,
		Message:    message,
		CreatedAt:  s.now().UTC(),
	})
}

type discardSink struct{}

func (discardSink) Append(context.Context, models.AuditLogEntry) {}
