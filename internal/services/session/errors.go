// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package session

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/growkey/growkey/internal/codec"
)

// Kind classifies a failed token or logout request.
type Kind int

const (
	KindUnexpected Kind = iota
	KindInvalidRequest
	KindConfigError
	KindNotFound
	KindInactive
	KindExpired
	KindWrongUser
	KindWrongDevice
	KindAtCapacity
	KindDecodeError
)

var kindNames = map[Kind]string{
	KindUnexpected:     "unexpected",
	KindInvalidRequest: "invalid_request",
	KindConfigError:    "config_error",
	KindNotFound:       "not_found",
	KindInactive:       "inactive",
	KindExpired:        "expired",
	KindWrongUser:      "wrong_user",
	KindWrongDevice:    "wrong_device",
	KindAtCapacity:     "at_capacity",
	KindDecodeError:    "decode_error",
}

// Client-facing messages. Bot clients match on these strings.
var kindMessages = map[Kind]string{
	KindUnexpected:     "Unexpected error.",
	KindInvalidRequest: "license, bot_userid, and hwid are required.",
	KindConfigError:    "Encryption key is not configured.",
	KindNotFound:       "License not found.",
	KindInactive:       "License is not active.",
	KindExpired:        "License expired.",
	KindWrongUser:      "License is bound to another user.",
	KindWrongDevice:    "License is bound to another device.",
	KindAtCapacity:     "License is already in use.",
	KindDecodeError:    "Invalid ciphertext",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Message is the text returned to the client for k.
func (k Kind) Message() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindUnexpected]
}

// Error is the only error type the engine returns. Err holds the internal
// cause for Unexpected failures and is never shown to clients.
type Error struct {
	Kind       Kind
	Message    string
	LicenseKey string
	UserID     string
	DeviceID   string
	Err        error
}

func newError(kind Kind, req Request, cause error) *Error {
	return &Error{
		Kind:       kind,
		Message:    kind.Message(),
		LicenseKey: req.LicenseKey,
		UserID:     req.UserID,
		DeviceID:   req.DeviceID,
		Err:        cause,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf maps any error to a Kind. Codec errors map to their own kinds,
// anything unknown is Unexpected.
func KindOf(err error) Kind {
	var e *Error
	switch {
	case err == nil:
		return KindUnexpected
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, codec.ErrMissingKey):
		return KindConfigError
	case errors.Is(err, codec.ErrDecode):
		return KindDecodeError
	}
	return KindUnexpected
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return KindOf(err).Message()
}
