// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package lock provides per-key mutual exclusion for license mutations.
//
// Token issuance, logout and the admin operations that touch bindings or
// sessions all run under the lock of the license key they act on, so their
// read-decide-write sequences never interleave for the same license.
package lock

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrEmptyKey = errors.New("lock key cannot be empty")
	ErrTimeout  = errors.New("timed out waiting for lock")
)

// Locker hands out exclusive per-key locks. The returned unlock func must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
