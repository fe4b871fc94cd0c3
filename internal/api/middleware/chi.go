// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import "github.com/go-chi/chi/v5/middleware"

// RequestID tags each request with an id that the access log and Recoverer
// print.
var RequestID = middleware.RequestID

// Recoverer turns a panic into a 500 and logs the stack.
var Recoverer = middleware.Recoverer

// RealIP rewrites RemoteAddr from True-Client-IP, X-Real-IP or
// X-Forwarded-For. Only safe behind a proxy that sets those headers.
var RealIP = middleware.RealIP

// ThrottleBacklog caps in-flight requests and queues a bounded backlog. The
// bot endpoints use it so a burst cannot pile up behind the license locks.
var ThrottleBacklog = middleware.ThrottleBacklog
