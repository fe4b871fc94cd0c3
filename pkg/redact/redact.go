// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package redact masks credentials and device identifiers before they reach
// logs or error messages.
package redact

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// sensitiveFieldRegex matches key=value and "key":"value" pairs whose value
// must never be logged.
var sensitiveFieldRegex = regexp.MustCompile(`(?i)("?(?:apikey|api_key|adminapikey|encryptionkey|password|token)"?\s*[=:]\s*"?)([^&\s",}]*)`)

// LicenseKey keeps the first segment and the last two characters of a key.
// "GROW-ABCD-1234-XY" -> "GROW-****-****-XY"
func LicenseKey(key string) string {
	if key == "" {
		return key
	}
	if len(key) <= 6 {
		return strings.Repeat("*", len(key))
	}

	prefix := 0
	if idx := strings.IndexByte(key, '-'); idx > 0 && idx < len(key)-2 {
		prefix = idx + 1
	}

	var b strings.Builder
	b.Grow(len(key))
	b.WriteString(key[:prefix])
	for i := prefix; i < len(key)-2; i++ {
		if key[i] == '-' {
			b.WriteByte('-')
			continue
		}
		b.WriteByte('*')
	}
	b.WriteString(key[len(key)-2:])
	return b.String()
}

// Identifier keeps the first and last four characters of a user or hardware
// id. Short ids are fully masked.
func Identifier(id string) string {
	if len(id) <= 8 {
		return strings.Repeat("*", len(id))
	}
	return id[:4] + "..." + id[len(id)-4:]
}

// URLString redacts sensitive query parameter values and userinfo passwords.
func URLString(raw string) string {
	if raw == "" {
		return raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return String(raw)
	}

	modified := false
	if parsed.User != nil {
		if _, hasPass := parsed.User.Password(); hasPass {
			parsed.User = url.UserPassword(parsed.User.Username(), "REDACTED")
			modified = true
		}
	}

	query := parsed.Query()
	for key := range query {
		if sensitiveFieldRegex.MatchString(key + "=") {
			query[key] = []string{"REDACTED"}
			modified = true
		}
	}

	if !modified {
		return raw
	}

	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// String redacts sensitive key=value or JSON "key":"value" pairs in s.
func String(s string) string {
	if s == "" {
		return s
	}
	return sensitiveFieldRegex.ReplaceAllString(s, "${1}REDACTED")
}

// URLError returns err with the URL of a wrapped *url.Error redacted.
func URLError(err error) error {
	if err == nil {
		return nil
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{
			Op:  urlErr.Op,
			URL: URLString(urlErr.URL),
			Err: urlErr.Err,
		}
	}

	return err
}

// BasicAuthUser redacts the password of a "user:password" credential.
func BasicAuthUser(cred string) string {
	user, _, found := strings.Cut(cred, ":")
	if !found {
		return cred
	}
	return user + ":REDACTED"
}
