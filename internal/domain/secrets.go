// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

const RedactedStr = "<redacted>"

// RedactString replaces a non-empty secret with the placeholder. Empty values
// stay empty so logs still show what is unset.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return RedactedStr
}
