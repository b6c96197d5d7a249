// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package redact sanitizes secrets out of errors before they reach a log sink.
package redact

import (
	"errors"
	"net/url"
)

var sensitiveParams = []string{"apikey", "api_key", "token", "passkey", "password"}

// URLError redacts sensitive query parameters from a *url.Error's URL, walking
// the error chain to find one. Non-url.Error values, and errors with none in
// their chain, are returned unchanged. A nil error returns nil.
func URLError(err error) error {
	if err == nil {
		return nil
	}

	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}

	redacted := *urlErr
	redacted.URL = redactURL(urlErr.URL)
	return &redacted
}

func redactURL(raw string) string {
	u, parseErr := url.Parse(raw)
	if parseErr != nil {
		return raw
	}

	q := u.Query()
	changed := false
	for _, key := range sensitiveParams {
		if q.Has(key) {
			q.Set(key, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	decoded, err := url.QueryUnescape(u.String())
	if err != nil {
		return u.String()
	}
	return decoded
}
