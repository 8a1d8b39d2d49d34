// Copyright 2026 CM4all GmbH. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reqstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// csrfTokenMaxAge bounds how old a token's timestamp may be before it is
// rejected as expired, per §8 scenario 5.
const csrfTokenMaxAge = time.Hour

// csrfHeaderName is the header both sides of the CSRF gate use.
const csrfHeaderName = "X-Cm4all-Csrf-Token"

// methodNeedsCSRFProtection reports whether method is subject to the CSRF
// gate; only the few read-only verbs listed below are exempt.
func methodNeedsCSRFProtection(method string) bool {
	switch method {
	case "HEAD", "GET", "OPTIONS", "TRACE", "PROPFIND", "REPORT":
		return false
	default:
		return true
	}
}

// generateCSRFToken derives a token from a session's salt and a
// timestamp: "<hex unix seconds>.<hex hmac-sha256>".
func generateCSRFToken(salt [16]byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 16)
	mac := hmac.New(sha256.New, salt[:])
	mac.Write([]byte(ts))
	return ts + "." + hex.EncodeToString(mac.Sum(nil))
}

// validateCSRFToken reports whether token was generated from salt at a
// timestamp no older than csrfTokenMaxAge and not in the future.
func validateCSRFToken(token string, salt [16]byte, now time.Time) bool {
	tsPart, _, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	ts, err := strconv.ParseInt(tsPart, 16, 64)
	if err != nil {
		return false
	}
	issued := time.Unix(ts, 0)
	if issued.After(now) || issued.Before(now.Add(-csrfTokenMaxAge)) {
		return false
	}
	expected := generateCSRFToken(salt, issued)
	return hmac.Equal([]byte(expected), []byte(token))
}
