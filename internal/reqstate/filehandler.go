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
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cm4all/edgecore/internal/translate"
)

// precompressedSuffixes is the fixed probe order for sibling
// precompressed files, per §4.M's file-handler sub-state machine.
var precompressedSuffixes = []struct {
	suffix   string
	encoding string
}{
	{".br", "br"},
	{".gz", "gzip"},
	{".gzipped", "gzip"},
}

// dispatchLocal implements the LOCAL branch of §4.M step 7 together with
// the file-handler sub-state machine described immediately below it:
// OpenStat, optional legacy inline-auth, conditional-request evaluation,
// precompressed-sibling probing, and ranged delivery.
func (m *Machine) dispatchLocal(ctx context.Context, req *Request, addr translate.ResourceAddress) (int, http.Header, []byte, error) {
	path := filepath.Clean(addr.Path)

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, nil, &HTTPError{Status: 404, Message: "Not Found"}
		}
		return 0, nil, nil, &HTTPError{Status: 500, Message: "stat failed"}
	}

	if fi.Mode()&os.ModeCharDevice != 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, nil, nil, &HTTPError{Status: 500, Message: "read failed"}
		}
		return 200, make(http.Header), data, nil
	}

	if !fi.Mode().IsRegular() {
		return 0, nil, nil, &HTTPError{Status: 404, Message: "Not Found"}
	}

	if m.cfg.InlineAuthPrefix != "" && strings.HasPrefix(path, m.cfg.InlineAuthPrefix) {
		if err := checkInlineAuth(req.HTTP, path); err != nil {
			return 0, nil, nil, err
		}
	}

	header := make(http.Header)
	etag := strconv.FormatInt(fi.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(fi.Size(), 36)
	header.Set("ETag", `"`+etag+`"`)
	header.Set("Last-Modified", fi.ModTime().UTC().Format(http.TimeFormat))

	if status := evaluateConditional(req.HTTP, etag, fi.ModTime()); status != 0 {
		return status, header, nil, nil
	}

	if rangeHeader := req.HTTP.Header.Get("Range"); rangeHeader == "" {
		if enc, data, ok := tryPrecompressed(path, req.HTTP.Header.Get("Accept-Encoding")); ok {
			header.Set("Content-Encoding", enc)
			return 200, header, data, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, nil, &HTTPError{Status: 500, Message: "read failed"}
	}

	if rangeHeader := req.HTTP.Header.Get("Range"); rangeHeader != "" {
		start, end, ok := parseRange(rangeHeader, int64(len(data)))
		if !ok {
			header.Set("Content-Range", "bytes */"+strconv.FormatInt(int64(len(data)), 10))
			return 416, header, nil, nil
		}
		header.Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end-1, 10)+"/"+strconv.FormatInt(int64(len(data)), 10))
		return 206, header, data[start:end], nil
	}

	return 200, header, data, nil
}

// checkInlineAuth runs the legacy inline-auth check: only under a fixed
// path prefix, the first line of the file is inspected for a marker,
// requiring HTTP basic auth checked against a sibling .access file.
const inlineAuthMarker = "<!--#auth-->"

func checkInlineAuth(r *http.Request, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &HTTPError{Status: 500, Message: "read failed"}
	}
	firstLine := data
	if i := strings.IndexByte(string(data), '\n'); i >= 0 {
		firstLine = data[:i]
	}
	if !strings.HasPrefix(string(firstLine), inlineAuthMarker) {
		return nil
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return &HTTPError{Status: 401, Message: "Authorization required"}
	}
	accessPath := path + ".access"
	creds, err := os.ReadFile(accessPath)
	if err != nil {
		return &HTTPError{Status: 403, Message: "Forbidden"}
	}
	want := user + ":" + pass
	for _, line := range strings.Split(string(creds), "\n") {
		if strings.TrimSpace(line) == want {
			return nil
		}
	}
	return &HTTPError{Status: 403, Message: "Forbidden"}
}

// evaluateConditional applies If-Match/If-None-Match/If-Modified-Since/
// If-Unmodified-Since and returns the short-circuit status (412 or 304),
// or 0 to continue normal delivery.
func evaluateConditional(r *http.Request, etag string, modTime time.Time) int {
	quoted := `"` + etag + `"`

	if v := r.Header.Get("If-Match"); v != "" && v != "*" && v != quoted {
		return 412
	}
	if v := r.Header.Get("If-Unmodified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil && modTime.After(t) {
			return 412
		}
	}
	if v := r.Header.Get("If-None-Match"); v != "" && (v == "*" || v == quoted) {
		return 304
	}
	if v := r.Header.Get("If-Modified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil && !modTime.After(t) {
			return 304
		}
	}
	return 0
}

// tryPrecompressed probes for a sibling precompressed file in the fixed
// order .br, .gz, .gzipped, honoring Accept-Encoding.
func tryPrecompressed(path, acceptEncoding string) (encoding string, data []byte, ok bool) {
	for _, cand := range precompressedSuffixes {
		if !strings.Contains(acceptEncoding, cand.encoding) {
			continue
		}
		data, err := os.ReadFile(path + cand.suffix)
		if err == nil {
			return cand.encoding, data, true
		}
	}
	return "", nil, false
}

// parseRange parses a single-range "bytes=start-end" header against a
// known total size.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if parts[0] == "" {
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n > size {
			return 0, 0, false
		}
		return size - n, size, true
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s >= size {
		return 0, 0, false
	}
	e := size
	if parts[1] != "" {
		if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil && v+1 < size {
			e = v + 1
		}
	}
	return s, e, true
}
