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
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cm4all/edgecore/internal/memcore/pool"
	"github.com/cm4all/edgecore/internal/session"
	"github.com/cm4all/edgecore/internal/translate"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.html")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDissectSplitsArgsAndQuery(t *testing.T) {
	d := dissect("/widget;args=a,b,c?x=1")
	if d.Base != "/widget" || d.Args != "a,b,c" || d.Query != "x=1" {
		t.Fatalf("dissect = %+v", d)
	}
}

func TestRunServesLocalFile(t *testing.T) {
	path := writeTempFile(t, "hello world")
	client := translate.NewLoopbackClient()
	client.SetFallback(func(req *translate.Request) (*translate.Response, error) {
		return &translate.Response{
			Status:  200,
			Address: translate.ResourceAddress{Type: "local", Path: path},
		}, nil
	})

	root := pool.NewDummy(nil, "root")
	defer pool.Trash(root)
	m := NewMachine(Config{Translate: client})
	req := NewRequest(root, httptest.NewRequest("GET", "/index.html", nil))
	defer req.Close()

	resp, err := m.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 {
		t.Fatalf("Status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != "hello world" {
		t.Fatalf("Body = %q", resp.Body)
	}
	if resp.Header.Get("Server") != "edgecore" {
		t.Fatal("expected Finalize to set Server header")
	}
}

func TestRunMissingFileIs404(t *testing.T) {
	client := translate.NewLoopbackClient()
	client.SetFallback(func(req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.ResourceAddress{Type: "local", Path: "/no/such/file"}}, nil
	})
	root := pool.NewDummy(nil, "root")
	defer pool.Trash(root)
	m := NewMachine(Config{Translate: client})
	req := NewRequest(root, httptest.NewRequest("GET", "/missing", nil))
	defer req.Close()

	_, err := m.Run(context.Background(), req)
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != 404 {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestRunTranslationFailureIs502(t *testing.T) {
	client := translate.NewLoopbackClient()
	client.SetFallback(func(req *translate.Request) (*translate.Response, error) {
		return nil, errors.New("boom")
	})
	root := pool.NewDummy(nil, "root")
	defer pool.Trash(root)
	m := NewMachine(Config{Translate: client})
	req := NewRequest(root, httptest.NewRequest("GET", "/x", nil))
	defer req.Close()

	_, err := m.Run(context.Background(), req)
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != 502 {
		t.Fatalf("err = %v, want 502", err)
	}
}

// TestRunCheckLoopExceedsLimit exercises §4.M's loop-safety rule: a
// translation server that keeps demanding another CHECK turn forever
// must be cut off with a 502 once the bounded counter is exceeded,
// rather than looping forever.
func TestRunCheckLoopExceedsLimit(t *testing.T) {
	client := translate.NewLoopbackClient()
	client.SetFallback(func(req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Check: []byte("again")}, nil
	})
	root := pool.NewDummy(nil, "root")
	defer pool.Trash(root)
	m := NewMachine(Config{Translate: client})
	req := NewRequest(root, httptest.NewRequest("GET", "/loop", nil))
	defer req.Close()

	_, err := m.Run(context.Background(), req)
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != 502 {
		t.Fatalf("err = %v, want 502 from the CHECK loop guard", err)
	}
}

func TestRunUnknownAddressTypeIsEmptyResponse(t *testing.T) {
	client := translate.NewLoopbackClient()
	client.SetFallback(func(req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.ResourceAddress{Type: "carrier-pigeon"}}, nil
	})
	root := pool.NewDummy(nil, "root")
	defer pool.Trash(root)
	m := NewMachine(Config{Translate: client})
	req := NewRequest(root, httptest.NewRequest("GET", "/x", nil))
	defer req.Close()

	_, err := m.Run(context.Background(), req)
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != 502 {
		t.Fatalf("err = %v, want 502 Empty response", err)
	}
}

func TestRunHonorsIfNoneMatch(t *testing.T) {
	path := writeTempFile(t, "v1")
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	etag := `"` + strconv.FormatInt(fi.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(fi.Size(), 36) + `"`

	client := translate.NewLoopbackClient()
	client.SetFallback(func(req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.ResourceAddress{Type: "local", Path: path}}, nil
	})
	root := pool.NewDummy(nil, "root")
	defer pool.Trash(root)
	m := NewMachine(Config{Translate: client})
	httpReq := httptest.NewRequest("GET", "/v1", nil)
	httpReq.Header.Set("If-None-Match", etag)
	req := NewRequest(root, httpReq)
	defer req.Close()

	resp, err := m.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 304 {
		t.Fatalf("Status = %d, want 304", resp.Status)
	}
}

func TestRunRangeOutOfBoundsIs416(t *testing.T) {
	path := writeTempFile(t, "0123456789")

	client := translate.NewLoopbackClient()
	client.SetFallback(func(req *translate.Request) (*translate.Response, error) {
		return &translate.Response{Address: translate.ResourceAddress{Type: "local", Path: path}}, nil
	})
	root := pool.NewDummy(nil, "root")
	defer pool.Trash(root)
	m := NewMachine(Config{Translate: client})
	httpReq := httptest.NewRequest("GET", "/v1", nil)
	httpReq.Header.Set("Range", "bytes=100-200")
	req := NewRequest(root, httpReq)
	defer req.Close()

	resp, err := m.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 416 {
		t.Fatalf("Status = %d, want 416", resp.Status)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes */10" {
		t.Fatalf("Content-Range = %q, want %q", got, "bytes */10")
	}
	if len(resp.Body) != 0 {
		t.Fatalf("expected empty body for 416, got %q", resp.Body)
	}
}

// TestRunCSRFGateRejectsMissingToken exercises §8 scenario 5: a POST
// against a require_csrf_token response with no (or a bad) token is
// rejected with 403 rather than forwarded upstream.
func TestRunCSRFGateRejectsMissingToken(t *testing.T) {
	path := writeTempFile(t, "secret")
	mgr := session.New(0, time.Hour, 1000)
	lease := mgr.Create()
	sessionID := lease.Session().ID
	lease.Close()

	client := translate.NewLoopbackClient()
	client.SetFallback(func(req *translate.Request) (*translate.Response, error) {
		return &translate.Response{
			RequireCSRFToken: true,
			Address:          translate.ResourceAddress{Type: "local", Path: path},
		}, nil
	})

	root := pool.NewDummy(nil, "root")
	defer pool.Trash(root)
	m := NewMachine(Config{Translate: client, Sessions: mgr})

	httpReq := httptest.NewRequest("POST", "/submit", nil)
	httpReq.AddCookie(&http.Cookie{Name: "session", Value: strconv.FormatUint(sessionID, 10)})
	req := NewRequest(root, httpReq)
	defer req.Close()

	_, err := m.Run(context.Background(), req)
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != 403 {
		t.Fatalf("err = %v, want 403 for a missing CSRF token", err)
	}
}

// TestRunCSRFGateAcceptsValidToken is the other half of scenario 5: the
// same request carrying a token formed from the session's csrf_salt and
// a recent timestamp is forwarded upstream.
func TestRunCSRFGateAcceptsValidToken(t *testing.T) {
	path := writeTempFile(t, "secret")
	mgr := session.New(0, time.Hour, 1000)
	lease := mgr.Create()
	sessionID := lease.Session().ID
	salt := lease.Session().CSRFSalt
	lease.Close()

	client := translate.NewLoopbackClient()
	client.SetFallback(func(req *translate.Request) (*translate.Response, error) {
		return &translate.Response{
			RequireCSRFToken: true,
			Address:          translate.ResourceAddress{Type: "local", Path: path},
		}, nil
	})

	root := pool.NewDummy(nil, "root")
	defer pool.Trash(root)
	m := NewMachine(Config{Translate: client, Sessions: mgr})

	httpReq := httptest.NewRequest("POST", "/submit", nil)
	httpReq.AddCookie(&http.Cookie{Name: "session", Value: strconv.FormatUint(sessionID, 10)})
	httpReq.Header.Set(csrfHeaderName, generateCSRFToken(salt, time.Now()))
	req := NewRequest(root, httpReq)
	defer req.Close()

	resp, err := m.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("expected a valid CSRF token to be forwarded, got %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("Status = %d, want 200", resp.Status)
	}
	if resp.Header.Get(csrfHeaderName) == "" {
		t.Fatal("expected finalize to emit a fresh CSRF token for a CSRF-protected session")
	}
}

func TestRunRespectsCancelledContext(t *testing.T) {
	client := translate.NewLoopbackClient()
	root := pool.NewDummy(nil, "root")
	defer pool.Trash(root)
	m := NewMachine(Config{Translate: client})
	req := NewRequest(root, httptest.NewRequest("GET", "/x", nil))
	defer req.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Run(ctx, req)
	if err == nil {
		t.Fatal("expected an error from a pre-cancelled context")
	}
}

func TestMachineNowDefaultsWhenUnset(t *testing.T) {
	m := NewMachine(Config{Translate: translate.NewLoopbackClient()})
	if m.cfg.Now == nil {
		t.Fatal("NewMachine must default Now")
	}
	if m.cfg.Now().Before(time.Unix(0, 0)) {
		t.Fatal("default Now should return the real current time")
	}
}
