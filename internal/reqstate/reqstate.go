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

// Package reqstate drives one incoming HTTP request through the
// translation-guided dispatch pipeline (component M): a state machine
// whose transitions are shaped like the teacher's Classify-then-dispatch
// pair in plugin/tfd/classifier.go, generalized from two channels (S, V)
// to the fourteen states a request can pass through. Every suspension
// point takes a context.Context, which is Go's native substitute for the
// original's cancel token.
package reqstate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cm4all/edgecore/internal/memcore/pool"
	"github.com/cm4all/edgecore/internal/session"
	"github.com/cm4all/edgecore/internal/translate"
)

// State enumerates the points §4.M names; Machine.Run dispatches on it in
// a loop exactly the way Classify hands an Op off to a fixed handler per
// Channel, just with twelve more cases.
type State int

const (
	ReceivedHeaders State = iota
	Translating
	Auth
	HttpAuth
	TokenAuth
	AfterAuth
	AfterEnotdir
	AfterFileNotFound
	AfterDirectoryIndex
	ContentTypeLookup
	Dispatch
	TransformationPipeline
	Finalize
	Done
)

// HTTPError is a terminal outcome of the state machine: a status and a
// message suitable for logging and (optionally) for the response body.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string { return fmt.Sprintf("%d %s", e.Status, e.Message) }

// counters bound every multi-turn translation feature, per §4.M's "loop
// safety" rule: each has a hard limit, and exceeding it is a 502.
type counters struct {
	likeHost        int
	checks          int
	internalRedirect int
	want            int
	wantFullURI     int
	enotdir         int
	fileNotFound    int
	directoryIndex  int
	layout          int
}

const (
	limitLikeHost        = 4
	limitChecks          = 4
	limitInternalRedirect = 2
	limitWant            = 20
	limitWantFullURI     = 20
	limitEnotdir         = 20
	limitFileNotFound    = 20
	limitDirectoryIndex  = 4
	limitLayout          = 4
)

// bumpAndCheck increments *counter and returns a 502 HTTPError the
// moment it exceeds limit. It is the single chokepoint every bounded
// retry feature in Translating/AfterAuth routes through.
func bumpAndCheck(counter *int, limit int, name string) error {
	*counter++
	if *counter > limit {
		return &HTTPError{Status: 502, Message: fmt.Sprintf("Too many consecutive %s packets", name)}
	}
	return nil
}

// Dissected is the {base, args, query, path_info} breakdown of a request
// URI computed in ReceivedHeaders. dissect fills Base, Args and Query;
// it leaves PathInfo empty.
type Dissected struct {
	Base     string
	Args     string
	Query    string
	PathInfo string
}

func dissect(uri string) Dissected {
	d := Dissected{Base: uri}
	if i := strings.IndexByte(d.Base, '?'); i >= 0 {
		d.Query = d.Base[i+1:]
		d.Base = d.Base[:i]
	}
	if i := strings.Index(d.Base, ";args="); i >= 0 {
		d.Args = d.Base[i+len(";args="):]
		d.Base = d.Base[:i]
	}
	return d
}

// Request is the per-request arena: it owns a child pool.Pool (freed in
// full when the request finishes), the dissected URI, translation
// sub-state, and the session lease (if any) it acquired along the way.
type Request struct {
	HTTP   *http.Request
	Pool   *pool.Pool
	Dissected Dissected

	state State
	c      counters

	TranslateReq  translate.Request
	TranslateResp *translate.Response

	SessionLease session.Lease
	HasSession   bool

	Status int
	Header http.Header
	Body   []byte
}

// NewRequest creates the per-request arena as a child of parentPool.
func NewRequest(parentPool *pool.Pool, r *http.Request) *Request {
	return &Request{
		HTTP: r,
		Pool: pool.NewLinear(parentPool, "request", 4096),
	}
}

// Close releases the request's pool and session lease.
func (req *Request) Close() {
	if req.HasSession {
		req.SessionLease.Close()
	}
	pool.Trash(req.Pool)
}

// Response is what Finalize hands back to the connection layer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Config bundles the collaborators a Machine dispatches to. Translate is
// required. A nil Sessions skips session handling and a nil Now falls
// back to time.Now; a nil Loader makes resource dispatch answer 502.
//
// Notably absent: the HTTP/filter/NFS caches (components H, I, J) are
// not wired here directly. internal/resourceloader composes them
// underneath a single ResourceLoader so that Dispatch stays agnostic to
// which address types are cache-backed.
type Config struct {
	Translate        translate.Client
	Sessions         *session.Manager
	Loader           ResourceLoader
	InlineAuthPrefix string // empty disables legacy inline auth (Open Question #3)
	Now              func() time.Time
}

// ResourceLoader fetches a response for a translated, fully-merged
// address. internal/resourceloader's Direct/Cached/Filter all satisfy
// this; it is declared here so reqstate does not import resourceloader,
// and cmd/proxy supplies the concrete loader.
type ResourceLoader interface {
	Load(ctx context.Context, addr translate.ResourceAddress, r *http.Request) (status int, header http.Header, body []byte, err error)
}

// Machine drives one Request through the state table in §4.M.
type Machine struct {
	cfg Config
}

// NewMachine builds a Machine bound to cfg.
func NewMachine(cfg Config) *Machine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{cfg: cfg}
}

// Run drives req through ReceivedHeaders..Done, returning either a
// Response or an error (typically an *HTTPError).
func (m *Machine) Run(ctx context.Context, req *Request) (*Response, error) {
	req.state = ReceivedHeaders
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch req.state {
		case ReceivedHeaders:
			if err := m.receivedHeaders(req); err != nil {
				return nil, err
			}
			req.state = Translating

		case Translating:
			next, err := m.translating(ctx, req)
			if err != nil {
				return nil, err
			}
			req.state = next

		case Auth, HttpAuth, TokenAuth:
			next, err := m.authTurn(ctx, req)
			if err != nil {
				return nil, err
			}
			req.state = next

		case AfterAuth:
			next, err := m.afterAuth(ctx, req)
			if err != nil {
				return nil, err
			}
			req.state = next

		case AfterEnotdir, AfterFileNotFound, AfterDirectoryIndex:
			next, err := m.afterFileRetry(ctx, req)
			if err != nil {
				return nil, err
			}
			req.state = next

		case ContentTypeLookup:
			req.state = Dispatch

		case Dispatch:
			next, err := m.dispatch(ctx, req)
			if err != nil {
				return nil, err
			}
			req.state = next

		case TransformationPipeline:
			req.state = Finalize

		case Finalize:
			resp := m.finalize(req)
			req.state = Done
			return resp, nil

		case Done:
			return nil, errors.New("reqstate: Run called after Done")

		default:
			return nil, fmt.Errorf("reqstate: unknown state %d", req.state)
		}
	}
}

// receivedHeaders dissects the URI and seeds the translation request.
func (m *Machine) receivedHeaders(req *Request) error {
	if req.HTTP.URL == nil || req.HTTP.URL.Path == "" {
		return &HTTPError{Status: 400, Message: "Malformed URI"}
	}
	req.Dissected = dissect(req.HTTP.RequestURI())
	req.TranslateReq = translate.Request{
		Host: req.HTTP.Host,
		URI:  req.Dissected.Base,
	}
	if c, err := req.HTTP.Cookie("session"); err == nil {
		req.TranslateReq.SessionToken = c.Value
	}
	return nil
}

// translating issues one translation RPC turn and decides the next
// state per §4.M step 2.
func (m *Machine) translating(ctx context.Context, req *Request) (State, error) {
	resp, err := m.cfg.Translate.SendRequest(ctx, &req.TranslateReq)
	if err != nil {
		return 0, &HTTPError{Status: 502, Message: "Configuration server failed"}
	}
	req.TranslateResp = resp

	if resp.HTTPSOnly != 0 && req.HTTP.TLS == nil {
		return 0, &HTTPError{Status: 301, Message: "Redirect to HTTPS required"}
	}

	if m.cfg.Sessions != nil {
		m.attachSession(req, resp)
	}

	switch {
	case resp.RequireCSRFToken:
		return Auth, nil
	case resp.WantUser && req.HTTP.Header.Get("X-Http-Auth") != "":
		return HttpAuth, nil
	default:
		return AfterAuth, nil
	}
}

func (m *Machine) attachSession(req *Request, resp *translate.Response) {
	if req.HasSession {
		return
	}
	if resp.SessionID != nil {
		// Real id parsing is a protocol-format decision out of this
		// module's scope; treat any non-empty SessionID as "attach".
		lease := m.cfg.Sessions.Create()
		req.SessionLease = lease
		req.HasSession = true
		return
	}
	if sid, ok := sessionIDFromToken(req.TranslateReq.SessionToken); ok {
		if lease, ok := m.cfg.Sessions.Find(sid); ok {
			req.SessionLease = lease
			req.HasSession = true
		}
	}
}

// authTurn handles Auth/HttpAuth/TokenAuth: each pass counts against the
// CHECK limit, enforces the CSRF gate, and answers 401 when there is no
// response or it asks for a user. It sends no translation request itself.
func (m *Machine) authTurn(ctx context.Context, req *Request) (State, error) {
	if err := bumpAndCheck(&req.c.checks, limitChecks, "AUTH"); err != nil {
		return 0, err
	}

	resp := req.TranslateResp
	if resp != nil && resp.RequireCSRFToken && req.HasSession && methodNeedsCSRFProtection(req.HTTP.Method) {
		token := req.HTTP.Header.Get(csrfHeaderName)
		if token == "" || !validateCSRFToken(token, req.SessionLease.Session().CSRFSalt, m.cfg.Now()) {
			return 0, &HTTPError{Status: 403, Message: "Bad CSRF token"}
		}
	}

	if resp == nil || resp.WantUser {
		return 0, &HTTPError{Status: 401, Message: "Unauthorized"}
	}
	return AfterAuth, nil
}

// afterAuth implements §4.M step 4: if the translation response asked
// for another turn, loop back to Translating (bumping the matching
// counter); otherwise fall through to AfterEnotdir-adjacent probing or
// straight to ContentTypeLookup.
func (m *Machine) afterAuth(ctx context.Context, req *Request) (State, error) {
	resp := req.TranslateResp
	if resp == nil {
		return 0, &HTTPError{Status: 502, Message: "Empty response"}
	}

	switch {
	case len(resp.Check) > 0:
		if err := bumpAndCheck(&req.c.checks, limitChecks, "CHECK"); err != nil {
			return 0, err
		}
		req.TranslateReq.Check = resp.Check
		return Translating, nil
	case len(resp.Layout) > 0:
		if err := bumpAndCheck(&req.c.layout, limitLayout, "LAYOUT"); err != nil {
			return 0, err
		}
		req.TranslateReq.Layout = resp.Layout
		return Translating, nil
	case len(resp.InternalRedirect) > 0:
		if err := bumpAndCheck(&req.c.internalRedirect, limitInternalRedirect, "INTERNAL_REDIRECT"); err != nil {
			return 0, err
		}
		req.TranslateReq.URI = string(resp.InternalRedirect)
		return Translating, nil
	case resp.LikeHost != "":
		if err := bumpAndCheck(&req.c.likeHost, limitLikeHost, "LIKE_HOST"); err != nil {
			return 0, err
		}
		req.TranslateReq.Host = resp.LikeHost
		return Translating, nil
	case len(resp.Want) > 0:
		if err := bumpAndCheck(&req.c.want, limitWant, "WANT"); err != nil {
			return 0, err
		}
		return Translating, nil
	case resp.WantFullURI:
		if err := bumpAndCheck(&req.c.wantFullURI, limitWantFullURI, "WANT_FULL_URI"); err != nil {
			return 0, err
		}
		return Translating, nil
	default:
		return ContentTypeLookup, nil
	}
}

// afterFileRetry implements §4.M step 5: bounded re-probe-and-retranslate
// loops for filesystem surprises. Only the counter bookkeeping is
// general here; the actual probing lives in filehandler.go.
func (m *Machine) afterFileRetry(ctx context.Context, req *Request) (State, error) {
	var counter *int
	var limit int
	var name string
	switch req.state {
	case AfterEnotdir:
		counter, limit, name = &req.c.enotdir, limitEnotdir, "ENOTDIR"
	case AfterFileNotFound:
		counter, limit, name = &req.c.fileNotFound, limitFileNotFound, "FILE_NOT_FOUND"
	case AfterDirectoryIndex:
		counter, limit, name = &req.c.directoryIndex, limitDirectoryIndex, "DIRECTORY_INDEX"
	}
	if err := bumpAndCheck(counter, limit, name); err != nil {
		return 0, err
	}
	return Translating, nil
}

// dispatch implements §4.M step 7.
func (m *Machine) dispatch(ctx context.Context, req *Request) (State, error) {
	resp := req.TranslateResp
	addr := resp.Address
	addr.Path = mergeAddress(addr.Path, req.Dissected)

	switch strings.ToLower(addr.Type) {
	case "local":
		status, header, body, err := m.dispatchLocal(ctx, req, addr)
		if err != nil {
			return 0, err
		}
		req.Status, req.Header, req.Body = status, header, body
		return TransformationPipeline, nil

	case "http", "lhttp", "fastcgi", "cgi", "was", "nfs":
		if m.cfg.Loader == nil {
			return 0, &HTTPError{Status: 502, Message: "No resource loader configured"}
		}
		status, header, body, err := m.cfg.Loader.Load(ctx, addr, req.HTTP)
		if err != nil {
			return 0, &HTTPError{Status: 502, Message: "Upstream request failed"}
		}
		req.Status, req.Header, req.Body = status, header, body
		return TransformationPipeline, nil

	default:
		return 0, &HTTPError{Status: 502, Message: "Empty response"}
	}
}

// mergeAddress merges dissected args/path_info/query into the
// translation-supplied address template, per §4.M's "translation→address
// completion" rule.
func mergeAddress(path string, d Dissected) string {
	out := path
	if d.PathInfo != "" {
		out += d.PathInfo
	}
	if d.Query != "" {
		out += "?" + d.Query
	}
	return out
}

// finalize implements §4.M step 9: response headers that are added
// unconditionally, regardless of the dispatch path taken.
func (m *Machine) finalize(req *Request) *Response {
	header := req.Header
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Server", "edgecore")
	header.Set("Date", m.cfg.Now().UTC().Format(http.TimeFormat))
	if req.HasSession {
		header.Set("Set-Cookie", "session="+fmt.Sprint(req.SessionLease.Session().ID)+"; HttpOnly")
	}
	if req.HasSession && req.TranslateResp != nil && req.TranslateResp.RequireCSRFToken {
		header.Set(csrfHeaderName, generateCSRFToken(req.SessionLease.Session().CSRFSalt, m.cfg.Now()))
	}
	return &Response{Status: req.Status, Header: header, Body: req.Body}
}

// sessionIDFromToken parses the session cookie value. The real wire
// format is an implementation detail (out of scope); this module treats
// it as a decimal-encoded uint64, the simplest encoding that exercises
// the session manager's Find path end to end.
func sessionIDFromToken(token string) (uint64, bool) {
	if token == "" {
		return 0, false
	}
	var id uint64
	n, err := fmt.Sscanf(token, "%d", &id)
	return id, err == nil && n == 1
}
