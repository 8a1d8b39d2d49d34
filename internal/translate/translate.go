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

// Package translate models the translation/configuration RPC (§6.2) as a
// narrow Client interface, with a LoopbackClient test double and a
// UnixClient that frames requests over a Unix-domain socket, in the
// teacher's Logging*/Go* adapter-pair shape.
package translate

import (
	"context"
	"errors"
	"net/http"
)

// ErrProtocolTooOld is returned when the peer negotiates a translation
// protocol version below the minimum this module understands.
var ErrProtocolTooOld = errors.New("translate: protocol version too old")

// Request carries the fields the translation service keys its decision
// (and this module's Fingerprint) on.
type Request struct {
	ListenerTag    string
	Host           string
	URI            string
	UserAgentClass string
	Language       string
	SessionToken   string
	Check          []byte
	Layout         []byte
	WantFullURI    []byte
}

// ResourceAddress is the translation-supplied address template a request
// is ultimately dispatched against.
type ResourceAddress struct {
	Type string // "http", "fastcgi", "cgi", "was", "nfs", "local"
	Path string
	Host string
}

// Response is the sum of optional fields a translation turn may return.
// Only the fields actually consulted by this module are modeled; the
// rest of the real protocol is out of scope (§1 non-goals).
type Response struct {
	Status          int
	Address         ResourceAddress
	Header          http.Header
	Check           []byte
	Layout          []byte
	InternalRedirect []byte
	LikeHost        string
	Want            [][]byte
	WantFullURI     bool
	WantUser        bool
	RequireCSRFToken bool
	HTTPSOnly       uint16
	CacheTag        string
	VaryCommands    []string
	ErrorDocument   string
	FilterAddress   *ResourceAddress
	SessionID       []byte
	Discard         bool
}

// Client issues translation RPCs.
type Client interface {
	SendRequest(ctx context.Context, req *Request) (*Response, error)
}
