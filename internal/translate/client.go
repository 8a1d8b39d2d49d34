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

package translate

import (
	"context"
	"sync"
)

// LoopbackClient is an in-memory Client used by tests (cmd/proxy does
// not use it): it looks up a canned Response by the
// request's URI, falling back to a default handler. Not for production
// use.
type LoopbackClient struct {
	mu       sync.Mutex
	byURI    map[string]*Response
	fallback func(*Request) (*Response, error)
}

// NewLoopbackClient creates an empty loopback client; use Set to seed
// canned responses and SetFallback for anything not explicitly seeded.
func NewLoopbackClient() *LoopbackClient {
	return &LoopbackClient{byURI: make(map[string]*Response)}
}

// Set registers the response to return for requests with the given URI.
func (c *LoopbackClient) Set(uri string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byURI[uri] = resp
}

// SetFallback registers a handler used when no URI-specific response was
// set with Set.
func (c *LoopbackClient) SetFallback(f func(*Request) (*Response, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = f
}

// SendRequest implements Client.
func (c *LoopbackClient) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	c.mu.Lock()
	resp, ok := c.byURI[req.URI]
	fallback := c.fallback
	c.mu.Unlock()
	if ok {
		return resp, nil
	}
	if fallback != nil {
		return fallback(req)
	}
	return &Response{Status: 404}, nil
}
