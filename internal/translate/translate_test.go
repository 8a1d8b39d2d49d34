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
	"testing"
)

func TestLoopbackClientSeededResponse(t *testing.T) {
	c := NewLoopbackClient()
	c.Set("/a", &Response{Status: 200, Address: ResourceAddress{Type: "local", Path: "/srv/a.html"}})

	resp, err := c.SendRequest(context.Background(), &Request{URI: "/a"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || resp.Address.Path != "/srv/a.html" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestLoopbackClientFallback(t *testing.T) {
	c := NewLoopbackClient()
	c.SetFallback(func(req *Request) (*Response, error) {
		return &Response{Status: 404}, nil
	})

	resp, err := c.SendRequest(context.Background(), &Request{URI: "/missing"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 404 {
		t.Fatalf("Status = %d, want 404", resp.Status)
	}
}

func TestLoopbackClientDefaultNotFound(t *testing.T) {
	c := NewLoopbackClient()
	resp, err := c.SendRequest(context.Background(), &Request{URI: "/x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 404 {
		t.Fatalf("Status = %d, want 404 (default, no fallback set)", resp.Status)
	}
}

func TestLoopbackClientRespectsCancelledContext(t *testing.T) {
	c := NewLoopbackClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.SendRequest(ctx, &Request{URI: "/a"}); err == nil {
		t.Fatal("expected an error from an already-cancelled context")
	}
}
