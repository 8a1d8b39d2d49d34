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

	"github.com/cm4all/edgecore/internal/cache/translationcache"
)

// CachedClient wraps another Client with the translation decision cache
// (component K), the same wrap-the-next-layer shape resourceloader.Cached
// uses for HTTP responses: a Lookup before the real call, a Put after,
// keyed by translationcache.Fingerprint.
type CachedClient struct {
	Next  Client
	Cache *translationcache.Cache
	Site  func(req *Request) string
}

// SendRequest satisfies Client.
func (c *CachedClient) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	fp := translationcache.Fingerprint(req)
	if item, ok := c.Cache.Lookup(fp); ok {
		return item.Response, nil
	}

	resp, err := c.Next.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Discard {
		return resp, nil
	}

	site := ""
	if c.Site != nil {
		site = c.Site(req)
	}
	vary := varyValues(req, resp.VaryCommands)
	c.Cache.Put(fp, resp, vary, site, resp.CacheTag)
	return resp, nil
}

// varyValues captures the request field values a response's VaryCommands
// named, so InvalidatePrefix can later match against them.
func varyValues(req *Request, varyCommands []string) map[string]string {
	if len(varyCommands) == 0 {
		return nil
	}
	all := map[string]string{
		"host":            req.Host,
		"uri":             req.URI,
		"listener_tag":    req.ListenerTag,
		"user_agent_class": req.UserAgentClass,
		"language":        req.Language,
	}
	vary := make(map[string]string, len(varyCommands))
	for _, name := range varyCommands {
		vary[name] = all[name]
	}
	return vary
}
