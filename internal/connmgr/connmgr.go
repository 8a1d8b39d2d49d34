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

// Package connmgr is component N: it accepts TCP connections, gives each
// one a child pool.Pool (itself a child of the instance's root pool, per
// §5 "Pool trees are per-request... a child of the connection pool, which
// is a child of the instance's root pool"), and drops new connections
// outright once a configured cap is reached rather than letting them
// queue.
//
// The HTTP/1.1 and HTTP/2 wire parsing itself is explicitly out of scope
// (§1) and modeled as an external collaborator; this package wires
// net/http.Server (the teacher's own choice in cmd/tfd-proxy/main.go) as
// that collaborator and hands dissected requests to a reqstate.Machine.
package connmgr

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	rendezvous "github.com/dgryski/go-rendezvous"

	"github.com/cm4all/edgecore/internal/iobuf"
	"github.com/cm4all/edgecore/internal/logging"
	"github.com/cm4all/edgecore/internal/memcore/pool"
	"github.com/cm4all/edgecore/internal/memcore/slicepool"
	"github.com/cm4all/edgecore/internal/reqstate"
	"github.com/cm4all/edgecore/internal/telemetry"
)

var log = logging.For("connmgr")

// Config bundles what Manager needs to accept connections and dispatch
// requests into the state machine.
type Config struct {
	RootPool  *pool.Pool      // connection pools are children of this
	BodyPool  *slicepool.Pool // backs the per-request body staging FIFo (component E)
	Machine   *reqstate.Machine
	MaxConns  int           // 0 means unbounded
	ReadTimeout, WriteTimeout, IdleTimeout time.Duration

	// NumWorkers, when positive, enables rendezvous-hashed worker
	// affinity tagging: requests for the same resource are consistently
	// assigned to the same logical worker name, so repeat traffic tends
	// to land on the same warm cache shard (components J/K). 0 disables
	// affinity tagging.
	NumWorkers int
}

// Manager owns the accept-time connection cap and the per-connection pool
// lifecycle; it is otherwise a thin net/http.Server wrapper.
type Manager struct {
	cfg     Config
	sem     chan struct{}
	chooser *rendezvous.Rendezvous

	mu        sync.Mutex
	connPools map[net.Conn]*pool.Pool
}

// New builds a Manager. A MaxConns of 0 disables the connection cap.
func New(cfg Config) *Manager {
	m := &Manager{cfg: cfg, connPools: make(map[net.Conn]*pool.Pool)}
	if cfg.MaxConns > 0 {
		m.sem = make(chan struct{}, cfg.MaxConns)
	}
	if cfg.NumWorkers > 0 {
		names := make([]string, cfg.NumWorkers)
		for i := range names {
			names[i] = fmt.Sprintf("worker-%d", i)
		}
		m.chooser = rendezvous.New(names, hashString)
	}
	return m
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// WorkerFor returns the logical worker name rendezvous hashing assigns to
// key (typically a request's path or resource fingerprint). Returns "" if
// worker affinity is disabled (NumWorkers == 0).
func (m *Manager) WorkerFor(key string) string {
	if m.chooser == nil {
		return ""
	}
	return m.chooser.Lookup(key)
}

// Server builds an *http.Server wired to m's connection lifecycle and
// request handler. Callers call srv.Serve(m.Listen(ln)) or
// srv.ListenAndServe after setting srv.Addr.
func (m *Manager) Server() *http.Server {
	return &http.Server{
		Handler:      http.HandlerFunc(m.serveHTTP),
		ConnContext:  m.connContext,
		ConnState:    m.connState,
		ReadTimeout:  m.cfg.ReadTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		IdleTimeout:  m.cfg.IdleTimeout,
	}
}

type connPoolKey struct{}

// connContext creates the per-connection pool the moment net/http accepts
// the connection, and stashes it both in the request context (for
// serveHTTP) and in m.connPools (for connState to trash on close).
func (m *Manager) connContext(ctx context.Context, c net.Conn) context.Context {
	cp := pool.NewLinear(m.cfg.RootPool, "connection", 16384)
	m.mu.Lock()
	m.connPools[c] = cp
	m.mu.Unlock()
	return context.WithValue(ctx, connPoolKey{}, cp)
}

// connState trashes the connection's pool once net/http reports it fully
// closed or hijacked (taken over by something this package no longer
// tracks); §4.D's pool_trash is exactly "this arena outlives my immediate
// owner" and here the owner is the now-dead connection.
func (m *Manager) connState(c net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}
	m.mu.Lock()
	cp, ok := m.connPools[c]
	delete(m.connPools, c)
	m.mu.Unlock()
	if ok {
		pool.Trash(cp)
	}
}

func connPoolFrom(ctx context.Context) *pool.Pool {
	if cp, ok := ctx.Value(connPoolKey{}).(*pool.Pool); ok {
		return cp
	}
	return nil
}

// serveHTTP is the net/http.Handler that bridges into reqstate.Machine.
// The request body is staged through a MultiFifoBuffer (component E)
// exactly as §2's control-flow summary describes ("Bodies flow through E
// and may be captured by F into C for later cache hits") before being
// handed to the state machine as a single buffer; reqstate itself is
// transport-agnostic and only sees a dissected http.Request plus body
// bytes.
func (m *Manager) serveHTTP(w http.ResponseWriter, r *http.Request) {
	connPool := connPoolFrom(r.Context())
	if connPool == nil {
		connPool = m.cfg.RootPool
	}

	if r.Body != nil && r.ContentLength != 0 {
		fifo := iobuf.NewMultiFifoBuffer(m.cfg.BodyPool)
		buf := make([]byte, 4096)
		for {
			n, err := r.Body.Read(buf)
			if n > 0 {
				fifo.Push(buf[:n])
			}
			if err != nil {
				break
			}
		}
		var body []byte
		for _, bucket := range fifo.FillBucketList() {
			body = append(body, bucket...)
		}
		r.Body = &nopBody{data: body}
	}

	if worker := m.WorkerFor(r.URL.Path); worker != "" {
		log.Verbose("request assigned cache-affinity worker", "worker", worker, "path", r.URL.Path)
	}

	req := reqstate.NewRequest(connPool, r)
	defer req.Close()

	resp, err := m.cfg.Machine.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	if resp.Status != http.StatusNotModified && r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "Internal error"
	if he, ok := err.(*reqstate.HTTPError); ok {
		status = he.Status
		msg = he.Message
	} else {
		log.Error("unhandled request error", "error", err)
	}
	http.Error(w, msg, status)
}

type nopBody struct{ data []byte }

func (b *nopBody) Read(p []byte) (int, error) {
	if len(b.data) == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}
func (*nopBody) Close() error { return nil }

// Active reports the number of connections currently held open against
// the configured cap (0 if uncapped).
func (m *Manager) Active() int {
	if m.sem == nil {
		return 0
	}
	return len(m.sem)
}

// Listen wraps ln so that Accept drops (rather than queues) connections
// once MaxConns are already open, per §5 "Memory pressure handling" and
// component N's "connection-drop under pressure" responsibility.
func (m *Manager) Listen(ln net.Listener) net.Listener {
	if m.sem == nil {
		return ln
	}
	return &limitingListener{Listener: ln, mgr: m}
}

type limitingListener struct {
	net.Listener
	mgr *Manager
}

func (l *limitingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		select {
		case l.mgr.sem <- struct{}{}:
			telemetry.ConnectionsActive.Inc()
			return &trackedConn{Conn: conn, mgr: l.mgr}, nil
		default:
			telemetry.ConnectionsDropped.Inc()
			log.Warn("dropping connection: connection cap reached", "remote", conn.RemoteAddr())
			conn.Close()
		}
	}
}

// trackedConn releases its accept-time semaphore slot exactly once, on
// the first Close, regardless of how many times net/http calls it.
type trackedConn struct {
	net.Conn
	mgr  *Manager
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		<-c.mgr.sem
		telemetry.ConnectionsActive.Dec()
	})
	return c.Conn.Close()
}
