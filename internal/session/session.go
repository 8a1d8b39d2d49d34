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

// Package session implements the in-memory session store: dual indexing
// by id and by attach-coalescing key, idle purge with a retention score,
// and session ids drawn from crypto/rand (component L). Purge refreshes
// rngSeed on every run, but id generation does not read it.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Realm is a per-site sub-record of a Session.
type Realm struct {
	Site        string
	Translate   []byte
	User        string
	UserExpires time.Time
	Cookies     http.Header
	SameSite    http.SameSite
}

// Session is the central per-client state record.
type Session struct {
	ID        uint64
	CSRFSalt  [16]byte
	Expires   time.Time
	ReuseCount int
	Attach    []byte
	Translate []byte
	Recover   string
	Realms    map[string]*Realm

	refs int32
}

func (s *Session) Realm(name string) *Realm {
	if s.Realms == nil {
		s.Realms = make(map[string]*Realm)
	}
	r, ok := s.Realms[name]
	if !ok {
		r = &Realm{Site: name}
		s.Realms[name] = r
	}
	return r
}

// Lease keeps a session pinned in use for as long as it is held. Go has
// no RAII, so callers must call Close explicitly when done — the
// documented deviation from the original's scope-based handle.
type Lease struct {
	m *Manager
	s *Session
}

// Session returns the leased session.
func (l Lease) Session() *Session { return l.s }

// Close releases the lease.
func (l Lease) Close() {
	if l.s == nil {
		return
	}
	l.m.mu.Lock()
	l.s.refs--
	l.m.mu.Unlock()
}

const idleTimeout = 30 * time.Minute
const purgeBucketSize = 256

// Manager is the process-wide session store.
type Manager struct {
	mu       sync.RWMutex
	byID     map[uint64]*Session
	byAttach map[string]*Session
	nodeID   uint8
	rngMu    sync.Mutex
	rngSeed  [8]byte
	idleTTL  time.Duration
	maxCount int
	sidecar  string
}

// SetSidecarPath configures where Run periodically persists sessions; an
// empty path (the default) disables sidecar persistence.
func (m *Manager) SetSidecarPath(path string) { m.sidecar = path }

// New creates an empty session manager. nodeID is OR'd into the low bits
// of freshly generated ids to support cluster-wide id disambiguation.
func New(nodeID uint8, idleTTL time.Duration, maxCount int) *Manager {
	m := &Manager{
		byID:     make(map[uint64]*Session),
		byAttach: make(map[string]*Session),
		nodeID:   nodeID,
		idleTTL:  idleTTL,
		maxCount: maxCount,
	}
	m.reseed()
	return m
}

func (m *Manager) reseed() {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	rand.Read(m.rngSeed[:])
}

func (m *Manager) newID() uint64 {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	var b [8]byte
	rand.Read(b[:])
	id := binary.BigEndian.Uint64(b[:])
	id = (id &^ 0xff) | uint64(m.nodeID)
	return id
}

// Find looks up a session by id, touching its expiry and reuse counter on
// a hit.
func (m *Manager) Find(id uint64) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return Lease{}, false
	}
	s.Expires = time.Now().Add(m.idleTTL)
	s.ReuseCount++
	s.refs++
	return Lease{m: m, s: s}, true
}

// Create allocates a new session and inserts it.
func (m *Manager) Create() Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Session{
		ID:      m.newID(),
		Expires: time.Now().Add(m.idleTTL),
		refs:    1,
	}
	rand.Read(s.CSRFSalt[:])
	m.byID[s.ID] = s
	return Lease{m: m, s: s}
}

// Attach coalesces lease's session under attach: if another session is
// already registered for attach, that session absorbs lease's session
// (whose own entry is dropped) and is returned; otherwise lease's session
// is registered under attach and returned unchanged.
func (m *Manager) Attach(lease Lease, realm string, attach []byte) Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(attach)
	if existing, ok := m.byAttach[key]; ok && existing != lease.s {
		delete(m.byID, lease.s.ID)
		existing.refs++
		return Lease{m: m, s: existing}
	}
	lease.s.Attach = attach
	m.byAttach[key] = lease.s
	return lease
}

// EraseAndDispose removes the session with the given id entirely.
func (m *Manager) EraseAndDispose(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	if s.Attach != nil {
		if cur, ok := m.byAttach[string(s.Attach)]; ok && cur == s {
			delete(m.byAttach, string(s.Attach))
		}
	}
}

// DiscardRealmSession removes just one realm's sub-record from a session.
func (m *Manager) DiscardRealmSession(id uint64, realm string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[id]; ok {
		delete(s.Realms, realm)
	}
}

// DiscardAttachSession removes the session registered for attach (if
// any), by attach key only, leaving its primary-id entry untouched.
func (m *Manager) DiscardAttachSession(attach []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byAttach, string(attach))
}

// Count returns the number of live sessions, for telemetry and Purge.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// score computes a session's retention score: lower is purged first. It
// favors dropping old, unused, never-reused sessions with no realm users
// first.
func score(s *Session, now time.Time) float64 {
	remaining := s.Expires.Sub(now).Seconds() // larger => fresher
	weight := 1.0
	if len(s.Realms) > 0 {
		weight += float64(len(s.Realms))
	}
	weight += float64(s.ReuseCount) * 0.1
	return remaining * weight
}

// Purge evicts sessions past idleTTL first, then (if still over
// maxCount) drops up to purgeBucketSize of the lowest-scoring sessions
// per cycle, repeating until the manager is back under its cap. Live
// leases (refs > 0) are never purged.
func (m *Manager) Purge() {
	now := time.Now()

	m.mu.Lock()
	var expired []uint64
	for id, s := range m.byID {
		if s.refs == 0 && now.After(s.Expires) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.eraseLocked(id)
	}

	for m.maxCount > 0 && len(m.byID) > m.maxCount {
		type scored struct {
			id    uint64
			score float64
		}
		candidates := make([]scored, 0, len(m.byID))
		for id, s := range m.byID {
			if s.refs == 0 {
				candidates = append(candidates, scored{id, score(s, now)})
			}
		}
		if len(candidates) == 0 {
			break
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
		n := purgeBucketSize
		if n > len(candidates) {
			n = len(candidates)
		}
		for _, c := range candidates[:n] {
			m.eraseLocked(c.id)
		}
	}
	m.mu.Unlock()

	m.reseed()
}

func (m *Manager) eraseLocked(id uint64) {
	s, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	if s.Attach != nil {
		if cur, ok := m.byAttach[string(s.Attach)]; ok && cur == s {
			delete(m.byAttach, string(s.Attach))
		}
	}
}

// Run drives the once-a-minute idle-purge sweep, and (when a sidecar path
// is configured) the every-two-minutes persistence sweep, until ctx is
// done.
func (m *Manager) Run(ctx context.Context) {
	purgeTicker := time.NewTicker(time.Minute)
	defer purgeTicker.Stop()
	saveTicker := time.NewTicker(2 * time.Minute)
	defer saveTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-purgeTicker.C:
			m.Purge()
		case <-saveTicker.C:
			if m.sidecar != "" {
				m.SaveToFile(m.sidecar)
			}
		}
	}
}
