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

package session

import (
	"encoding/gob"
	"io"
	"os"
	"time"
)

// wireSession is the persisted shape of a Session; refs is deliberately
// excluded since a lease can never survive a restart.
type wireSession struct {
	ID         uint64
	CSRFSalt   [16]byte
	Expires    time.Time
	ReuseCount int
	Attach     []byte
	Translate  []byte
	Recover    string
	Realms     map[string]*Realm
}

// SaveAll serializes every session to w.
func (m *Manager) SaveAll(w io.Writer) error {
	m.mu.RLock()
	sessions := make([]wireSession, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, wireSession{
			ID: s.ID, CSRFSalt: s.CSRFSalt, Expires: s.Expires,
			ReuseCount: s.ReuseCount, Attach: s.Attach,
			Translate: s.Translate, Recover: s.Recover, Realms: s.Realms,
		})
	}
	m.mu.RUnlock()
	return gob.NewEncoder(w).Encode(sessions)
}

// LoadAll replaces the manager's contents with sessions read from r.
func (m *Manager) LoadAll(r io.Reader) error {
	var sessions []wireSession
	if err := gob.NewDecoder(r).Decode(&sessions); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[uint64]*Session, len(sessions))
	m.byAttach = make(map[string]*Session)
	for _, ws := range sessions {
		s := &Session{
			ID: ws.ID, CSRFSalt: ws.CSRFSalt, Expires: ws.Expires,
			ReuseCount: ws.ReuseCount, Attach: ws.Attach,
			Translate: ws.Translate, Recover: ws.Recover, Realms: ws.Realms,
		}
		m.byID[s.ID] = s
		if s.Attach != nil {
			m.byAttach[string(s.Attach)] = s
		}
	}
	return nil
}

// SaveToFile and LoadFromFile wrap SaveAll/LoadAll for the sidecar path
// configured by SessionConfig.SidecarPath.
func (m *Manager) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.SaveAll(f)
}

func (m *Manager) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return m.LoadAll(f)
}
