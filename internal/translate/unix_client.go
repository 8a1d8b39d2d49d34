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
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
)

const minProtocolVersion = 2

// UnixClient dials a Unix-domain socket and frames each request/response
// as a 4-byte big-endian length prefix followed by a gob-encoded payload.
// The real wire format is opaque per §1's non-goals; this is a concrete,
// working stand-in, not a reimplementation of the original protocol.
type UnixClient struct {
	path string

	mu      sync.Mutex
	conn    net.Conn
	version int
}

// NewUnixClient creates a client that will dial path on first use.
func NewUnixClient(path string) *UnixClient {
	return &UnixClient{path: path}
}

func (c *UnixClient) ensureConn(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, err
	}
	version, err := negotiate(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if version < minProtocolVersion {
		conn.Close()
		return nil, ErrProtocolTooOld
	}
	c.conn = conn
	c.version = version
	return conn, nil
}

// negotiate exchanges a single 4-byte protocol version with the peer.
func negotiate(conn net.Conn) (int, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], minProtocolVersion)
	if _, err := conn.Write(buf[:]); err != nil {
		return 0, err
	}
	if _, err := conn.Read(buf[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(buf[:])), nil
}

// SendRequest implements Client.
func (c *UnixClient) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if err := writeFrame(conn, req); err != nil {
		c.closeBroken()
		return nil, fmt.Errorf("translate: send request: %w", err)
	}
	var resp Response
	if err := readFrame(conn, &resp); err != nil {
		c.closeBroken()
		return nil, fmt.Errorf("translate: read response: %w", err)
	}
	return &resp, nil
}

func (c *UnixClient) closeBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func writeFrame(conn net.Conn, v any) error {
	var buf []byte
	w := &byteSliceWriter{&buf}
	if err := gob.NewEncoder(w).Encode(v); err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := conn.Write(buf)
	return err
}

func readFrame(conn net.Conn, v any) error {
	var lenPrefix [4]byte
	if _, err := readFull(conn, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := readFull(conn, buf); err != nil {
		return err
	}
	return gob.NewDecoder(&byteSliceReader{buf}).Decode(v)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type byteSliceWriter struct{ buf *[]byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

type byteSliceReader struct{ buf []byte }

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
