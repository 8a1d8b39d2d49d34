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
	"net"
	"path/filepath"
	"testing"
)

// serveOnce accepts a single connection, negotiates the protocol version,
// reads one request frame, and replies with resp.
func serveOnce(t *testing.T, l net.Listener, version uint32, resp *Response) {
	t.Helper()
	conn, err := l.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	var buf [4]byte
	if _, err := readFull(conn, buf[:]); err != nil {
		t.Error(err)
		return
	}
	binary.BigEndian.PutUint32(buf[:], version)
	if _, err := conn.Write(buf[:]); err != nil {
		t.Error(err)
		return
	}

	var req Request
	if err := readFrame(conn, &req); err != nil {
		t.Error(err)
		return
	}
	if err := writeFrame(conn, resp); err != nil {
		t.Error(err)
	}
}

func TestUnixClientRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "translate.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	want := &Response{Status: 200, Address: ResourceAddress{Type: "http", Host: "backend"}}
	go serveOnce(t, l, minProtocolVersion, want)

	c := NewUnixClient(sock)
	resp, err := c.SendRequest(context.Background(), &Request{URI: "/a", Host: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || resp.Address.Host != "backend" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUnixClientProtocolTooOld(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "translate.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var buf [4]byte
		readFull(conn, buf[:])
		binary.BigEndian.PutUint32(buf[:], 1) // below minProtocolVersion
		conn.Write(buf[:])
	}()

	c := NewUnixClient(sock)
	_, err = c.SendRequest(context.Background(), &Request{URI: "/a"})
	if err != ErrProtocolTooOld {
		t.Fatalf("err = %v, want ErrProtocolTooOld", err)
	}
}
