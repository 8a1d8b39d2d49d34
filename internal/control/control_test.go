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

package control

import (
	"net"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/cm4all/edgecore/internal/memcore/pool"
)

func dialAndSend(serverPath, msg string) (string, error) {
	dir := filepath.Dir(serverPath)
	clientAddr := &net.UnixAddr{Name: filepath.Join(dir, "client.sock"), Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", clientAddr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	serverAddr := &net.UnixAddr{Name: serverPath, Net: "unixgram"}
	if _, err := conn.WriteToUnix([]byte(msg), serverAddr); err != nil {
		return "", err
	}
	buf := make([]byte, 256)
	n, _, err := conn.ReadFromUnix(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func TestParseSplitsVerbAndArg(t *testing.T) {
	cmd, arg := parse([]byte("FLUSH_FILTER_CACHE tagA"))
	if cmd != CmdFlushFilterCache || string(arg) != "tagA" {
		t.Fatalf("parse = %q %q", cmd, arg)
	}

	cmd, arg = parse([]byte("NOP"))
	if cmd != CmdNOP || arg != nil {
		t.Fatalf("parse(NOP) = %q %q", cmd, arg)
	}
}

func TestDispatchNOP(t *testing.T) {
	d := &Dispatcher{}
	if got := d.Dispatch([]byte("NOP"), nil); got != "OK" {
		t.Fatalf("NOP reply = %q", got)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := &Dispatcher{}
	if got := d.Dispatch([]byte("BOGUS"), nil); got != "ERROR unknown command" {
		t.Fatalf("reply = %q", got)
	}
}

func TestDispatchPrivilegedRejectsWrongUID(t *testing.T) {
	uid := uint32(42)
	d := &Dispatcher{RequireUID: &uid}
	got := d.Dispatch([]byte("FADE_CHILDREN"), &unix.Ucred{Uid: 1000})
	if got != "ERROR permission denied" {
		t.Fatalf("reply = %q", got)
	}
}

func TestDispatchPrivilegedAcceptsMatchingUID(t *testing.T) {
	uid := uint32(42)
	called := false
	d := &Dispatcher{
		RequireUID:     &uid,
		OnFadeChildren: func(tag string) { called = true },
	}
	got := d.Dispatch([]byte("FADE_CHILDREN"), &unix.Ucred{Uid: 42})
	if got != "OK" || !called {
		t.Fatalf("reply = %q, called = %v", got, called)
	}
}

func TestDumpPoolsWalksTree(t *testing.T) {
	root := pool.NewDummy(nil, "root")
	child := pool.NewLinear(root, "conn", 4096)
	child.Malloc(16)

	d := &Dispatcher{RootPool: root}
	out := d.Dispatch([]byte("DUMP_POOLS"), nil)
	if out == "" {
		t.Fatal("expected non-empty dump")
	}
}

func TestDiscardSessionIsNoopWithoutManager(t *testing.T) {
	d := &Dispatcher{}
	if got := d.Dispatch([]byte("DISCARD_SESSION abc"), nil); got != "OK" {
		t.Fatalf("reply = %q", got)
	}
}

func TestListenAndServeNOPRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "control.sock")

	d := &Dispatcher{}
	srv, err := Listen(sockPath, d)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	go srv.Serve()

	client, err := dialAndSend(sockPath, "NOP")
	if err != nil {
		t.Fatalf("dialAndSend: %v", err)
	}
	if client != "OK" {
		t.Fatalf("reply = %q", client)
	}
}
