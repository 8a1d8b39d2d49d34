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

// Package control implements the administrative datagram channel (§6.4):
// a Unix-domain SOCK_DGRAM socket carrying short text commands like
// "FLUSH_FILTER_CACHE A" or "VERBOSE 3". Privileged commands can be
// restricted to senders with a configured uid, checked via SO_PASSCRED
// ancillary credentials the same way internal/memcore/page reaches for
// golang.org/x/sys/unix rather than re-deriving raw syscalls by hand.
package control

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"github.com/cm4all/edgecore/internal/cache/filtercache"
	"github.com/cm4all/edgecore/internal/cache/httpcache"
	"github.com/cm4all/edgecore/internal/cache/translationcache"
	"github.com/cm4all/edgecore/internal/logging"
	"github.com/cm4all/edgecore/internal/memcore/pool"
	"github.com/cm4all/edgecore/internal/session"
)

var log = logging.For("control")

// Command is one of the packet verbs §6.4 enumerates.
type Command string

const (
	CmdNOP               Command = "NOP"
	CmdStats             Command = "STATS"
	CmdTCacheInvalidate  Command = "TCACHE_INVALIDATE"
	CmdDumpPools         Command = "DUMP_POOLS"
	CmdVerbose           Command = "VERBOSE"
	CmdFadeChildren      Command = "FADE_CHILDREN"
	CmdTerminateChildren Command = "TERMINATE_CHILDREN"
	CmdDisableZeroconf   Command = "DISABLE_ZEROCONF"
	CmdEnableZeroconf    Command = "ENABLE_ZEROCONF"
	CmdFlushFilterCache  Command = "FLUSH_FILTER_CACHE"
	CmdFlushHTTPCache    Command = "FLUSH_HTTP_CACHE"
	CmdStopwatchPipe     Command = "STOPWATCH_PIPE"
	CmdDiscardSession    Command = "DISCARD_SESSION"
)

// privileged lists the commands §6.4 says "require a local (unix-socket)
// origin with a matching uid".
var privileged = map[Command]bool{
	CmdFadeChildren:      true,
	CmdTerminateChildren: true,
	CmdDisableZeroconf:   true,
	CmdEnableZeroconf:    true,
	CmdStopwatchPipe:     true,
}

// parse splits a raw datagram into its verb and the remaining payload.
func parse(payload []byte) (Command, []byte) {
	payload = bytes.TrimRight(payload, "\x00")
	i := bytes.IndexByte(payload, ' ')
	if i < 0 {
		return Command(payload), nil
	}
	return Command(payload[:i]), bytes.TrimLeft(payload[i+1:], " ")
}

// Dispatcher holds every collaborator a control command can act on. Every
// field is optional; a nil collaborator just makes the corresponding
// command a no-op "OK" (matching the spec's graceful-degradation idiom
// elsewhere, e.g. reqstate.Config's "nil means skipped").
type Dispatcher struct {
	RootPool    *pool.Pool
	HTTPCache   *httpcache.Cache
	FilterCache *filtercache.Cache
	Translation *translationcache.Cache
	Sessions    *session.Manager

	// RedisClient, if set, fans TCACHE_INVALIDATE out to every other
	// process subscribed to the same Redis instance via
	// translationcache.PublishInvalidation, in addition to the local
	// InvalidateTag this process always performs.
	RedisClient *redis.Client

	OnFadeChildren      func(tag string)
	OnTerminateChildren func()
	SetZeroconfEnabled  func(enabled bool)

	// RequireUID, if non-nil, restricts privileged commands to senders
	// whose SO_PASSCRED credential matches this uid (0 permits only
	// root). A nil RequireUID accepts every sender; cmd/proxy sets it
	// only when its -control_uid flag is 0 or more (the default -1 leaves
	// it nil).
	RequireUID *uint32
}

// Dispatch executes one command and returns the reply that should be
// written back to the sender (STATS and DUMP_POOLS produce a real reply,
// DUMP_POOLS one line per pool; most commands just acknowledge).
func (d *Dispatcher) Dispatch(payload []byte, cred *unix.Ucred) string {
	cmd, arg := parse(payload)

	if privileged[cmd] {
		if d.RequireUID != nil {
			if cred == nil || cred.Uid != *d.RequireUID {
				log.Warn("rejected privileged control command", "command", string(cmd), "cred", cred)
				return "ERROR permission denied"
			}
		}
	}

	switch cmd {
	case CmdNOP:
		return "OK"

	case CmdStats:
		return d.stats()

	case CmdTCacheInvalidate:
		if d.Translation != nil {
			d.Translation.InvalidateTag(string(arg))
		}
		if d.RedisClient != nil {
			if err := translationcache.PublishInvalidation(context.Background(), d.RedisClient, string(arg)); err != nil {
				log.Warn("publishing translation cache invalidation", "error", err)
			}
		}
		return "OK"

	case CmdDumpPools:
		if d.RootPool == nil {
			return "OK"
		}
		return dumpPools(d.RootPool)

	case CmdVerbose:
		lvl, err := strconv.Atoi(string(arg))
		if err != nil {
			return "ERROR bad VERBOSE level"
		}
		logging.SetLevel(logging.Level(lvl))
		return "OK"

	case CmdFadeChildren:
		if d.OnFadeChildren != nil {
			d.OnFadeChildren(string(arg))
		}
		return "OK"

	case CmdTerminateChildren:
		if d.OnTerminateChildren != nil {
			d.OnTerminateChildren()
		}
		return "OK"

	case CmdDisableZeroconf:
		if d.SetZeroconfEnabled != nil {
			d.SetZeroconfEnabled(false)
		}
		return "OK"

	case CmdEnableZeroconf:
		if d.SetZeroconfEnabled != nil {
			d.SetZeroconfEnabled(true)
		}
		return "OK"

	case CmdFlushFilterCache:
		if d.FilterCache != nil {
			if len(arg) == 0 {
				d.FilterCache.Flush()
			} else {
				d.FilterCache.InvalidateTag(string(arg))
			}
		}
		return "OK"

	case CmdFlushHTTPCache:
		// httpcache has no tag index (component H keys purely by URI);
		// any payload is accepted but the flush is always wholesale.
		if d.HTTPCache != nil {
			d.HTTPCache.Flush()
		}
		return "OK"

	case CmdStopwatchPipe:
		// Stopwatch diagnostics are an out-of-scope logging backend
		// (§1 non-goals); the command is accepted and acknowledged so a
		// caller scripted against the real daemon doesn't hang, but no
		// pipe is actually wired up.
		return "OK"

	case CmdDiscardSession:
		if d.Sessions != nil {
			d.Sessions.DiscardAttachSession(arg)
		}
		return "OK"

	default:
		return "ERROR unknown command"
	}
}

func (d *Dispatcher) stats() string {
	var b strings.Builder
	if d.Sessions != nil {
		fmt.Fprintf(&b, "sessions=%d ", d.Sessions.Count())
	}
	if d.RootPool != nil {
		fmt.Fprintf(&b, "netto=%d ", d.RootPool.NettoSize())
	}
	if b.Len() == 0 {
		return "OK"
	}
	return strings.TrimSpace(b.String())
}

func dumpPools(root *pool.Pool) string {
	var b strings.Builder
	for _, line := range pool.Dump(root) {
		fmt.Fprintf(&b, "%s%s kind=%d netto=%d\n", strings.Repeat("  ", line.Depth), line.Name, line.Kind, line.Netto)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Server listens on a Unix-domain SOCK_DGRAM socket at path and dispatches
// every received packet to d, writing the reply back to the sender.
type Server struct {
	conn *net.UnixConn
	d    *Dispatcher
}

// Listen creates (overwriting any stale socket file at path) and binds the
// control socket.
func Listen(path string, d *Dispatcher) (*Server, error) {
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	ln, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", path, err)
	}
	if err := enablePassCred(ln); err != nil {
		ln.Close()
		return nil, fmt.Errorf("control: enable SO_PASSCRED: %w", err)
	}
	return &Server{conn: ln, d: d}, nil
}

func enablePassCred(ln *net.UnixConn) error {
	raw, err := ln.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	})
	if err != nil {
		return err
	}
	return setErr
}

// Serve reads and dispatches packets until the socket is closed. Run it
// in its own goroutine; Close unblocks it.
func (s *Server) Serve() error {
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))
	for {
		n, oobn, _, from, err := s.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			return err
		}
		cred := parseCred(oob[:oobn])
		reply := s.d.Dispatch(buf[:n], cred)
		if from != nil {
			s.conn.WriteToUnix([]byte(reply), from)
		}
	}
}

// Close shuts the socket down, unblocking any in-progress Serve.
func (s *Server) Close() error { return s.conn.Close() }

// parseCred extracts the SCM_CREDENTIALS ancillary message SO_PASSCRED
// attaches to every datagram, or nil if the peer's kernel didn't supply
// one (e.g. the packet didn't originate from a Unix socket sender on this
// host).
func parseCred(oob []byte) *unix.Ucred {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	for _, m := range msgs {
		if cred, err := unix.ParseUnixCredentials(&m); err == nil {
			return cred
		}
	}
	return nil
}
