package hub

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/vhubd/vhubd/internal/clock"
	"github.com/vhubd/vhubd/internal/config"
	"github.com/vhubd/vhubd/internal/conn"
	"github.com/vhubd/vhubd/internal/login"
	"github.com/vhubd/vhubd/internal/protocol"
	"github.com/vhubd/vhubd/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vhubd.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Defaults()
	cfg.HubName = "testhub"
	return New(cfg, st, nil, nil, clock.NewFake(time.Unix(0, 0)))
}

// registerConn wires a bare connState into the server the way Accept
// does, but without going through the network or the reactor, so each
// login frame can be fed in directly and synchronously.
func registerConn(t *testing.T, s *Server) (uint64, *connState, string) {
	t.Helper()
	server, _ := net.Pipe()
	id := s.nextID.Add(1)
	c := conn.New(id, server, s.cfg.MaxOutfillSize, s.cfg.MaxUnblockSize, s.cfg.MaxOutbufSize)
	machine, lock := login.NewMachine(id)
	cs := &connState{c: c, machine: machine}
	s.mu.Lock()
	s.conns[id] = cs
	s.mu.Unlock()
	return id, cs, lock
}

func parseFrame(t *testing.T, frame string) *protocol.Parsed {
	t.Helper()
	p, err := protocol.Parse([]byte(frame), protocol.DefaultLimits())
	if err != nil {
		t.Fatalf("Parse(%q): %v", frame, err)
	}
	return p
}

func TestLoginHandshakeCompletesAndSendsWelcome(t *testing.T) {
	s := newTestServer(t)
	_, cs, lock := registerConn(t, s)

	key := login.LockToKey(lock)
	s.handleLoginFrame(cs, parseFrame(t, "$Key "+key))
	if !cs.machine.Status.Has(login.KeyOK) {
		t.Fatalf("expected KeyOK after matching $Key")
	}

	s.handleLoginFrame(cs, parseFrame(t, "$ValidateNick alice"))
	if cs.machine.Nick != "alice" {
		t.Fatalf("expected nick to be recorded, got %q", cs.machine.Nick)
	}

	s.handleLoginFrame(cs, parseFrame(t, "$Version 1,0091"))
	s.handleLoginFrame(cs, parseFrame(t, "$Supports NoGetINFO NoHello"))
	s.handleLoginFrame(cs, parseFrame(t, "$MyINFO $ALL alice <vhubd V:1.0>$ $LAN(T3)\x01$$0$"))

	if cs.user == nil {
		t.Fatalf("expected login to complete and populate cs.user")
	}
	if !cs.machine.Status.Done() {
		t.Fatalf("expected login machine to report done")
	}
	if cs.c.PendingBytes() == 0 {
		t.Fatalf("expected welcome/nicklist frames queued on the connection")
	}
	if s.users.Count() != 1 {
		t.Fatalf("expected one user registered, got %d", s.users.Count())
	}
}

func TestLoginRejectsBadKey(t *testing.T) {
	s := newTestServer(t)
	_, cs, _ := registerConn(t, s)

	s.handleLoginFrame(cs, parseFrame(t, "$Key not-the-right-key"))
	if !cs.c.Closed() {
		t.Fatalf("expected connection closed on key mismatch")
	}
}

func TestLoginRejectsBannedNick(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.bans.BanNick(context.Background(), "alice", "test ban", "*op*", time.Time{}, time.Time{}); err != nil {
		t.Fatalf("BanNick: %v", err)
	}

	_, cs, lock := registerConn(t, s)
	key := login.LockToKey(lock)
	s.handleLoginFrame(cs, parseFrame(t, "$Key "+key))
	s.handleLoginFrame(cs, parseFrame(t, "$ValidateNick alice"))

	if !cs.c.Closed() {
		t.Fatalf("expected connection closed for a banned nick")
	}
	if cs.user != nil {
		t.Fatalf("expected no user registered for a banned nick")
	}
}

func TestSteadyStateChatDispatchesAfterLogin(t *testing.T) {
	s := newTestServer(t)
	_, cs, lock := registerConn(t, s)

	key := login.LockToKey(lock)
	s.handleLoginFrame(cs, parseFrame(t, "$Key "+key))
	s.handleLoginFrame(cs, parseFrame(t, "$ValidateNick alice"))
	s.handleLoginFrame(cs, parseFrame(t, "$Version 1,0091"))
	s.handleLoginFrame(cs, parseFrame(t, "$Supports NoGetINFO"))
	s.handleLoginFrame(cs, parseFrame(t, "$MyINFO $ALL alice <vhubd V:1.0>$ $LAN(T3)\x01$$0$"))
	if cs.user == nil {
		t.Fatalf("setup: expected login to complete")
	}

	s.users.FlushCache()
	before := cs.c.PendingBytes()

	s.handleSteadyStateFrame(cs, parseFrame(t, "<alice> hello hub"))
	s.users.FlushCache()

	if cs.c.PendingBytes() <= before {
		t.Fatalf("expected chat message queued to sender via send-all cache")
	}
}

func TestHandleClosedRemovesLoggedInUser(t *testing.T) {
	s := newTestServer(t)
	id, cs, lock := registerConn(t, s)

	key := login.LockToKey(lock)
	s.handleLoginFrame(cs, parseFrame(t, "$Key "+key))
	s.handleLoginFrame(cs, parseFrame(t, "$ValidateNick bob"))
	s.handleLoginFrame(cs, parseFrame(t, "$Version 1,0091"))
	s.handleLoginFrame(cs, parseFrame(t, "$Supports "))
	s.handleLoginFrame(cs, parseFrame(t, "$MyINFO $ALL bob <vhubd V:1.0>$ $LAN(T3)\x01$$0$"))
	if s.users.Count() != 1 {
		t.Fatalf("setup: expected one logged-in user")
	}

	s.HandleClosed(id, nil)

	if s.users.Count() != 0 {
		t.Fatalf("expected user removed from registry after close")
	}
	s.mu.Lock()
	_, stillTracked := s.conns[id]
	s.mu.Unlock()
	if stillTracked {
		t.Fatalf("expected connection removed from bookkeeping map")
	}
}
