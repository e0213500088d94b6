package registry

import (
	"net"
	"testing"

	"github.com/vhubd/vhubd/internal/conn"
)

func testCollection() *UserCollection {
	return New(Config{
		NickListSeparator: "$$",
		KeepNickList:      true,
		KeepMyINFOBatch:   true,
		KeepUserIPBatch:   true,
		CaseInsensitive:   true,
	})
}

func fakeUser(nick string) *User {
	return &User{Nick: nick, Class: 1, IP: net.ParseIP("127.0.0.1")}
}

func TestAddRejectsHashCollision(t *testing.T) {
	c := testCollection()
	if err := c.Add(fakeUser("alice")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := c.Add(fakeUser("ALICE"))
	if err == nil {
		t.Fatalf("expected ErrNickInUse for case-insensitive collision")
	}
	if _, ok := err.(ErrNickInUse); !ok {
		t.Fatalf("expected ErrNickInUse, got %T", err)
	}
}

func TestAddGetRemove(t *testing.T) {
	c := testCollection()
	u := fakeUser("bob")
	if err := c.Add(u); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got, ok := c.Get("bob"); !ok || got != u {
		t.Fatalf("Get did not return the added user")
	}
	if c.Count() != 1 {
		t.Fatalf("expected count 1, got %d", c.Count())
	}
	c.Remove("bob")
	if _, ok := c.Get("bob"); ok {
		t.Fatalf("expected user removed")
	}
	if c.Count() != 0 {
		t.Fatalf("expected count 0 after remove")
	}
}

func TestContainsHash(t *testing.T) {
	c := testCollection()
	u := fakeUser("carl")
	_ = c.Add(u)
	key, hash := c.foldedKey("carl")
	if key != "carl" {
		t.Fatalf("unexpected folded key %q", key)
	}
	if !c.ContainsHash(hash) {
		t.Fatalf("expected hash to be registered")
	}
}

func TestNickListCacheRebuildsOnMembershipChange(t *testing.T) {
	c := testCollection()
	_ = c.Add(fakeUser("alice"))
	first := c.NickList()
	if first != "alice" {
		t.Fatalf("unexpected nick list %q", first)
	}
	_ = c.Add(fakeUser("bob"))
	second := c.NickList()
	if second == first {
		t.Fatalf("expected nick list to change after membership change")
	}
	if len(second) <= len(first) {
		t.Fatalf("expected longer nick list, got %q", second)
	}
}

func TestUserIPBatchFormat(t *testing.T) {
	c := testCollection()
	_ = c.Add(fakeUser("alice"))
	batch := c.UserIPBatch()
	if batch == "" {
		t.Fatalf("expected non-empty UserIP batch")
	}
	if batch[len(batch)-1] != '|' {
		t.Fatalf("expected UserIP batch to end with frame terminator, got %q", batch)
	}
}

func TestSendAllCacheAccumulatesAndFlushesOnce(t *testing.T) {
	c := testCollection()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cn := conn.New(1, server, 0, 0, 0)
	u := &User{Nick: "alice", Conn: cn}
	_ = c.Add(u)

	c.AppendToCache([]byte("$ForceMove foo|"))
	c.AppendToCache([]byte("<bob> hi|"))

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	c.FlushCache()
	if _, err := cn.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := <-done
	want := "$ForceMove foo|<bob> hi|"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if cn.PendingBytes() != 0 {
		t.Fatalf("expected flush buffer drained")
	}
}

func TestSendToAllWithClassFilters(t *testing.T) {
	c := testCollection()
	serverA, clientA := net.Pipe()
	serverB, clientB := net.Pipe()
	defer serverA.Close()
	defer clientA.Close()
	defer serverB.Close()
	defer clientB.Close()

	connA := conn.New(1, serverA, 0, 0, 0)
	connB := conn.New(2, serverB, 0, 0, 0)
	_ = c.Add(&User{Nick: "op", Class: 4, Conn: connA})
	_ = c.Add(&User{Nick: "reg", Class: 1, Conn: connB})

	c.SendToAllWithClass([]byte("$To: all From: op $<op> hi|"), 3, 10)

	if connA.PendingBytes() == 0 {
		t.Fatalf("expected class-4 user to receive the message")
	}
	if connB.PendingBytes() != 0 {
		t.Fatalf("expected class-1 user to be filtered out")
	}
}

func TestSendToAllWithMyFlag(t *testing.T) {
	c := testCollection()
	serverA, clientA := net.Pipe()
	serverB, clientB := net.Pipe()
	defer serverA.Close()
	defer clientA.Close()
	defer serverB.Close()
	defer clientB.Close()

	connA := conn.New(1, serverA, 0, 0, 0)
	connB := conn.New(2, serverB, 0, 0, 0)
	_ = c.Add(&User{Nick: "active", MyFlags: FlagActive, Conn: connA})
	_ = c.Add(&User{Nick: "passive", MyFlags: FlagPassive, Conn: connB})

	c.SendToAllWithMyFlag([]byte("ping|"), FlagActive)
	if connA.PendingBytes() == 0 {
		t.Fatalf("expected active user to receive message")
	}
	if connB.PendingBytes() != 0 {
		t.Fatalf("expected passive user filtered out")
	}

	c.SendToAllWithoutMyFlag([]byte("ping2|"), FlagActive)
	if connB.PendingBytes() == 0 {
		t.Fatalf("expected passive user to receive the without-flag message")
	}
}

func TestSnapshotIsStableCopy(t *testing.T) {
	c := testCollection()
	_ = c.Add(fakeUser("alice"))
	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected snapshot of 1, got %d", len(snap))
	}
	c.Remove("alice")
	if len(snap) != 1 {
		t.Fatalf("snapshot should not be affected by later mutation")
	}
}
