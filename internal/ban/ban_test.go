package ban

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/vhubd/vhubd/internal/store"
)

func openTestChecker(t *testing.T, cfg Config) (*Checker, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/ban.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, cfg), st
}

func TestCheckNickFindsTempBan(t *testing.T) {
	c, st := openTestChecker(t, Config{})
	ctx := context.Background()
	now := time.Now()

	if _, err := st.InsertBan(ctx, store.BanRow{Kind: store.BanNick, Nick: "eve", Reason: "spam", StartUnix: now.Unix(), EndUnix: now.Add(time.Hour).Unix()}); err != nil {
		t.Fatalf("InsertBan: %v", err)
	}

	v, err := c.CheckNick(ctx, "eve", 1, now)
	if err != nil {
		t.Fatalf("CheckNick: %v", err)
	}
	if !v.Banned {
		t.Fatalf("expected eve to be banned")
	}
	if v.Reason != "spam" {
		t.Fatalf("unexpected reason %q", v.Reason)
	}
}

func TestCheckNickRespectsBypassClass(t *testing.T) {
	c, st := openTestChecker(t, Config{BanBypassClass: 5})
	ctx := context.Background()
	now := time.Now()
	_, _ = st.InsertBan(ctx, store.BanRow{Kind: store.BanNick, Nick: "admin", Reason: "test", StartUnix: now.Unix()})

	v, err := c.CheckNick(ctx, "admin", 5, now)
	if err != nil {
		t.Fatalf("CheckNick: %v", err)
	}
	if v.Banned {
		t.Fatalf("expected class >= bypass to skip ban check")
	}
}

func TestCheckIPExactMatch(t *testing.T) {
	c, st := openTestChecker(t, Config{})
	ctx := context.Background()
	now := time.Now()
	_, _ = st.InsertBan(ctx, store.BanRow{Kind: store.BanIP, IP: "10.0.0.5", Reason: "abuse", StartUnix: now.Unix()})

	v, err := c.CheckIP(ctx, net.ParseIP("10.0.0.5"), 1, now)
	if err != nil {
		t.Fatalf("CheckIP: %v", err)
	}
	if !v.Banned {
		t.Fatalf("expected exact IP match to be banned")
	}
}

func TestCheckIPRangeMatch(t *testing.T) {
	c, st := openTestChecker(t, Config{})
	ctx := context.Background()
	now := time.Now()
	_, _ = st.InsertBan(ctx, store.BanRow{Kind: store.BanIPMask, IPMask: "192.168.1.0/24", Reason: "range", StartUnix: now.Unix()})

	v, err := c.CheckIP(ctx, net.ParseIP("192.168.1.42"), 1, now)
	if err != nil {
		t.Fatalf("CheckIP: %v", err)
	}
	if !v.Banned {
		t.Fatalf("expected IP in range to be banned")
	}

	v2, err := c.CheckIP(ctx, net.ParseIP("192.168.2.42"), 1, now)
	if err != nil {
		t.Fatalf("CheckIP: %v", err)
	}
	if v2.Banned {
		t.Fatalf("expected IP outside range to not be banned")
	}
}

func TestUnbanRemovesBan(t *testing.T) {
	c, st := openTestChecker(t, Config{})
	ctx := context.Background()
	now := time.Now()
	id, err := st.InsertBan(ctx, store.BanRow{Kind: store.BanNick, Nick: "frank", StartUnix: now.Unix()})
	if err != nil {
		t.Fatalf("InsertBan: %v", err)
	}
	if err := c.Unban(ctx, id); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	v, err := c.CheckNick(ctx, "frank", 1, now)
	if err != nil {
		t.Fatalf("CheckNick: %v", err)
	}
	if v.Banned {
		t.Fatalf("expected ban to be removed")
	}
}

func TestTrackConnectDetectsClone(t *testing.T) {
	c, _ := openTestChecker(t, Config{CloneDetectCount: 3, CloneDetTBanTime: time.Minute})
	if c.TrackConnect("1.2.3.4") {
		t.Fatalf("first connect should not trip clone detection")
	}
	if c.TrackConnect("1.2.3.4") {
		t.Fatalf("second connect should not trip clone detection")
	}
	if !c.TrackConnect("1.2.3.4") {
		t.Fatalf("third connect should trip clone detection")
	}
	c.TrackDisconnect("1.2.3.4")
	c.TrackDisconnect("1.2.3.4")
	c.TrackDisconnect("1.2.3.4")
	if c.TrackConnect("1.2.3.4") {
		t.Fatalf("count should have reset after disconnects")
	}
}

func TestPurgeExpired(t *testing.T) {
	c, st := openTestChecker(t, Config{})
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	_, _ = st.InsertBan(ctx, store.BanRow{Kind: store.BanNick, Nick: "old", StartUnix: past.Unix(), EndUnix: past.Unix()})

	n, err := c.PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
}
