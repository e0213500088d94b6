package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSettingRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetSetting(ctx, "hub_name"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.SetSetting(ctx, "hub_name", "TestHub"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := st.GetSetting(ctx, "hub_name")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "TestHub" {
		t.Fatalf("got %q, want TestHub", got)
	}
	if err := st.SetSetting(ctx, "hub_name", "Updated"); err != nil {
		t.Fatalf("SetSetting update: %v", err)
	}
	got, _ = st.GetSetting(ctx, "hub_name")
	if got != "Updated" {
		t.Fatalf("got %q, want Updated", got)
	}
}

func TestHashPasswordPlain(t *testing.T) {
	hash, err := HashPassword("secret", EncPlain, 0)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("secret", hash, EncPlain) {
		t.Fatalf("expected plain verify to succeed")
	}
	if VerifyPassword("wrong", hash, EncPlain) {
		t.Fatalf("expected plain verify to fail on mismatch")
	}
}

func TestHashPasswordMD5Salted(t *testing.T) {
	hash, err := HashPassword("secret", EncMD5, 8)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("secret", hash, EncMD5) {
		t.Fatalf("expected md5 verify to succeed")
	}
	if VerifyPassword("wrong", hash, EncMD5) {
		t.Fatalf("expected md5 verify to fail on mismatch")
	}

	second, err := HashPassword("secret", EncMD5, 8)
	if err != nil {
		t.Fatalf("HashPassword second: %v", err)
	}
	if second == hash {
		t.Fatalf("expected distinct salts to produce distinct hashes")
	}
}

func TestHashPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("secret", EncBcrypt, 0)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("secret", hash, EncBcrypt) {
		t.Fatalf("expected bcrypt verify to succeed")
	}
	if VerifyPassword("wrong", hash, EncBcrypt) {
		t.Fatalf("expected bcrypt verify to fail on mismatch")
	}
}

func TestRegUserRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	hash, _ := HashPassword("hunter2", EncBcrypt, 0)
	u := RegUser{
		Nick:     "alice",
		Class:    3,
		Password: hash,
		EncKind:  EncBcrypt,
		Enabled:  true,
		OpNote:   "trusted",
	}
	if err := st.UpsertRegUser(ctx, u); err != nil {
		t.Fatalf("UpsertRegUser: %v", err)
	}

	got, err := st.GetRegUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetRegUser: %v", err)
	}
	if got.Class != 3 || got.EncKind != EncBcrypt || !got.Enabled || got.OpNote != "trusted" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if !VerifyPassword("hunter2", got.Password, got.EncKind) {
		t.Fatalf("expected stored hash to verify")
	}

	now := time.Now()
	if err := st.TouchLogin(ctx, "alice", "1.2.3.4", now); err != nil {
		t.Fatalf("TouchLogin: %v", err)
	}
	got, _ = st.GetRegUser(ctx, "alice")
	if got.LastIP != "1.2.3.4" || got.LastLoginUnix != now.Unix() {
		t.Fatalf("expected login touch to persist: %+v", got)
	}
	if got.FirstLoginUnix != now.Unix() {
		t.Fatalf("expected first login to be set on first touch: %+v", got)
	}

	if err := st.DeleteRegUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteRegUser: %v", err)
	}
	if _, err := st.GetRegUser(ctx, "alice"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBanLookupOrdering(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := st.InsertBan(ctx, BanRow{Kind: BanNick, Nick: "bob", Reason: "perm", StartUnix: now.Unix(), EndUnix: 0}); err != nil {
		t.Fatalf("InsertBan perm: %v", err)
	}
	if _, err := st.InsertBan(ctx, BanRow{Kind: BanNick, Nick: "bob", Reason: "temp", StartUnix: now.Unix(), EndUnix: now.Add(time.Hour).Unix()}); err != nil {
		t.Fatalf("InsertBan temp: %v", err)
	}

	bans, err := st.FindBanByNick(ctx, "bob", now)
	if err != nil {
		t.Fatalf("FindBanByNick: %v", err)
	}
	if len(bans) != 2 {
		t.Fatalf("expected 2 bans, got %d", len(bans))
	}
	if bans[0].Reason != "temp" {
		t.Fatalf("expected temporary ban first, got %q", bans[0].Reason)
	}
}

func TestPurgeExpiredBans(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	if _, err := st.InsertBan(ctx, BanRow{Kind: BanIP, IP: "5.6.7.8", StartUnix: past.Unix(), EndUnix: past.Unix()}); err != nil {
		t.Fatalf("InsertBan: %v", err)
	}
	n, err := st.PurgeExpiredBans(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeExpiredBans: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged ban, got %d", n)
	}
}

func TestZoneRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertZone(ctx, "US", "United States"); err != nil {
		t.Fatalf("UpsertZone: %v", err)
	}
	desc, err := st.GetZone(ctx, "US")
	if err != nil {
		t.Fatalf("GetZone: %v", err)
	}
	if desc != "United States" {
		t.Fatalf("got %q, want United States", desc)
	}
}
