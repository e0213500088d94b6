package login

import (
	"context"
	"errors"
	"testing"

	"github.com/vhubd/vhubd/internal/store"
)

type fakeCreds map[string]store.RegUser

func (f fakeCreds) GetRegUser(_ context.Context, nick string) (store.RegUser, error) {
	u, ok := f[nick]
	if !ok {
		return store.RegUser{}, store.ErrNotFound
	}
	return u, nil
}

func TestLockToKeyRoundTrip(t *testing.T) {
	lock := GenerateLock(42)
	key := LockToKey(lock)
	if !VerifyKey(lock, key) {
		t.Fatalf("expected VerifyKey to accept its own LockToKey output")
	}
	if VerifyKey(lock, key+"x") {
		t.Fatalf("expected VerifyKey to reject a tampered key")
	}
}

func TestStatusDone(t *testing.T) {
	var s Status
	if s.Done() {
		t.Fatalf("zero status should not be done")
	}
	s = RequiredMask
	if !s.Done() {
		t.Fatalf("full required mask should be done")
	}
	s = RequiredMask &^ Passwd
	if s.Done() {
		t.Fatalf("missing a required flag should not be done")
	}
}

func TestValidateNickRules(t *testing.T) {
	r := DefaultRules()
	r.ReservedNicks["admin"] = true
	cases := []struct {
		nick    string
		wantErr bool
	}{
		{"alice", false},
		{"", true},
		{"admin", true},
		{"bad nick", true},
		{"bad$nick", true},
	}
	for _, c := range cases {
		err := r.ValidateNick(c.nick)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateNick(%q) err=%v, wantErr=%v", c.nick, err, c.wantErr)
		}
	}
}

func TestMachineUnregisteredFlow(t *testing.T) {
	m, lock := NewMachine(1)
	key := LockToKey(lock)
	if !m.OnKey(key) {
		t.Fatalf("expected key to match")
	}
	if !m.Status.Has(KeyOK) {
		t.Fatalf("expected KeyOK set")
	}

	result, err := m.OnValidateNick(context.Background(), "alice", DefaultRules(), fakeCreds{})
	if err != nil {
		t.Fatalf("OnValidateNick: %v", err)
	}
	if result != NickAccepted {
		t.Fatalf("expected NickAccepted for unregistered nick, got %v", result)
	}
	if !m.Status.Has(Passwd) {
		t.Fatalf("expected Passwd set immediately for unregistered nick")
	}

	m.OnVersion()
	m.OnSupports(0xFF)
	m.OnMyINFO()

	if m.Complete() != true {
		t.Fatalf("expected Complete to succeed once all required flags are set")
	}
	if !m.Status.Has(Allowed) {
		t.Fatalf("expected Allowed set after Complete")
	}
}

func TestMachineRegisteredFlowCorrectPassword(t *testing.T) {
	hash, err := store.HashPassword("hunter2", store.EncBcrypt, 0)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	creds := fakeCreds{"bob": store.RegUser{Nick: "bob", Class: 3, Password: hash, EncKind: store.EncBcrypt, Enabled: true}}

	m, lock := NewMachine(2)
	m.OnKey(LockToKey(lock))

	result, err := m.OnValidateNick(context.Background(), "bob", DefaultRules(), creds)
	if err != nil {
		t.Fatalf("OnValidateNick: %v", err)
	}
	if result != NickNeedsPassword {
		t.Fatalf("expected NickNeedsPassword for registered nick, got %v", result)
	}
	if m.Status.Has(Passwd) {
		t.Fatalf("should not have Passwd set before $MyPass")
	}

	if !m.OnMyPass("wrong") {
		if m.PasswordFailures != 1 {
			t.Fatalf("expected 1 password failure, got %d", m.PasswordFailures)
		}
	} else {
		t.Fatalf("expected wrong password to fail")
	}

	if !m.OnMyPass("hunter2") {
		t.Fatalf("expected correct password to succeed")
	}
	if !m.Status.Has(Passwd) {
		t.Fatalf("expected Passwd set after correct password")
	}
	if m.Class != 3 {
		t.Fatalf("expected class 3 from registration, got %d", m.Class)
	}
}

func TestMachineDisabledRegistrationRejected(t *testing.T) {
	creds := fakeCreds{"carl": store.RegUser{Nick: "carl", Enabled: false}}
	m, _ := NewMachine(3)
	_, err := m.OnValidateNick(context.Background(), "carl", DefaultRules(), creds)
	if err == nil {
		t.Fatalf("expected error for disabled registration")
	}
}

func TestOnValidateNickPropagatesStoreError(t *testing.T) {
	m, _ := NewMachine(4)
	_, err := m.OnValidateNick(context.Background(), "dave", DefaultRules(), erroringCreds{})
	if err == nil {
		t.Fatalf("expected store error to propagate")
	}
}

type erroringCreds struct{}

func (erroringCreds) GetRegUser(_ context.Context, _ string) (store.RegUser, error) {
	return store.RegUser{}, errors.New("boom")
}
