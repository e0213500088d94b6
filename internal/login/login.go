// Package login implements the connection login state machine: the
// login-status bitset, nick validation, password verification against a
// registered credential, and the transitions from NEW through ALLOWED.
package login

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vhubd/vhubd/internal/conn"
	"github.com/vhubd/vhubd/internal/store"
)

// Status is a bitset over the ten login flags.
type Status uint16

const (
	KeyOK Status = 1 << iota
	ValNick
	Passwd
	Version
	MyINFOFlag
	Allowed
	NickLst
	Supports
	BotInfo
	MyHubURL
)

// RequiredMask is the set of flags "login done" requires. NickLst,
// BotInfo and MyHubURL are optional.
const RequiredMask = KeyOK | ValNick | Passwd | Version | MyINFOFlag | Allowed | Supports

// Done reports whether every required flag is set.
func (s Status) Done() bool { return s&RequiredMask == RequiredMask }

// Has reports whether flag f is set.
func (s Status) Has(f Status) bool { return s&f != 0 }

// Rules configures nick validation ("validate nick syntax").
type Rules struct {
	MinLength       int
	MaxLength       int
	ForbiddenChars  string
	ReservedNicks   map[string]bool
	BotNicks        map[string]bool
	OperatorPrefix  string
}

// DefaultRules mirrors the reference hub's stock nick policy.
func DefaultRules() Rules {
	return Rules{
		MinLength:      1,
		MaxLength:      32,
		ForbiddenChars: "$|<> ",
		ReservedNicks:  map[string]bool{},
		BotNicks:       map[string]bool{},
	}
}

// ValidateNick checks nick against r, returning a human-readable reason on
// rejection (sent back as part of $ValidateDenide).
func (r Rules) ValidateNick(nick string) error {
	if len(nick) < r.MinLength {
		return fmt.Errorf("nick too short (min %d)", r.MinLength)
	}
	if len(nick) > r.MaxLength {
		return fmt.Errorf("nick too long (max %d)", r.MaxLength)
	}
	if strings.ContainsAny(nick, r.ForbiddenChars) {
		return fmt.Errorf("nick contains forbidden characters")
	}
	if r.ReservedNicks[nick] {
		return fmt.Errorf("nick is reserved")
	}
	if r.BotNicks[nick] {
		return fmt.Errorf("nick is reserved for a bot")
	}
	return nil
}

// CredentialStore is the subset of internal/store.Store the login machine
// needs to look up a registered user's credential.
type CredentialStore interface {
	GetRegUser(ctx context.Context, nick string) (store.RegUser, error)
}

// Machine tracks one connection's login progress from NEW to ALLOWED.
type Machine struct {
	Status Status

	Nick             string
	Class            int
	Features         uint32
	PasswordFailures int

	expectedKey string
	regUser     store.RegUser
	isRegistered bool
}

// NewMachine starts a fresh login machine and returns the lock string to
// send via $Lock.
func NewMachine(connID uint64) (*Machine, string) {
	lock := GenerateLock(connID)
	return &Machine{expectedKey: LockToKey(lock)}, lock
}

// OnKey processes a client's $Key response. Returns whether it matched.
func (m *Machine) OnKey(clientKey string) bool {
	if clientKey != m.expectedKey {
		return false
	}
	m.Status |= KeyOK
	return true
}

// OnSupports records the client's feature bitset (caller has already
// mapped the $Supports tokens to bits).
func (m *Machine) OnSupports(features uint32) {
	m.Status |= Supports
	m.Features = features
}

// OnVersion marks VERSION satisfied.
func (m *Machine) OnVersion() {
	m.Status |= Version
}

// OnGetNickList marks that the nick list should be sent once login
// completes.
func (m *Machine) OnGetNickList() {
	m.Status |= NickLst
}

// ValidateNickResult is what OnValidateNick reports back to the caller so
// it can decide which frame(s) to send next.
type ValidateNickResult int

const (
	NickRejected ValidateNickResult = iota
	NickNeedsPassword
	NickAccepted
)

// OnValidateNick validates nick, looks it up in creds, and reports how
// the caller should proceed: reject-and-close, prompt for $MyPass, or
// proceed straight to PASSWD (unregistered nick).
func (m *Machine) OnValidateNick(ctx context.Context, nick string, rules Rules, creds CredentialStore) (ValidateNickResult, error) {
	if err := rules.ValidateNick(nick); err != nil {
		return NickRejected, err
	}
	m.Nick = nick
	m.Status |= ValNick

	u, err := creds.GetRegUser(ctx, nick)
	if err == store.ErrNotFound {
		m.Status |= Passwd
		m.Class = 1
		return NickAccepted, nil
	}
	if err != nil {
		return NickRejected, err
	}
	if !u.Enabled {
		return NickRejected, fmt.Errorf("registration disabled")
	}
	m.regUser = u
	m.isRegistered = true
	m.Class = u.Class
	return NickNeedsPassword, nil
}

// OnMyPass verifies plain against the registered credential. On success
// it sets PASSWD; on failure it increments PasswordFailures and the
// caller decides (via PasswordFailures) whether to temp-ban.
func (m *Machine) OnMyPass(plain string) bool {
	if !m.isRegistered {
		return false
	}
	if store.VerifyPassword(plain, m.regUser.Password, m.regUser.EncKind) {
		m.Status |= Passwd
		return true
	}
	m.PasswordFailures++
	return false
}

// OnMyINFO marks MYINFO satisfied. The caller runs share/tag/class
// admission against the parsed chunks and only calls this once that
// admission has passed; this just tracks the bit.
func (m *Machine) OnMyINFO() {
	m.Status |= MyINFOFlag
}

// Complete marks ALLOWED once the caller has finished welcome/nick-list
// send-out, and returns whether the machine had satisfied every other
// required flag beforehand.
func (m *Machine) Complete() bool {
	if m.Status&RequiredMask&^Allowed != RequiredMask&^Allowed {
		return false
	}
	m.Status |= Allowed
	return true
}

// Timeouts holds the six configurable per-phase durations (key 60s,
// valnick 30s, login 600s, myinfo 40s, setpass 300s, plus the flush
// deadline).
type Timeouts struct {
	Key, ValNick, LoginAll, MyINFO, SetPass, Flush time.Duration
}

// DefaultTimeouts are the hub's documented safe defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Key:      60 * time.Second,
		ValNick:  30 * time.Second,
		LoginAll: 600 * time.Second,
		MyINFO:   40 * time.Second,
		SetPass:  300 * time.Second,
		Flush:    30 * time.Second,
	}
}

// ArmInitialDeadlines sets the key and overall-login deadlines on c right
// after accept; the remaining phase deadlines are armed as the machine
// progresses (e.g. ArmSetPassDeadline once $GetPass is sent).
func ArmInitialDeadlines(c *conn.Conn, now time.Time, t Timeouts) {
	c.SetDeadline(conn.PhaseKey, now.Add(t.Key))
	c.SetDeadline(conn.PhaseLogin, now.Add(t.LoginAll))
}

// ArmValNickDeadline is set once KEYOK is reached.
func ArmValNickDeadline(c *conn.Conn, now time.Time, t Timeouts) {
	c.SetDeadline(conn.PhaseKey, time.Time{})
	c.SetDeadline(conn.PhaseValNick, now.Add(t.ValNick))
}

// ArmSetPassDeadline is set once $GetPass has been sent to a registered
// nick awaiting $MyPass.
func ArmSetPassDeadline(c *conn.Conn, now time.Time, t Timeouts) {
	c.SetDeadline(conn.PhaseValNick, time.Time{})
	c.SetDeadline(conn.PhaseSetPass, now.Add(t.SetPass))
}

// ArmMyINFODeadline is set once PASSWD is satisfied (directly, or after a
// successful $MyPass).
func ArmMyINFODeadline(c *conn.Conn, now time.Time, t Timeouts) {
	c.SetDeadline(conn.PhaseSetPass, time.Time{})
	c.SetDeadline(conn.PhaseMyINFO, now.Add(t.MyINFO))
}

// ClearLoginDeadlines disarms every phase timer once login completes
// (ALLOWED is set); the flush deadline is managed independently by the
// zlib batch writer / conn.Flush path.
func ClearLoginDeadlines(c *conn.Conn) {
	c.SetDeadline(conn.PhaseKey, time.Time{})
	c.SetDeadline(conn.PhaseValNick, time.Time{})
	c.SetDeadline(conn.PhaseSetPass, time.Time{})
	c.SetDeadline(conn.PhaseMyINFO, time.Time{})
	c.SetDeadline(conn.PhaseLogin, time.Time{})
}
