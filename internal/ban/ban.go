// Package ban implements the ban/temp-ban store and clone detector: a
// four-index lookup order (exact-nick-temp, exact-nick-perm,
// exact-IP-temp, IP-range-perm) plus per-IP clone tracking and a
// ban-bypass class exemption.
package ban

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vhubd/vhubd/internal/store"
)

// Store is the subset of internal/store.Store the ban checker needs.
type Store interface {
	InsertBan(ctx context.Context, b store.BanRow) (string, error)
	FindBanByNick(ctx context.Context, nick string, now time.Time) ([]store.BanRow, error)
	FindBanByIP(ctx context.Context, ip string, now time.Time) ([]store.BanRow, error)
	PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error)
	DeleteBan(ctx context.Context, id string) error
}

// Config controls clone detection and the bypass class.
type Config struct {
	// BanBypassClass exempts users at or above this class from every ban
	// check (operators can always reconnect to lift their own ban).
	BanBypassClass int

	// CloneDetectCount is the number of simultaneous connections from one
	// IP that triggers a clone temp-ban.
	CloneDetectCount int
	CloneDetTBanTime time.Duration
}

// Checker answers "is this nick/IP banned" and tracks per-IP connection
// counts for clone detection, wrapping internal/store's banlist table.
// Grounded on room.go's ipConnections/TrackIPConnect/CanConnect counting
// idiom, repurposed from an admission cap into a clone detector.
type Checker struct {
	store Store
	cfg   Config

	mu   sync.Mutex
	byIP map[string]int
}

// New creates a Checker backed by s.
func New(s Store, cfg Config) *Checker {
	return &Checker{store: s, cfg: cfg, byIP: make(map[string]int)}
}

// Verdict reports the outcome of a ban check.
type Verdict struct {
	Banned bool
	Reason string
	Row    store.BanRow
}

// CheckNick runs the exact-nick lookups (temporary bans sort before
// permanent ones; FindBanByNick already orders them that way).
func (c *Checker) CheckNick(ctx context.Context, nick string, class int, now time.Time) (Verdict, error) {
	if class >= c.cfg.BanBypassClass && c.cfg.BanBypassClass > 0 {
		return Verdict{}, nil
	}
	rows, err := c.store.FindBanByNick(ctx, nick, now)
	if err != nil {
		return Verdict{}, fmt.Errorf("ban: check nick %q: %w", nick, err)
	}
	if len(rows) == 0 {
		return Verdict{}, nil
	}
	return Verdict{Banned: true, Reason: rows[0].Reason, Row: rows[0]}, nil
}

// CheckIP runs the exact-IP and IP-range lookups. ip is the dotted
// connecting address; store.FindBanByIP returns exact-IP rows before
// range rows, matching the expected lookup order. Range rows are re-checked
// in Go via net.ParseCIDR since SQLite has no CIDR containment operator.
func (c *Checker) CheckIP(ctx context.Context, ip net.IP, class int, now time.Time) (Verdict, error) {
	if class >= c.cfg.BanBypassClass && c.cfg.BanBypassClass > 0 {
		return Verdict{}, nil
	}
	rows, err := c.store.FindBanByIP(ctx, ip.String(), now)
	if err != nil {
		return Verdict{}, fmt.Errorf("ban: check ip %q: %w", ip, err)
	}
	for _, row := range rows {
		if row.Kind == store.BanIP {
			return Verdict{Banned: true, Reason: row.Reason, Row: row}, nil
		}
	}
	for _, row := range rows {
		if row.Kind != store.BanIPMask || row.IPMask == "" {
			continue
		}
		_, cidr, err := net.ParseCIDR(row.IPMask)
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return Verdict{Banned: true, Reason: row.Reason, Row: row}, nil
		}
	}
	return Verdict{}, nil
}

// BanNick inserts a nick ban. end is the zero Time for a permanent ban.
func (c *Checker) BanNick(ctx context.Context, nick, reason, opNick string, start, end time.Time) (string, error) {
	return c.store.InsertBan(ctx, store.BanRow{
		Kind:      store.BanNick,
		Nick:      nick,
		Reason:    reason,
		OpNick:    opNick,
		StartUnix: start.Unix(),
		EndUnix:   endUnix(end),
	})
}

// BanIP inserts an exact-IP ban.
func (c *Checker) BanIP(ctx context.Context, ip, reason, opNick string, start, end time.Time) (string, error) {
	return c.store.InsertBan(ctx, store.BanRow{
		Kind:      store.BanIP,
		IP:        ip,
		Reason:    reason,
		OpNick:    opNick,
		StartUnix: start.Unix(),
		EndUnix:   endUnix(end),
	})
}

// BanIPRange inserts a CIDR range ban.
func (c *Checker) BanIPRange(ctx context.Context, cidr, reason, opNick string, start, end time.Time) (string, error) {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return "", fmt.Errorf("ban: invalid CIDR %q: %w", cidr, err)
	}
	return c.store.InsertBan(ctx, store.BanRow{
		Kind:      store.BanIPMask,
		IPMask:    cidr,
		Reason:    reason,
		OpNick:    opNick,
		StartUnix: start.Unix(),
		EndUnix:   endUnix(end),
	})
}

func endUnix(end time.Time) int64 {
	if end.IsZero() {
		return 0
	}
	return end.Unix()
}

// Unban removes a ban by its stored ID.
func (c *Checker) Unban(ctx context.Context, id string) error {
	return c.store.DeleteBan(ctx, id)
}

// PurgeExpired deletes temporary bans whose end has passed.
func (c *Checker) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return c.store.PurgeExpiredBans(ctx, now)
}

// --- clone detection ---

// TrackConnect records a new connection from ip and reports whether the
// connection count from that IP has reached CloneDetectCount, in which
// case the caller should issue a temporary ban of CloneDetTBanTime.
func (c *Checker) TrackConnect(ip string) (shouldBan bool) {
	if ip == "" || c.cfg.CloneDetectCount <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIP[ip]++
	return c.byIP[ip] >= c.cfg.CloneDetectCount
}

// TrackDisconnect decrements the per-IP connection count.
func (c *Checker) TrackDisconnect(ip string) {
	if ip == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIP[ip]--
	if c.byIP[ip] <= 0 {
		delete(c.byIP, ip)
	}
}

// CloneBanDuration is how long a detected clone flood should be
// temp-banned for, per Config.CloneDetTBanTime.
func (c *Checker) CloneBanDuration() time.Duration {
	return c.cfg.CloneDetTBanTime
}
