// Package registry implements the user collection and fan-out
// primitives: an indexed set of logged-in users keyed by nick-hash,
// cached materialized strings (nick list / MyINFO batch / UserIP batch),
// and a single send-all cache flushed once per reactor tick.
package registry

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vhubd/vhubd/internal/conn"
	"github.com/vhubd/vhubd/internal/nmdchash"
)

// MyFlag bits track MyINFO-derived status used by the WithMyFlag fan-out
// filters (active/passive mode, TLS, registered, operator, …).
type MyFlag uint32

const (
	FlagActive MyFlag = 1 << iota
	FlagPassive
	FlagTLS
	FlagRegistered
	FlagOperator
)

// User is one logged-in connection's registry entry.
type User struct {
	Conn *conn.Conn

	Nick     string
	Class    int
	Features uint32
	MyFlags  MyFlag
	IP       net.IP

	Description string
	Speed       string
	Email       string
	ShareSize   uint64

	ConnectedAt time.Time

	hash uint32
}

// Config controls which cached batch strings are maintained and the nick
// list separator.
type Config struct {
	NickListSeparator string
	KeepNickList      bool
	KeepMyINFOBatch   bool
	KeepUserIPBatch   bool
	CaseInsensitive   bool
	OperatorPrefix    string
}

// UserCollection is the hash-indexed set of logged-in users plus the
// batch caches and send-all cache. Mutations happen only from the single
// dispatcher goroutine (the reactor's invariant); mu exists solely so the
// read-only admin HTTP surface (internal/hub/admin.go) can safely
// snapshot state from its own goroutine.
type UserCollection struct {
	cfg Config

	mu       sync.RWMutex
	byNick   map[string]*User
	byHash   map[uint32]*User

	cacheValid    bool
	nickList      string
	myINFOBatch   string
	userIPBatch   string

	sendAllCache []byte
}

// New creates an empty UserCollection.
func New(cfg Config) *UserCollection {
	return &UserCollection{
		cfg:    cfg,
		byNick: make(map[string]*User),
		byHash: make(map[uint32]*User),
	}
}

func (c *UserCollection) foldedKey(nick string) (string, uint32) {
	key := nmdchash.FoldNick(nick, c.cfg.OperatorPrefix, c.cfg.CaseInsensitive)
	return key, nmdchash.Hash32(key)
}

// ErrNickInUse is returned by Add when the nick's hash already collides
// with an existing member.
type ErrNickInUse struct{ Nick string }

func (e ErrNickInUse) Error() string { return "registry: nick in use: " + e.Nick }

// Add inserts u, keyed by its folded nick hash. Returns ErrNickInUse if
// the hash is already taken.
func (c *UserCollection) Add(u *User) error {
	key, hash := c.foldedKey(u.Nick)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byHash[hash]; exists {
		return ErrNickInUse{Nick: u.Nick}
	}
	u.hash = hash
	c.byNick[key] = u
	c.byHash[hash] = u
	c.cacheValid = false
	return nil
}

// Remove deletes the user with the given nick, if present.
func (c *UserCollection) Remove(nick string) {
	key, _ := c.foldedKey(nick)
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.byNick[key]
	if !ok {
		return
	}
	delete(c.byNick, key)
	delete(c.byHash, u.hash)
	c.cacheValid = false
}

// Get returns the user registered under nick, if any.
func (c *UserCollection) Get(nick string) (*User, bool) {
	key, _ := c.foldedKey(nick)
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.byNick[key]
	return u, ok
}

// ContainsHash reports whether hash is already taken by a member.
func (c *UserCollection) ContainsHash(hash uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byHash[hash]
	return ok
}

// Count returns the number of logged-in users.
func (c *UserCollection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byNick)
}

// Snapshot returns a stable copy of every member, for the admin surface
// and for batch-cache rebuilding.
func (c *UserCollection) Snapshot() []*User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*User, 0, len(c.byNick))
	for _, u := range c.byNick {
		out = append(out, u)
	}
	return out
}

// --- cached batch strings ---

func (c *UserCollection) rebuildCachesLocked() {
	if c.cacheValid {
		return
	}
	var nickList, myInfo, userIP strings.Builder
	first := true
	for _, u := range c.byNick {
		if c.cfg.KeepNickList {
			if !first {
				nickList.WriteString(c.cfg.NickListSeparator)
			}
			nickList.WriteString(u.Nick)
		}
		if c.cfg.KeepMyINFOBatch {
			myInfo.WriteString(myINFOLine(u))
		}
		if c.cfg.KeepUserIPBatch {
			if userIP.Len() == 0 {
				userIP.WriteString("$UserIP ")
			} else {
				userIP.WriteString("$$")
			}
			userIP.WriteString(u.Nick)
			userIP.WriteString(" ")
			if u.IP != nil {
				userIP.WriteString(u.IP.String())
			}
		}
		first = false
	}
	c.nickList = nickList.String()
	c.myINFOBatch = myInfo.String()
	if userIP.Len() > 0 {
		userIP.WriteString("|")
	}
	c.userIPBatch = userIP.String()
	c.cacheValid = true
}

func myINFOLine(u *User) string {
	return "$MyINFO $ALL " + u.Nick + " " + u.Description + "$ $" + u.Speed +
		"\x01$" + u.Email + "$" + strconv.FormatUint(u.ShareSize, 10) + "$|"
}

// NickList returns the cached, separator-joined nick list (rebuilt lazily
// whenever membership has changed since the last call).
func (c *UserCollection) NickList() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildCachesLocked()
	return c.nickList
}

// MyINFOBatch returns the cached, pipe-separated MyINFO lines.
func (c *UserCollection) MyINFOBatch() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildCachesLocked()
	return c.myINFOBatch
}

// UserIPBatch returns the cached $UserIP-prefixed batch line.
func (c *UserCollection) UserIPBatch() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildCachesLocked()
	return c.userIPBatch
}

// --- send-all cache ---

// AppendToCache appends data to the single send-all cache, accumulated
// across a tick and flushed once to every member's flush buffer.
func (c *UserCollection) AppendToCache(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendAllCache = append(c.sendAllCache, data...)
}

// FlushCache writes the accumulated send-all cache to every member's
// connection flush buffer, then clears it. Called once per reactor tick.
func (c *UserCollection) FlushCache() {
	c.mu.Lock()
	cache := c.sendAllCache
	c.sendAllCache = nil
	members := make([]*User, 0, len(c.byNick))
	for _, u := range c.byNick {
		members = append(members, u)
	}
	c.mu.Unlock()

	if len(cache) == 0 {
		return
	}
	for _, u := range members {
		_, _ = u.Conn.Append(cache)
	}
}

// --- fan-out primitives ---

// SendToAll appends data to every member's flush buffer, or to the
// send-all cache if cache is true. pipe appends a trailing '|' when the
// caller's data doesn't already include framing.
func (c *UserCollection) SendToAll(data []byte, cache bool, pipe bool) {
	if pipe {
		data = append(append([]byte{}, data...), '|')
	}
	if cache {
		c.AppendToCache(data)
		return
	}
	for _, u := range c.Snapshot() {
		_, _ = u.Conn.Append(data)
	}
}

// SendToAllWithClass delivers only to members whose class is in [min,max].
func (c *UserCollection) SendToAllWithClass(data []byte, min, max int) {
	for _, u := range c.Snapshot() {
		if u.Class >= min && u.Class <= max {
			_, _ = u.Conn.Append(data)
		}
	}
}

// SendToAllWithFeature delivers only to members whose feature bitset has
// bit set.
func (c *UserCollection) SendToAllWithFeature(data []byte, bit uint32) {
	for _, u := range c.Snapshot() {
		if u.Features&bit != 0 {
			_, _ = u.Conn.Append(data)
		}
	}
}

// SendToAllWithMyFlag delivers only to members whose MyFlags has bit set.
func (c *UserCollection) SendToAllWithMyFlag(data []byte, bit MyFlag) {
	for _, u := range c.Snapshot() {
		if u.MyFlags&bit != 0 {
			_, _ = u.Conn.Append(data)
		}
	}
}

// SendToAllWithoutMyFlag delivers only to members whose MyFlags does not
// have bit set.
func (c *UserCollection) SendToAllWithoutMyFlag(data []byte, bit MyFlag) {
	for _, u := range c.Snapshot() {
		if u.MyFlags&bit == 0 {
			_, _ = u.Conn.Append(data)
		}
	}
}

// SendToAllWithClassFeature delivers only to members matching both the
// class range and feature bit.
func (c *UserCollection) SendToAllWithClassFeature(data []byte, min, max int, bit uint32) {
	for _, u := range c.Snapshot() {
		if u.Class >= min && u.Class <= max && u.Features&bit != 0 {
			_, _ = u.Conn.Append(data)
		}
	}
}
