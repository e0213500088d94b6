// Package dispatch implements the message dispatch engine: main chat,
// private message ($To/$MCTo), search/SR relay, and CTM/RCTM relay. It
// sits between the protocol parser and the user collection, consulting
// the flood limiter on every message.
package dispatch

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/vhubd/vhubd/internal/clock"
	"github.com/vhubd/vhubd/internal/flood"
	"github.com/vhubd/vhubd/internal/plugin"
	"github.com/vhubd/vhubd/internal/protocol"
	"github.com/vhubd/vhubd/internal/registry"
)

// srWindow is the rolling period over which max_passive_sr is enforced.
const srWindow = time.Minute

// Config mirrors the reference hub's dispatch-relevant settings.
type Config struct {
	ChatDefaultOn      bool
	ClassDifPM         int
	FilterLANRequests  bool
	MinSearchChars     int
	MaxPassiveSR       int
	HideMsgBadCTM      bool
	DetectCTMToHub     bool
	HubListenAddr      string // "ip:port", compared against declared CTM addr
}

// Dispatcher wires the registry and flood limiter together to carry out
// the chat/search/CTM relay rules.
type Dispatcher struct {
	cfg   Config
	users *registry.UserCollection
	flood *flood.Limiters
	clock clock.Source
	hooks *plugin.Hooks

	mu           sync.Mutex
	srCount      map[string]int
	srWindowFrom time.Time
}

// New builds a Dispatcher. hooks may be nil, in which case every plugin
// call site defaults to "continue" (see internal/plugin.Hooks).
func New(cfg Config, users *registry.UserCollection, limiters *flood.Limiters, c clock.Source, hooks *plugin.Hooks) *Dispatcher {
	return &Dispatcher{cfg: cfg, users: users, flood: limiters, clock: c, hooks: hooks, srCount: make(map[string]int), srWindowFrom: c.Now()}
}

// ErrRejected is returned for any dispatch the hub should silently drop
// without closing the connection (caller decides whether to log it).
type ErrRejected string

func (e ErrRejected) Error() string { return string(e) }

// ErrCTMToHub signals that the declared CTM address is the hub's own
// listen address — a client that isn't really offering a hub slot.
var ErrCTMToHub = ErrRejected("connect-to-me address is the hub itself")

// ErrFloodDrop signals a flood verdict that closes the connection without
// recording a ban.
var ErrFloodDrop = ErrRejected("flood: drop")

// ErrFloodBan signals a flood verdict that both closes the connection and
// warrants a temporary IP ban — either a per-kind threshold configured with
// OverAction: ActionBan, or the same-body PM/MCTo repetition floor.
var ErrFloodBan = ErrRejected("flood: ban")

// Chat handles a main-chat line from sender. body is the already-folded
// message body (without the "<nick> " prefix); the hub always stamps the
// sender's authoritative nick rather than trusting a client-supplied one.
func (d *Dispatcher) Chat(sender *registry.User, body string) error {
	if !d.cfg.ChatDefaultOn {
		return ErrRejected("main chat is disabled")
	}
	if action := d.flood.Check(sender.Conn.ID, sender.Class, flood.KindChat, ""); action != flood.ActionAllow {
		return actionError(action)
	}
	if !d.hooks.CallChatMsg(sender.Nick, body) {
		return ErrRejected("chat message discarded by plugin veto")
	}
	frame := "<" + sender.Nick + "> " + body + "|"
	d.users.SendToAll([]byte(frame), true, false)
	return nil
}

// To handles a $To: private message from sender.
func (d *Dispatcher) To(sender *registry.User, p *protocol.Parsed) error {
	dest := p.ChunkString(protocol.ToDest)
	body := p.ChunkString(protocol.ToBody)

	target, ok := d.users.Get(dest)
	if !ok {
		return ErrRejected("PM destination not connected: " + dest)
	}
	if sender.Class < target.Class-d.cfg.ClassDifPM {
		return ErrRejected("PM blocked by classdif_pm")
	}
	if action := d.flood.Check(sender.Conn.ID, sender.Class, flood.KindPM, body); action != flood.ActionAllow {
		return actionError(action)
	}
	if !d.hooks.CallPrivateMsg(sender.Nick, dest, body) {
		return ErrRejected("PM discarded by plugin veto")
	}
	frame := "$To: " + dest + " From: " + sender.Nick + " $<" + sender.Nick + "> " + body + "|"
	_, err := target.Conn.Append([]byte(frame))
	return err
}

// MCTo handles a $MCTo relay, rendered to the destination as main chat.
func (d *Dispatcher) MCTo(sender *registry.User, p *protocol.Parsed) error {
	dest := p.ChunkString(protocol.MCToDest)
	body := p.ChunkString(protocol.MCToBody)

	target, ok := d.users.Get(dest)
	if !ok {
		return ErrRejected("MCTo destination not connected: " + dest)
	}
	if sender.Class < target.Class-d.cfg.ClassDifPM {
		return ErrRejected("MCTo blocked by classdif_pm")
	}
	if action := d.flood.Check(sender.Conn.ID, sender.Class, flood.KindPM, body); action != flood.ActionAllow {
		return actionError(action)
	}
	if !d.hooks.CallPrivateMsg(sender.Nick, dest, body) {
		return ErrRejected("MCTo discarded by plugin veto")
	}
	frame := "<" + sender.Nick + "> " + body + "|"
	_, err := target.Conn.Append([]byte(frame))
	return err
}

// Search validates and relays a $Search or $MultiSearch frame. $SA/$SP
// frames fail protocol.Parse (which only accepts the $Search layout) and
// never reach it.
func (d *Dispatcher) Search(sender *registry.User, p *protocol.Parsed) error {
	if action := d.flood.Check(sender.Conn.ID, sender.Class, flood.KindSearch, ""); action != flood.ActionAllow {
		return actionError(action)
	}
	pattern := p.ChunkString(protocol.SearchPattern)
	if len(pattern) < d.cfg.MinSearchChars {
		return ErrRejected("search pattern too short")
	}

	target := p.ChunkString(protocol.SearchTarget)
	passive := strings.HasPrefix(target, "Hub:")
	if !passive {
		host, _, err := net.SplitHostPort(target)
		if err != nil || net.ParseIP(host) == nil {
			return ErrRejected("active search target is not a valid ip:port")
		}
		if d.cfg.FilterLANRequests && isPrivateIP(net.ParseIP(host)) {
			return ErrRejected("search target is a LAN address")
		}
	}
	if !d.hooks.CallSearch(sender.Nick, p) {
		return ErrRejected("search discarded by plugin veto")
	}

	frame := []byte(p.String() + "|")
	if passive {
		d.users.SendToAllWithMyFlag(frame, registry.FlagActive)
	} else {
		d.users.SendToAll(frame, true, false)
	}
	return nil
}

// SR relays a $SR frame directly to its destination nick, enforcing
// max_passive_sr per search episode: a rolling srWindow keyed by
// destination nick, cleared automatically once the window elapses.
func (d *Dispatcher) SR(p *protocol.Parsed) error {
	to := p.ChunkString(protocol.SRTo)
	target, ok := d.users.Get(to)
	if !ok {
		return ErrRejected("SR destination not connected: " + to)
	}
	if d.cfg.MaxPassiveSR > 0 {
		d.mu.Lock()
		now := d.clock.Now()
		if now.Sub(d.srWindowFrom) > srWindow {
			d.srCount = make(map[string]int)
			d.srWindowFrom = now
		}
		d.srCount[to]++
		n := d.srCount[to]
		d.mu.Unlock()
		if n > d.cfg.MaxPassiveSR {
			return ErrRejected("max_passive_sr exceeded for " + to)
		}
	}
	_, err := target.Conn.Append([]byte(p.String() + "|"))
	return err
}

// CTM relays a $ConnectToMe frame, detecting a declared address that
// equals the hub's own listen address.
func (d *Dispatcher) CTM(sender *registry.User, p *protocol.Parsed) error {
	if action := d.flood.Check(sender.Conn.ID, sender.Class, flood.KindCTM, ""); action != flood.ActionAllow {
		return actionError(action)
	}
	addr := p.ChunkString(protocol.CTMAddr)
	if d.cfg.DetectCTMToHub && addressMatchesHub(addr, d.cfg.HubListenAddr) {
		return ErrCTMToHub
	}
	dest := p.ChunkString(protocol.CTMDest)
	target, ok := d.users.Get(dest)
	if !ok {
		return ErrRejected("CTM destination not connected: " + dest)
	}
	if !d.hooks.CallConnectToMe(sender.Nick, dest) {
		return ErrRejected("CTM discarded by plugin veto")
	}
	_, err := target.Conn.Append([]byte(p.String() + "|"))
	return err
}

// RCTM relays a $RevConnectToMe frame, rejecting passive-to-passive.
func (d *Dispatcher) RCTM(sender *registry.User, p *protocol.Parsed) error {
	to := p.ChunkString(protocol.RCTMTo)
	target, ok := d.users.Get(to)
	if !ok {
		return ErrRejected("RCTM destination not connected: " + to)
	}
	if sender.MyFlags&registry.FlagPassive != 0 && target.MyFlags&registry.FlagPassive != 0 {
		return ErrRejected("passive-to-passive RevConnectToMe")
	}
	if !d.hooks.CallConnectToMe(sender.Nick, to) {
		return ErrRejected("RCTM discarded by plugin veto")
	}
	_, err := target.Conn.Append([]byte(p.String() + "|"))
	return err
}

func actionError(a flood.Action) error {
	switch a {
	case flood.ActionReport:
		return ErrRejected("flood: report")
	case flood.ActionSkip:
		return ErrRejected("flood: skip")
	case flood.ActionDrop:
		return ErrFloodDrop
	case flood.ActionBan:
		return ErrFloodBan
	default:
		return nil
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		}
	}
	return false
}

func addressMatchesHub(declared, hubAddr string) bool {
	declared = strings.TrimRight(declared, "SN")
	host, port, err := net.SplitHostPort(declared)
	if err != nil {
		return false
	}
	hubHost, hubPort, err := net.SplitHostPort(hubAddr)
	if err != nil {
		return false
	}
	if port != hubPort {
		return false
	}
	if host == hubHost {
		return true
	}
	hostIP, hubIP := net.ParseIP(host), net.ParseIP(hubHost)
	return hostIP != nil && hubIP != nil && hostIP.Equal(hubIP)
}
