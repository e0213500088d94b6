// Package hub wires every component into the running server object:
// accept loop, per-connection login handshake, message dispatch, and the
// periodic flush/timeout/ban-sweep tick.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vhubd/vhubd/internal/ban"
	"github.com/vhubd/vhubd/internal/clock"
	"github.com/vhubd/vhubd/internal/config"
	"github.com/vhubd/vhubd/internal/conn"
	"github.com/vhubd/vhubd/internal/dispatch"
	"github.com/vhubd/vhubd/internal/flood"
	"github.com/vhubd/vhubd/internal/geoip"
	"github.com/vhubd/vhubd/internal/login"
	"github.com/vhubd/vhubd/internal/plugin"
	"github.com/vhubd/vhubd/internal/protocol"
	"github.com/vhubd/vhubd/internal/reactor"
	"github.com/vhubd/vhubd/internal/registry"
	"github.com/vhubd/vhubd/internal/store"
	"github.com/vhubd/vhubd/internal/ticker"
	"github.com/vhubd/vhubd/internal/zlibw"
)

// connState tracks one accepted socket from accept through login into
// steady state. Owned entirely by the reactor goroutine once registered;
// the admin HTTP surface only ever reads a Snapshot of the registry, never
// this map, so no lock is needed beyond the bookkeeping map itself.
type connState struct {
	c       *conn.Conn
	machine *login.Machine
	user    *registry.User // non-nil from the first admitted $MyINFO; login is complete once machine.Status has login.Allowed
}

// Server is the glue object tying every component together, implementing
// reactor.Handler so internal/reactor's dispatcher loop can drive it.
type Server struct {
	cfg config.Config

	users      *registry.UserCollection
	bans       *ban.Checker
	limiters   *flood.Limiters
	dispatcher *dispatch.Dispatcher
	zlib       *zlibw.BatchWriter
	zlibStats  *zlibw.Stats
	hooks      *plugin.Hooks
	store      *store.Store
	geo        geoip.Lookup
	clock      clock.Source

	loginRules    login.Rules
	loginTimeouts login.Timeouts

	reactor *reactor.Reactor

	mu     sync.Mutex
	conns  map[uint64]*connState
	nextID atomic.Uint64
}

// New builds a Server from its component parts. hooks and geo may be nil
// (nil geo causes a zero-value geoip.Info to be used for every template
// substitution, a no-op, not an error).
func New(cfg config.Config, st *store.Store, geo geoip.Lookup, hooks *plugin.Hooks, c clock.Source) *Server {
	if c == nil {
		c = clock.Real
	}
	users := registry.New(registry.Config{
		NickListSeparator: cfg.NickListSeparator,
		KeepNickList:      cfg.SendNickListOnLogin,
		KeepMyINFOBatch:   true,
		KeepUserIPBatch:   true,
		CaseInsensitive:   cfg.NickCaseInsensitive,
		OperatorPrefix:    cfg.OperatorNickPrefix,
	})
	limiters := flood.New(floodConfigFrom(cfg))
	bans := ban.New(st, ban.Config{
		BanBypassClass:   cfg.BanBypassClass,
		CloneDetectCount: cfg.CloneDetectCount,
		CloneDetTBanTime: cfg.CloneDetTBanTime,
	})
	hubAddr := net.JoinHostPort(cfg.HubListenHost, strconv.Itoa(cfg.ListenPort))
	disp := dispatch.New(dispatch.Config{
		ChatDefaultOn:     cfg.ChatDefaultOn,
		ClassDifPM:        cfg.ClassDifPM,
		FilterLANRequests: cfg.FilterLANRequests,
		MinSearchChars:    cfg.MinSearchChars,
		MaxPassiveSR:      cfg.MaxPassiveSR,
		HideMsgBadCTM:     cfg.HideMsgBadCTM,
		DetectCTMToHub:    cfg.DetectCTMToHub,
		HubListenAddr:     hubAddr,
	}, users, limiters, c, hooks)
	zlibStats := &zlibw.Stats{}
	zw := zlibw.New(zlibw.Config{
		Disabled:      cfg.DisableZlib,
		MinLen:        cfg.ZlibMinLen,
		CompressLevel: cfg.ZlibCompressLevel,
	}, zlibStats)

	return &Server{
		cfg:           cfg,
		users:         users,
		bans:          bans,
		limiters:      limiters,
		dispatcher:    disp,
		zlib:          zw,
		zlibStats:     zlibStats,
		hooks:         hooks,
		store:         st,
		geo:           geo,
		clock:         c,
		loginRules:    login.Rules{MinLength: 1, MaxLength: 32, ForbiddenChars: "$|<> ", OperatorPrefix: cfg.OperatorNickPrefix},
		loginTimeouts: timeoutsFrom(cfg),
		reactor:       reactor.New(4096, cfg.TimerConnPeriod),
		conns:         make(map[uint64]*connState),
	}
}

func timeoutsFrom(cfg config.Config) login.Timeouts {
	return login.Timeouts{
		Key: cfg.TimeoutKey, ValNick: cfg.TimeoutValNick, LoginAll: cfg.TimeoutLogin,
		MyINFO: cfg.TimeoutMyINFO, SetPass: cfg.TimeoutSetPass, Flush: cfg.TimeoutFlush,
	}
}

func floodConfigFrom(cfg config.Config) flood.Config {
	fc := flood.DefaultConfig()
	fc.MaxFloodCounterPM = cfg.MaxFloodCounterPM
	fc.SameFloodBanTime = cfg.SameFloodBanTime
	for i := range fc.Rules {
		fc.Rules[i].MaxClassExempt = cfg.MaxClassProtoFlood
	}
	return fc
}

// Accept wraps a freshly-accepted socket, sends its $Lock challenge, and
// spawns the reader goroutine that feeds the reactor's event channel.
// Returns immediately; the reader goroutine runs until the connection
// closes.
func (s *Server) Accept(ctx context.Context, nc net.Conn) {
	id := s.nextID.Add(1)
	c := conn.New(id, nc, s.cfg.MaxOutfillSize, s.cfg.MaxUnblockSize, s.cfg.MaxOutbufSize)

	if verdict, _ := s.bans.CheckIP(ctx, c.Addr, 0, s.clock.Now()); verdict.Banned {
		_ = c.SendNow([]byte("<Hub-Security> " + verdict.Reason + "|"))
		_ = c.Close("banned: " + verdict.Reason)
		return
	}
	if shouldBan := s.bans.TrackConnect(c.Addr.String()); shouldBan {
		end := s.clock.Now().Add(s.bans.CloneBanDuration())
		_, _ = s.bans.BanIP(ctx, c.Addr.String(), "clone flood detected", "*hub-security*", time.Time{}, end)
	}

	machine, lock := login.NewMachine(id)
	login.ArmInitialDeadlines(c, s.clock.Now(), s.loginTimeouts)
	if err := c.SendNow([]byte("$Lock " + lock + " Pk=vhubd|")); err != nil {
		_ = c.Close("lock send failed")
		return
	}

	s.mu.Lock()
	s.conns[id] = &connState{c: c, machine: machine}
	s.mu.Unlock()

	go reactor.ReadLoop(ctx, id, c.NextFrame, s.reactor.Events())
}

// Run starts the Tickers() jobs on their own goroutine and the reactor
// dispatcher loop; it blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	go ticker.New(s.Tickers()...).Run(ctx)
	return s.reactor.Run(ctx, s)
}

// Tickers returns the periodic jobs this Server wants driven by
// internal/ticker: currently just a ban-expiry sweep.
func (s *Server) Tickers() []ticker.Job {
	return []ticker.Job{
		{Name: "ban-sweep", Interval: time.Minute, Run: func(now time.Time) {
			n, err := s.bans.PurgeExpired(context.Background(), now)
			if err != nil {
				slog.Warn("ban sweep failed", "err", err)
				return
			}
			if n > 0 {
				slog.Info("expired bans purged", "count", n)
			}
		}},
	}
}

// HandleTick implements reactor.Handler: flushes every connection's
// pending send buffer (through the zlib batch writer) and closes any
// connection whose login phase deadline has passed.
func (s *Server) HandleTick(now time.Time) {
	s.users.FlushCache()

	s.mu.Lock()
	states := make([]*connState, 0, len(s.conns))
	for _, cs := range s.conns {
		states = append(states, cs)
	}
	s.mu.Unlock()

	for _, cs := range states {
		if _, timedOut := cs.c.OnTimerBase(now); timedOut {
			_ = cs.c.Close("login phase timeout")
			continue
		}
		if _, err := cs.c.Flush(s.zlib.Transform); err != nil && cs.c.Closed() {
			continue
		}
	}
}

// HandleClosed implements reactor.Handler: tears down bookkeeping for a
// connection the reader goroutine reported gone.
func (s *Server) HandleClosed(connID uint64, _ error) {
	s.mu.Lock()
	cs, ok := s.conns[connID]
	delete(s.conns, connID)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = cs.c.Close("connection closed")
	s.limiters.Forget(connID)
	s.bans.TrackDisconnect(cs.c.Addr.String())
	if cs.machine.Status.Has(login.Allowed) {
		s.users.Remove(cs.user.Nick)
		s.hooks.CallUserDisconnect(cs.user.Nick)
	}
}

// HandleFrame implements reactor.Handler: parses one frame and routes it
// either into the login machine (pre-login) or the dispatch engine
// (post-login).
func (s *Server) HandleFrame(connID uint64, frame []byte) {
	s.mu.Lock()
	cs, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}

	p, err := protocol.Parse(frame, protocol.DefaultLimits())
	if err != nil {
		s.rejectFrame(cs, err)
		return
	}

	if !cs.machine.Status.Has(login.Allowed) {
		s.handleLoginFrame(cs, p)
		return
	}
	s.handleSteadyStateFrame(cs, p)
}

func (s *Server) rejectFrame(cs *connState, err error) {
	if action := s.limiters.Check(cs.c.ID, currentClass(cs), flood.KindChat, ""); action == flood.ActionBan {
		_ = cs.c.Close("parse error flood: " + err.Error())
		return
	}
	slog.Debug("dropping unparseable frame", "conn_id", cs.c.ID, "err", err)
}

func currentClass(cs *connState) int {
	if cs.user != nil {
		return cs.user.Class
	}
	return cs.machine.Class
}

func (s *Server) handleLoginFrame(cs *connState, p *protocol.Parsed) {
	ctx := context.Background()
	now := s.clock.Now()
	m := cs.machine

	switch p.Command {
	case protocol.CmdKey:
		if !m.OnKey(p.ChunkString(0)) {
			_ = cs.c.Close("key mismatch")
			return
		}
		login.ArmValNickDeadline(cs.c, now, s.loginTimeouts)

	case protocol.CmdValidateNick:
		nick := p.ChunkString(0)
		if verdict, _ := s.bans.CheckNick(ctx, nick, 0, now); verdict.Banned {
			_, _ = cs.c.Append([]byte("$ValidateDenide " + nick + "|"))
			_ = cs.c.Close("nick banned: " + verdict.Reason)
			return
		}
		result, err := m.OnValidateNick(ctx, nick, s.loginRules, s.store)
		if err != nil || result == login.NickRejected {
			_, _ = cs.c.Append([]byte("$ValidateDenide " + nick + "|"))
			_ = cs.c.Close("nick rejected")
			return
		}
		if result == login.NickNeedsPassword {
			login.ArmSetPassDeadline(cs.c, now, s.loginTimeouts)
			_, _ = cs.c.Append([]byte("$GetPass|"))
		} else {
			login.ArmMyINFODeadline(cs.c, now, s.loginTimeouts)
			_, _ = cs.c.Append([]byte("$Hello " + nick + "|"))
		}

	case protocol.CmdMyPass:
		if !m.OnMyPass(p.ChunkString(0)) {
			if m.PasswordFailures >= s.cfg.PwdTmpBanMulti {
				end := now.Add(s.cfg.PwdTmpBan)
				_, _ = s.bans.BanNick(ctx, m.Nick, "too many password failures", "*hub-security*", time.Time{}, end)
			}
			_, _ = cs.c.Append([]byte("$BadPass|"))
			_ = cs.c.Close("bad password")
			return
		}
		_ = s.store.TouchLogin(ctx, m.Nick, cs.c.Addr.String(), now)
		login.ArmMyINFODeadline(cs.c, now, s.loginTimeouts)
		_, _ = cs.c.Append([]byte("$Hello " + m.Nick + "|"))

	case protocol.CmdVersion:
		m.OnVersion()

	case protocol.CmdSupports:
		m.OnSupports(parseSupportsBits(p))

	case protocol.CmdGetNickList:
		m.OnGetNickList()

	case protocol.CmdMyINFO:
		if !s.applyMyINFOAdmission(cs, p) {
			return
		}
		m.OnMyINFO()
		s.maybeCompleteLogin(cs)

	case protocol.CmdQuit:
		_ = cs.c.Close("quit before login")
	}
}

func parseSupportsBits(p *protocol.Parsed) uint32 {
	var bits uint32
	for i := 0; i < p.ChunkCount(); i++ {
		switch strings.ToUpper(p.ChunkString(i)) {
		case "NOGETINFO":
			bits |= 1
		case "NOHELLO":
			bits |= 2
		case "USERIP2":
			bits |= 4
		case "TTHSEARCH":
			bits |= 8
		case "ZPIPE0":
			bits |= 16
		}
	}
	return bits
}

// applyMyINFOAdmission fills in the registry.User's MyINFO-derived fields
// and mode flags from the parsed chunks, then runs full admission against
// them: per-class share bounds, tag-grammar rules, and the hub-use class
// and share floors. On the first violation it kicks the connection with a
// reason and reports false; the caller must not set MyINFOFlag or treat the
// frame as accepted when that happens.
func (s *Server) applyMyINFOAdmission(cs *connState, p *protocol.Parsed) bool {
	m := cs.machine
	if cs.user == nil {
		cs.user = &registry.User{
			Conn: cs.c, Nick: m.Nick, Class: m.Class, Features: m.Features,
			IP: cs.c.Addr, ConnectedAt: s.clock.Now(),
		}
	}
	u := cs.user
	u.Description = p.ChunkString(protocol.MyINFODescription)
	u.Speed = p.ChunkString(protocol.MyINFOSpeed)
	u.Email = p.ChunkString(protocol.MyINFOEmail)
	if shareStr := p.ChunkString(protocol.MyINFOShare); shareStr != "" {
		if n, err := strconv.ParseUint(shareStr, 10, 64); err == nil {
			u.ShareSize = n
		}
	}

	tag := parseTag(u.Description)
	passive := tag.mode == 'P'
	switch tag.mode {
	case 'A':
		u.MyFlags = u.MyFlags&^registry.FlagPassive | registry.FlagActive
	case 'P':
		u.MyFlags = u.MyFlags&^registry.FlagActive | registry.FlagPassive
	}

	class := u.Class
	if ok, reason := s.checkShareSize(class, passive, u.ShareSize); !ok {
		s.kickForAdmission(cs, reason)
		return false
	}
	if s.cfg.ShowTags {
		if ok, reason := s.checkTag(class, tag); !ok {
			s.kickForAdmission(cs, reason)
			return false
		}
	}
	if ok, reason := s.checkHubUse(class, passive, u.ShareSize); !ok {
		s.kickForAdmission(cs, reason)
		return false
	}
	return true
}

func (s *Server) maybeCompleteLogin(cs *connState) {
	m := cs.machine
	// Every required flag except Allowed, which m.Complete() sets below.
	if !(m.Status | login.Allowed).Done() {
		return
	}
	if !s.hooks.CallFirstMyINFO(m.Nick) {
		_ = cs.c.Close("rejected by plugin on first MyINFO")
		return
	}
	if err := s.users.Add(cs.user); err != nil {
		_, _ = cs.c.Append([]byte("$ValidateDenide " + m.Nick + "|"))
		_ = cs.c.Close("nick already in use")
		return
	}
	m.Complete()
	login.ClearLoginDeadlines(cs.c)

	var geoInfo geoip.Info
	if s.geo != nil {
		geoInfo, _ = s.geo.Lookup(context.Background(), cs.c.Addr)
	}
	welcome := substituteTemplate(s.cfg.HubName+" welcome %[nick]", cs.user, geoInfo)
	_, _ = cs.c.Append([]byte(welcome + "|"))
	if s.cfg.SendNickListOnLogin && m.Status.Has(login.NickLst) {
		_, _ = cs.c.Append([]byte(s.users.NickList()))
	}
	_, _ = cs.c.Append([]byte(s.users.MyINFOBatch()))
	s.users.SendToAll([]byte(myINFOFrame(cs.user)), true, false)
	s.hooks.CallUserConnect(m.Nick)
}

func myINFOFrame(u *registry.User) string {
	return "$MyINFO $ALL " + u.Nick + " " + u.Description + "$ $" + u.Speed + "\x01$" + u.Email + "$" + strconv.FormatUint(u.ShareSize, 10) + "$|"
}

func (s *Server) handleSteadyStateFrame(cs *connState, p *protocol.Parsed) {
	u := cs.user
	switch p.Command {
	case protocol.CmdChat:
		s.handleDispatchError(cs, s.dispatcher.Chat(u, p.ChunkString(protocol.ChatBody)))
	case protocol.CmdTo:
		s.handleDispatchError(cs, s.dispatcher.To(u, p))
	case protocol.CmdMCTo:
		s.handleDispatchError(cs, s.dispatcher.MCTo(u, p))
	case protocol.CmdSearch, protocol.CmdSA, protocol.CmdSP, protocol.CmdMultiSearch:
		s.handleDispatchError(cs, s.dispatcher.Search(u, p))
	case protocol.CmdSR:
		s.handleDispatchError(cs, s.dispatcher.SR(p))
	case protocol.CmdConnectToMe, protocol.CmdMultiConnectToMe:
		s.handleDispatchError(cs, s.dispatcher.CTM(u, p))
	case protocol.CmdRevConnectToMe:
		s.handleDispatchError(cs, s.dispatcher.RCTM(u, p))
	case protocol.CmdMyINFO:
		if !s.applyMyINFOAdmission(cs, p) {
			return
		}
		s.users.SendToAll([]byte(myINFOFrame(u)), true, false)
	case protocol.CmdQuit:
		_ = cs.c.Close("client quit")
	}
}

// handleDispatchError inspects a dispatch verdict. A silent reject
// (ErrRejected without one of the sentinels below) is just logged; a
// flood drop or ban closes the connection, a ban additionally recording a
// temporary IP ban, and a CTM-to-hub detection sends a notice (unless
// configured to hide it) before closing. Frames that never reach the
// dispatcher go through rejectFrame instead, which only counts them against
// the chat flood limiter and closes on a ban verdict.
func (s *Server) handleDispatchError(cs *connState, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, dispatch.ErrCTMToHub):
		if !s.cfg.HideMsgBadCTM {
			_ = cs.c.SendNow([]byte("<Hub-Security> connect-to-me address points back at the hub|"))
		}
		_ = cs.c.Close("ctm-to-hub")
	case errors.Is(err, dispatch.ErrFloodBan):
		if cs.c.Addr != nil {
			end := s.clock.Now().Add(s.limiters.SameBodyBanDuration())
			_, _ = s.bans.BanIP(context.Background(), cs.c.Addr.String(), "message flood", "*hub-security*", time.Time{}, end)
		}
		_ = cs.c.Close("flood ban")
	case errors.Is(err, dispatch.ErrFloodDrop):
		_ = cs.c.Close("flood drop")
	default:
		slog.Debug("dispatch rejected frame", "conn_id", cs.c.ID, "err", err)
	}
}
