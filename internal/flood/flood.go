// Package flood implements the per-connection and global message-type
// flood limiters: a golang.org/x/time/rate token bucket per (connection,
// message type) plus a second global bucket per type, a same-body
// repetition floor for private messages, and a REPORT/SKIP/DROP/BAN
// action ladder.
package flood

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Kind names one of the message types rate-limited independently (chat,
// search, PM/MCTo, CTM, etc.).
type Kind int

const (
	KindChat Kind = iota
	KindSearch
	KindPM
	KindCTM
	KindMyINFO
	kindCount
)

// Action is what the caller should do once a message has been checked.
type Action int

const (
	ActionAllow Action = iota
	ActionReport
	ActionSkip
	ActionDrop
	ActionBan
)

// Rule configures one Kind's limiter: events per second and burst size,
// per connection and globally. A zero Rate disables that Kind's limiter.
type Rule struct {
	PerConnRate  rate.Limit
	PerConnBurst int
	GlobalRate   rate.Limit
	GlobalBurst  int

	// MaxClassExempt exempts connections at or above this class from the
	// per-connection limiter (max_class_proto_flood).
	MaxClassExempt int

	// OverAction is what Check returns once the limit is exceeded
	// (REPORT/SKIP/DROP/BAN — each message type configures its own
	// response, not a single fixed action).
	OverAction Action
}

// Config is the full set of per-Kind rules plus the same-body PM
// repetition floor.
type Config struct {
	Rules [kindCount]Rule

	// MaxFloodCounterPM is how many identical-body PMs/MCTo in a row
	// trigger a ban instead of a drop.
	MaxFloodCounterPM int
	SameFloodBanTime  time.Duration
}

// DefaultConfig mirrors the reference hub's stock flood policy.
func DefaultConfig() Config {
	cfg := Config{MaxFloodCounterPM: 5, SameFloodBanTime: 5 * time.Minute}
	cfg.Rules[KindChat] = Rule{PerConnRate: 1, PerConnBurst: 5, GlobalRate: 20, GlobalBurst: 40, OverAction: ActionReport}
	cfg.Rules[KindSearch] = Rule{PerConnRate: rate.Every(10 * time.Second), PerConnBurst: 1, GlobalRate: 5, GlobalBurst: 10, OverAction: ActionSkip}
	cfg.Rules[KindPM] = Rule{PerConnRate: 1, PerConnBurst: 3, GlobalRate: 10, GlobalBurst: 20, OverAction: ActionReport}
	cfg.Rules[KindCTM] = Rule{PerConnRate: rate.Every(5 * time.Second), PerConnBurst: 1, GlobalRate: 10, GlobalBurst: 20, OverAction: ActionDrop}
	cfg.Rules[KindMyINFO] = Rule{PerConnRate: rate.Every(30 * time.Second), PerConnBurst: 1, GlobalRate: 5, GlobalBurst: 10, OverAction: ActionSkip}
	return cfg
}

type connState struct {
	limiters   [kindCount]*rate.Limiter
	lastBody   [kindCount]string
	repeatRun  [kindCount]int
}

// Limiters tracks per-connection and global rate.Limiters for every Kind,
// plus the same-body repetition counters used by the PM/MCTo floor.
// Grounded on room.go's CheckControlRate rolling-second counter,
// generalized from one hand-rolled counter into golang.org/x/time/rate's
// token-bucket primitive per message kind.
type Limiters struct {
	cfg Config

	mu      sync.Mutex
	conns   map[uint64]*connState
	globals [kindCount]*rate.Limiter
}

// New builds a Limiters from cfg, constructing the global buckets
// up front (per-connection buckets are created lazily on first use).
func New(cfg Config) *Limiters {
	l := &Limiters{cfg: cfg, conns: make(map[uint64]*connState)}
	for k := range cfg.Rules {
		r := cfg.Rules[k]
		if r.GlobalRate > 0 {
			l.globals[k] = rate.NewLimiter(r.GlobalRate, r.GlobalBurst)
		}
	}
	return l
}

func (l *Limiters) stateFor(connID uint64) *connState {
	st, ok := l.conns[connID]
	if ok {
		return st
	}
	st = &connState{}
	for k := range l.cfg.Rules {
		r := l.cfg.Rules[k]
		if r.PerConnRate > 0 {
			st.limiters[k] = rate.NewLimiter(r.PerConnRate, r.PerConnBurst)
		}
	}
	l.conns[connID] = st
	return st
}

// Forget drops a connection's limiter state once it disconnects.
func (l *Limiters) Forget(connID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, connID)
}

// Check evaluates one message of kind k from connID, with class used for
// the MaxClassExempt check. body is the message payload, used only by
// KindPM's same-body repetition floor (pass "" for kinds that don't use
// it).
func (l *Limiters) Check(connID uint64, class int, k Kind, body string) Action {
	rule := l.cfg.Rules[k]

	l.mu.Lock()
	defer l.mu.Unlock()

	if g := l.globals[k]; g != nil && !g.Allow() {
		return ActionSkip
	}

	exempt := rule.MaxClassExempt > 0 && class >= rule.MaxClassExempt
	st := l.stateFor(connID)

	if k == KindPM {
		switch {
		case body != "" && body == st.lastBody[k]:
			st.repeatRun[k]++
		case body != "":
			st.repeatRun[k] = 1
		default:
			st.repeatRun[k] = 0
		}
		st.lastBody[k] = body
		if l.cfg.MaxFloodCounterPM > 0 && st.repeatRun[k] >= l.cfg.MaxFloodCounterPM {
			return ActionBan
		}
	}

	if exempt {
		return ActionAllow
	}
	if lim := st.limiters[k]; lim != nil && !lim.Allow() {
		return rule.OverAction
	}
	return ActionAllow
}

// SameBodyBanDuration is how long a same-body PM/MCTo flood should be
// banned for.
func (l *Limiters) SameBodyBanDuration() time.Duration {
	return l.cfg.SameFloodBanTime
}
