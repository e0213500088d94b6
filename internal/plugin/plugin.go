// Package plugin implements the synchronous hook surface: a closed set
// of named event callbacks the core dispatch path invokes inline, with
// veto/discard semantics — any hook that returns false stops further
// processing of that event for that message.
package plugin

import "github.com/vhubd/vhubd/internal/protocol"

// Hooks is the full set of event points the hub core invokes. Every field
// defaults to nil; Call* helpers treat a nil hook as "continue" so callers
// never need a nil check of their own. Grounded on the reference hub's
// room.go callback-field idiom (onRename/onCreateChannel/onAuditLog/onBan,
// each SetOnX-registered and called outside any lock), generalized here
// into one struct instead of one field per concern since the plugin
// surface is a closed, enumerable set rather than an open extension point.
type Hooks struct {
	// OnFirstMyINFO fires the first time a connection's MyINFO is set,
	// before it is broadcast.
	OnFirstMyINFO func(nick string) bool

	// OnChatMsg fires for a main-chat line before it is fanned out.
	// Returning false discards the message silently.
	OnChatMsg func(nick, body string) bool

	// OnPrivateMsg fires for a $To/$MCTo delivery before relay.
	OnPrivateMsg func(fromNick, toNick, body string) bool

	// OnSearch fires for a $Search/$MultiSearch before fan-out. $SA/$SP
	// frames fail protocol.Parse and never reach it.
	OnSearch func(fromNick string, p *protocol.Parsed) bool

	// OnConnectToMe fires for $ConnectToMe/$RevConnectToMe before relay.
	OnConnectToMe func(fromNick, toNick string) bool

	// OnUserConnect fires once a connection has completed login.
	OnUserConnect func(nick string)

	// OnUserDisconnect fires once a connected user's socket is gone.
	OnUserDisconnect func(nick string)

	// OnBan is invoked by CallBan, for a ban row already inserted (nick or
	// IP based). Nothing in internal/hub calls CallBan, so bans the hub
	// records itself do not fire it.
	OnBan func(target, reason string, isIP bool)

	// OnUnparsedMsg is reserved: nothing in internal/dispatch currently
	// invokes it, mirroring the reference hub's own VH_OnUnparsedMsg,
	// which exists in the callback surface but is commented out in every
	// emitter. Kept for API parity, not wired.
	OnUnparsedMsg func(raw string) bool
}

// CallChatMsg invokes OnChatMsg if set, defaulting to "continue" (true)
// when no plugin has registered a hook.
func (h *Hooks) CallChatMsg(nick, body string) bool {
	if h == nil || h.OnChatMsg == nil {
		return true
	}
	return h.OnChatMsg(nick, body)
}

// CallPrivateMsg invokes OnPrivateMsg if set, defaulting to "continue".
func (h *Hooks) CallPrivateMsg(fromNick, toNick, body string) bool {
	if h == nil || h.OnPrivateMsg == nil {
		return true
	}
	return h.OnPrivateMsg(fromNick, toNick, body)
}

// CallSearch invokes OnSearch if set, defaulting to "continue".
func (h *Hooks) CallSearch(fromNick string, p *protocol.Parsed) bool {
	if h == nil || h.OnSearch == nil {
		return true
	}
	return h.OnSearch(fromNick, p)
}

// CallConnectToMe invokes OnConnectToMe if set, defaulting to "continue".
func (h *Hooks) CallConnectToMe(fromNick, toNick string) bool {
	if h == nil || h.OnConnectToMe == nil {
		return true
	}
	return h.OnConnectToMe(fromNick, toNick)
}

// CallFirstMyINFO invokes OnFirstMyINFO if set, defaulting to "continue".
func (h *Hooks) CallFirstMyINFO(nick string) bool {
	if h == nil || h.OnFirstMyINFO == nil {
		return true
	}
	return h.OnFirstMyINFO(nick)
}

// CallUserConnect invokes OnUserConnect if set. No veto — connection has
// already completed by the time this fires.
func (h *Hooks) CallUserConnect(nick string) {
	if h != nil && h.OnUserConnect != nil {
		h.OnUserConnect(nick)
	}
}

// CallUserDisconnect invokes OnUserDisconnect if set. No veto.
func (h *Hooks) CallUserDisconnect(nick string) {
	if h != nil && h.OnUserDisconnect != nil {
		h.OnUserDisconnect(nick)
	}
}

// CallBan invokes OnBan if set. No veto — the ban has already taken effect.
func (h *Hooks) CallBan(target, reason string, isIP bool) {
	if h != nil && h.OnBan != nil {
		h.OnBan(target, reason, isIP)
	}
}
