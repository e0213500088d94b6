// Package protocol implements the NMDC wire format: frame classification by
// leading command token and table-driven splitting of each frame into named
// chunks. Frames are pipe ('|') terminated; a Chat frame instead starts
// with '<'.
package protocol

// Command identifies the NMDC message kind a frame was classified as.
// Order of the classifier below follows observed match frequency on the
// wire, most common commands first.
type Command int

const (
	CmdUnknown Command = iota
	CmdChat              // <nick> text
	CmdSearch            // $Search ip:port ... or $Search Hub:nick ...
	CmdSR                // $SR ...
	CmdMyINFO
	CmdTo
	CmdMCTo
	CmdConnectToMe
	CmdRevConnectToMe
	CmdMultiConnectToMe
	CmdSA
	CmdSP
	CmdMultiSearch
	CmdKey
	CmdSupports
	CmdValidateNick
	CmdVersion
	CmdGetNickList
	CmdMyPass
	CmdMyHubURL
	CmdBotINFO
	CmdGetINFO
	CmdUserIP
	CmdKick
	CmdOpForceMove
	CmdQuit
	CmdBan
	CmdTempBan
	CmdUnBan
	CmdGetBanList
	CmdWhoIP
	CmdGetTopic
	CmdSetTopic
	CmdMyIP
	CmdMyNick
	CmdLock
	CmdIN
	CmdExtJSON
)

// tokenCommand maps the first whitespace-delimited token (including its
// leading '$') to a Command. Populated in frequency order.
var tokenCommand = map[string]Command{
	"$Search":          CmdSearch,
	"$SR":              CmdSR,
	"$MyINFO":          CmdMyINFO,
	"$To:":             CmdTo,
	"$MCTo:":           CmdMCTo,
	"$ConnectToMe":     CmdConnectToMe,
	"$RevConnectToMe":  CmdRevConnectToMe,
	"$MultiConnectToMe": CmdMultiConnectToMe,
	"$SA":              CmdSA,
	"$SP":              CmdSP,
	"$MultiSearch":     CmdMultiSearch,
	"$Key":             CmdKey,
	"$Supports":        CmdSupports,
	"$ValidateNick":    CmdValidateNick,
	"$Version":         CmdVersion,
	"$GetNickList":     CmdGetNickList,
	"$MyPass":          CmdMyPass,
	"$MyHubURL":        CmdMyHubURL,
	"$BotINFO":         CmdBotINFO,
	"$GetINFO":         CmdGetINFO,
	"$UserIP":          CmdUserIP,
	"$Kick":            CmdKick,
	"$OpForceMove":     CmdOpForceMove,
	"$Quit":            CmdQuit,
	"$Ban":             CmdBan,
	"$TempBan":         CmdTempBan,
	"$UnBan":           CmdUnBan,
	"$GetBanList":      CmdGetBanList,
	"$WhoIP":           CmdWhoIP,
	"$GetTopic":        CmdGetTopic,
	"$SetTopic":        CmdSetTopic,
	"$MyIP":            CmdMyIP,
	"$MyNick":          CmdMyNick,
	"$Lock":            CmdLock,
	"$IN":              CmdIN,
	"$ExtJSON":         CmdExtJSON,
}

// String returns a human-readable name, used in logs and CloseReason text.
func (c Command) String() string {
	switch c {
	case CmdChat:
		return "Chat"
	case CmdSearch:
		return "Search"
	case CmdSR:
		return "SR"
	case CmdMyINFO:
		return "MyINFO"
	case CmdTo:
		return "To"
	case CmdMCTo:
		return "MCTo"
	case CmdConnectToMe:
		return "ConnectToMe"
	case CmdRevConnectToMe:
		return "RevConnectToMe"
	case CmdMultiConnectToMe:
		return "MultiConnectToMe"
	case CmdSA:
		return "SA"
	case CmdSP:
		return "SP"
	case CmdMultiSearch:
		return "MultiSearch"
	case CmdKey:
		return "Key"
	case CmdSupports:
		return "Supports"
	case CmdValidateNick:
		return "ValidateNick"
	case CmdVersion:
		return "Version"
	case CmdGetNickList:
		return "GetNickList"
	case CmdMyPass:
		return "MyPass"
	case CmdMyHubURL:
		return "MyHubURL"
	case CmdBotINFO:
		return "BotINFO"
	case CmdGetINFO:
		return "GetINFO"
	case CmdUserIP:
		return "UserIP"
	case CmdKick:
		return "Kick"
	case CmdOpForceMove:
		return "OpForceMove"
	case CmdQuit:
		return "Quit"
	case CmdBan:
		return "Ban"
	case CmdTempBan:
		return "TempBan"
	case CmdUnBan:
		return "UnBan"
	case CmdGetBanList:
		return "GetBanList"
	case CmdWhoIP:
		return "WhoIP"
	case CmdGetTopic:
		return "GetTopic"
	case CmdSetTopic:
		return "SetTopic"
	case CmdMyIP:
		return "MyIP"
	case CmdMyNick:
		return "MyNick"
	case CmdLock:
		return "Lock"
	case CmdIN:
		return "IN"
	case CmdExtJSON:
		return "ExtJSON"
	default:
		return "Unknown"
	}
}

// Classify identifies the Command a frame (without its trailing '|')
// represents by looking at the first whitespace-delimited token, or, for
// main-chat frames, the leading '<' rune.
func Classify(frame []byte) Command {
	if len(frame) == 0 {
		return CmdUnknown
	}
	if frame[0] == '<' {
		return CmdChat
	}
	if frame[0] != '$' {
		return CmdUnknown
	}
	tok := firstToken(frame)
	if cmd, ok := tokenCommand[tok]; ok {
		return cmd
	}
	// $To:/$MCTo: carry a colon directly against the command name; if the
	// token lookup above missed because of a differently-placed colon,
	// fall through as unknown rather than guess.
	return CmdUnknown
}

// firstToken returns the first whitespace-delimited token of frame as a
// string, including a trailing ':' when one immediately follows the token
// (as in "$To:" / "$MCTo:").
func firstToken(frame []byte) string {
	i := 0
	for i < len(frame) && frame[i] != ' ' {
		i++
	}
	return string(frame[:i])
}
