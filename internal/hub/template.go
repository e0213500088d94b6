package hub

import (
	"strconv"
	"strings"

	"github.com/vhubd/vhubd/internal/geoip"
	"github.com/vhubd/vhubd/internal/registry"
)

// ClassName resolves a numeric class to its label. Exported so the admin
// status surface can reuse it for user listings.
func ClassName(class int) string {
	switch {
	case class <= 0:
		return "pinger"
	case class == 1:
		return "normuser"
	case class == 2:
		return "reguser"
	case class == 3:
		return "vipuser"
	case class == 4:
		return "operator"
	case class == 5:
		return "cheef"
	case class == 6:
		return "admin"
	default:
		return "master"
	}
}

// substituteTemplate expands the welcome/MyINFO-prefix substitution
// language: exactly %[CLASS], %[CC], %[CN], %[CITY], %[MODE],
// %[CLASSNAME], %[nick], and no others (%[pattern] is handled separately by
// substituteSearchPattern) — unrecognized tokens pass through unchanged
// rather than being silently dropped, so a config typo is visible instead
// of swallowed.
func substituteTemplate(tpl string, u *registry.User, info geoip.Info) string {
	mode := "?"
	switch {
	case u.MyFlags&registry.FlagActive != 0:
		mode = "A"
	case u.MyFlags&registry.FlagPassive != 0:
		mode = "P"
	}

	replacer := strings.NewReplacer(
		"%[CLASS]", strconv.Itoa(u.Class),
		"%[CLASSNAME]", ClassName(u.Class),
		"%[CC]", info.CountryCode,
		"%[CN]", info.Description,
		// geoip.Info carries no city, so %[CITY] always expands to empty.
		"%[CITY]", "",
		"%[MODE]", mode,
		"%[nick]", u.Nick,
	)
	return replacer.Replace(tpl)
}

// substituteSearchPattern additionally expands %[pattern] — kept as a
// separate helper since it is only meaningful in a search-relay context,
// not the login welcome message.
func substituteSearchPattern(tpl, pattern string) string {
	return strings.ReplaceAll(tpl, "%[pattern]", pattern)
}
