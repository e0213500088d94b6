package hub

import (
	"strconv"
	"strings"
)

// tagInfo is the parsed content of a MyINFO description's bracketed
// <ClientName V:x,M:A,H:1/0/0,S:5> tag: client version, mode (A/P/5), hub
// counts split registered/op/unregistered, and upload slots.
type tagInfo struct {
	present    bool
	version    float64
	hasVersion bool
	mode       byte // 'A', 'P', '5', or 0 if absent
	hubsUser   int
	hubsReg    int
	hubsOp     int
	slots      int
	hasSlots   bool
}

// parseTag extracts the bracketed tag from a MyINFO description, if any.
// A description with no '<...>' suffix yields tagInfo{present: false}.
func parseTag(desc string) tagInfo {
	start := strings.IndexByte(desc, '<')
	end := strings.LastIndexByte(desc, '>')
	if start < 0 || end <= start {
		return tagInfo{}
	}
	body := desc[start+1 : end]

	t := tagInfo{present: true}
	fields := strings.Split(body, ",")
	if len(fields) > 0 {
		// fields[0] is "<ClientName> V:x" (or just "<ClientName>" with no
		// recognized key); only the part after the first space carries a
		// key:value pair worth parsing below.
		if sp := strings.IndexByte(fields[0], ' '); sp >= 0 {
			fields[0] = strings.TrimSpace(fields[0][sp+1:])
		} else {
			fields[0] = ""
		}
	}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		k, v, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		switch k {
		case "V":
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				t.version, t.hasVersion = n, true
			}
		case "M":
			if v != "" {
				t.mode = v[0]
			}
		case "H":
			parts := strings.Split(v, "/")
			if len(parts) == 3 {
				t.hubsReg, _ = strconv.Atoi(parts[0])
				t.hubsOp, _ = strconv.Atoi(parts[1])
				t.hubsUser, _ = strconv.Atoi(parts[2])
			}
		case "S":
			if n, err := strconv.Atoi(v); err == nil {
				t.slots, t.hasSlots = n, true
			}
		}
	}
	return t
}

// totalHubs is the sum of the H: triplet, the value the tag_sum_hubs/
// tag_min_hubs family of settings checks against.
func (t tagInfo) totalHubs() int { return t.hubsReg + t.hubsOp + t.hubsUser }

// classTier maps a user's numeric class (see ClassName: 0 pinger, 1
// normuser, 2 reguser, 3 vipuser, 4+ operator and above) onto the four
// share/tag tiers the config exposes separately.
func classTier(class int) int {
	switch {
	case class >= 4:
		return 3 // operator and above
	case class == 3:
		return 2 // vipuser
	case class == 2:
		return 1 // reguser
	default:
		return 0 // pinger/normuser
	}
}

// shareBounds returns the configured [min, max] share size in bytes for a
// user's class tier.
func (s *Server) shareBounds(class int) (min, max uint64) {
	switch classTier(class) {
	case 3:
		return s.cfg.ShareSizeMinOps, s.cfg.ShareSizeMaxOps
	case 2:
		return s.cfg.ShareSizeMinVip, s.cfg.ShareSizeMaxVip
	case 1:
		return s.cfg.ShareSizeMinReg, s.cfg.ShareSizeMaxReg
	default:
		return s.cfg.ShareSizeMinNorm, s.cfg.ShareSizeMaxNorm
	}
}

// checkShareSize enforces the per-class share bounds, scaling a passive
// user's share by PassiveShareMulti before comparing against the minimum
// (a passive user who can't accept incoming connections is cut some slack
// on the floor, matching min_share_factor_passive).
func (s *Server) checkShareSize(class int, passive bool, share uint64) (ok bool, reason string) {
	min, max := s.shareBounds(class)
	effective := share
	if passive && s.cfg.PassiveShareMulti > 0 {
		effective = uint64(float64(share) * s.cfg.PassiveShareMulti)
	}
	if min > 0 && effective < min {
		return false, "share size below the minimum for your class"
	}
	if max > 0 && share > max {
		return false, "share size exceeds the maximum for your class"
	}
	return true, ""
}

// checkTag enforces the tag-grammar admission rules: allow-none/unknown,
// allowed modes, hub-count bounds, and client version bounds. Classes at or
// above TagMinClassIgnore skip tag admission entirely (operators routinely
// run modified clients).
func (s *Server) checkTag(class int, t tagInfo) (ok bool, reason string) {
	if class >= s.cfg.TagMinClassIgnore {
		return true, ""
	}
	if !t.present {
		if s.cfg.TagAllowNone {
			return true, ""
		}
		return false, "client sent no MyINFO tag"
	}
	switch t.mode {
	case 'A':
	case 'P':
		if !s.cfg.TagAllowPassive {
			return false, "passive mode is not allowed on this hub"
		}
	case '5':
		if !s.cfg.TagAllowSock5 {
			return false, "SOCKS5 mode is not allowed on this hub"
		}
	default:
		if !s.cfg.TagAllowUnknown {
			return false, "unrecognized tag mode"
		}
	}
	if s.cfg.TagMinHubs > 0 && t.totalHubs() < s.cfg.TagMinHubs {
		return false, "tag reports too few hubs"
	}
	if s.cfg.TagMaxHubs > 0 && t.totalHubs() > s.cfg.TagMaxHubs {
		return false, "tag reports too many hubs"
	}
	if s.cfg.TagMinHubsReg > 0 && t.hubsReg < s.cfg.TagMinHubsReg {
		return false, "tag reports too few registered-hub connections"
	}
	if s.cfg.TagMinHubsOp > 0 && t.hubsOp < s.cfg.TagMinHubsOp {
		return false, "tag reports too few op-hub connections"
	}
	if t.hasSlots && t.totalHubs() > 0 {
		ratio := float64(t.hubsUser+t.hubsReg+t.hubsOp) / float64(max(t.slots, 1))
		if s.cfg.TagMinHSRatio > 0 && ratio < s.cfg.TagMinHSRatio {
			return false, "hub-to-slot ratio too low"
		}
		if s.cfg.TagMaxHSRatio > 0 && ratio > s.cfg.TagMaxHSRatio {
			return false, "hub-to-slot ratio too high"
		}
	}
	if t.hasVersion {
		if s.cfg.TagMinVersion >= 0 && t.version < s.cfg.TagMinVersion {
			return false, "client version too old"
		}
		if s.cfg.TagMaxVersion >= 0 && t.version > s.cfg.TagMaxVersion {
			return false, "client version too new"
		}
	}
	return true, ""
}

// checkHubUse enforces the min_class_use_hub / min_share_use_hub family:
// a $MyINFO whose class or share falls under the configured floor is
// refused, and the caller kicks the connection.
func (s *Server) checkHubUse(class int, passive bool, share uint64) (ok bool, reason string) {
	minClass := s.cfg.MinClassUseHub
	if passive {
		minClass = s.cfg.MinClassUseHubPassive
	}
	if class < minClass {
		return false, "your class is not permitted to use this hub"
	}
	minShare := s.cfg.MinShareUseHub
	switch classTier(class) {
	case 2:
		minShare = s.cfg.MinShareUseHubVip
	case 1:
		minShare = s.cfg.MinShareUseHubReg
	}
	if minShare > 0 && share < minShare {
		return false, "your share is too small to use this hub"
	}
	return true, ""
}

// kickForAdmission sends the hub-security notice and closes the
// connection, mirroring the rejection idiom used during login/ban checks.
func (s *Server) kickForAdmission(cs *connState, reason string) {
	_ = cs.c.SendNow([]byte("<Hub-Security> " + reason + "|"))
	_ = cs.c.Close("admission: " + reason)
}

