package login

import "fmt"

// GenerateLock produces the lock string for the $Lock greeting: a fixed
// prefix followed by the zero-padded connection ID, so it is deterministic
// per ID. The only requirement is that it be distinct enough per connection to
// defeat a canned-response attack; the reference hub seeds it off a
// per-connection counter plus the hub's PID, which this mirrors using the
// monotonic connection ID handed in by the caller.
func GenerateLock(connID uint64) string {
	return fmt.Sprintf("EXTENDEDPROTOCOL_ABCDEFGHIJKLMNOPQRSTUVWXYZ%010d", connID%1e10)
}

// LockToKey implements the NMDC lock-to-key transform clients must answer
// with via $Key: each key byte is the corresponding lock byte XORed with
// its predecessor (wrapping specially for byte 0), then nibble-swapped,
// then escaped for the six NMDC-reserved byte values.
func LockToKey(lock string) string {
	l := []byte(lock)
	if len(l) < 3 {
		return ""
	}
	key := make([]byte, len(l))
	key[0] = l[0] ^ l[len(l)-1] ^ l[len(l)-2] ^ 5
	for i := 1; i < len(l); i++ {
		key[i] = l[i] ^ l[i-1]
	}
	for i := range key {
		key[i] = (key[i] << 4) | (key[i] >> 4)
	}
	return escapeKey(key)
}

// escapeKey replaces the byte values NMDC reserves for framing (0x00,
// 0x05, '$', '`', '|', '~') with their /%DCNnnn%/ escape form.
func escapeKey(key []byte) string {
	out := make([]byte, 0, len(key))
	for _, b := range key {
		switch b {
		case 0, 5, '$', '`', '|', '~':
			out = append(out, []byte(fmt.Sprintf("/%%DCN%03d%%/", b))...)
		default:
			out = append(out, b)
		}
	}
	return string(out)
}

// VerifyKey reports whether clientKey is the correct response to lock.
func VerifyKey(lock, clientKey string) bool {
	return LockToKey(lock) == clientKey
}
