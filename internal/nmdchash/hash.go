// Package nmdchash provides the nick-key normalization and 32-bit hashing
// used to key the user collection.
package nmdchash

import (
	"hash/fnv"
	"strings"
)

// FoldNick normalizes a nick for use as a collection key: case-folded
// (optionally — config-controlled at the caller) and trimmed of the
// configured registered-operator prefix so "Op-alice" and "alice" collide
// the way the original hub's prefix rules intend.
func FoldNick(nick, stripPrefix string, caseInsensitive bool) string {
	n := strings.TrimSpace(nick)
	if stripPrefix != "" {
		n = strings.TrimPrefix(n, stripPrefix)
	}
	if caseInsensitive {
		n = strings.ToLower(n)
	}
	return n
}

// Hash32 returns a 32-bit FNV-1a hash of a folded nick key, used to index
// the user collection's hash table and to implement ContainsHash.
func Hash32(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
