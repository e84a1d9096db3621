package bitname

import (
	"strings"

	"github.com/mcdoku/bitshares-core/primitives"
)

// confusable maps a lowercased rune to the canonical rune it shares a
// hash bucket with, covering the glyphs that look alike across common
// fonts (spec.md §8 scenario 6): 0/O, 1/l/I, 5/S, 6/G, 8/B, n/m.
var confusable = map[rune]rune{
	'0': 'o',
	'1': 'l',
	'i': 'l',
	'5': 's',
	'6': 'g',
	'8': 'b',
	'n': 'm',
}

// canonicalizeName lowercases n and folds every confusable character to
// its canonical form, so that visually similar keyhotee ids collide
// under NameHash the way bitname_hash.hpp's doc comment requires:
// "GN00B", "6MOO8", and "gmoob" all fold to "gmoob".
func canonicalizeName(n string) string {
	lower := strings.ToLower(n)
	out := make([]rune, 0, len(lower))
	for _, r := range lower {
		if c, ok := confusable[r]; ok {
			r = c
		}
		out = append(out, r)
	}
	return string(out)
}

// NameHash computes the 64-bit registration hash of a keyhotee id: fold
// confusable characters, then take the low 64 bits of the canonical
// string's small hash (primitives.Hash64, the same truncated-SHA-512
// construction used for extended-address checksums).
func NameHash(n string) uint64 {
	return primitives.Hash64([]byte(canonicalizeName(n)))
}
