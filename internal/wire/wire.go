// Package wire implements the textual encodings kvmesh nodes exchange
// over the inter-server and client HTTP surface: DataVersion framing,
// scheme-tagged DataVersion framing, and the generic backslash-escaping
// scheme that lets those encodings nest inside one another.
//
// The escaping rules are ported from original_source's ParsingHelpers
// (escapeChars/unescapeChars/findNextUnescapedChar): every character in
// a caller-supplied avoid-set gets a backslash prepended, and a scan for
// an unescaped delimiter skips any byte immediately preceded by an odd
// number of backslashes.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// EscapeChars prepends a backslash to every byte in s that also
// appears in avoid, plus to every literal backslash already in s (so
// unescaping is unambiguous). Composing EscapeChars calls with
// different avoid-sets is how one encoding nests inside another (a
// scheme's space-escaped addresses inside a caller-escaped scheme
// body, a data version inside a reshard-move body): each layer only
// needs to know its own delimiter set. The gossip blob applies no
// escaping at all.
func EscapeChars(s string, avoid string) string {
	if s == "" {
		return s
	}

	needsEscape := func(b byte) bool {
		return b == '\\' || strings.IndexByte(avoid, b) >= 0
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if needsEscape(s[i]) {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// UnescapeChars removes one level of backslash escaping, the inverse
// of EscapeChars for any avoid-set.
func UnescapeChars(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// FindNextUnescaped returns the index of the next occurrence of sep in
// s that is not itself escaped (preceded by an odd run of backslashes),
// or -1 if none exists.
func FindNextUnescaped(s string, sep byte) int {
	backslashRun := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			backslashRun++
		case sep:
			if backslashRun%2 == 0 {
				return i
			}
			backslashRun = 0
		default:
			backslashRun = 0
		}
	}
	return -1
}

// splitUnescaped splits s on the first unescaped occurrence of sep,
// returning the two halves with escaping preserved in each.
func splitUnescaped(s string, sep byte) (head, tail string, ok bool) {
	idx := FindNextUnescaped(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

// EncodeDataVersion renders "<clock>|<value>" — DataVersion's wire
// form. Value is opaque text; spec.md §6 notes no escaping is applied
// within DataVersion itself, since clocks never contain '|'.
func EncodeDataVersion(clock, value string) string {
	return clock + "|" + value
}

// DecodeDataVersion is the inverse of EncodeDataVersion.
func DecodeDataVersion(s string) (clock, value string, err error) {
	clock, value, ok := splitUnescaped(s, '|')
	if !ok {
		return "", "", fmt.Errorf("wire: malformed data version %q", s)
	}
	return clock, value, nil
}

// EncodeDataVersionWithScheme renders "<schemeVersion>|<clock>|<value>",
// the form directGet responses use to carry the responder's scheme
// version alongside its data.
func EncodeDataVersionWithScheme(schemeVersion int, clock, value string) string {
	return strconv.Itoa(schemeVersion) + "|" + clock + "|" + value
}

// DecodeDataVersionWithScheme is the inverse of
// EncodeDataVersionWithScheme.
func DecodeDataVersionWithScheme(s string) (schemeVersion int, clock, value string, err error) {
	schemeStr, rest, ok := splitUnescaped(s, '|')
	if !ok {
		return 0, "", "", fmt.Errorf("wire: malformed scheme-tagged data version %q", s)
	}
	schemeVersion, err = strconv.Atoi(schemeStr)
	if err != nil {
		return 0, "", "", fmt.Errorf("wire: malformed scheme version %q: %w", schemeStr, err)
	}
	clock, value, ok = splitUnescaped(rest, '|')
	if !ok {
		return 0, "", "", fmt.Errorf("wire: malformed data version %q", rest)
	}
	return schemeVersion, clock, value, nil
}

// moveEscapeSet is the delimiter set escaped inside a reshard-move
// body's key and data-version fields.
const moveEscapeSet = "&"

// EncodeMove renders "<version>&<escaped-key>&<escaped-dataVersion>",
// the body of a shards/move RPC (spec.md §6).
func EncodeMove(schemeVersion int, key, dataVersion string) string {
	return strconv.Itoa(schemeVersion) + "&" +
		EscapeChars(key, moveEscapeSet) + "&" +
		EscapeChars(dataVersion, moveEscapeSet)
}

// DecodeMove is the inverse of EncodeMove: it splits on the first two
// non-backslash-escaped '&' characters.
func DecodeMove(s string) (schemeVersion int, key, dataVersion string, err error) {
	versionStr, rest, ok := splitUnescaped(s, '&')
	if !ok {
		return 0, "", "", fmt.Errorf("wire: malformed move body %q", s)
	}
	schemeVersion, err = strconv.Atoi(versionStr)
	if err != nil {
		return 0, "", "", fmt.Errorf("wire: malformed move scheme version %q: %w", versionStr, err)
	}
	escapedKey, escapedVersion, ok := splitUnescaped(rest, '&')
	if !ok {
		return 0, "", "", fmt.Errorf("wire: malformed move body %q", s)
	}
	return schemeVersion, UnescapeChars(escapedKey), UnescapeChars(escapedVersion), nil
}

// gossipEntrySep terminates each key|clock|value entry in a gossip
// blob. No escaping is applied to keys or values within the blob —
// see spec.md §9's open question on this known limitation.
const gossipEntrySep = '$'

// EncodeGossipEntry renders one "<key>|<clock>|<value>$" entry.
func EncodeGossipEntry(key, clock, value string) string {
	return key + "|" + clock + "|" + value + string(gossipEntrySep)
}

// GossipEntry is one decoded key/clock/value triple from a gossip blob.
type GossipEntry struct {
	Key   string
	Clock string
	Value string
}

// DecodeGossipBlob splits a full anti-entropy blob into its entries.
// Unescaped splitting is not needed here (the format has no escaping,
// by design — see spec.md §9); entries are simply '$'-delimited and
// each entry's first two '|' characters delimit key and clock.
func DecodeGossipBlob(blob string) ([]GossipEntry, error) {
	if blob == "" {
		return nil, nil
	}

	var entries []GossipEntry
	for _, raw := range strings.Split(blob, string(gossipEntrySep)) {
		if raw == "" {
			continue
		}
		key, rest, ok := strings.Cut(raw, "|")
		if !ok {
			return nil, fmt.Errorf("wire: malformed gossip entry %q", raw)
		}
		clock, value, ok := strings.Cut(rest, "|")
		if !ok {
			return nil, fmt.Errorf("wire: malformed gossip entry %q", raw)
		}
		entries = append(entries, GossipEntry{Key: key, Clock: clock, Value: value})
	}
	return entries, nil
}
