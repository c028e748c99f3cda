package lockstore

import "strings"

// escapeKey applies spec.md §4.2's backtick-prefix escaping for characters
// the underlying JSON-path engine mishandles: forward slash, tilde, and
// backtick. The mapping is bijective (escape/unescape round-trip), grounded
// on original_source/service/redis/models/marc.py's key-naming scheme for
// per-collection S3 keys, which routinely contain '/'.
//
//	'`' -> "``"
//	'/' -> "`s"
//	'~' -> "`t"
func escapeKey(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch r {
		case '`':
			b.WriteString("``")
		case '/':
			b.WriteString("`s")
		case '~':
			b.WriteString("`t")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// unescapeKey inverts escapeKey. Returns an error if the input contains a
// malformed escape sequence (a trailing lone backtick, or a backtick
// followed by a character that isn't '`', 's', or 't').
func unescapeKey(escaped string) (string, error) {
	var b strings.Builder
	b.Grow(len(escaped))
	runes := []rune(escaped)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '`' {
			b.WriteRune(runes[i])
			continue
		}
		if i+1 >= len(runes) {
			return "", &LockError{Key: escaped, Message: "trailing escape backtick"}
		}
		i++
		switch runes[i] {
		case '`':
			b.WriteRune('`')
		case 's':
			b.WriteRune('/')
		case 't':
			b.WriteRune('~')
		default:
			return "", &LockError{Key: escaped, Message: "unknown escape sequence `" + string(runes[i])}
		}
	}
	return b.String(), nil
}
