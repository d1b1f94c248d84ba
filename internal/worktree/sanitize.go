package worktree

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// MaxDirNameLength caps sanitized branch directory names.
const MaxDirNameLength = 200

// hashSuffixLength is the number of hex characters appended when truncating.
const hashSuffixLength = 8

// reservedNames are device names that cannot be used as file names on Windows,
// regardless of extension.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Sanitize turns a branch name into a directory name that is safe on every
// platform. Sanitize(Sanitize(x)) == Sanitize(x) for every x.
//
// Names longer than MaxDirNameLength are truncated and suffixed with a hash of
// the full name, so long branches that differ only past the cap still map to
// different directories.
func Sanitize(branch string) string {
	var b strings.Builder
	b.Grow(len(branch))

	inSpace := false
	for _, r := range branch {
		switch {
		case unicode.IsSpace(r):
			if !inSpace {
				b.WriteByte('_')
			}
			inSpace = true
			continue
		case isInvalidPathRune(r):
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
		inSpace = false
	}

	name := collapseDashes(b.String())
	name = strings.TrimRight(name, ".")

	if isReserved(name) {
		name = "_" + name
	}

	if len(name) > MaxDirNameLength {
		sum := sha256.Sum256([]byte(name))
		prefix := truncateUTF8(name, MaxDirNameLength-hashSuffixLength-1)
		prefix = strings.TrimRight(prefix, "-.")
		name = prefix + "-" + hex.EncodeToString(sum[:])[:hashSuffixLength]
	}

	if name == "" {
		return "_"
	}
	return name
}

func isInvalidPathRune(r rune) bool {
	if r < 0x20 || r == 0x7f {
		return true
	}
	switch r {
	case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
		return true
	}
	return false
}

func collapseDashes(s string) string {
	if !strings.Contains(s, "--") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prevDash := false
	for _, r := range s {
		if r == '-' {
			if prevDash {
				continue
			}
			prevDash = true
		} else {
			prevDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isReserved(name string) bool {
	base := name
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return reservedNames[strings.ToUpper(base)]
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
