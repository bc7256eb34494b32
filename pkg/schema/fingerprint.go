package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Separators for the fingerprint pre-image. Commands are separated by NUL;
// argv elements within a command by the unit separator so that
// ["echo","a b"] and ["echo","a","b"] hash differently.
const (
	fpCommandSep = "\x00"
	fpArgvSep    = "\x1f"
)

// Fingerprint computes the deterministic identity of an (image, commands)
// pair: sha256 over the canonical image, a NUL, and the NUL-joined
// canonical commands. Identical pairs produce identical fingerprints across
// runs and processes.
func Fingerprint(image string, commands []Command) string {
	parts := make([]string, len(commands))
	for i, cmd := range commands {
		parts[i] = strings.Join(cmd, fpArgvSep)
	}

	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(image)))
	h.Write([]byte(fpCommandSep))
	h.Write([]byte(strings.Join(parts, fpCommandSep)))
	return hex.EncodeToString(h.Sum(nil))
}
