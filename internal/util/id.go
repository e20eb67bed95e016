package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID mints a random document id with a short type prefix, e.g. "mem_..."
// for members, "rel_..." for relations, "ver_..." for tree versions and
// "pho_..." for album photos. An empty prefix yields the bare hex string,
// used when concatenating extra entropy onto refresh tokens.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
