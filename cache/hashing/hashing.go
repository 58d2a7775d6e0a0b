// Package hashing maps cache keys to file names. The digest primitive
// itself is a thin external boundary; stores only depend on the Namer
// interface.
package hashing

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/halcyon-cache/halcyon/cache"
)

// Namer derives the on-disk file name for a cache key.
type Namer interface {
	// FileName returns the name (without directory or extension) under
	// which the key's entry is stored.
	FileName(key string) (string, error)
}

// Digest is the default Namer: a fixed-width 128-bit hex digest of the
// UTF-8 key bytes. Distinct keys map to distinct names up to digest
// collision, which is statistically negligible.
type Digest struct{}

func (Digest) FileName(key string) (string, error) {
	if key == "" {
		return "", &cache.Error{Kind: cache.InvalidKey}
	}
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:]), nil
}

// Verbatim preserves the bytes of the key in the file name, escaping
// only what the host filesystem reserves. The escape scheme is
// percent-encoding: '%' is written as %25, '/' as %2F and NUL as %00,
// everything else verbatim. The mapping is injective, so distinct keys
// never collide.
type Verbatim struct{}

var verbatimEscaper = strings.NewReplacer(
	"%", "%25",
	"/", "%2F",
	"\x00", "%00",
)

func (Verbatim) FileName(key string) (string, error) {
	if key == "" {
		return "", &cache.Error{Kind: cache.InvalidKey}
	}
	name := verbatimEscaper.Replace(key)
	// "." and ".." would escape the cache directory as verbatim names.
	if name == "." || name == ".." {
		return "", &cache.Error{Kind: cache.InvalidKey, Path: key}
	}
	return name, nil
}
