package disk

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// metadataSuffix is appended to an entry's file name to form its
// sidecar. The sidecar holds what an extended attribute would on
// filesystems that support one: the estimated expiration, the TTL the
// entry was stored with, and the content size.
const metadataSuffix = ".meta"

type metadata struct {
	// Estimated expiration instant. Zero means the entry never expires.
	expiresAt time.Time

	// TTL the entry was stored with; used by extend-by-access.
	ttl time.Duration

	// Content file size in bytes at store time.
	size int64
}

func metadataPath(path string) string {
	return path + metadataSuffix
}

// isMetadataPath reports whether a directory entry is a sidecar rather
// than a content file.
func isMetadataPath(name string) bool {
	return strings.HasSuffix(name, metadataSuffix)
}

// writeMetadata persists the sidecar for the content file at path. The
// format is a single line: "<expires-unixnano> <ttl-seconds> <size>",
// with 0 in the first field meaning never-expires.
func writeMetadata(path string, m metadata) error {
	var exp int64
	if !m.expiresAt.IsZero() {
		exp = m.expiresAt.UnixNano()
	}
	line := fmt.Sprintf("%d %d %d\n", exp, int64(m.ttl.Seconds()), m.size)
	return os.WriteFile(metadataPath(path), []byte(line), 0664)
}

// readMetadata loads the sidecar for the content file at path. Callers
// treat any error as never-expires.
func readMetadata(path string) (metadata, error) {
	raw, err := os.ReadFile(metadataPath(path))
	if err != nil {
		return metadata{}, err
	}

	fields := strings.Fields(strings.TrimSpace(string(raw)))
	if len(fields) != 3 {
		return metadata{}, fmt.Errorf("malformed metadata: %q", strings.TrimSpace(string(raw)))
	}

	exp, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return metadata{}, fmt.Errorf("malformed expiration: %w", err)
	}
	ttlSec, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return metadata{}, fmt.Errorf("malformed ttl: %w", err)
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return metadata{}, fmt.Errorf("malformed size: %w", err)
	}

	var m metadata
	if exp != 0 {
		m.expiresAt = time.Unix(0, exp)
	}
	m.ttl = time.Duration(ttlSec) * time.Second
	m.size = size
	return m, nil
}
