package disk

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/halcyon-cache/halcyon/cache"

	"github.com/djherbis/atime"
)

// EntryInfo describes one content file found by a directory scan.
type EntryInfo struct {
	// Path is the absolute path of the content file.
	Path string

	// Size of the content file in bytes.
	Size int64

	// Modified is the file mtime. The store advances it on access, so
	// for entries written by this store it encodes last access.
	Modified time.Time

	// Accessed is the filesystem access time, where tracked. For
	// externally populated files it is the only access signal
	// available.
	Accessed time.Time
}

// scan walks the cache directory and returns one EntryInfo per content
// file, skipping sidecars and in-progress temp files. Concurrent scans
// collapse into a single walk.
func (s *Store) scan() ([]EntryInfo, error) {
	v, err, _ := s.walks.Do("scan", func() (interface{}, error) {
		var entries []EntryInfo

		err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() {
				return nil
			}
			if isMetadataPath(info.Name()) {
				return nil
			}
			if info.Mode()&os.ModeSetgid == os.ModeSetgid {
				// Incomplete write left behind by a crash.
				s.errorLogger.Printf("DISK REMOVE INCOMPLETE %s", path)
				os.Remove(path)
				return nil
			}

			entries = append(entries, EntryInfo{
				Path:     path,
				Size:     info.Size(),
				Modified: info.ModTime(),
				Accessed: atime.Get(info),
			})
			return nil
		})
		if err != nil {
			return nil, &cache.Error{Kind: cache.CannotLoadFromDisk, Path: s.dir, Err: err}
		}

		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]EntryInfo), nil
}

// Entries returns a snapshot of the content files currently on disk.
func (s *Store) Entries() ([]EntryInfo, error) {
	return s.scan()
}

// TotalSize returns the cumulative size of the content files on disk.
func (s *Store) TotalSize() (int64, error) {
	entries, err := s.scan()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

// RemoveExpired removes every entry that has expired as of ref and
// returns the paths of the removed content files. Entries without
// readable metadata never expire.
func (s *Store) RemoveExpired(ref time.Time) ([]string, error) {
	entries, err := s.scan()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, e := range entries {
		meta, err := readMetadata(e.Path)
		if err != nil {
			continue
		}
		if !cache.Expired(meta.expiresAt, ref) {
			continue
		}
		if err := s.removePath(e.Path); err != nil {
			s.errorLogger.Printf("DISK REMOVE EXPIRED %s: %v", e.Path, err)
			continue
		}
		evictedBytes.Add(float64(e.Size))
		removed = append(removed, e.Path)
	}
	return removed, nil
}

// RemoveSizeExceeded enforces the size budget. When the cumulative
// content size exceeds the limit, entries are removed in ascending
// mtime order (least recently accessed first) until the cache shrinks
// to limit times the target ratio. It returns the paths of the removed
// content files.
func (s *Store) RemoveSizeExceeded() ([]string, error) {
	if s.sizeLimit <= 0 {
		return nil, nil
	}

	entries, err := s.scan()
	if err != nil {
		return nil, err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total <= s.sizeLimit {
		return nil, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Modified.Before(entries[j].Modified)
	})

	target := int64(float64(s.sizeLimit) * s.targetRatio)

	var removed []string
	for _, e := range entries {
		if total <= target {
			break
		}
		if err := s.removePath(e.Path); err != nil {
			s.errorLogger.Printf("DISK EVICT %s: %v", e.Path, err)
			continue
		}
		evictedBytes.Add(float64(e.Size))
		total -= e.Size
		removed = append(removed, e.Path)
	}
	return removed, nil
}
