// Package disk implements the on-disk tier of the image cache: a
// directory of content-addressed leaf files with per-entry expiration
// metadata, a size budget, and LRU-by-access eviction.
package disk

import (
	"os"
	"path/filepath"
	"time"

	"github.com/halcyon-cache/halcyon/cache"
	"github.com/halcyon-cache/halcyon/cache/hashing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_disk_cache_hits",
		Help: "The total number of disk cache hits",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_disk_cache_misses",
		Help: "The total number of disk cache misses",
	})
	evictedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_disk_cache_evicted_bytes_total",
		Help: "The total number of bytes removed from disk, due to expiry or full cache",
	})
)

// DefaultTargetRatio is the fraction of the size limit a size-exceeded
// pass shrinks the cache to.
const DefaultTargetRatio = 0.5

// WriteOptions control how an entry's content file is committed.
type WriteOptions struct {
	// Sync flushes file contents to stable storage before the entry
	// becomes visible.
	Sync bool
}

// Store is a filesystem-backed cache rooted at a single directory.
// Entries are leaf files named by a Namer; expiration metadata lives in
// a sidecar next to each entry. It is safe for concurrent use.
type Store struct {
	dir   string
	namer hashing.Namer
	ext   string

	sizeLimit   int64
	targetRatio float64

	defaultExpiration cache.Expiration

	accessLogger cache.Logger
	errorLogger  cache.Logger

	// All metadata-modifying operations (mtime refresh, expiration
	// rewrite) run on a single goroutine fed by this channel, so they
	// are serialized without blocking readers.
	metaCh chan func()

	// Collapses concurrent directory walks.
	walks singleflight.Group
}

// Option configures a Store.
type Option func(*Store) error

// WithSizeLimit bounds the cumulative size of stored content files.
// Zero or negative means unbounded.
func WithSizeLimit(limit int64) Option {
	return func(s *Store) error {
		s.sizeLimit = limit
		return nil
	}
}

// WithTargetRatio sets the fraction of the size limit that a
// RemoveSizeExceeded pass shrinks the cache to.
func WithTargetRatio(ratio float64) Option {
	return func(s *Store) error {
		if ratio <= 0 || ratio > 1 {
			return &cache.Error{Kind: cache.InvalidKey, Path: "target ratio out of range"}
		}
		s.targetRatio = ratio
		return nil
	}
}

// WithNamer sets the key-to-filename derivation. The default is the
// fixed-width digest namer.
func WithNamer(n hashing.Namer) Option {
	return func(s *Store) error {
		s.namer = n
		return nil
	}
}

// WithExtension appends a file extension to every entry name.
func WithExtension(ext string) Option {
	return func(s *Store) error {
		s.ext = ext
		return nil
	}
}

// WithDefaultExpiration sets the expiration callers should use when no
// explicit expiration was requested.
func WithDefaultExpiration(e cache.Expiration) Option {
	return func(s *Store) error {
		s.defaultExpiration = e
		return nil
	}
}

// WithAccessLogger sets the logger for per-entry operations.
func WithAccessLogger(l cache.Logger) Option {
	return func(s *Store) error {
		s.accessLogger = l
		return nil
	}
}

// WithErrorLogger sets the logger for I/O failures.
func WithErrorLogger(l cache.Logger) Option {
	return func(s *Store) error {
		s.errorLogger = l
		return nil
	}
}

// New returns a new disk store rooted at dir, creating the directory
// if needed.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:               dir,
		namer:             hashing.Digest{},
		targetRatio:       DefaultTargetRatio,
		defaultExpiration: cache.Days(7),
		accessLogger:      discardLogger{},
		errorLogger:       discardLogger{},
		metaCh:            make(chan func(), 128),
	}

	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, &cache.Error{Kind: cache.CannotCreateDirectory, Path: dir, Err: err}
	}

	go func() {
		for f := range s.metaCh {
			f()
		}
	}()

	return s, nil
}

// Dir returns the directory the store is rooted at.
func (s *Store) Dir() string {
	return s.dir
}

// DefaultExpiration returns the expiration callers should use when no
// explicit expiration was requested.
func (s *Store) DefaultExpiration() cache.Expiration {
	return s.defaultExpiration
}

// filePath maps a key to the absolute path of its content file.
func (s *Store) filePath(key string) (string, error) {
	name, err := s.namer.FileName(key)
	if err != nil {
		return "", err
	}
	if s.ext != "" {
		name += "." + s.ext
	}
	return filepath.Join(s.dir, name), nil
}

// Store writes data under key with the given expiration. Writing goes
// through a temp file and a rename, so readers never observe a torn
// entry. Storing an already-expired value removes any previous entry.
func (s *Store) Store(key string, data []byte, exp cache.Expiration, wo WriteOptions) error {
	path, err := s.filePath(key)
	if err != nil {
		return err
	}

	if exp.IsExpired() {
		return s.removePath(path)
	}

	// The directory may have been removed externally since New.
	if err := os.MkdirAll(s.dir, os.ModePerm); err != nil {
		return &cache.Error{Kind: cache.CannotCreateDirectory, Path: s.dir, Err: err}
	}

	tf, tmpName, err := createTemp(path)
	if err != nil {
		return &cache.Error{Kind: cache.CannotLoadFromDisk, Path: path, Err: err}
	}

	commit := false
	defer func() {
		if !commit {
			os.Remove(tmpName)
		}
	}()

	if _, err := tf.Write(data); err != nil {
		tf.Close()
		return &cache.Error{Kind: cache.CannotLoadFromDisk, Path: tmpName, Err: err}
	}
	if wo.Sync {
		if err := tf.Sync(); err != nil {
			tf.Close()
			return &cache.Error{Kind: cache.CannotLoadFromDisk, Path: tmpName, Err: err}
		}
	}
	if err := tf.Close(); err != nil {
		return &cache.Error{Kind: cache.CannotLoadFromDisk, Path: tmpName, Err: err}
	}
	if err := os.Chmod(tmpName, entryMode); err != nil {
		return &cache.Error{Kind: cache.CannotLoadFromDisk, Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &cache.Error{Kind: cache.CannotLoadFromDisk, Path: path, Err: err}
	}
	commit = true

	now := time.Now()
	meta := metadata{
		expiresAt: exp.EstimatedAt(now),
		ttl:       exp.Duration(),
		size:      int64(len(data)),
	}
	if err := writeMetadata(path, meta); err != nil {
		s.errorLogger.Printf("DISK WRITE META %s: %v", path, err)
	}

	s.accessLogger.Printf("DISK STORE %s (%d bytes)", key, len(data))

	return nil
}

// Get reads the entry under key if present and not expired. The extend
// policy may refresh the entry's mtime and push its estimated
// expiration forward; both updates run asynchronously on the metadata
// queue.
func (s *Store) Get(key string, extend cache.Extend) ([]byte, bool, error) {
	path, err := s.filePath(key)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()

	meta, ok := s.snapshot(path, now)
	if !ok {
		cacheMisses.Inc()
		return nil, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Removed between the stat and the read.
			cacheMisses.Inc()
			return nil, false, nil
		}
		return nil, false, &cache.Error{Kind: cache.CannotLoadFromDisk, Path: path, Err: err}
	}

	if newExp, changed := extend.Apply(meta.ttl, now); changed {
		s.enqueueMeta(func() {
			if err := os.Chtimes(path, now, now); err != nil {
				return
			}
			meta.expiresAt = newExp
			if err := writeMetadata(path, meta); err != nil {
				s.errorLogger.Printf("DISK EXTEND META %s: %v", path, err)
			}
		})
	} else {
		s.enqueueMeta(func() {
			// mtime encodes last access; refresh it even when the
			// expiration is left alone.
			_ = os.Chtimes(path, now, now)
		})
	}

	cacheHits.Inc()
	s.accessLogger.Printf("DISK GET %s (%d bytes)", key, len(data))

	return data, true, nil
}

// IsCached returns true if key has a non-expired entry as of now.
func (s *Store) IsCached(key string) bool {
	return s.IsCachedAt(key, time.Now())
}

// IsCachedAt returns true if key has an entry that is not expired as of
// the reference time. It reads the metadata snapshot without going
// through the metadata queue.
func (s *Store) IsCachedAt(key string, ref time.Time) bool {
	path, err := s.filePath(key)
	if err != nil {
		return false
	}
	_, ok := s.snapshot(path, ref)
	return ok
}

// Remove deletes the entry under key. Removing an absent entry is not
// an error.
func (s *Store) Remove(key string) error {
	path, err := s.filePath(key)
	if err != nil {
		return err
	}
	return s.removePath(path)
}

// RemoveAll deletes the whole cache directory. Unless skipRecreate is
// set, an empty directory is created in its place.
func (s *Store) RemoveAll(skipRecreate bool) error {
	if err := os.RemoveAll(s.dir); err != nil {
		return &cache.Error{Kind: cache.CannotLoadFromDisk, Path: s.dir, Err: err}
	}
	if skipRecreate {
		return nil
	}
	if err := os.MkdirAll(s.dir, os.ModePerm); err != nil {
		return &cache.Error{Kind: cache.CannotCreateDirectory, Path: s.dir, Err: err}
	}
	return nil
}

// removePath deletes a content file and its sidecar.
func (s *Store) removePath(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return &cache.Error{Kind: cache.CannotLoadFromDisk, Path: path, Err: err}
	}
	if err == nil {
		s.accessLogger.Printf("DISK REMOVE %s", path)
	}
	if err := os.Remove(metadataPath(path)); err != nil && !os.IsNotExist(err) {
		return &cache.Error{Kind: cache.CannotLoadFromDisk, Path: metadataPath(path), Err: err}
	}
	return nil
}

// snapshot stats the content file and reads its sidecar. It returns
// false if the entry is absent or expired; expired entries are removed
// on the spot.
func (s *Store) snapshot(path string, ref time.Time) (metadata, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return metadata{}, false
	}

	meta, err := readMetadata(path)
	if err != nil {
		// Missing or malformed metadata is treated as never-expires,
		// for compatibility with externally populated directories.
		if !os.IsNotExist(err) {
			s.errorLogger.Printf("DISK READ META %s: %v", path, err)
		}
		meta = metadata{size: info.Size()}
	}

	if cache.Expired(meta.expiresAt, ref) {
		if err := s.removePath(path); err != nil {
			s.errorLogger.Printf("DISK REMOVE EXPIRED %s: %v", path, err)
		}
		evictedBytes.Add(float64(info.Size()))
		return metadata{}, false
	}

	return meta, true
}

func (s *Store) enqueueMeta(f func()) {
	s.metaCh <- f
}

type discardLogger struct{}

func (discardLogger) Printf(format string, v ...interface{}) {}
