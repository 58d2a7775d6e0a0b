package cache

import (
	"fmt"
)

// CacheType reports which tier served a retrieval.
type CacheType int

const (
	// TypeNone means the value was not served from a cache tier.
	TypeNone CacheType = iota

	// TypeMemory means the value came from the in-memory store.
	TypeMemory

	// TypeDisk means the value came from the on-disk store.
	TypeDisk
)

func (t CacheType) String() string {
	if t == TypeMemory {
		return "memory"
	}
	if t == TypeDisk {
		return "disk"
	}
	return "none"
}

// Cached returns true if the value was served from either tier.
func (t CacheType) Cached() bool {
	return t != TypeNone
}

// Logger is designed to be satisfied by log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// ErrorKind classifies cache errors.
type ErrorKind int

const (
	// CannotCreateDirectory means the store directory could not be created.
	CannotCreateDirectory ErrorKind = iota

	// CannotLoadFromDisk means an entry's file could not be read.
	CannotLoadFromDisk

	// CannotSerializeImage means an image could not be converted to its
	// on-disk byte form.
	CannotSerializeImage

	// InvalidKey means the cache key cannot be mapped to a file name.
	InvalidKey
)

func (k ErrorKind) String() string {
	switch k {
	case CannotCreateDirectory:
		return "cannot create directory"
	case CannotLoadFromDisk:
		return "cannot load from disk"
	case CannotSerializeImage:
		return "cannot serialize image"
	case InvalidKey:
		return "invalid key"
	}
	return "unknown"
}

// Error is the structured error returned by cache stores.
type Error struct {
	Kind ErrorKind

	// Path is the file or directory involved, if any.
	Path string

	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Path != "" {
		s += ": " + e.Path
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a cache Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ce, ok := err.(*Error)
	if !ok {
		return false
	}
	return ce.Kind == kind
}

// VariantKey renders the fingerprint under which a processed variant is
// cached. The default (empty) processor identifier maps to the source
// key itself, so unprocessed entries keep caller-visible keys.
func VariantKey(key string, processorID string) string {
	if processorID == "" {
		return key
	}
	return fmt.Sprintf("%s@%s", key, processorID)
}
