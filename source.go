package halcyon

import (
	"net/url"
)

// Source identifies a logical image. Its cache key is the
// caller-visible identity under which variants are cached.
type Source interface {
	// CacheKey returns the caller-stable identifier for the image. An
	// empty key marks the source as invalid.
	CacheKey() string
}

// URLSource is an image fetched over the network.
type URLSource struct {
	// URL of the image.
	URL string

	// Key overrides the cache key. Empty defaults to the URL's
	// absolute form.
	Key string
}

// URL returns a network source for rawURL.
func URL(rawURL string) URLSource {
	return URLSource{URL: rawURL}
}

func (s URLSource) CacheKey() string {
	if s.Key != "" {
		return s.Key
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return s.URL
	}
	return u.String()
}

// ProviderSource is an image whose bytes are supplied locally by the
// caller instead of fetched over the network.
type ProviderSource struct {
	// Key is the cache key for the provided image. Required.
	Key string

	// Provide returns the raw image bytes.
	Provide func() ([]byte, error)
}

func (s ProviderSource) CacheKey() string {
	return s.Key
}
