package hashing

import (
	"strings"
	"testing"

	"github.com/halcyon-cache/halcyon/cache"
)

func TestDigestShape(t *testing.T) {
	name, err := Digest{}.FileName("http://example.com/image.png")
	if err != nil {
		t.Fatal(err)
	}
	if len(name) != 32 {
		t.Fatalf("expected a 32 hex char name, got %q (len %d)", name, len(name))
	}
	for _, c := range name {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("non-hex character %q in %q", c, name)
		}
	}
}

func TestDigestDeterministicAndDistinct(t *testing.T) {
	keys := []string{
		"http://example.com/a.png",
		"http://example.com/b.png",
		"",
		"a/b/c",
		strings.Repeat("k", 4096),
		"key with spaces and \x00 bytes",
	}

	seen := make(map[string]string)
	for _, key := range keys {
		if key == "" {
			if _, err := (Digest{}).FileName(key); err == nil {
				t.Fatal("empty key must be rejected")
			}
			continue
		}

		first, err := Digest{}.FileName(key)
		if err != nil {
			t.Fatalf("key %q: %v", key, err)
		}
		second, err := Digest{}.FileName(key)
		if err != nil {
			t.Fatalf("key %q: %v", key, err)
		}
		if first != second {
			t.Fatalf("key %q: non-deterministic names %q vs %q", key, first, second)
		}
		if prior, dup := seen[first]; dup {
			t.Fatalf("keys %q and %q collided on %q", prior, key, first)
		}
		seen[first] = key
	}
}

func TestVerbatimEscaping(t *testing.T) {
	for _, tc := range []struct {
		key  string
		want string
	}{
		{"plain-key", "plain-key"},
		{"a/b", "a%2Fb"},
		{"50%", "50%25"},
		{"nul\x00byte", "nul%00byte"},
		{"%2F", "%252F"},
	} {
		got, err := Verbatim{}.FileName(tc.key)
		if err != nil {
			t.Fatalf("key %q: %v", tc.key, err)
		}
		if got != tc.want {
			t.Fatalf("key %q: expected %q, got %q", tc.key, tc.want, got)
		}
	}
}

func TestVerbatimRejectsTraversalNames(t *testing.T) {
	for _, key := range []string{"", ".", ".."} {
		_, err := Verbatim{}.FileName(key)
		if err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
		if key != "" && !cache.IsKind(err, cache.InvalidKey) {
			t.Fatalf("key %q: expected invalid-key error, got %v", key, err)
		}
	}
}

func TestVerbatimInjective(t *testing.T) {
	// Keys that collide under naive escaping must stay distinct.
	pairs := [][2]string{
		{"a/b", "a%2Fb"},
		{"x%", "x%25"},
	}
	for _, p := range pairs {
		a, err := Verbatim{}.FileName(p[0])
		if err != nil {
			t.Fatal(err)
		}
		b, err := Verbatim{}.FileName(p[1])
		if err != nil {
			t.Fatal(err)
		}
		if a == b {
			t.Fatalf("keys %q and %q map to the same name %q", p[0], p[1], a)
		}
	}
}
