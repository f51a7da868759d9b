package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitByBytes(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitByBytes("short", 100))

	parts := splitByBytes(strings.Repeat("a", 10), 4)
	assert.Equal(t, []string{"aaaa", "aaaa", "aa"}, parts)

	// Multi-byte runes are never split in the middle.
	parts = splitByBytes(strings.Repeat("я", 5), 4)
	for _, p := range parts {
		assert.True(t, len(p)%2 == 0)
	}
	assert.Equal(t, strings.Repeat("я", 5), strings.Join(parts, ""))
}

func TestTruncateByBytes(t *testing.T) {
	assert.Equal(t, "short", truncateByBytes("short", 100))
	assert.Equal(t, "aaaa", truncateByBytes(strings.Repeat("a", 10), 4))

	got := truncateByBytes(strings.Repeat("я", 5), 5)
	assert.Equal(t, "яя", got)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Token: "  "})
	assert.Error(t, err)

	_, err = New(Options{Token: "123:abc"})
	assert.Error(t, err)
}
