package stringutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "", Truncate("abc", 0))
	// "é" is two bytes; cutting inside it drops the whole rune.
	assert.Equal(t, "a", Truncate("aé", 2))
}

func TestTruncateWithSuffix(t *testing.T) {
	assert.Equal(t, "short", TruncateWithSuffix("short", 10, "..."))
	assert.Equal(t, "abcd...(truncated)", TruncateWithSuffix("abcdefgh", 4, "...(truncated)"))
}

func TestTruncateWithEllipsis(t *testing.T) {
	assert.Equal(t, "hello", TruncateWithEllipsis("hello", 5))
	assert.Equal(t, "he...", TruncateWithEllipsis("hello world", 5))
	assert.Equal(t, "hel", TruncateWithEllipsis("hello", 3))
}
