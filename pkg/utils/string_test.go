package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hello w...", Truncate("hello world!", 10))
	assert.Equal(t, "你好...", Truncate("你好世界和平", 5))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestSplitMessageShort(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitMessage("short", 2000))
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	content := strings.Repeat("a", 15) + "\n" + strings.Repeat("b", 15)
	chunks := SplitMessage(content, 20)
	assert.Equal(t, []string{strings.Repeat("a", 15), strings.Repeat("b", 15)}, chunks)
}

func TestSplitMessageRespectsLimit(t *testing.T) {
	content := strings.Repeat("word ", 1000)
	for _, chunk := range SplitMessage(content, 1800) {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 1800)
	}
}

func TestSplitMessageHardCut(t *testing.T) {
	chunks := SplitMessage(strings.Repeat("x", 45), 20)
	assert.Equal(t, []string{strings.Repeat("x", 20), strings.Repeat("x", 20), strings.Repeat("x", 5)}, chunks)
}
