package utils

import "strings"

// Truncate shortens s to at most maxLen runes, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// SplitMessage breaks content into chunks of at most limit runes.
// It prefers to cut at a newline, then at a space.
func SplitMessage(content string, limit int) []string {
	if limit <= 0 {
		return []string{content}
	}
	var chunks []string
	runes := []rune(content)
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}

		window := string(runes[:limit])
		cut := strings.LastIndex(window, "\n")
		if cut <= 0 {
			cut = strings.LastIndex(window, " ")
		}

		var n int
		if cut <= 0 {
			n = limit
		} else {
			n = len([]rune(window[:cut]))
		}

		chunk := strings.TrimRight(string(runes[:n]), " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = []rune(strings.TrimLeft(string(runes[n:]), " \n"))
	}
	return chunks
}
