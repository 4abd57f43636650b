package toolcall

import "strings"

const (
	StartTag = "<custom_tool_call>"
	EndTag   = "</custom_tool_call>"
	// ReplyEnd terminates every plain reply in the custom grammar.
	ReplyEnd = "<|reply_end|>"

	seedMarker = "System Seed:"
)

// Span is one tagged tool call found in model output. Start and End are
// byte offsets of the whole tagged region in the original text.
type Span struct {
	Body  string
	Start int
	End   int
}

// Extract finds every tagged tool call in text and returns them along
// with the text that remains once they are cut out. A start tag with no
// end tag runs to the end of the text, which is what a stop sequence on
// EndTag produces.
func Extract(text string) ([]Span, string) {
	var spans []Span
	var rest strings.Builder

	pos := 0
	for {
		i := strings.Index(text[pos:], StartTag)
		if i < 0 {
			rest.WriteString(text[pos:])
			break
		}
		start := pos + i
		rest.WriteString(text[pos:start])

		bodyStart := start + len(StartTag)
		j := strings.Index(text[bodyStart:], EndTag)
		var bodyEnd, end int
		if j < 0 {
			bodyEnd, end = len(text), len(text)
		} else {
			bodyEnd = bodyStart + j
			end = bodyEnd + len(EndTag)
		}

		spans = append(spans, Span{
			Body:  strings.TrimSpace(text[bodyStart:bodyEnd]),
			Start: start,
			End:   end,
		})
		pos = end
	}

	return spans, strings.TrimSpace(rest.String())
}

// StripReply turns raw model output into display text: the reply
// sentinel and any stray tool tags are removed, and anything from an
// echoed seed marker onward is cut.
func StripReply(text string) string {
	if i := strings.Index(text, seedMarker); i >= 0 {
		text = strings.TrimRight(text[:i], "[ \t\r\n")
	}
	text = strings.ReplaceAll(text, ReplyEnd, "")
	text = strings.ReplaceAll(text, StartTag, "")
	text = strings.ReplaceAll(text, EndTag, "")
	return strings.TrimSpace(text)
}
