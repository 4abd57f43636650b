package toolcall

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindLexical Kind = "lexical"
	KindSyntax  Kind = "syntax"
	KindType    Kind = "type"
)

// snippetWidth is the number of characters of input shown around an error.
const snippetWidth = 40

// Diagnostic describes where and why a tool call failed to parse.
// Offset counts characters (runes) from the start of the call body.
type Diagnostic struct {
	Kind    Kind
	Message string
	Offset  int
	// Snippet is the input window around Offset followed by a caret line.
	Snippet string
}

func newDiagnostic(kind Kind, input []rune, offset int, format string, args ...any) Diagnostic {
	return Diagnostic{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Offset:  offset,
		Snippet: snippet(input, offset),
	}
}

func (d Diagnostic) render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s error at offset %d: %s", d.Kind, d.Offset, d.Message)
	if d.Snippet != "" {
		sb.WriteString("\n")
		sb.WriteString(d.Snippet)
	}
	return sb.String()
}

// snippet cuts a window of snippetWidth characters centered on offset and
// draws a caret under the offending position.
func snippet(input []rune, offset int) string {
	offset = max(0, min(offset, len(input)))

	start := max(0, offset-snippetWidth/2)
	end := min(len(input), start+snippetWidth)
	start = max(0, end-snippetWidth)

	window := []rune(string(input[start:end]))
	for i, r := range window {
		if r == '\n' || r == '\r' || r == '\t' {
			window[i] = ' '
		}
	}
	return "  " + string(window) + "\n  " + strings.Repeat(" ", offset-start) + "^"
}

type LexError struct {
	Diagnostic
	Char rune
}

func (e *LexError) Error() string { return e.render() }

type SyntaxError struct {
	Diagnostic
}

func (e *SyntaxError) Error() string { return e.render() }

type TypeError struct {
	Diagnostic
	Token Token
}

func (e *TypeError) Error() string { return e.render() }

// DiagnosticOf returns the Diagnostic carried by any of the parse error
// types.
func DiagnosticOf(err error) (Diagnostic, bool) {
	switch e := err.(type) {
	case *LexError:
		return e.Diagnostic, true
	case *SyntaxError:
		return e.Diagnostic, true
	case *TypeError:
		return e.Diagnostic, true
	}
	return Diagnostic{}, false
}
