// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package toolcall

import (
	"strconv"
	"strings"
	"unicode"
)

type TokenKind int

const (
	TokenIdent TokenKind = iota
	TokenString
	TokenNumber
	TokenBool
	TokenEquals
	TokenLBracket
	TokenRBracket
)

func (k TokenKind) String() string {
	switch k {
	case TokenIdent:
		return "identifier"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenBool:
		return "boolean"
	case TokenEquals:
		return "'='"
	case TokenLBracket:
		return "'['"
	case TokenRBracket:
		return "']'"
	}
	return "unknown"
}

type Token struct {
	Kind   TokenKind
	Text   string
	Value  any
	Offset int
}

type lexer struct {
	input []rune
	pos   int
}

// Lex splits a tool call body into tokens. Whitespace and commas are
// separators only.
func Lex(input string) ([]Token, error) {
	l := &lexer{input: []rune(input)}
	var tokens []Token
	for {
		l.skipSeparators()
		if l.pos >= len(l.input) {
			return tokens, nil
		}
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
}

func (l *lexer) skipSeparators() {
	for l.pos < len(l.input) {
		r := l.input[l.pos]
		if r != ',' && !unicode.IsSpace(r) {
			return
		}
		l.pos++
	}
}

func (l *lexer) next() (Token, error) {
	start := l.pos
	r := l.input[l.pos]

	switch {
	case r == '=':
		l.pos++
		return Token{Kind: TokenEquals, Text: "=", Offset: start}, nil
	case r == '[':
		l.pos++
		return Token{Kind: TokenLBracket, Text: "[", Offset: start}, nil
	case r == ']':
		l.pos++
		return Token{Kind: TokenRBracket, Text: "]", Offset: start}, nil
	case r == '"':
		return l.readString()
	case r == '-' || isDigit(r):
		return l.readNumber()
	case r == '_' || unicode.IsLetter(r):
		return l.readIdent(), nil
	}

	return Token{}, &LexError{
		Diagnostic: newDiagnostic(KindLexical, l.input, start, "unexpected character %q", r),
		Char:       r,
	}
}

func (l *lexer) readString() (Token, error) {
	start := l.pos
	l.pos++ // opening quote

	var sb strings.Builder
	for l.pos < len(l.input) {
		r := l.input[l.pos]
		switch r {
		case '"':
			l.pos++
			s := sb.String()
			return Token{Kind: TokenString, Text: s, Value: s, Offset: start}, nil
		case '\\':
			if l.pos+1 >= len(l.input) {
				l.pos++
				continue
			}
			esc := l.input[l.pos+1]
			switch esc {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			case '"', '\\', '/':
				sb.WriteRune(esc)
			default:
				sb.WriteRune('\\')
				sb.WriteRune(esc)
			}
			l.pos += 2
		default:
			sb.WriteRune(r)
			l.pos++
		}
	}

	return Token{}, &SyntaxError{
		Diagnostic: newDiagnostic(KindSyntax, l.input, len(l.input),
			"unterminated string starting at offset %d", start),
	}
}

func (l *lexer) readNumber() (Token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
		if l.pos >= len(l.input) || !isDigit(l.input[l.pos]) {
			return Token{}, &LexError{
				Diagnostic: newDiagnostic(KindLexical, l.input, start, "'-' must be followed by a digit"),
				Char:       '-',
			}
		}
	}

	dot := false
	for l.pos < len(l.input) {
		r := l.input[l.pos]
		if r == '.' && !dot {
			dot = true
			l.pos++
			continue
		}
		if !isDigit(r) {
			break
		}
		l.pos++
	}

	text := string(l.input[start:l.pos])
	tok := Token{Kind: TokenNumber, Text: text, Offset: start}
	if dot {
		f, err := strconv.ParseFloat(strings.TrimSuffix(text, "."), 64)
		if err != nil {
			return Token{}, &LexError{
				Diagnostic: newDiagnostic(KindLexical, l.input, start, "invalid number %q", text),
				Char:       l.input[start],
			}
		}
		tok.Value = f
		return tok, nil
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		// Out of int64 range; keep it as a float.
		f, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil {
			return Token{}, &LexError{
				Diagnostic: newDiagnostic(KindLexical, l.input, start, "invalid number %q", text),
				Char:       l.input[start],
			}
		}
		tok.Value = f
		return tok, nil
	}
	tok.Value = n
	return tok, nil
}

func (l *lexer) readIdent() Token {
	start := l.pos
	for l.pos < len(l.input) {
		r := l.input[l.pos]
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		l.pos++
	}
	text := string(l.input[start:l.pos])

	switch strings.ToLower(text) {
	case "true":
		return Token{Kind: TokenBool, Text: text, Value: true, Offset: start}
	case "false":
		return Token{Kind: TokenBool, Text: text, Value: false, Offset: start}
	}
	return Token{Kind: TokenIdent, Text: text, Offset: start}
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
