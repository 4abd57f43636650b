// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package toolcall

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Call is one parsed tool invocation.
type Call struct {
	Name string
	Args map[string]any
}

type parser struct {
	input  []rune
	tokens []Token
	pos    int
}

// Parse reads a tool call body of the form
//
//	name="tool", "key"=value, "list"=["a", 1, true]
//
// and returns the typed error variants on failure.
func Parse(input string) (Call, error) {
	tokens, err := Lex(input)
	if err != nil {
		return Call{}, err
	}
	p := &parser{input: []rune(input), tokens: tokens}
	return p.parseCall()
}

func (p *parser) peek() (Token, bool) {
	if p.pos >= len(p.tokens) {
		return Token{}, false
	}
	return p.tokens[p.pos], true
}

// offset returns where the next token starts, or the end of input.
func (p *parser) offset() int {
	if tok, ok := p.peek(); ok {
		return tok.Offset
	}
	return len(p.input)
}

func (p *parser) syntaxErr(offset int, format string, args ...any) error {
	return &SyntaxError{Diagnostic: newDiagnostic(KindSyntax, p.input, offset, format, args...)}
}

func (p *parser) expect(kind TokenKind, what string) (Token, error) {
	tok, ok := p.peek()
	if !ok {
		return Token{}, p.syntaxErr(len(p.input), "expected %s, got end of input", what)
	}
	if tok.Kind != kind {
		return Token{}, p.syntaxErr(tok.Offset, "expected %s, got %s %q", what, tok.Kind, tok.Text)
	}
	p.pos++
	return tok, nil
}

func (p *parser) parseCall() (Call, error) {
	tok, ok := p.peek()
	if !ok || tok.Kind != TokenIdent || tok.Text != "name" {
		return Call{}, p.syntaxErr(p.offset(), `a tool call must start with name="<tool name>"`)
	}
	p.pos++
	if _, err := p.expect(TokenEquals, "'=' after name"); err != nil {
		return Call{}, err
	}
	nameTok, err := p.expect(TokenString, "quoted tool name")
	if err != nil {
		return Call{}, err
	}

	call := Call{Name: nameTok.Text, Args: map[string]any{}}
	for p.pos < len(p.tokens) {
		key, err := p.expect(TokenString, "quoted argument name")
		if err != nil {
			return Call{}, err
		}
		if _, err := p.expect(TokenEquals, "'=' after argument name"); err != nil {
			return Call{}, err
		}
		val, err := p.parseValue()
		if err != nil {
			return Call{}, err
		}
		call.Args[key.Text] = val
	}
	return call, nil
}

func (p *parser) parseValue() (any, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, p.syntaxErr(len(p.input), "expected a value, got end of input")
	}

	switch tok.Kind {
	case TokenString, TokenNumber, TokenBool:
		p.pos++
		return tok.Value, nil
	case TokenLBracket:
		p.pos++
		return p.parseArray(tok.Offset)
	}

	return nil, &TypeError{
		Diagnostic: newDiagnostic(KindType, p.input, tok.Offset,
			"expected a string, number, boolean or array, got %s %q", tok.Kind, tok.Text),
		Token: tok,
	}
}

func (p *parser) parseArray(open int) ([]any, error) {
	items := []any{}
	for {
		tok, ok := p.peek()
		if !ok {
			return nil, p.syntaxErr(len(p.input), "unterminated array opened at offset %d", open)
		}
		if tok.Kind == TokenRBracket {
			p.pos++
			return items, nil
		}
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
}

// Format renders a call in the grammar Parse accepts. Arguments are
// written in key order.
func Format(c Call) string {
	var sb strings.Builder
	sb.WriteString("name=")
	sb.WriteString(quote(c.Name))

	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(", ")
		sb.WriteString(quote(k))
		sb.WriteString("=")
		writeValue(&sb, c.Args[k])
	}
	return sb.String()
}

func writeValue(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case string:
		sb.WriteString(quote(x))
	case bool:
		sb.WriteString(strconv.FormatBool(x))
	case int:
		sb.WriteString(strconv.Itoa(x))
	case int64:
		sb.WriteString(strconv.FormatInt(x, 10))
	case float64:
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		sb.WriteString(s)
	case []any:
		sb.WriteString("[")
		for i, item := range x {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeValue(sb, item)
		}
		sb.WriteString("]")
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		writeValue(sb, items)
	default:
		sb.WriteString(quote(fmt.Sprint(x)))
	}
}

var quoteReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)

func quote(s string) string {
	return `"` + quoteReplacer.Replace(s) + `"`
}
