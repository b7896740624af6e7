package formula

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent            // cell reference or function name
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokLParen
	tokRParen
	tokComma
	tokColon
	tokLess
	tokLessEq
	tokGreater
	tokGreaterEq
	tokEq
	tokNotEq
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex tokenizes an expression (the formula body after the leading "=").
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			start := i
			seenDot := false
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.' && !seenDot) {
				if src[i] == '.' {
					seenDot = true
				}
				i++
			}
			tokens = append(tokens, token{tokNumber, src[start:i], start})
		case c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z':
			start := i
			for i < len(src) && (src[i] >= 'A' && src[i] <= 'Z' || src[i] >= 'a' && src[i] <= 'z' || src[i] >= '0' && src[i] <= '9') {
				i++
			}
			tokens = append(tokens, token{tokIdent, strings.ToUpper(src[start:i]), start})
		case c == '+':
			tokens = append(tokens, token{tokPlus, "+", i})
			i++
		case c == '-':
			tokens = append(tokens, token{tokMinus, "-", i})
			i++
		case c == '*':
			tokens = append(tokens, token{tokStar, "*", i})
			i++
		case c == '/':
			tokens = append(tokens, token{tokSlash, "/", i})
			i++
		case c == '%':
			tokens = append(tokens, token{tokPercent, "%", i})
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case c == ':':
			tokens = append(tokens, token{tokColon, ":", i})
			i++
		case c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokLessEq, "<=", i})
				i += 2
			} else if i+1 < len(src) && src[i+1] == '>' {
				tokens = append(tokens, token{tokNotEq, "<>", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokLess, "<", i})
				i++
			}
		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokGreaterEq, ">=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokGreater, ">", i})
				i++
			}
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				i += 2
			} else {
				i++
			}
			tokens = append(tokens, token{tokEq, "=", i})
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokNotEq, "!=", i})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
			}
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(src)})
	return tokens, nil
}
