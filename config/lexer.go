package config

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokLBrace
	tokRBrace
	tokEquals
	tokSemi
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	line int
}

// lex tokenizes the whole input up front; bareword strings and quoted
// strings both produce tokIdent/tokString respectively, numbers (decimal
// or 0x-prefixed hex) produce tokNumber, per spec.md §6's grammar.
func lex(input string) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	n := len(input)

	for i < n {
		c := input[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#':
			for i < n && input[i] != '\n' {
				i++
			}
		case c == '{':
			toks = append(toks, token{tokLBrace, "{", line})
			i++
		case c == '}':
			toks = append(toks, token{tokRBrace, "}", line})
			i++
		case c == '=':
			toks = append(toks, token{tokEquals, "=", line})
			i++
		case c == ';':
			toks = append(toks, token{tokSemi, ";", line})
			i++
		case c == '"':
			j := i + 1
			for j < n && input[j] != '"' {
				if input[j] == '\n' {
					return nil, fmt.Errorf("config: unterminated string at line %d", line)
				}
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("config: unterminated string at line %d", line)
			}
			toks = append(toks, token{tokString, input[i+1 : j], line})
			i = j + 1
		case isWordStart(c) || c == '/':
			j := i
			for j < n && isWordByte(input[j]) {
				j++
			}
			word := input[i:j]
			if looksNumeric(word) {
				toks = append(toks, token{tokNumber, word, line})
			} else {
				toks = append(toks, token{tokIdent, word, line})
			}
			i = j
		default:
			return nil, fmt.Errorf("config: unexpected character %q at line %d", c, line)
		}
	}

	toks = append(toks, token{tokEOF, "", line})
	return toks, nil
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-'
}

func isWordByte(c byte) bool {
	return isWordStart(c) || c == '.' || c == '/' || c == '\\'
}

func looksNumeric(word string) bool {
	if word == "" {
		return false
	}
	if strings.HasPrefix(word, "0x") || strings.HasPrefix(word, "0X") {
		return len(word) > 2
	}
	for _, r := range word {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
