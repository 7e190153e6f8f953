package config

import (
	"fmt"
	"strconv"
)

// parser is a small hand-rolled recursive-descent reader over the
// token stream; it holds no package-level state, unlike the original
// lexer's global state (Design Note §9).
type parser struct {
	toks []token
	pos  int
}

func parseProfiles(toks []token) ([]*Profile, error) {
	p := &parser{toks: toks}
	var profiles []*Profile
	for p.peek().kind != tokEOF {
		prof, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, prof)
	}
	return profiles, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != k {
		return token{}, fmt.Errorf("config: line %d: expected %s, got %q", t.line, what, t.text)
	}
	return t, nil
}

// parseBlock parses one `name { key = value; ... }` block.
func (p *parser) parseBlock() (*Profile, error) {
	nameTok, err := p.expectWord("vm name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLBrace, "'{'"); err != nil {
		return nil, err
	}

	prof := &Profile{
		Name:    nameTok.text,
		Offsets: make(map[string]uint64),
		Strings: make(map[string]string),
	}

	for p.peek().kind != tokRBrace {
		if p.peek().kind == tokEOF {
			return nil, fmt.Errorf("config: unterminated block %q", prof.Name)
		}
		if err := p.parseEntry(prof); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(tokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return prof, nil
}

// parseEntry parses one `key = value;` statement.
func (p *parser) parseEntry(prof *Profile) error {
	keyTok, err := p.expectWord("key")
	if err != nil {
		return err
	}
	if _, err := p.expect(tokEquals, "'='"); err != nil {
		return err
	}

	valTok := p.next()
	switch valTok.kind {
	case tokNumber:
		n, err := parseNumber(valTok.text)
		if err != nil {
			return fmt.Errorf("config: line %d: %w", valTok.line, err)
		}
		prof.Offsets[keyTok.text] = n
	case tokIdent, tokString:
		switch keyTok.text {
		case "ostype":
			prof.OSType = valTok.text
		case "sysmap":
			prof.Sysmap = valTok.text
		default:
			prof.Strings[keyTok.text] = valTok.text
		}
	default:
		return fmt.Errorf("config: line %d: expected a value for %q, got %q", valTok.line, keyTok.text, valTok.text)
	}

	if _, err := p.expect(tokSemi, "';'"); err != nil {
		return err
	}
	return nil
}

func (p *parser) expectWord(what string) (token, error) {
	t := p.next()
	if t.kind != tokIdent && t.kind != tokString {
		return token{}, fmt.Errorf("config: line %d: expected %s, got %q", t.line, what, t.text)
	}
	return t, nil
}

func parseNumber(s string) (uint64, error) {
	if len(s) > 1 && (s[1] == 'x' || s[1] == 'X') {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
