// Package config parses the line-oriented VM profile file format of
// spec.md §6: per-VM-name blocks of key/value offset entries consumed
// by the OS-introspection collaborator, not by the core itself. Parse
// is a pure function from bytes to a list of Profiles — no global lexer state,
// per Design Note §9's call-out that the original's global-state lexer
// becomes a pure function in this design.
package config

import (
	"fmt"
	"io"
)

// Profile is one `name { key = value; ... }` block's parsed offsets.
type Profile struct {
	Name    string
	OSType  string
	Sysmap  string
	Offsets map[string]uint64
	Strings map[string]string
}

// Parse reads every `name { ... }` block from r and returns one Profile
// per block, keyed by the order they appear in the file.
func Parse(r io.Reader) ([]*Profile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	toks, err := lex(string(data))
	if err != nil {
		return nil, fmt.Errorf("config: lex: %w", err)
	}
	return parseProfiles(toks)
}

// ProfileByName finds a profile's name block by VM name, per spec.md
// §6's "keyed by VM name".
func ProfileByName(profiles []*Profile, name string) (*Profile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}
