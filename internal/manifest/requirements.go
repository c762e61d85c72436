// Package manifest loads the two files that describe an app: the
// requirements.txt dependency manifest and the runway.yaml app manifest.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// RequirementsName is the conventional dependency manifest filename.
const RequirementsName = "requirements.txt"

// Requirement is one dependency line from a requirements manifest.
type Requirement struct {
	Name       string // canonical project name, lowercased per PEP 503
	Constraint string // everything after the name, as written
	Raw        string // the logical line with comments stripped
	Line       int    // 1-based line number of the first physical line
}

// File is a parsed requirements manifest. Raw holds the exact bytes read
// from disk; installers receive those bytes verbatim, never a re-rendering
// of Entries.
type File struct {
	Path    string
	Raw     []byte
	Hash    string // hex sha256 of Raw
	Entries []Requirement
}

// Names returns the canonical project names in manifest order.
func (f *File) Names() []string {
	out := make([]string, 0, len(f.Entries))
	for _, e := range f.Entries {
		out = append(out, e.Name)
	}
	return out
}

// ReadRequirements loads and parses the manifest at path.
func ReadRequirements(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requirements: %w", err)
	}
	entries, err := ParseRequirements(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return &File{
		Path:    path,
		Raw:     data,
		Hash:    hex.EncodeToString(sum[:]),
		Entries: entries,
	}, nil
}

// ParseRequirements parses requirements.txt content into its dependency
// lines. Blank lines and comments are skipped and backslash continuations
// are joined. Option lines (-r, -e, --index-url, ...) are rejected: they
// pull in state from outside the manifest, which would make the manifest
// hash meaningless.
func ParseRequirements(data []byte) ([]Requirement, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimPrefix(text, "﻿")

	var entries []Requirement
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		start := i + 1
		logical := lines[i]
		for strings.HasSuffix(logical, `\`) && i+1 < len(lines) {
			i++
			logical = strings.TrimSuffix(logical, `\`) + lines[i]
		}

		logical = strings.TrimSpace(stripComment(logical))
		if logical == "" {
			continue
		}
		if strings.HasPrefix(logical, "-") {
			return nil, fmt.Errorf("line %d: pip option %q is not supported in a requirements manifest", start, optionToken(logical))
		}

		req, err := parseRequirement(logical)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", start, err)
		}
		req.Line = start
		entries = append(entries, req)
	}
	return entries, nil
}

// stripComment removes a trailing # comment. Like pip, a # only starts a
// comment at the beginning of the line or after whitespace, so URL
// fragments such as #egg=name survive.
func stripComment(line string) string {
	for idx := 0; idx < len(line); idx++ {
		if line[idx] != '#' {
			continue
		}
		if idx == 0 || line[idx-1] == ' ' || line[idx-1] == '\t' {
			return line[:idx]
		}
	}
	return line
}

func optionToken(line string) string {
	if idx := strings.IndexAny(line, " \t="); idx > 0 {
		return line[:idx]
	}
	return line
}

func parseRequirement(raw string) (Requirement, error) {
	end := 0
	for end < len(raw) && isNameChar(raw[end]) {
		end++
	}
	if end == 0 {
		return Requirement{}, fmt.Errorf("parse requirement %q", raw)
	}
	return Requirement{
		Name:       canonicalName(raw[:end]),
		Constraint: strings.TrimSpace(raw[end:]),
		Raw:        raw,
	}, nil
}

func isNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.':
		return true
	default:
		return false
	}
}

// canonicalName lowercases the project name and collapses runs of
// separator characters to a single dash, per PEP 503.
func canonicalName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	sep := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('-')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}
