// Package bundle parses the v2 git bundle wire format: a magic line,
// prerequisite commits the reader must already have, the tip refs the
// bundle carries, and a trailing raw pack.
package bundle

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
)

// magicV2 is the only signature this package understands. A v3 bundle
// (capability lines between the magic and the prerequisites) is rejected
// rather than silently misparsed.
const magicV2 = "# v2 git bundle"

// Prerequisite names an object the bundle assumes its reader already has;
// fetching from a bundle whose prerequisites are missing locally fails
// before the pack is ever touched.
type Prerequisite struct {
	ObjectId protocol.ObjectId
	Comment  string
}

// Bundle is the parsed header of a v2 bundle stream. Pack is positioned at
// the first byte of the raw pack data and must be read before the
// underlying stream is closed.
type Bundle struct {
	Prerequisites []Prerequisite
	Refs          []protocol.Ref
	Pack          io.Reader
}

// ErrMalformed reports a structural violation of the bundle grammar,
// naming the line that failed to parse.
type ErrMalformed struct {
	Line string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("bundle: malformed line %q", e.Line)
}

// Parse reads a v2 bundle header from r:
//
//	# v2 git bundle
//	-<oid>[ <comment>]
//	...
//	<oid> <refname>
//	...
//	<blank line>
//	<raw pack>
//
// The returned Bundle's Pack field streams from r's remaining bytes; Parse
// itself never reads past the header's terminating blank line.
func Parse(r io.Reader) (*Bundle, error) {
	br := bufio.NewReader(r)

	magic, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("bundle: reading magic line: %w", err)
	}
	if magic != magicV2 {
		return nil, fmt.Errorf("bundle: unsupported signature %q", magic)
	}

	b := &Bundle{}
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, fmt.Errorf("bundle: reading header: %w", err)
		}
		if line == "" {
			break
		}

		if strings.HasPrefix(line, "-") {
			prereq, err := parsePrerequisite(line)
			if err != nil {
				return nil, err
			}
			b.Prerequisites = append(b.Prerequisites, prereq)
			continue
		}

		ref, err := parseRefLine(line)
		if err != nil {
			return nil, err
		}
		b.Refs = append(b.Refs, ref)
	}

	b.Pack = br
	return b, nil
}

func parsePrerequisite(line string) (Prerequisite, error) {
	body := strings.TrimPrefix(line, "-")
	oidText, comment, _ := strings.Cut(body, " ")
	id, err := hash.FromHex(oidText)
	if err != nil {
		return Prerequisite{}, &ErrMalformed{Line: line}
	}
	return Prerequisite{ObjectId: id, Comment: comment}, nil
}

func parseRefLine(line string) (protocol.Ref, error) {
	oidText, name, ok := strings.Cut(line, " ")
	if !ok || name == "" {
		return protocol.Ref{}, &ErrMalformed{Line: line}
	}
	id, err := hash.FromHex(oidText)
	if err != nil {
		return protocol.Ref{}, &ErrMalformed{Line: line}
	}
	return protocol.Ref{Name: name, ObjectId: id}, nil
}

// readLine reads one newline-terminated line from br, stripping the
// trailing "\n" (and a preceding "\r", tolerating CRLF bundles). Returns
// the line unterminated even on the final line of the header, where
// io.EOF can arrive before a newline; a genuinely empty stream still
// surfaces as an error since a valid bundle always has a magic line.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
		}
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}
