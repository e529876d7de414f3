// Package pushcert parses signed-push certificates: the header block,
// command block, and PGP signature block sent by a client that negotiated
// the push-cert capability.
package pushcert

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/opengit/wireproto/nonce"
)

const (
	expectedVersion  = "0.1"
	sigBeginMarker   = "-----BEGIN PGP SIGNATURE-----"
	sigEndMarker     = "-----END PGP SIGNATURE-----"
)

// ErrMalformed reports a structural violation of the certificate grammar,
// naming the state the parser was in when it failed.
type ErrMalformed struct {
	State string
	Line  string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("pushcert: malformed certificate in state %s at line %q", e.State, e.Line)
}

// PushCertificate is the parsed, structurally-valid form of a signed-push
// certificate. PushOptions is left empty by Parse: push-option lines
// arrive as a separate section of the receive-pack session, not as part
// of this header/command/signature grammar, and are attached by the
// caller once read.
type PushCertificate struct {
	Version     string
	PusherIdent string
	PusheeURL   string
	Nonce       string
	NonceStatus nonce.Status
	Commands    []string
	PushOptions []string
	RawSignature string

	// TextPayload is the exact byte sequence the signature was computed
	// over: the header block, blank line, and command block, verbatim.
	TextPayload string
}

// Verifier checks a certificate's cryptographic signature against its
// text payload. Parse never calls a Verifier itself; callers that need
// signature validation invoke one explicitly once parsing succeeds.
type Verifier interface {
	Verify(textPayload, pusherIdent, rawSignature string) error
}

type state int

const (
	stateHeader state = iota
	stateCommands
	stateSignature
	stateDone
)

// Parse reads a certificate from r per the fixed grammar:
//
//	version 0.1
//	pusher <ident>
//	pushee <url>        (optional)
//	nonce <nonce>
//	<blank line>
//	<oldId> <newId> <refname>[\0<capabilities>]
//	...
//	<blank line>
//	-----BEGIN PGP SIGNATURE-----
//	...
//	-----END PGP SIGNATURE-----
//
// Signature verification is not performed here; see Verifier.
func Parse(r io.Reader) (*PushCertificate, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	cert := &PushCertificate{}
	var payload strings.Builder
	var sig strings.Builder
	st := stateHeader

	for scanner.Scan() {
		line := scanner.Text()

		switch st {
		case stateHeader:
			switch {
			case strings.HasPrefix(line, "version "):
				cert.Version = strings.TrimPrefix(line, "version ")
				if cert.Version != expectedVersion {
					return nil, &ErrMalformed{State: "header", Line: line}
				}
				payload.WriteString(line)
				payload.WriteByte('\n')
			case strings.HasPrefix(line, "pusher "):
				cert.PusherIdent = strings.TrimPrefix(line, "pusher ")
				payload.WriteString(line)
				payload.WriteByte('\n')
			case strings.HasPrefix(line, "pushee "):
				cert.PusheeURL = strings.TrimPrefix(line, "pushee ")
				payload.WriteString(line)
				payload.WriteByte('\n')
			case strings.HasPrefix(line, "nonce "):
				cert.Nonce = strings.TrimPrefix(line, "nonce ")
				payload.WriteString(line)
				payload.WriteByte('\n')
			case line == "":
				if cert.Version == "" || cert.Nonce == "" {
					return nil, &ErrMalformed{State: "header", Line: line}
				}
				payload.WriteByte('\n')
				st = stateCommands
			default:
				return nil, &ErrMalformed{State: "header", Line: line}
			}

		case stateCommands:
			if line == "" {
				if len(cert.Commands) == 0 {
					return nil, &ErrMalformed{State: "commands", Line: line}
				}
				payload.WriteByte('\n')
				st = stateSignature
				continue
			}
			cert.Commands = append(cert.Commands, line)
			payload.WriteString(line)
			payload.WriteByte('\n')

		case stateSignature:
			if sig.Len() == 0 {
				if line != sigBeginMarker {
					return nil, &ErrMalformed{State: "signature", Line: line}
				}
			}
			sig.WriteString(line)
			sig.WriteByte('\n')
			if line == sigEndMarker {
				st = stateDone
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pushcert: reading certificate: %w", err)
	}
	if st != stateDone {
		return nil, &ErrMalformed{State: "eof", Line: ""}
	}

	cert.RawSignature = sig.String()
	cert.TextPayload = payload.String()
	return cert, nil
}
