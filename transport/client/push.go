package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/opengit/wireproto/log"
	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
)

// PushSession drives a receive-pack push from the client side: it writes
// the command lines, an optional push certificate, and the pack, then
// parses the report-status response back onto the commands passed in.
type PushSession struct {
	Raw RawClient

	// Atomic requests all-or-nothing semantics from the server.
	Atomic bool
	// ReportStatus requests a structured per-command result in the
	// response; without it the server applies the push but reports
	// nothing back.
	ReportStatus bool

	// Signer, if set, is consulted to produce a push certificate body
	// for the nonce the server advertised.
	Signer PushCertSigner

	// SessionID is stamped onto the first command line as
	// "session-id=<SessionID>", letting the server correlate its logs
	// for this push with the client's own. Left empty to suppress it.
	SessionID string
}

// PushCertSigner produces a signed push certificate body (the pushcert
// wire format, signature included) given the server-issued nonce and the
// commands being pushed.
type PushCertSigner interface {
	Sign(ctx context.Context, nonce string, commands []*protocol.ReceiveCommand) (string, error)
}

// NewPushSession returns a session bound to raw with report-status
// requested by default and a fresh random session id.
func NewPushSession(raw RawClient) *PushSession {
	return &PushSession{Raw: raw, ReportStatus: true, SessionID: uuid.NewString()}
}

// PushResult is the outcome of a completed push.
type PushResult struct {
	UnpackOK    bool
	UnpackError string
}

// Push sends commands and pack (nil if every command is a delete) to the
// server. serverNonce is the "push-cert=<nonce>" value read from the
// server's capability advertisement; it is empty when signed push is not
// in use.
func (s *PushSession) Push(ctx context.Context, commands []*protocol.ReceiveCommand, pack io.Reader, serverNonce string) (*PushResult, error) {
	logger := log.FromContext(ctx)

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)

	caps := s.capabilityTokens()

	if s.Signer != nil && serverNonce != "" {
		certBody, err := s.Signer.Sign(ctx, serverNonce, commands)
		if err != nil {
			return nil, fmt.Errorf("client: signing push certificate: %w", err)
		}
		if err := writePushCert(w, certBody, caps); err != nil {
			return nil, err
		}
	} else if err := writeCommandLines(w, commands, caps); err != nil {
		return nil, err
	}

	if err := w.WriteFlush(); err != nil {
		return nil, err
	}

	if pack != nil {
		if _, err := io.Copy(&buf, pack); err != nil {
			return nil, fmt.Errorf("client: copying pack into push body: %w", err)
		}
	}

	logger.Debug("transport: push request", "sessionID", s.SessionID, "commandCount", len(commands), "hasPack", pack != nil)

	resBody, err := s.Raw.ReceivePack(ctx, &buf)
	if err != nil {
		return nil, fmt.Errorf("client: push: %w", err)
	}
	defer resBody.Close()

	if !s.ReportStatus {
		return &PushResult{UnpackOK: true}, nil
	}
	return parseReportStatus(resBody, commands)
}

func (s *PushSession) capabilityTokens() []string {
	var caps []string
	if s.Atomic {
		caps = append(caps, "atomic")
	}
	if s.ReportStatus {
		caps = append(caps, "report-status")
	}
	if s.SessionID != "" {
		caps = append(caps, "session-id="+s.SessionID)
	}
	return caps
}

func writeCommandLines(w *pktline.Writer, commands []*protocol.ReceiveCommand, caps []string) error {
	for i, cmd := range commands {
		line := fmt.Sprintf("%s %s %s", cmd.OldId.String(), cmd.NewId.String(), cmd.Name)
		if i == 0 && len(caps) > 0 {
			line += "\x00" + strings.Join(caps, " ")
		}
		if err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func writePushCert(w *pktline.Writer, certBody string, caps []string) error {
	lines := strings.SplitAfter(certBody, "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		if err := w.WriteString(line); err != nil {
			return err
		}
	}
	if len(caps) > 0 {
		if err := w.WriteString("push-cert-end\n"); err != nil {
			return err
		}
	}
	return nil
}

func parseReportStatus(body io.Reader, commands []*protocol.ReceiveCommand) (*PushResult, error) {
	r := pktline.NewReader(body)

	unpackLine, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("client: reading unpack status: %w", err)
	}

	result := &PushResult{}
	switch {
	case unpackLine == "unpack ok":
		result.UnpackOK = true
	case strings.HasPrefix(unpackLine, "unpack "):
		result.UnpackError = strings.TrimPrefix(unpackLine, "unpack ")
	default:
		return nil, fmt.Errorf("client: malformed unpack status line %q", unpackLine)
	}

	byName := make(map[string]*protocol.ReceiveCommand, len(commands))
	for _, cmd := range commands {
		byName[cmd.Name] = cmd
	}

	for {
		line, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("client: reading command status: %w", err)
		}
		if line == pktline.END {
			break
		}

		switch {
		case strings.HasPrefix(line, "ok "):
			name := strings.TrimPrefix(line, "ok ")
			if cmd, ok := byName[name]; ok && !cmd.Attempted() {
				cmd.SetResult(protocol.OK, "")
			}
		case strings.HasPrefix(line, "ng "):
			rest := strings.TrimPrefix(line, "ng ")
			name, reason, _ := strings.Cut(rest, " ")
			if cmd, ok := byName[name]; ok && !cmd.Attempted() {
				cmd.SetResult(protocol.RejectedOtherReason, reason)
			}
		}
	}

	return result, nil
}
