package request

import (
	"fmt"
	"io"
	"strings"

	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
)

// CommandRequest is a parsed v2 command envelope: the selected command,
// the common capability-style arguments sent before the delimiter packet
// (agent=, session-id=, object-format=, server-option=), and the raw
// command-specific argument lines sent after it.
type CommandRequest struct {
	Command string

	Agent          string
	SessionID      string
	ObjectFormat   string
	ServerOptions  []string

	Args []string
}

// ErrMissingCommand is returned when the envelope's first line is not a
// "command=" line.
var ErrMissingCommand = fmt.Errorf("request: v2 envelope missing command= line")

// ParseCommandEnvelope reads a v2 request: a "command=<name>" line,
// zero or more common capability argument lines, a delimiter packet, zero
// or more command-specific argument lines, and a terminating flush.
func ParseCommandEnvelope(r *pktline.Reader) (*CommandRequest, error) {
	req := &CommandRequest{}

	kind, line, err := r.ReadPacket()
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(line), "\n")
	if kind != pktline.KindData || !strings.HasPrefix(text, "command=") {
		return nil, ErrMissingCommand
	}
	req.Command = strings.TrimPrefix(text, "command=")

	// Common args precede the delimiter.
	for {
		kind, line, err := r.ReadPacket()
		if err != nil {
			if err == io.EOF {
				return req, nil
			}
			return nil, err
		}
		if kind == pktline.KindDelim || kind == pktline.KindFlush {
			if kind == pktline.KindFlush {
				return req, nil
			}
			break
		}
		if kind != pktline.KindData {
			continue
		}
		applyCommonArg(req, strings.TrimRight(string(line), "\n"))
	}

	for {
		kind, line, err := r.ReadPacket()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if kind == pktline.KindFlush {
			break
		}
		if kind != pktline.KindData {
			continue
		}
		req.Args = append(req.Args, strings.TrimRight(string(line), "\n"))
	}

	return req, nil
}

func applyCommonArg(req *CommandRequest, text string) {
	switch {
	case strings.HasPrefix(text, "agent="):
		req.Agent = strings.TrimPrefix(text, "agent=")
	case strings.HasPrefix(text, "session-id="):
		req.SessionID = strings.TrimPrefix(text, "session-id=")
	case strings.HasPrefix(text, "object-format="):
		req.ObjectFormat = strings.TrimPrefix(text, "object-format=")
	case strings.HasPrefix(text, "server-option="):
		req.ServerOptions = append(req.ServerOptions, strings.TrimPrefix(text, "server-option="))
	}
}

// LsRefsArgs is the parsed argument set of a v2 "ls-refs" command.
type LsRefsArgs struct {
	Symrefs    bool
	Peel       bool
	RefPrefix  []string
}

// ParseLsRefsArgs interprets a CommandRequest's Args as ls-refs arguments.
func ParseLsRefsArgs(args []string) LsRefsArgs {
	var out LsRefsArgs
	for _, a := range args {
		switch {
		case a == "symrefs":
			out.Symrefs = true
		case a == "peel":
			out.Peel = true
		case strings.HasPrefix(a, "ref-prefix "):
			out.RefPrefix = append(out.RefPrefix, strings.TrimPrefix(a, "ref-prefix "))
		}
	}
	return out
}

// ObjectInfoArgs is the parsed argument set of a v2 "object-info" command.
type ObjectInfoArgs struct {
	Size bool
	Oids []string
}

// ParseObjectInfoArgs interprets a CommandRequest's Args as object-info
// arguments.
func ParseObjectInfoArgs(args []string) ObjectInfoArgs {
	var out ObjectInfoArgs
	for _, a := range args {
		switch {
		case a == "size":
			out.Size = true
		case strings.HasPrefix(a, "oid "):
			out.Oids = append(out.Oids, strings.TrimPrefix(a, "oid "))
		}
	}
	return out
}

// ParseFetchArgsV2 parses a v2 "fetch" command's argument lines using the
// same line grammar as the v1 negotiation body (want/have/done/shallow/
// deepen*/filter), since the v2 command reuses that vocabulary verbatim
// rather than redefining it. serverCaps is the capability set the server
// advertised, used to reject a "filter" line when filtering was never
// offered.
func ParseFetchArgsV2(args []string, serverCaps protocol.CapabilitySet) (*FetchRequest, error) {
	req := &FetchRequest{
		Wants:        protocol.NewObjectIdSet(),
		Haves:        protocol.NewObjectIdSet(),
		Capabilities: protocol.NewCapabilitySet(),
	}
	for _, line := range args {
		if err := applyLine(req, line, serverCaps); err != nil {
			return nil, err
		}
	}
	if err := req.Deepen.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
