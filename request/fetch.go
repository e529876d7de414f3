// Package request parses client-to-server request bodies: the v0/v1
// want/have negotiation lines and the v2 command envelope.
package request

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/opengit/wireproto/capability"
	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
)

// ErrNonPositiveDeepen is returned when a "deepen <n>" line gives n <= 0.
var ErrNonPositiveDeepen = errors.New("request: deepen depth must be positive")

// ErrNonPositiveDeepenSince is returned when a "deepen-since <ts>" line
// gives ts <= 0.
var ErrNonPositiveDeepenSince = errors.New("request: deepen-since timestamp must be positive")

// ErrFilterNotAdvertised is returned when a client sends a "filter" line
// without the server having advertised the filter capability.
var ErrFilterNotAdvertised = errors.New("request: filter line sent without filter capability advertised")

// ErrDuplicateFilter is returned when a client sends more than one
// "filter" line in the same request.
var ErrDuplicateFilter = errors.New("request: duplicate filter line")

// FetchRequest is the parsed form of a v0/v1 upload-pack negotiation: the
// want set (with capabilities read off the first want line), the have set
// accumulated across negotiation rounds, shallow state, and an optional
// "done" terminator.
type FetchRequest struct {
	Wants        *protocol.ObjectIdSet
	Haves        *protocol.ObjectIdSet
	Capabilities protocol.CapabilitySet
	Shallow      []protocol.ObjectId
	Deepen       protocol.DeepenSpec
	Filter       *protocol.FilterSpec
	Done         bool
}

// ErrUnknownLine is returned when a line does not match any recognised
// negotiation command.
type ErrUnknownLine struct {
	Line string
}

func (e *ErrUnknownLine) Error() string {
	return fmt.Sprintf("request: unrecognised negotiation line %q", e.Line)
}

// ParseFetchRequest reads v0/v1 negotiation lines from r until a flush
// packet, populating a FetchRequest. It does not itself loop across
// multiple negotiation rounds (haves may arrive in several flush-delimited
// batches) — callers invoke it once per round and merge the returned
// Haves/Done state. serverCaps is the capability set the server
// advertised, used to reject a "filter" line when filtering was never
// offered.
func ParseFetchRequest(r *pktline.Reader, into *FetchRequest, serverCaps protocol.CapabilitySet) error {
	if into.Wants == nil {
		into.Wants = protocol.NewObjectIdSet()
	}
	if into.Haves == nil {
		into.Haves = protocol.NewObjectIdSet()
	}
	if into.Capabilities == nil {
		into.Capabilities = protocol.NewCapabilitySet()
	}

	first := true
	for {
		kind, line, err := r.ReadPacket()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if kind == pktline.KindFlush {
			break
		}
		if kind != pktline.KindData {
			continue
		}

		text := strings.TrimRight(string(line), "\n")
		if first {
			first = false
			if prefix, caps := capability.ParseFirstLineV1(text); strings.Contains(text, "\x00") {
				text = prefix
				for c, v := range caps {
					into.Capabilities[c] = v
				}
			}
		}

		if err := applyLine(into, text, serverCaps); err != nil {
			return err
		}
	}

	if err := into.Deepen.Validate(); err != nil {
		return err
	}
	return nil
}

func applyLine(into *FetchRequest, text string, serverCaps protocol.CapabilitySet) error {
	switch {
	case text == "done":
		into.Done = true
		return nil

	case strings.HasPrefix(text, "want "):
		fields := strings.Fields(strings.TrimPrefix(text, "want "))
		oidText := ""
		if len(fields) > 0 {
			oidText = fields[0]
		}
		id, err := hash.FromHex(oidText)
		if err != nil {
			return fmt.Errorf("request: parsing want line: %w", err)
		}
		if len(fields) > 1 {
			for c, v := range protocol.NewCapabilitySet(fields[1:]...) {
				into.Capabilities[c] = v
			}
		}
		return into.Wants.Add(id)

	case strings.HasPrefix(text, "have "):
		id, err := hash.FromHex(strings.TrimSpace(strings.TrimPrefix(text, "have ")))
		if err != nil {
			return fmt.Errorf("request: parsing have line: %w", err)
		}
		return into.Haves.Add(id)

	case strings.HasPrefix(text, "shallow "):
		id, err := hash.FromHex(strings.TrimSpace(strings.TrimPrefix(text, "shallow ")))
		if err != nil {
			return fmt.Errorf("request: parsing shallow line: %w", err)
		}
		into.Shallow = append(into.Shallow, id)
		into.Deepen.ClientShallow = append(into.Deepen.ClientShallow, id)
		return nil

	case strings.HasPrefix(text, "deepen "):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(text, "deepen ")))
		if err != nil {
			return fmt.Errorf("request: parsing deepen line: %w", err)
		}
		if n <= 0 {
			return ErrNonPositiveDeepen
		}
		into.Deepen.Depth = n
		return nil

	case strings.HasPrefix(text, "deepen-since "):
		ts, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(text, "deepen-since ")), 10, 64)
		if err != nil {
			return fmt.Errorf("request: parsing deepen-since line: %w", err)
		}
		if ts <= 0 {
			return ErrNonPositiveDeepenSince
		}
		into.Deepen.DeepenSince = ts
		return nil

	case strings.HasPrefix(text, "deepen-not "):
		ref := strings.TrimSpace(strings.TrimPrefix(text, "deepen-not "))
		into.Deepen.DeepenNot = append(into.Deepen.DeepenNot, ref)
		return nil

	case strings.HasPrefix(text, "filter "):
		if !serverCaps.Has(protocol.CapFilter) {
			return ErrFilterNotAdvertised
		}
		if into.Filter != nil {
			return ErrDuplicateFilter
		}
		spec, err := protocol.ParseFilterSpec(strings.TrimPrefix(text, "filter "))
		if err != nil {
			return err
		}
		into.Filter = &spec
		return nil

	default:
		return &ErrUnknownLine{Line: text}
	}
}
