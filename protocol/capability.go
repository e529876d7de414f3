package protocol

import (
	"sort"
	"strings"
)

// Capability is one token from the fixed vocabulary a server advertises and
// a client selects from.
type Capability string

// The fixed capability vocabulary. Capabilities carrying a value (e.g.
// "agent=git/2.40") use these as prefixes; see CapabilitySet.Value.
const (
	CapSideBand                = Capability("side-band")
	CapSideBand64k              = Capability("side-band-64k")
	CapMultiAck                 = Capability("multi_ack")
	CapMultiAckDetailed         = Capability("multi_ack_detailed")
	CapOfsDelta                 = Capability("ofs-delta")
	CapThinPack                 = Capability("thin-pack")
	CapNoProgress               = Capability("no-progress")
	CapIncludeTag               = Capability("include-tag")
	CapReportStatus             = Capability("report-status")
	CapReportStatusV2           = Capability("report-status-v2")
	CapDeleteRefs               = Capability("delete-refs")
	CapAtomic                   = Capability("atomic")
	CapPushOptions              = Capability("push-options")
	CapPushCert                 = Capability("push-cert")
	CapAgent                    = Capability("agent")
	CapSessionID                = Capability("session-id")
	CapObjectFormat             = Capability("object-format")
	CapShallow                  = Capability("shallow")
	CapFilter                   = Capability("filter")
	CapAllowTipSHA1InWant       = Capability("allow-tip-sha1-in-want")
	CapAllowReachableSHA1InWant = Capability("allow-reachable-sha1-in-want")
	CapQuiet                    = Capability("quiet")
)

// CapabilitySet is an unordered set of capability tokens. Value-bearing
// tokens ("agent=...", "push-cert=...") are stored keyed on the part before
// the '=' so Has/Value work uniformly for boolean and value capabilities.
type CapabilitySet map[Capability]string

// NewCapabilitySet builds a CapabilitySet from capability tokens that the
// caller has already split apart (e.g. with strings.Fields). Each token is
// trimmed of surrounding space; empty tokens are skipped.
func NewCapabilitySet(fields ...string) CapabilitySet {
	set := make(CapabilitySet, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if eq := strings.IndexByte(f, '='); eq >= 0 {
			set[Capability(f[:eq])] = f[eq+1:]
		} else {
			set[Capability(f)] = ""
		}
	}
	return set
}

// Has reports whether the capability was selected, regardless of whether it
// carries a value.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Value returns the value attached to a value-bearing capability (e.g.
// "agent=nanogit" -> "nanogit"), and whether the capability was present at
// all.
func (s CapabilitySet) Value(c Capability) (string, bool) {
	v, ok := s[c]
	return v, ok
}

// MultiAckMode reports which of the three negotiation ACK strategies is
// active, in priority order: multi_ack_detailed, then multi_ack, then plain.
type MultiAckMode int

const (
	MultiAckPlain MultiAckMode = iota
	MultiAckBasic
	MultiAckDetailed
)

// MultiAckMode derives the negotiated ACK strategy from the set.
func (s CapabilitySet) MultiAckMode() MultiAckMode {
	switch {
	case s.Has(CapMultiAckDetailed):
		return MultiAckDetailed
	case s.Has(CapMultiAck):
		return MultiAckBasic
	default:
		return MultiAckPlain
	}
}

// Tokens renders the set back to its wire form, sorted for determinism
// (Git does not require a specific order, but stable output makes protocol
// traces diffable).
func (s CapabilitySet) Tokens() []string {
	tokens := make([]string, 0, len(s))
	for c, v := range s {
		if v == "" {
			tokens = append(tokens, string(c))
		} else {
			tokens = append(tokens, string(c)+"="+v)
		}
	}
	sort.Strings(tokens)
	return tokens
}

// String joins Tokens with a single space, the form used in both the v0/v1
// first-ref-line suffix and v2 capability advertisement packets.
func (s CapabilitySet) String() string {
	return strings.Join(s.Tokens(), " ")
}
