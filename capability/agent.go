package capability

import "github.com/opengit/wireproto/protocol"

// ParseAgent extracts the "agent=" value from a capability set, reporting
// false when the peer did not advertise one. Git agent strings are
// free-form (e.g. "git/2.40.0", "nanogit/0.1"); no further validation is
// attempted here beyond trimming the capability prefix itself.
func ParseAgent(caps protocol.CapabilitySet) (string, bool) {
	return caps.Value(protocol.CapAgent)
}

// ParseSessionID extracts the "session-id=" value, used to correlate a
// client's retried requests across a flaky transport without assuming
// anything about its format.
func ParseSessionID(caps protocol.CapabilitySet) (string, bool) {
	return caps.Value(protocol.CapSessionID)
}
