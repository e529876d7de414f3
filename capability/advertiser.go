// Package capability implements the Capability Advertiser (C2): emitting a
// server's advertised references and capability set, and parsing the
// client's first-line capability selection.
package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/opengit/wireproto/log"
	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
)

// NewSessionID returns a fresh random session-id token suitable for the
// "session-id=<id>" capability, so callers that want one per connection
// don't need their own uuid import.
func NewSessionID() string {
	return uuid.NewString()
}

// AdvertiseRefsHook lets a caller restrict or override the set of refs
// advertised to a connecting peer. The default behavior (no hook installed)
// is to advertise every ref the collaborator returns.
type AdvertiseRefsHook interface {
	// Advertise is called with the full candidate ref list before
	// emission and returns the list that should actually be sent.
	Advertise(ctx context.Context, refs []protocol.Ref) ([]protocol.Ref, error)
}

// AdvertiseRefsHookFunc adapts a function to an AdvertiseRefsHook.
type AdvertiseRefsHookFunc func(ctx context.Context, refs []protocol.Ref) ([]protocol.Ref, error)

func (f AdvertiseRefsHookFunc) Advertise(ctx context.Context, refs []protocol.Ref) ([]protocol.Ref, error) {
	return f(ctx, refs)
}

// ErrHookAborted wraps a hook's error so it can be told apart from a
// transport failure; the advertiser sends it to the peer as "ERR <msg>".
type ErrHookAborted struct {
	Err error
}

func (e *ErrHookAborted) Error() string { return e.Err.Error() }
func (e *ErrHookAborted) Unwrap() error { return e.Err }

// ChainHooks composes hooks to run in declared order; the first to return
// an error aborts the chain with that error. A chain of zero hooks is the
// default "advertise all" behavior. A chain of exactly one hook is
// returned unwrapped, per the "hook chains" design note: no onion of
// indirection for the common case.
func ChainHooks(hooks ...AdvertiseRefsHook) AdvertiseRefsHook {
	filtered := make([]AdvertiseRefsHook, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			filtered = append(filtered, h)
		}
	}
	switch len(filtered) {
	case 0:
		return AdvertiseRefsHookFunc(func(_ context.Context, refs []protocol.Ref) ([]protocol.Ref, error) {
			return refs, nil
		})
	case 1:
		return filtered[0]
	default:
		return &hookChain{hooks: filtered}
	}
}

type hookChain struct {
	hooks []AdvertiseRefsHook
}

func (c *hookChain) Advertise(ctx context.Context, refs []protocol.Ref) ([]protocol.Ref, error) {
	cur := refs
	for _, h := range c.hooks {
		next, err := h.Advertise(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Advertiser emits the server's initial capability/ref advertisement for
// protocol v0/v1.
type Advertiser struct {
	Capabilities protocol.CapabilitySet
	Hook         AdvertiseRefsHook
	HashSize     int

	// SessionID is advertised as "session-id=<SessionID>" alongside the
	// rest of the capability set, letting a client correlate its own logs
	// with the server's for this connection. Left as the empty string to
	// suppress the token entirely (e.g. in tests asserting exact output).
	SessionID string
}

// NewAdvertiser returns an Advertiser with the "advertise all" default hook,
// the SHA-1 hash size, and a fresh session id.
func NewAdvertiser(caps protocol.CapabilitySet) *Advertiser {
	return &Advertiser{Capabilities: caps, Hook: ChainHooks(), HashSize: hash.Size20, SessionID: NewSessionID()}
}

// advertisedCapabilities returns the capability set actually written to the
// wire: a.Capabilities plus session-id, unless the caller already set one
// explicitly or suppressed it by leaving SessionID empty.
func (a *Advertiser) advertisedCapabilities() protocol.CapabilitySet {
	if a.SessionID == "" || a.Capabilities.Has(protocol.CapSessionID) {
		return a.Capabilities
	}
	caps := make(protocol.CapabilitySet, len(a.Capabilities)+1)
	for k, v := range a.Capabilities {
		caps[k] = v
	}
	caps[protocol.CapSessionID] = a.SessionID
	return caps
}

// Advertise writes the v0/v1 advertisement: a first reference line carrying
// the NUL-separated capability list, one packet per remaining ref (with
// "^{}" peeled lines where cheap), then a flush.
//
// If the (possibly hook-filtered) ref set is empty, a single synthetic
// capabilities-only advertisement is sent using the zero-id placeholder
// line "capabilities^{}", matching Git's behavior for brand-new
// repositories.
func (a *Advertiser) Advertise(ctx context.Context, w *pktline.Writer, refs []protocol.Ref) error {
	logger := log.FromContext(ctx)

	filtered, err := a.Hook.Advertise(ctx, refs)
	if err != nil {
		if werr := writeErr(w, err.Error()); werr != nil {
			return werr
		}
		return &ErrHookAborted{Err: err}
	}

	caps := a.advertisedCapabilities()
	logger.Debug("advertising refs", "refCount", len(filtered), "capabilities", caps.String(), "sessionID", a.SessionID)

	if len(filtered) == 0 {
		zero := protocol.ZeroObjectId(a.HashSize)
		first := fmt.Sprintf("%s capabilities^{}\x00%s\n", zero.String(), caps.String())
		if err := w.WriteString(first); err != nil {
			return err
		}
		return w.WriteEnd()
	}

	first := filtered[0]
	firstLine := fmt.Sprintf("%s %s\x00%s\n", refLineTarget(first), first.Name, caps.String())
	if err := w.WriteString(firstLine); err != nil {
		return err
	}
	if first.IsPeeled() {
		if err := w.WriteString(fmt.Sprintf("%s %s^{}\n", first.Peeled.String(), first.Name)); err != nil {
			return err
		}
	}

	for _, r := range filtered[1:] {
		if err := w.WriteString(fmt.Sprintf("%s %s\n", refLineTarget(r), r.Name)); err != nil {
			return err
		}
		if r.IsPeeled() {
			if err := w.WriteString(fmt.Sprintf("%s %s^{}\n", r.Peeled.String(), r.Name)); err != nil {
				return err
			}
		}
	}

	return w.WriteEnd()
}

func refLineTarget(r protocol.Ref) string {
	if r.IsSymbolic() {
		// Direct-only advertisement lines carry an object id; a symbolic
		// ref advertised this way is expected to have been resolved to its
		// target's object id by the collaborator before reaching here.
		return r.Symbolic
	}
	return r.ObjectId.String()
}

func writeErr(w *pktline.Writer, msg string) error {
	return w.WriteString(fmt.Sprintf("ERR %s\n", msg))
}

// ParseFirstLineV1 splits a v0/v1 first advertisement-consumption line
// ("<prefix> ...\x00<capabilities>") into the prefix part and the parsed
// capability set. Used by request parsers consuming a client's first want
// or command line.
func ParseFirstLineV1(line string) (prefix string, caps protocol.CapabilitySet) {
	nul := strings.IndexByte(line, 0)
	if nul < 0 {
		return line, protocol.NewCapabilitySet()
	}
	return line[:nul], protocol.NewCapabilitySet(strings.Fields(line[nul+1:])...)
}
