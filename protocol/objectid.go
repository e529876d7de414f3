// Package protocol holds the wire-level data model shared by every engine
// in this module: object identifiers, refs, receive commands, want/have
// sets, shallow/filter specs, capability sets, and packet-line framing
// constants. It deliberately knows nothing about how objects are stored or
// how refs are persisted — those are external collaborators (see storage).
package protocol

import "github.com/opengit/wireproto/protocol/hash"

// ObjectId is a 20-byte (SHA-1) or 32-byte (SHA-256) Git object identifier.
// It is the spec-level name for what protocol/hash calls a Hash; the two
// are the same type so every package can use whichever name reads better
// in context.
type ObjectId = hash.Hash

// ZeroObjectId returns the all-zeros object id for the given hash size,
// used on the wire to mean "ref does not exist" (creation's old id, or
// deletion's new id).
func ZeroObjectId(size int) ObjectId {
	return hash.ZeroOf(size)
}
