// Package storage defines the collaborator interfaces the protocol engines
// depend on but do not implement themselves: object access, ref storage,
// and pack parsing/writing. Concrete backends (on-disk, in-memory, remote)
// satisfy these from outside this module.
package storage

import (
	"context"
	"io"

	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
)

// ObjectStore resolves and reads objects by id. Implementations are
// expected to provide their own concurrency control; callers treat it as
// a black box that may be shared across sessions.
type ObjectStore interface {
	// Has reports whether id is present locally, without reading it.
	Has(ctx context.Context, id protocol.ObjectId) (bool, error)
	// Open returns a reader positioned at the start of the object's raw
	// content (not including the "<type> <size>\0" header).
	Open(ctx context.Context, id protocol.ObjectId) (io.ReadCloser, error)
	// Type returns the object's type without reading its full content.
	Type(ctx context.Context, id protocol.ObjectId) (hash.ObjectType, error)
	// Size returns the object's uncompressed content size in bytes.
	Size(ctx context.Context, id protocol.ObjectId) (int64, error)
	// Parents returns the parent commit ids of a commit object, or the
	// direct child object ids of a tree, needed for connectivity walks.
	// For blobs and tags it returns an empty slice.
	Parents(ctx context.Context, id protocol.ObjectId) ([]protocol.ObjectId, error)
}

// RefDatabase is the authoritative store of references. It owns its own
// concurrency control: the Receive Engine treats it as a black box that
// may fail a single update or the whole batch.
type RefDatabase interface {
	// List returns every ref whose name has one of the given prefixes, or
	// every ref if prefixes is empty.
	List(ctx context.Context, prefixes ...string) ([]protocol.Ref, error)
	// Get resolves a single ref by name, returning (ref, true, nil) if it
	// exists.
	Get(ctx context.Context, name string) (protocol.Ref, bool, error)
	// ApplyCommands executes a batch of already-validated commands. It may
	// apply them as a single transaction; any per-command failure must be
	// reflected by calling SetResult on that command with a rejection
	// result rather than returning an error for the whole batch, unless
	// the database itself failed catastrophically.
	ApplyCommands(ctx context.Context, commands []*protocol.ReceiveCommand) error
	// IsCheckedOut reports whether name is the currently checked-out
	// branch, used to enforce REJECTED_CURRENT_BRANCH.
	IsCheckedOut(ctx context.Context, name string) bool
}

// PackLock represents exclusive ownership of a just-received pack file on
// disk (a ".keep" lock) until the Receive Engine decides to keep or
// discard it. Unlock is single-shot: calling it more than once is a no-op
// that returns the first call's error, satisfying the "PackLock.unlock()
// is called exactly once in total" invariant even when callers are sloppy
// about scoped release.
type PackLock interface {
	Unlock() error
}

// ParsedPack is the result of parsing an incoming pack stream: its
// resolved object ids (for connectivity checks) and the lock guarding the
// underlying file until the caller commits or discards it.
type ParsedPack struct {
	ObjectIds []protocol.ObjectId
	Lock      PackLock
}

// PackParser reads a pack stream off the wire, verifies its checksum, and
// indexes it, returning an exclusive lock the caller must release exactly
// once.
type PackParser interface {
	Parse(ctx context.Context, r io.Reader, lockMessage string) (*ParsedPack, error)
}

// PackWriteOptions configures how PackWriter enumerates and encodes the
// objects it streams.
type PackWriteOptions struct {
	ThinPack  bool
	OfsDelta  bool
	IncludeTag bool
	Filter    *protocol.FilterSpec
	Deepen    protocol.DeepenSpec
}

// PackWriter streams a pack satisfying a negotiated want/have set to w.
type PackWriter interface {
	WritePack(ctx context.Context, w io.Writer, wants, haves []protocol.ObjectId, opts PackWriteOptions) error
}
