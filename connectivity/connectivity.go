// Package connectivity implements the reachability check the Receive
// Engine runs before accepting a push: every object a set of new tips
// depends on must either already be owned (via the advertised haves) or
// have arrived in the just-received pack.
package connectivity

import (
	"context"
	"errors"
	"fmt"

	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/storage"
)

// ErrMissingObject is returned when a walk reaches an object that is
// neither UNINTERESTING (already owned) nor present in the received pack.
type ErrMissingObject struct {
	ObjectId protocol.ObjectId
}

func (e *ErrMissingObject) Error() string {
	return fmt.Sprintf("connectivity: missing object %s", e.ObjectId)
}

// Checker verifies that a set of new tips is fully connected to objects
// the receiver already has, given the objects just received in a pack.
type Checker interface {
	Check(ctx context.Context, tips, haves []protocol.ObjectId, packObjects []protocol.ObjectId) error
}

// WalkRecorder receives observations about a completed connectivity walk.
// Satisfied by *metrics.Recorder; left nil by default so this package does
// not depend on the metrics package directly.
type WalkRecorder interface {
	ObserveConnectivityWalk(checker string, visited int)
	ObserveConnectivityError(checker string)
}

// Full walks the object graph from scratch: tips are START, haves are
// UNINTERESTING, and every object reachable from a tip must either be
// UNINTERESTING or present in the received pack.
type Full struct {
	Store storage.ObjectStore

	// Metrics, if set, records the size and outcome of every walk this
	// checker runs.
	Metrics WalkRecorder
}

// NewFull returns a Full checker backed by store.
func NewFull(store storage.ObjectStore) *Full {
	return &Full{Store: store}
}

var (
	_ Checker = (*Full)(nil)
	_ Checker = (*Iterative)(nil)
)

func (f *Full) Check(ctx context.Context, tips, haves []protocol.ObjectId, packObjects []protocol.ObjectId) error {
	visited, err := f.walk(ctx, tips, haves, packObjects)
	recordWalk(f.Metrics, "full", visited, err)
	return err
}

// walk runs the graph traversal and returns the visited set alongside any
// error, so both Full.Check and Iterative.Check can instrument it without
// re-walking.
func (f *Full) walk(ctx context.Context, tips, haves []protocol.ObjectId, packObjects []protocol.ObjectId) (map[string]struct{}, error) {
	uninteresting := make(map[string]struct{}, len(haves))
	for _, h := range haves {
		uninteresting[h.String()] = struct{}{}
	}
	inPack := make(map[string]struct{}, len(packObjects))
	for _, o := range packObjects {
		inPack[o.String()] = struct{}{}
	}

	visited := make(map[string]struct{})
	queue := append([]protocol.ObjectId(nil), tips...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		key := id.String()
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}

		if _, ok := uninteresting[key]; ok {
			continue
		}

		has, err := f.Store.Has(ctx, id)
		if err != nil {
			return visited, fmt.Errorf("connectivity: checking object %s: %w", id, err)
		}
		if !has {
			if _, ok := inPack[key]; !ok {
				return visited, &ErrMissingObject{ObjectId: id}
			}
		}

		parents, err := f.Store.Parents(ctx, id)
		if err != nil {
			// A pack-only object (not yet committed to storage) has no
			// queryable parents through the store; treat it as a leaf for
			// this walk rather than failing the whole check.
			if _, ok := inPack[key]; ok {
				continue
			}
			return visited, fmt.Errorf("connectivity: listing parents of %s: %w", id, err)
		}
		queue = append(queue, parents...)
	}

	return visited, nil
}

func recordWalk(rec WalkRecorder, checker string, visited map[string]struct{}, err error) {
	if rec == nil {
		return
	}
	rec.ObserveConnectivityWalk(checker, len(visited))
	var missing *ErrMissingObject
	if err != nil && errors.As(err, &missing) {
		rec.ObserveConnectivityError(checker)
	}
}

// ReducedHavesInput carries the narrowed boundary set the Iterative
// checker tries first, per the Receive Engine's command batch.
type ReducedHavesInput struct {
	// UpdateOldIds are the old ids of UPDATE commands.
	UpdateOldIds []protocol.ObjectId
	// AdvertisedNewIds are the new ids of CREATE/UPDATE commands that
	// happen to already be advertised (e.g. a tag pointing at an existing
	// commit).
	AdvertisedNewIds []protocol.ObjectId
	// AdvertisedParents are the advertised parent commits of brand-new
	// tips.
	AdvertisedParents []protocol.ObjectId
	// ForcedHaves are additional object ids injected by policy.
	ForcedHaves []protocol.ObjectId
}

// Reduced flattens the input into the haves set the fast path uses.
func (r ReducedHavesInput) Reduced() []protocol.ObjectId {
	out := make([]protocol.ObjectId, 0, len(r.UpdateOldIds)+len(r.AdvertisedNewIds)+len(r.AdvertisedParents)+len(r.ForcedHaves))
	out = append(out, r.UpdateOldIds...)
	out = append(out, r.AdvertisedNewIds...)
	out = append(out, r.AdvertisedParents...)
	out = append(out, r.ForcedHaves...)
	return out
}

// Iterative wraps Full with a fast path: it first checks against a
// reduced haves set and only falls back to the complete advertised set on
// ErrMissingObject, satisfying P8 ("the iterative connectivity
// checker accepts a push iff the full checker would accept it"). It
// implements Checker, so it can replace Full wherever a Checker is wired.
type Iterative struct {
	full *Full

	// Reduced is the narrowed boundary set Check tries first. The caller
	// (typically the Receive Engine) populates it from the command batch
	// before each call.
	Reduced ReducedHavesInput

	// Metrics, if set, records the size and outcome of both the reduced
	// and, if it falls back, the complete walk.
	Metrics WalkRecorder
}

// NewIterative returns an Iterative checker backed by store.
func NewIterative(store storage.ObjectStore) *Iterative {
	return &Iterative{full: NewFull(store)}
}

// Check tries the reduced set first, then falls back to haves (the
// complete advertised set) on ErrMissingObject. Any other error from the
// reduced walk is returned as is.
func (it *Iterative) Check(ctx context.Context, tips, haves []protocol.ObjectId, packObjects []protocol.ObjectId) error {
	visited, err := it.full.walk(ctx, tips, it.Reduced.Reduced(), packObjects)
	if err == nil {
		recordWalk(it.Metrics, "iterative-reduced", visited, nil)
		return nil
	}
	recordWalk(it.Metrics, "iterative-reduced", visited, err)
	var missing *ErrMissingObject
	if !errors.As(err, &missing) {
		return err
	}

	visited, err = it.full.walk(ctx, tips, haves, packObjects)
	recordWalk(it.Metrics, "iterative-full", visited, err)
	return err
}
