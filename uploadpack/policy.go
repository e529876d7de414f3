package uploadpack

import (
	"context"
	"fmt"

	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
	"github.com/opengit/wireproto/storage"
)

// RequestPolicy governs which object ids a client may put in a want line.
type RequestPolicy int

const (
	// PolicyAdvertised: a want must match an advertised ref's object id
	// exactly.
	PolicyAdvertised RequestPolicy = iota
	// PolicyReachableCommit: a want must be a commit reachable by walking
	// parent links from an advertised ref.
	PolicyReachableCommit
	// PolicyReachableCommitTip: union of ReachableCommit and Tip.
	PolicyReachableCommitTip
	// PolicyTip: a want must be the direct target of some ref, advertised
	// or not.
	PolicyTip
	// PolicyAny: a want may be any object id the store has.
	PolicyAny
)

// ErrWantNotAllowed is returned when a want violates the negotiated
// RequestPolicy.
type ErrWantNotAllowed struct {
	ObjectId protocol.ObjectId
	Policy   RequestPolicy
}

func (e *ErrWantNotAllowed) Error() string {
	return fmt.Sprintf("uploadpack: want %s not permitted under policy %d", e.ObjectId, e.Policy)
}

// maxReachabilityWalk bounds the ancestry walk PolicyReachableCommit
// performs per want, guarding against a pathological history turning a
// single request into an unbounded scan.
const maxReachabilityWalk = 100000

// ValidateWant checks id against policy given the set of refs the server
// advertised for this session and the backing object store.
func ValidateWant(ctx context.Context, id protocol.ObjectId, advertised []protocol.Ref, allRefs []protocol.Ref, store storage.ObjectStore, policy RequestPolicy) error {
	switch policy {
	case PolicyAdvertised:
		if refTargets(advertised).has(id) {
			return nil
		}
		return &ErrWantNotAllowed{ObjectId: id, Policy: policy}

	case PolicyTip:
		if refTargets(allRefs).has(id) {
			return nil
		}
		return &ErrWantNotAllowed{ObjectId: id, Policy: policy}

	case PolicyReachableCommit:
		if reachableFrom(ctx, id, refTargets(advertised).slice(), store) {
			return nil
		}
		return &ErrWantNotAllowed{ObjectId: id, Policy: policy}

	case PolicyReachableCommitTip:
		if refTargets(allRefs).has(id) || reachableFrom(ctx, id, refTargets(advertised).slice(), store) {
			return nil
		}
		return &ErrWantNotAllowed{ObjectId: id, Policy: policy}

	case PolicyAny:
		has, err := store.Has(ctx, id)
		if err != nil {
			return fmt.Errorf("uploadpack: checking want %s: %w", id, err)
		}
		if has {
			return nil
		}
		return &ErrWantNotAllowed{ObjectId: id, Policy: policy}

	default:
		return &ErrWantNotAllowed{ObjectId: id, Policy: policy}
	}
}

type idSet map[string]struct{}

func refTargets(refs []protocol.Ref) idSet {
	s := make(idSet, len(refs))
	for _, r := range refs {
		if !r.IsSymbolic() {
			s[r.ObjectId.String()] = struct{}{}
		}
	}
	return s
}

func (s idSet) has(id protocol.ObjectId) bool {
	_, ok := s[id.String()]
	return ok
}

func (s idSet) slice() []protocol.ObjectId {
	out := make([]protocol.ObjectId, 0, len(s))
	for k := range s {
		id, err := hash.FromHex(k)
		if err == nil {
			out = append(out, id)
		}
	}
	return out
}

// reachableFrom walks parent links from each tip looking for target,
// bounded by maxReachabilityWalk visited nodes.
func reachableFrom(ctx context.Context, target protocol.ObjectId, tips []protocol.ObjectId, store storage.ObjectStore) bool {
	visited := make(map[string]struct{})
	queue := append([]protocol.ObjectId(nil), tips...)

	for len(queue) > 0 && len(visited) < maxReachabilityWalk {
		id := queue[0]
		queue = queue[1:]

		key := id.String()
		if _, ok := visited[key]; ok {
			continue
		}
		visited[key] = struct{}{}

		if id.Is(target) {
			return true
		}

		parents, err := store.Parents(ctx, id)
		if err != nil {
			continue
		}
		queue = append(queue, parents...)
	}
	return false
}
