package protocol

import "fmt"

// MaxWantHaveSet is the recommended upper bound on the number of object ids
// accumulated in a single want or have set, guarding against a misbehaving
// or malicious peer sending an unbounded request.
const MaxWantHaveSet = 65536

// ErrWantHaveSetTooLarge is returned by ObjectIdSet.Add once the set would
// exceed MaxWantHaveSet.
var ErrWantHaveSetTooLarge = fmt.Errorf("protocol: want/have set exceeds %d entries", MaxWantHaveSet)

// ObjectIdSet is an unordered, deduplicated, size-bounded set of object
// ids — the representation used for both a fetch request's want set and
// its have set.
type ObjectIdSet struct {
	ids   map[string]ObjectId
	limit int
}

// NewObjectIdSet returns an empty set bounded at MaxWantHaveSet entries.
func NewObjectIdSet() *ObjectIdSet {
	return &ObjectIdSet{ids: make(map[string]ObjectId), limit: MaxWantHaveSet}
}

// Add inserts id if not already present. Returns ErrWantHaveSetTooLarge if
// the set is already at its limit and id is new.
func (s *ObjectIdSet) Add(id ObjectId) error {
	key := id.String()
	if _, ok := s.ids[key]; ok {
		return nil
	}
	if len(s.ids) >= s.limit {
		return ErrWantHaveSetTooLarge
	}
	s.ids[key] = id
	return nil
}

// Has reports whether id is a member of the set.
func (s *ObjectIdSet) Has(id ObjectId) bool {
	_, ok := s.ids[id.String()]
	return ok
}

// Len returns the number of distinct object ids in the set.
func (s *ObjectIdSet) Len() int {
	return len(s.ids)
}

// Slice returns the set's members in unspecified order.
func (s *ObjectIdSet) Slice() []ObjectId {
	out := make([]ObjectId, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, id)
	}
	return out
}
