package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
)

// InMemoryObject is a fully materialised object kept in an InMemoryStore,
// used by tests and demo binaries in place of an on-disk object database.
type InMemoryObject struct {
	Type    hash.ObjectType
	Data    []byte
	Parents []protocol.ObjectId
}

// InMemoryStore is a map-backed ObjectStore. It is safe for concurrent use.
type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string]InMemoryObject
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string]InMemoryObject)}
}

// Put inserts or overwrites an object.
func (s *InMemoryStore) Put(id protocol.ObjectId, obj InMemoryObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id.String()] = obj
}

func (s *InMemoryStore) Has(_ context.Context, id protocol.ObjectId) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id.String()]
	return ok, nil
}

func (s *InMemoryStore) Open(_ context.Context, id protocol.ObjectId) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[id.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: object %s not found", id)
	}
	return io.NopCloser(strings.NewReader(string(obj.Data))), nil
}

func (s *InMemoryStore) Type(_ context.Context, id protocol.ObjectId) (hash.ObjectType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id.String()]
	if !ok {
		return "", fmt.Errorf("storage: object %s not found", id)
	}
	return obj.Type, nil
}

func (s *InMemoryStore) Size(_ context.Context, id protocol.ObjectId) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id.String()]
	if !ok {
		return 0, fmt.Errorf("storage: object %s not found", id)
	}
	return int64(len(obj.Data)), nil
}

func (s *InMemoryStore) Parents(_ context.Context, id protocol.ObjectId) ([]protocol.ObjectId, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id.String()]
	if !ok {
		return nil, fmt.Errorf("storage: object %s not found", id)
	}
	return obj.Parents, nil
}

// InMemoryRefDatabase is a map-backed RefDatabase for tests and demos.
type InMemoryRefDatabase struct {
	mu          sync.RWMutex
	refs        map[string]protocol.Ref
	checkedOut  string
}

// NewInMemoryRefDatabase returns an empty ref database.
func NewInMemoryRefDatabase() *InMemoryRefDatabase {
	return &InMemoryRefDatabase{refs: make(map[string]protocol.Ref)}
}

// SetCheckedOut marks name as the currently checked-out branch.
func (d *InMemoryRefDatabase) SetCheckedOut(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkedOut = name
}

// Put inserts or overwrites a ref directly, bypassing command validation;
// intended for seeding test fixtures.
func (d *InMemoryRefDatabase) Put(ref protocol.Ref) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs[ref.Name] = ref
}

func (d *InMemoryRefDatabase) List(_ context.Context, prefixes ...string) ([]protocol.Ref, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]protocol.Ref, 0, len(d.refs))
	for name, ref := range d.refs {
		if len(prefixes) == 0 {
			out = append(out, ref)
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				out = append(out, ref)
				break
			}
		}
	}
	return out, nil
}

func (d *InMemoryRefDatabase) Get(_ context.Context, name string) (protocol.Ref, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ref, ok := d.refs[name]
	return ref, ok, nil
}

func (d *InMemoryRefDatabase) ApplyCommands(_ context.Context, commands []*protocol.ReceiveCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, cmd := range commands {
		if cmd.Result != protocol.NotAttempted {
			continue
		}
		switch cmd.Type {
		case protocol.CommandDelete:
			delete(d.refs, cmd.Name)
		default:
			d.refs[cmd.Name] = protocol.Ref{Name: cmd.Name, ObjectId: cmd.NewId}
		}
		cmd.SetResult(protocol.OK, "")
	}
	return nil
}

func (d *InMemoryRefDatabase) IsCheckedOut(_ context.Context, name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkedOut == name
}
