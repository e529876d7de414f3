package connectivity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/connectivity"
	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
	"github.com/opengit/wireproto/storage"
)

func oid(t *testing.T, h string) protocol.ObjectId {
	t.Helper()
	return hash.MustFromHex(h)
}

func TestFullCheckAcceptsFullyConnectedGraph(t *testing.T) {
	store := storage.NewInMemoryStore()
	root := oid(t, "1111111111111111111111111111111111111111")
	tip := oid(t, "2222222222222222222222222222222222222222")

	store.Put(root, storage.InMemoryObject{Type: hash.TypeCommit})
	store.Put(tip, storage.InMemoryObject{Type: hash.TypeCommit, Parents: []protocol.ObjectId{root}})

	checker := connectivity.NewFull(store)
	err := checker.Check(context.Background(), []protocol.ObjectId{tip}, []protocol.ObjectId{root}, nil)
	require.NoError(t, err)
}

func TestFullCheckAcceptsPackSuppliedObjects(t *testing.T) {
	store := storage.NewInMemoryStore()
	tip := oid(t, "3333333333333333333333333333333333333333")

	checker := connectivity.NewFull(store)
	err := checker.Check(context.Background(), []protocol.ObjectId{tip}, nil, []protocol.ObjectId{tip})
	require.NoError(t, err)
}

func TestFullCheckRejectsMissingObject(t *testing.T) {
	store := storage.NewInMemoryStore()
	tip := oid(t, "4444444444444444444444444444444444444444")

	checker := connectivity.NewFull(store)
	err := checker.Check(context.Background(), []protocol.ObjectId{tip}, nil, nil)

	var missing *connectivity.ErrMissingObject
	require.ErrorAs(t, err, &missing)
	require.Equal(t, tip, missing.ObjectId)
}

func TestIterativeFallsBackToFullWhenReducedInsufficient(t *testing.T) {
	store := storage.NewInMemoryStore()
	root := oid(t, "5555555555555555555555555555555555555555")
	tip := oid(t, "6666666666666666666666666666666666666666")

	store.Put(root, storage.InMemoryObject{Type: hash.TypeCommit})
	store.Put(tip, storage.InMemoryObject{Type: hash.TypeCommit, Parents: []protocol.ObjectId{root}})

	checker := connectivity.NewIterative(store)
	// Reduced left at its zero value: insufficient alone, forcing fallback
	// to the complete haves set passed to Check.
	err := checker.Check(
		context.Background(),
		[]protocol.ObjectId{tip},
		[]protocol.ObjectId{root}, // complete haves set covers it
		nil,
	)
	require.NoError(t, err)
}

func TestIterativeRejectsWhenFullWouldReject(t *testing.T) {
	store := storage.NewInMemoryStore()
	tip := oid(t, "7777777777777777777777777777777777777777")

	checker := connectivity.NewIterative(store)
	err := checker.Check(context.Background(), []protocol.ObjectId{tip}, nil, nil)

	var missing *connectivity.ErrMissingObject
	require.ErrorAs(t, err, &missing)
}
